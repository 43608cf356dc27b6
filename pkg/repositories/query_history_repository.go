package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumen-bi/lumen-engine/pkg/models"
)

// QueryHistoryRepository provides data access for executed query records.
type QueryHistoryRepository interface {
	Create(ctx context.Context, entry *models.QueryHistoryEntry) error
	List(ctx context.Context, filters models.QueryHistoryFilters) ([]*models.QueryHistoryEntry, int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type queryHistoryRepository struct {
	pool *pgxpool.Pool
}

func NewQueryHistoryRepository(pool *pgxpool.Pool) QueryHistoryRepository {
	return &queryHistoryRepository{pool: pool}
}

var _ QueryHistoryRepository = (*queryHistoryRepository)(nil)

func (r *queryHistoryRepository) Create(ctx context.Context, entry *models.QueryHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO query_history (
			id, datasource_id, sql,
			executed_at, duration_ms, row_count, truncated, error,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.DatasourceID,
		entry.SQL,
		entry.ExecutedAt,
		entry.DurationMs,
		entry.RowCount,
		entry.Truncated,
		entry.Error,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create query history entry: %w", err)
	}

	return nil
}

func (r *queryHistoryRepository) List(ctx context.Context, filters models.QueryHistoryFilters) ([]*models.QueryHistoryEntry, int, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filters.DatasourceID != nil {
		conditions = append(conditions, fmt.Sprintf("datasource_id = $%d", argIdx))
		args = append(args, *filters.DatasourceID)
		argIdx++
	}

	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filters.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM query_history WHERE %s`, where)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count query history entries: %w", err)
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, datasource_id, sql,
		       executed_at, duration_ms, row_count, truncated, error,
		       created_at
		FROM query_history
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, where, argIdx)

	args = append(args, limit)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list query history entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueryHistoryEntry
	for rows.Next() {
		var entry models.QueryHistoryEntry
		err := rows.Scan(
			&entry.ID,
			&entry.DatasourceID,
			&entry.SQL,
			&entry.ExecutedAt,
			&entry.DurationMs,
			&entry.RowCount,
			&entry.Truncated,
			&entry.Error,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan query history entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating query history entries: %w", err)
	}

	return entries, total, nil
}

func (r *queryHistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM query_history WHERE created_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old query history entries: %w", err)
	}

	return tag.RowsAffected(), nil
}
