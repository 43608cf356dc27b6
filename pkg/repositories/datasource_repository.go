package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumen-bi/lumen-engine/pkg/apperrors"
	"github.com/lumen-bi/lumen-engine/pkg/models"
)

// DatasourceRepository defines the interface for datasource data access.
// Config is stored as encrypted TEXT - encryption/decryption is handled by the service layer.
type DatasourceRepository interface {
	// Create inserts a new datasource. Returns apperrors.ErrConflict if the name is taken.
	Create(ctx context.Context, ds *models.Datasource, encryptedConfig string) error

	// GetByID retrieves a datasource by ID. Returns the model and encrypted config.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Datasource, string, error)

	// GetByName retrieves a datasource by name. Returns the model and encrypted config.
	GetByName(ctx context.Context, name string) (*models.Datasource, string, error)

	// List retrieves all active datasources ordered by creation time.
	List(ctx context.Context) ([]*models.Datasource, error)

	// Update modifies name, engine and encrypted config of an existing datasource.
	Update(ctx context.Context, id uuid.UUID, name, engine, encryptedConfig string) error

	// SetActive flips the active flag without touching the connection config.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// Delete removes a datasource by ID.
	Delete(ctx context.Context, id uuid.UUID) error
}

// datasourceRepository implements DatasourceRepository using PostgreSQL.
type datasourceRepository struct {
	pool *pgxpool.Pool
}

// NewDatasourceRepository creates a new datasource repository.
func NewDatasourceRepository(pool *pgxpool.Pool) DatasourceRepository {
	return &datasourceRepository{pool: pool}
}

// Create inserts a new datasource.
func (r *datasourceRepository) Create(ctx context.Context, ds *models.Datasource, encryptedConfig string) error {
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	ds.IsActive = true

	query := `
		INSERT INTO datasources (name, engine, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		ds.Name,
		ds.Engine,
		encryptedConfig,
		ds.IsActive,
		ds.CreatedAt,
		ds.UpdatedAt,
	).Scan(&ds.ID)
	if err != nil {
		// Check for unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}

	return nil
}

// GetByID retrieves a datasource by ID.
func (r *datasourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Datasource, string, error) {
	query := `
		SELECT id, name, engine, config, is_active, created_at, updated_at
		FROM datasources
		WHERE id = $1`

	return r.scanOne(ctx, query, id)
}

// GetByName retrieves a datasource by name.
func (r *datasourceRepository) GetByName(ctx context.Context, name string) (*models.Datasource, string, error) {
	query := `
		SELECT id, name, engine, config, is_active, created_at, updated_at
		FROM datasources
		WHERE name = $1`

	return r.scanOne(ctx, query, name)
}

func (r *datasourceRepository) scanOne(ctx context.Context, query string, arg any) (*models.Datasource, string, error) {
	var ds models.Datasource
	var encryptedConfig string
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&ds.ID,
		&ds.Name,
		&ds.Engine,
		&encryptedConfig,
		&ds.IsActive,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}

	return &ds, encryptedConfig, nil
}

// List retrieves all active datasources.
func (r *datasourceRepository) List(ctx context.Context) ([]*models.Datasource, error) {
	query := `
		SELECT id, name, engine, is_active, created_at, updated_at
		FROM datasources
		WHERE is_active = true
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var datasources []*models.Datasource
	for rows.Next() {
		var ds models.Datasource
		err := rows.Scan(
			&ds.ID,
			&ds.Name,
			&ds.Engine,
			&ds.IsActive,
			&ds.CreatedAt,
			&ds.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		datasources = append(datasources, &ds)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasources: %w", err)
	}

	return datasources, nil
}

// Update modifies an existing datasource.
func (r *datasourceRepository) Update(ctx context.Context, id uuid.UUID, name, engine, encryptedConfig string) error {
	query := `
		UPDATE datasources
		SET name = $2, engine = $3, config = $4, updated_at = $5
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, name, engine, encryptedConfig, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update datasource: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// SetActive flips the active flag.
func (r *datasourceRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE datasources SET is_active = $2, updated_at = $3 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set datasource active flag: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// Delete removes a datasource by ID.
func (r *datasourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM datasources WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete datasource: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// Ensure datasourceRepository implements DatasourceRepository at compile time.
var _ DatasourceRepository = (*datasourceRepository)(nil)
