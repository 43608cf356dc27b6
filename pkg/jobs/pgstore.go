package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PGStore)(nil)

// PGStore is the PostgreSQL-backed Store. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never receive the same job.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a job store over the metadata database pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const jobColumns = `id, type, priority, payload, status, attempts, max_attempts, run_at, seq, last_error, result, owner, claimed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload, result []byte
	err := row.Scan(&j.ID, &j.Type, &j.Priority, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.Seq, &j.LastError, &result, &j.Owner, &j.ClaimedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &j, nil
}

func (s *PGStore) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	existing, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, job.ID))
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return existing, false, nil
		}
		// Terminal collision: reset the row and run again.
		reset, err := scanJob(tx.QueryRow(ctx, `
			UPDATE jobs
			SET type = $2, priority = $3, payload = $4, status = 'pending',
			    attempts = 0, max_attempts = $5, run_at = $6, seq = nextval('jobs_seq_seq'),
			    last_error = NULL, result = NULL, owner = '', claimed_at = NULL, updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns,
			job.ID, job.Type, job.Priority, payloadJSON, job.MaxAttempts, runAtOrNow(job.RunAt)))
		if err != nil {
			return nil, false, fmt.Errorf("re-enqueue job: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return reset, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, fmt.Errorf("check existing job: %w", err)
	}

	stored, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, attempts, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6)
		RETURNING `+jobColumns,
		job.ID, job.Type, job.Priority, payloadJSON, job.MaxAttempts, runAtOrNow(job.RunAt)))
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return stored, true, nil
}

func runAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func (s *PGStore) ClaimNext(ctx context.Context, owner string, now time.Time) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'active', attempts = attempts + 1, owner = $2, claimed_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= $1
			ORDER BY priority ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, now.UTC(), owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', result = $2, updated_at = now()
		WHERE id = $1
	`, id, resultJSON)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PGStore) Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = $2, last_error = $3, owner = '', claimed_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, runAt.UTC(), errMsg)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PGStore) Retry(ctx context.Context, id string, runAt time.Time) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = $2, owner = '', claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id, runAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotFailed
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

func (s *PGStore) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

func (s *PGStore) Clean(ctx context.Context, cutoff time.Time, statuses ...Status) (int, error) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	if len(statuses) > 0 {
		filtered := statuses[:0:0]
		for _, st := range statuses {
			if st.Terminal() {
				filtered = append(filtered, st)
			}
		}
		terminal = filtered
	}
	if len(terminal) == 0 {
		return 0, nil
	}
	names := make([]string, len(terminal))
	for i, st := range terminal {
		names[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status = ANY($2) AND updated_at < $1
	`, cutoff.UTC(), names)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', owner = '', claimed_at = NULL, updated_at = now()
		WHERE status = 'active' AND claimed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PGStore) UpsertRepeatingSpec(ctx context.Context, spec *RepeatingSpec) error {
	payloadJSON, err := json.Marshal(spec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO repeating_jobs (id, type, cron_expr, timezone, payload, priority, max_attempts, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			cron_expr = EXCLUDED.cron_expr,
			timezone = EXCLUDED.timezone,
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts,
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`, spec.ID, spec.Type, spec.CronExpr, spec.Timezone, payloadJSON, spec.Priority, spec.MaxAttempts, spec.Enabled)
	if err != nil {
		return fmt.Errorf("upsert repeating job: %w", err)
	}
	return nil
}

func (s *PGStore) ListRepeatingSpecs(ctx context.Context) ([]RepeatingSpec, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, cron_expr, timezone, payload, priority, max_attempts, enabled, created_at, updated_at
		FROM repeating_jobs
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list repeating jobs: %w", err)
	}
	defer rows.Close()

	var specs []RepeatingSpec
	for rows.Next() {
		var spec RepeatingSpec
		var payload []byte
		if err := rows.Scan(&spec.ID, &spec.Type, &spec.CronExpr, &spec.Timezone, &payload, &spec.Priority,
			&spec.MaxAttempts, &spec.Enabled, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repeating job: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &spec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (s *PGStore) DeleteRepeatingSpec(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repeating_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete repeating job: %w", err)
	}
	return nil
}
