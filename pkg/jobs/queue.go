package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/logging"
)

// EnqueueParams describes one job submission.
type EnqueueParams struct {
	ID          string
	Type        string
	Payload     map[string]any
	Priority    int
	Delay       time.Duration
	MaxAttempts int // 0 means the queue's policy default
}

// Queue is the durable job queue. It layers retry policy and repeating-spec
// handling over a Store.
type Queue struct {
	store  Store
	policy RetryPolicy
	logger *zap.Logger
}

// NewQueue creates a job queue over the store.
func NewQueue(store Store, policy RetryPolicy, logger *zap.Logger) *Queue {
	return &Queue{store: store, policy: policy, logger: logger}
}

// Enqueue submits a job. Enqueue is idempotent by job id: submitting an id
// that is already pending or active returns the existing job unchanged with
// created=false. When no id is given, one is generated; such jobs never
// deduplicate.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Job, bool, error) {
	if p.Type == "" {
		return nil, false, fmt.Errorf("job type is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}

	job := &Job{
		ID:          p.ID,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		MaxAttempts: maxAttempts,
	}
	if p.Delay > 0 {
		job.RunAt = time.Now().UTC().Add(p.Delay)
	}

	stored, created, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}

	if created {
		q.logger.Info("enqueued job",
			zap.String("jobID", stored.ID),
			zap.String("type", stored.Type),
			zap.Int("priority", stored.Priority),
			zap.Time("runAt", stored.RunAt),
		)
	} else {
		q.logger.Debug("enqueue deduplicated against existing job",
			zap.String("jobID", stored.ID),
			zap.String("status", string(stored.Status)),
		)
	}
	return stored, created, nil
}

// EnqueueRepeating stores a cron-scheduled job spec after validating the
// expression. The scheduler materializes due ticks into regular jobs.
func (q *Queue) EnqueueRepeating(ctx context.Context, spec *RepeatingSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("repeating spec id is required")
	}
	if spec.Type == "" {
		return fmt.Errorf("repeating spec type is required")
	}
	if _, err := cron.ParseStandard(spec.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec.CronExpr, err)
	}
	if _, err := spec.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", spec.Timezone, err)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = q.policy.MaxAttempts
	}

	if err := q.store.UpsertRepeatingSpec(ctx, spec); err != nil {
		return err
	}
	q.logger.Info("stored repeating job spec",
		zap.String("specID", spec.ID),
		zap.String("type", spec.Type),
		zap.String("cron", spec.CronExpr),
		zap.Bool("enabled", spec.Enabled),
	)
	return nil
}

// RemoveRepeating deletes a repeating job spec. Already-materialized ticks
// are unaffected.
func (q *Queue) RemoveRepeating(ctx context.Context, id string) error {
	return q.store.DeleteRepeatingSpec(ctx, id)
}

// ClaimNext hands the next runnable job to exactly one caller, or nil when
// nothing is due. The owner is recorded on the claimed job.
func (q *Queue) ClaimNext(ctx context.Context, owner string) (*Job, error) {
	return q.store.ClaimNext(ctx, owner, time.Now().UTC())
}

// Complete finishes an active job with an optional result reference.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) error {
	if err := q.store.MarkCompleted(ctx, id, result); err != nil {
		return err
	}
	q.logger.Info("job completed", zap.String("jobID", id))
	return nil
}

// Fail records a failed attempt. The retry policy decides whether the job is
// rescheduled with backoff or fails terminally. Returns true if a retry was
// scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	msg := logging.SanitizeError(jobErr)

	if q.policy.ShouldRetry(job.Attempts, job.MaxAttempts) {
		delay := q.policy.BackoffDelay(job.Attempts)
		runAt := time.Now().UTC().Add(delay)
		if err := q.store.Reschedule(ctx, job.ID, runAt, msg); err != nil {
			return false, err
		}
		q.logger.Warn("job failed, retry scheduled",
			zap.String("jobID", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.String("error", msg),
		)
		return true, nil
	}

	if err := q.store.MarkFailed(ctx, job.ID, msg); err != nil {
		return false, err
	}
	q.logger.Error("job failed terminally",
		zap.String("jobID", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("error", msg),
	)
	return false, nil
}

// FailTerminal fails a job without consulting the retry policy. Used for
// unhandled job types.
func (q *Queue) FailTerminal(ctx context.Context, id string, jobErr error) error {
	msg := logging.SanitizeError(jobErr)
	if err := q.store.MarkFailed(ctx, id, msg); err != nil {
		return err
	}
	q.logger.Error("job failed terminally", zap.String("jobID", id), zap.String("error", msg))
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Retry manually requeues a terminally failed job. The attempt count is
// kept, so the retry ceiling still applies to future failures.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Retry(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	q.logger.Info("job manually requeued",
		zap.String("jobID", id),
		zap.Int("attempts", job.Attempts),
	)
	return job, nil
}

// Remove deletes a job regardless of status. Unknown ids are a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Remove(ctx, id)
}

// Clean deletes terminal jobs last updated before the cutoff, optionally
// restricted to the given terminal states.
func (q *Queue) Clean(ctx context.Context, cutoff time.Time, statuses ...Status) (int, error) {
	return q.store.Clean(ctx, cutoff, statuses...)
}

// RequeueStale returns active jobs claimed before the cutoff to pending.
func (q *Queue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	return q.store.RequeueStale(ctx, cutoff)
}

// Status returns job counts per lifecycle state.
func (q *Queue) Status(ctx context.Context) (map[Status]int, error) {
	return q.store.CountByStatus(ctx)
}

// ListRepeating returns all repeating job specs.
func (q *Queue) ListRepeating(ctx context.Context) ([]RepeatingSpec, error) {
	return q.store.ListRepeatingSpecs(ctx)
}
