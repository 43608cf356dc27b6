package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/logging"
)

const DefaultSweepInterval = 30 * time.Second

// SchedulerConfig holds the maintenance loop settings. Completed jobs are
// pruned on a shorter leash than failed ones, whose last_error is worth
// keeping around for diagnosis.
type SchedulerConfig struct {
	SweepInterval      time.Duration
	StaleClaimAge      time.Duration // 0 disables stale requeue
	CompletedRetention time.Duration // 0 disables completed job cleanup
	FailedRetention    time.Duration // 0 disables failed job cleanup
}

// Scheduler materializes repeating job specs into regular jobs and performs
// queue maintenance: requeueing stale claims and cleaning old terminal jobs.
// Multiple schedulers can run against the same store; the deterministic tick
// job ids make materialization race-free.
type Scheduler struct {
	queue    *Queue
	cfg      SchedulerConfig
	stopChan chan struct{}
	doneChan chan struct{}
	logger   *zap.Logger
}

// NewScheduler creates a scheduler over the queue.
func NewScheduler(queue *Queue, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		queue:    queue,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start runs the sweep loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneChan)

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

// Sweep runs one maintenance pass. Exposed for tests and manual triggering.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now().UTC()

	if err := s.materializeSpecs(ctx, now); err != nil {
		s.logger.Error("repeating spec materialization failed",
			zap.String("error", logging.SanitizeError(err)),
		)
	}

	if s.cfg.StaleClaimAge > 0 {
		if n, err := s.queue.RequeueStale(ctx, now.Add(-s.cfg.StaleClaimAge)); err != nil {
			s.logger.Error("stale claim requeue failed",
				zap.String("error", logging.SanitizeError(err)),
			)
		} else if n > 0 {
			s.logger.Warn("requeued stale active jobs", zap.Int("count", n))
		}
	}

	if s.cfg.CompletedRetention > 0 {
		if n, err := s.queue.Clean(ctx, now.Add(-s.cfg.CompletedRetention), StatusCompleted, StatusCancelled); err != nil {
			s.logger.Error("completed job cleanup failed",
				zap.String("error", logging.SanitizeError(err)),
			)
		} else if n > 0 {
			s.logger.Info("cleaned completed jobs", zap.Int("count", n))
		}
	}

	if s.cfg.FailedRetention > 0 {
		if n, err := s.queue.Clean(ctx, now.Add(-s.cfg.FailedRetention), StatusFailed); err != nil {
			s.logger.Error("failed job cleanup failed",
				zap.String("error", logging.SanitizeError(err)),
			)
		} else if n > 0 {
			s.logger.Info("cleaned failed jobs", zap.Int("count", n))
		}
	}
}

// materializeSpecs enqueues the next due tick of every enabled repeating
// spec. Tick job ids are "<specID>@<tick unix>", so re-running the sweep or
// running several schedulers enqueues each tick at most once.
func (s *Scheduler) materializeSpecs(ctx context.Context, now time.Time) error {
	specs, err := s.queue.ListRepeating(ctx)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}

		schedule, err := cron.ParseStandard(spec.CronExpr)
		if err != nil {
			s.logger.Error("repeating spec has invalid cron expression",
				zap.String("specID", spec.ID),
				zap.String("cron", spec.CronExpr),
			)
			continue
		}

		loc, err := spec.Location()
		if err != nil {
			s.logger.Error("repeating spec has invalid timezone",
				zap.String("specID", spec.ID),
				zap.String("timezone", spec.Timezone),
			)
			continue
		}

		// Cron fields are evaluated in the spec's timezone; the tick id
		// uses the absolute instant so it stays stable across zones.
		tick := schedule.Next(now.In(loc))
		jobID := fmt.Sprintf("%s@%d", spec.ID, tick.Unix())

		if _, _, err := s.queue.Enqueue(ctx, EnqueueParams{
			ID:          jobID,
			Type:        spec.Type,
			Payload:     spec.Payload,
			Priority:    spec.Priority,
			Delay:       tick.Sub(now),
			MaxAttempts: spec.MaxAttempts,
		}); err != nil {
			s.logger.Error("failed to materialize repeating job tick",
				zap.String("specID", spec.ID),
				zap.String("jobID", jobID),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
	}
	return nil
}
