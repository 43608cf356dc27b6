package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/logging"
)

const (
	DefaultWorkerCount  = 4
	DefaultPollInterval = 2 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Handler executes one job and returns an optional result reference.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Slots        int
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// Worker runs claimed jobs on a fixed number of slots. Handlers are looked
// up by job type; a job with no registered handler fails terminally.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	cfg      WorkerConfig
	id       string

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// runCtx outlives the context passed to Start so in-flight handlers and
	// their settling writes survive process-level signal cancellation. It is
	// cancelled only once the drain deadline has passed or the pool is empty.
	runCtx    context.Context
	runCancel context.CancelFunc

	logger *zap.Logger
}

// NewWorker creates a worker pool over the queue.
func NewWorker(queue *Queue, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Worker{
		queue:     queue,
		handlers:  make(map[string]Handler),
		cfg:       cfg,
		id:        uuid.NewString(),
		stopChan:  make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
		logger:    logger,
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	w.handlers[jobType] = handler
}

// Start launches the worker slots. Cancelling ctx begins a drain: no new
// claims are made, but jobs already executing keep running on the worker's
// internal context until Stop's drain deadline.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	go func() {
		select {
		case <-ctx.Done():
			w.beginDrain()
		case <-w.stopChan:
		}
	}()

	for i := 0; i < w.cfg.Slots; i++ {
		w.wg.Add(1)
		go w.runSlot(i)
	}
	w.logger.Info("worker pool started", zap.Int("slots", w.cfg.Slots))
}

// beginDrain closes the claim gate. Safe to call more than once.
func (w *Worker) beginDrain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
}

// Stop drains the pool: no new claims are made and in-flight jobs get until
// the drain timeout to finish. Returns an error if the deadline passes with
// jobs still running.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	w.beginDrain()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.runCancel()
		w.logger.Info("worker pool drained")
		return nil
	case <-time.After(w.cfg.DrainTimeout):
		w.runCancel()
		return fmt.Errorf("worker drain timed out after %s", w.cfg.DrainTimeout)
	}
}

// runSlot is one claim-execute loop.
func (w *Worker) runSlot(slot int) {
	defer w.wg.Done()

	owner := fmt.Sprintf("%s/%d", w.id, slot)
	for {
		select {
		case <-w.stopChan:
			return
		case <-w.runCtx.Done():
			return
		default:
		}

		job, err := w.queue.ClaimNext(w.runCtx, owner)
		if err != nil {
			w.logger.Error("claim failed",
				zap.Int("slot", slot),
				zap.String("error", logging.SanitizeError(err)),
			)
			w.sleep()
			continue
		}
		if job == nil {
			w.sleep()
			continue
		}

		w.execute(w.runCtx, slot, job)
	}
}

// execute dispatches one claimed job to its handler and settles the outcome.
func (w *Worker) execute(ctx context.Context, slot int, job *Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		// No retries: the type will not become handled by retrying.
		err := fmt.Errorf("%w: %q", ErrUnhandledJobType, job.Type)
		if failErr := w.queue.FailTerminal(ctx, job.ID, err); failErr != nil {
			w.logger.Error("failed to settle unhandled job",
				zap.String("jobID", job.ID),
				zap.String("error", logging.SanitizeError(failErr)),
			)
		}
		return
	}

	w.logger.Debug("executing job",
		zap.Int("slot", slot),
		zap.String("jobID", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
	)

	result, err := handler(ctx, job)
	if err != nil {
		if _, failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			w.logger.Error("failed to settle failed job",
				zap.String("jobID", job.ID),
				zap.String("error", logging.SanitizeError(failErr)),
			)
		}
		return
	}

	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		w.logger.Error("failed to settle completed job",
			zap.String("jobID", job.ID),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

func (w *Worker) sleep() {
	select {
	case <-time.After(w.cfg.PollInterval):
	case <-w.stopChan:
	case <-w.runCtx.Done():
	}
}
