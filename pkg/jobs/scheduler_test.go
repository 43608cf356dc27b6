package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func newTestScheduler(cfg SchedulerConfig) (*Scheduler, *Queue, *MemoryStore) {
	store := NewMemoryStore()
	q := NewQueue(store, DefaultRetryPolicy(), zap.NewNop())
	return NewScheduler(q, cfg, zap.NewNop()), q, store
}

func TestSweepMaterializesNextTick(t *testing.T) {
	s, q, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	spec := &RepeatingSpec{
		ID:       "nightly-refresh",
		Type:     TypeScheduledRefresh,
		CronExpr: "*/5 * * * *",
		Payload:  map[string]any{"datasourceId": "ds-1"},
		Enabled:  true,
	}
	if err := q.EnqueueRepeating(ctx, spec); err != nil {
		t.Fatalf("EnqueueRepeating failed: %v", err)
	}

	before := time.Now().UTC()
	s.Sweep(ctx)
	after := time.Now().UTC()

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts[StatusPending] != 1 {
		t.Fatalf("expected 1 materialized job, got %v", counts)
	}

	schedule, err := cron.ParseStandard(spec.CronExpr)
	if err != nil {
		t.Fatalf("ParseStandard failed: %v", err)
	}

	// The sweep's clock read falls somewhere between ours, so the tick is
	// one of the two candidates.
	var job *Job
	for _, at := range []time.Time{before, after} {
		jobID := fmt.Sprintf("%s@%d", spec.ID, schedule.Next(at).Unix())
		if got, getErr := q.Get(ctx, jobID); getErr == nil {
			job = got
			break
		}
	}
	if job == nil {
		t.Fatal("materialized tick job not found under expected id")
	}
	if job.Type != TypeScheduledRefresh {
		t.Errorf("unexpected type %s", job.Type)
	}
	if job.Payload["datasourceId"] != "ds-1" {
		t.Errorf("payload not carried over: %v", job.Payload)
	}
	if !job.RunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("tick should run in the future, got %v", job.RunAt)
	}
}

func TestRepeatedSweepsEnqueueTickOnce(t *testing.T) {
	s, q, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	err := q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "hourly",
		Type:     TypeScheduledRefresh,
		CronExpr: "0 * * * *",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("EnqueueRepeating failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Sweep(ctx)
	}

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts[StatusPending] != 1 {
		t.Errorf("expected a single pending tick after repeated sweeps, got %v", counts)
	}
}

func TestSweepSkipsDisabledSpecs(t *testing.T) {
	s, q, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	err := q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "paused",
		Type:     TypeScheduledRefresh,
		CronExpr: "* * * * *",
		Enabled:  false,
	})
	if err != nil {
		t.Fatalf("EnqueueRepeating failed: %v", err)
	}

	s.Sweep(ctx)

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts[StatusPending] != 0 {
		t.Errorf("disabled spec materialized a job: %v", counts)
	}
}

func TestSweepRequeuesStaleClaims(t *testing.T) {
	s, q, store := newTestScheduler(SchedulerConfig{StaleClaimAge: time.Millisecond})
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "s1", Type: TypeReportGenerate}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}

	time.Sleep(5 * time.Millisecond)
	s.Sweep(ctx)

	stored, err := q.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("stale claim not requeued, status=%s", stored.Status)
	}
}

func TestSweepCleansCompletedBeforeFailed(t *testing.T) {
	s, q, store := newTestScheduler(SchedulerConfig{
		CompletedRetention: time.Millisecond,
		FailedRetention:    time.Hour,
	})
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "done", Type: TypeReportGenerate}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, _ := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err := q.Complete(ctx, job.ID, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "broken", Type: TypeChartRender, MaxAttempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, _ = store.ClaimNext(ctx, "w1", time.Now().UTC())
	if _, err := q.Fail(ctx, job, errors.New("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.Sweep(ctx)

	if _, err := q.Get(ctx, "done"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected completed job to be cleaned, got %v", err)
	}
	if _, err := q.Get(ctx, "broken"); err != nil {
		t.Errorf("failed job cleaned too early: %v", err)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, q, _ := newTestScheduler(SchedulerConfig{SweepInterval: time.Millisecond})
	ctx := context.Background()

	err := q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "fast",
		Type:     TypeScheduledRefresh,
		CronExpr: "* * * * *",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("EnqueueRepeating failed: %v", err)
	}

	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := q.Status(ctx)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if counts[StatusPending] >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts[StatusPending] < 1 {
		t.Errorf("running scheduler never materialized a tick: %v", counts)
	}

	specs, err := q.ListRepeating(ctx)
	if err != nil || len(specs) != 1 {
		t.Fatalf("ListRepeating: specs=%v err=%v", specs, err)
	}
	if !strings.HasPrefix(specs[0].ID, "fast") {
		t.Errorf("unexpected spec: %+v", specs[0])
	}
}
