package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue() *Queue {
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
	return NewQueue(NewMemoryStore(), policy, zap.NewNop())
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "j1"}); err == nil {
		t.Error("expected error for missing type")
	}

	// An omitted id is generated, and generated ids never collide.
	first, created, err := q.Enqueue(ctx, EnqueueParams{Type: TypeReportGenerate})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if first.ID == "" || !created {
		t.Errorf("expected generated id on a new job, got %+v", first)
	}
	second, created, err := q.Enqueue(ctx, EnqueueParams{Type: TypeReportGenerate})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created || second.ID == first.ID {
		t.Errorf("expected a distinct job for each generated id, got %q and %q", first.ID, second.ID)
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	job, created, err := q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeReportGenerate})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Error("expected first enqueue to create the job")
	}
	if job.MaxAttempts != 3 {
		t.Errorf("expected policy default max attempts, got %d", job.MaxAttempts)
	}
	if job.Status != StatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}

	_, created, err = q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeReportGenerate})
	if err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if created {
		t.Error("re-enqueue of a pending job should dedup")
	}
}

func TestEnqueueWithDelay(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	before := time.Now().UTC()
	job, _, err := q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeDataExport, Delay: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.RunAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("delay not applied: runAt=%v", job.RunAt)
	}

	claimed, err := q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("delayed job claimed early: %+v", claimed)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeChartRender}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := q.ClaimNext(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}

	retried, err := q.Fail(ctx, job, errors.New("render blew up"))
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if !retried {
		t.Fatal("expected retry on first failure")
	}

	stored, err := q.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("expected pending after retry scheduling, got %s", stored.Status)
	}
	if stored.LastError == nil {
		t.Error("expected last error recorded")
	}
	if !stored.RunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("expected future run time, got %v", stored.RunAt)
	}
}

func TestFailTerminalAfterMaxAttempts(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeChartRender, MaxAttempts: 2}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var lastRunAt time.Time
	for attempt := 1; ; attempt++ {
		job, err := q.store.ClaimNext(ctx, "w1", time.Now().UTC().Add(time.Minute))
		if err != nil {
			t.Fatalf("ClaimNext failed: %v", err)
		}
		if job == nil {
			t.Fatal("expected a claimable job")
		}
		if job.Attempts != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.Attempts)
		}

		retried, err := q.Fail(ctx, job, errors.New("still broken"))
		if err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		if !retried {
			if attempt != 2 {
				t.Errorf("terminal failure on attempt %d, want 2", attempt)
			}
			break
		}

		stored, _ := q.Get(ctx, "j1")
		if attempt > 1 && !stored.RunAt.After(lastRunAt) {
			t.Errorf("backoff did not grow: %v <= %v", stored.RunAt, lastRunAt)
		}
		lastRunAt = stored.RunAt
	}

	stored, err := q.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
}

func TestEnqueueRepeatingValidatesCron(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	err := q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "bad",
		Type:     TypeScheduledRefresh,
		CronExpr: "not a cron",
	})
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}

	err = q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "bad-tz",
		Type:     TypeScheduledRefresh,
		CronExpr: "0 2 * * *",
		Timezone: "Mars/Olympus_Mons",
	})
	if err == nil {
		t.Error("expected error for unknown timezone")
	}

	err = q.EnqueueRepeating(ctx, &RepeatingSpec{
		ID:       "nightly",
		Type:     TypeScheduledRefresh,
		CronExpr: "0 2 * * *",
		Timezone: "America/New_York",
		Enabled:  true,
	})
	if err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}

	specs, err := q.ListRepeating(ctx)
	if err != nil {
		t.Fatalf("ListRepeating failed: %v", err)
	}
	if len(specs) != 1 || specs[0].MaxAttempts != 3 || specs[0].Timezone != "America/New_York" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestRetryRequeuesTerminallyFailedJob(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: "j1", Type: TypeChartRender, MaxAttempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.Retry(ctx, "j1"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("expected ErrNotFailed for pending job, got %v", err)
	}

	job, err := q.ClaimNext(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if _, err := q.Fail(ctx, job, errors.New("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	requeued, err := q.Retry(ctx, "j1")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if requeued.Status != StatusPending {
		t.Errorf("expected pending, got %s", requeued.Status)
	}
	if requeued.Attempts != 1 {
		t.Errorf("attempt count not preserved: %d", requeued.Attempts)
	}

	if _, err := q.Retry(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStatusCounts(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, _, err := q.Enqueue(ctx, EnqueueParams{ID: id, Type: TypeReportGenerate}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	job, _ := q.ClaimNext(ctx, "w1")
	if err := q.Complete(ctx, job.ID, map[string]any{"rows": 10}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusCompleted] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	done, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if done.Result["rows"] != 10 {
		t.Errorf("result not stored: %v", done.Result)
	}
}
