package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumen-bi/lumen-engine/pkg/testhelpers"
)

func newPGStoreForTest(t *testing.T) *PGStore {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)
	testhelpers.TruncateTables(t, testDB.Pool, "jobs", "repeating_jobs")
	return NewPGStore(testDB.Pool)
}

func TestPGStoreEnqueueIdempotent(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	first, created, err := store.Enqueue(ctx, &Job{
		ID:          "pg-1",
		Type:        TypeReportGenerate,
		Payload:     map[string]any{"datasourceId": "ds"},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create the row")
	}

	second, created, err := store.Enqueue(ctx, &Job{ID: "pg-1", Type: TypeReportGenerate, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if created {
		t.Error("expected dedup against the pending row")
	}
	if second.Seq != first.Seq {
		t.Errorf("dedup changed seq: %d != %d", second.Seq, first.Seq)
	}
}

func TestPGStoreTerminalReEnqueueResets(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, &Job{ID: "pg-2", Type: TypeDataExport, MaxAttempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}
	if err := store.MarkFailed(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	reset, created, err := store.Enqueue(ctx, &Job{ID: "pg-2", Type: TypeDataExport, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("terminal re-enqueue failed: %v", err)
	}
	if !created {
		t.Error("expected terminal collision to create a fresh run")
	}
	if reset.Status != StatusPending || reset.Attempts != 0 || reset.LastError != nil {
		t.Errorf("row was not reset: %+v", reset)
	}
	if reset.Seq <= job.Seq {
		t.Errorf("reset row kept its old queue position: %d <= %d", reset.Seq, job.Seq)
	}
}

func TestPGStoreClaimOrderAndExclusivity(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	for _, j := range []Job{
		{ID: "low", Type: TypeReportGenerate, Priority: 10, MaxAttempts: 3},
		{ID: "urgent", Type: TypeReportGenerate, Priority: 1, MaxAttempts: 3},
		{ID: "low-2", Type: TypeReportGenerate, Priority: 10, MaxAttempts: 3},
	} {
		job := j
		if _, _, err := store.Enqueue(ctx, &job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	wantOrder := []string{"urgent", "low", "low-2"}
	for i, want := range wantOrder {
		job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
		if err != nil {
			t.Fatalf("ClaimNext %d failed: %v", i, err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("claim %d: got %v, want %s", i, job, want)
		}
		if job.Status != StatusActive || job.Attempts != 1 {
			t.Errorf("claimed job not marked active: %+v", job)
		}
	}

	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNext on empty queue failed: %v", err)
	}
	if job != nil {
		t.Errorf("expected drained queue, got %+v", job)
	}
}

func TestPGStoreConcurrentClaims(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	const jobCount = 30
	for i := 0; i < jobCount; i++ {
		if _, _, err := store.Enqueue(ctx, &Job{
			ID:          "cc-" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Type:        TypeChartRender,
			MaxAttempts: 3,
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
				if err != nil {
					t.Errorf("ClaimNext failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Errorf("expected %d distinct claims, got %d", jobCount, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestPGStoreLifecycleRoundTrip(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, &Job{ID: "pg-3", Type: TypeScheduledRefresh, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}
	if job.Owner != "w1" {
		t.Errorf("claim did not record the owner: %+v", job)
	}

	if err := store.MarkCompleted(ctx, job.ID, map[string]any{"tables": 4}); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	done, err := store.Get(ctx, "pg-3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if v, ok := done.Result["tables"].(float64); !ok || v != 4 {
		t.Errorf("result did not round-trip: %v", done.Result)
	}

	// Removal is idempotent across statuses, including unknown ids.
	if err := store.Remove(ctx, "pg-3"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get(ctx, "pg-3"); err == nil {
		t.Error("expected removed job to be gone")
	}
	if err := store.Remove(ctx, "pg-3"); err != nil {
		t.Errorf("repeated Remove failed: %v", err)
	}

	// Live jobs are removable as well.
	if _, _, err := store.Enqueue(ctx, &Job{ID: "pg-4", Type: TypeScheduledRefresh, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Remove(ctx, "pg-4"); err != nil {
		t.Errorf("Remove of pending job failed: %v", err)
	}
}

func TestPGStoreManualRetry(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, &Job{ID: "pg-5", Type: TypeChartRender, MaxAttempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := store.Retry(ctx, "pg-5", time.Now().UTC()); !errors.Is(err, ErrNotFailed) {
		t.Errorf("expected ErrNotFailed for pending job, got %v", err)
	}

	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}
	if err := store.MarkFailed(ctx, job.ID, "renderer crashed"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	requeued, err := store.Retry(ctx, "pg-5", time.Now().UTC())
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if requeued.Status != StatusPending || requeued.Attempts != 1 {
		t.Errorf("unexpected requeued job: %+v", requeued)
	}

	if _, err := store.Retry(ctx, "missing", time.Now().UTC()); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPGStoreRescheduleAndStaleRequeue(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, &Job{ID: "pg-4", Type: TypeReportGenerate, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.ClaimNext(ctx, "w1", time.Now().UTC())
	if err != nil || job == nil {
		t.Fatalf("ClaimNext failed: job=%v err=%v", job, err)
	}

	runAt := time.Now().UTC().Add(time.Hour)
	if err := store.Reschedule(ctx, job.ID, runAt, "transient failure"); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	stored, err := store.Get(ctx, "pg-4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusPending || stored.LastError == nil {
		t.Errorf("reschedule did not record retry state: %+v", stored)
	}

	// The future run_at keeps it unclaimable.
	if job, _ := store.ClaimNext(ctx, "w1", time.Now().UTC()); job != nil {
		t.Errorf("rescheduled job claimed early: %+v", job)
	}

	// Claim it as due, then requeue it as a stale claim.
	if job, _ := store.ClaimNext(ctx, "w1", runAt.Add(time.Second)); job == nil {
		t.Fatal("expected due job to be claimable")
	}
	n, err := store.RequeueStale(ctx, runAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale requeue, got %d", n)
	}
}

func TestPGStoreRepeatingSpecs(t *testing.T) {
	store := newPGStoreForTest(t)
	ctx := context.Background()

	spec := &RepeatingSpec{
		ID:          "nightly",
		Type:        TypeScheduledRefresh,
		CronExpr:    "0 2 * * *",
		Timezone:    "America/New_York",
		Payload:     map[string]any{"datasourceId": "ds"},
		MaxAttempts: 3,
		Enabled:     true,
	}
	if err := store.UpsertRepeatingSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertRepeatingSpec failed: %v", err)
	}

	spec.CronExpr = "0 3 * * *"
	if err := store.UpsertRepeatingSpec(ctx, spec); err != nil {
		t.Fatalf("upsert update failed: %v", err)
	}

	specs, err := store.ListRepeatingSpecs(ctx)
	if err != nil {
		t.Fatalf("ListRepeatingSpecs failed: %v", err)
	}
	if len(specs) != 1 || specs[0].CronExpr != "0 3 * * *" || specs[0].Timezone != "America/New_York" {
		t.Errorf("unexpected specs: %+v", specs)
	}

	if err := store.DeleteRepeatingSpec(ctx, "nightly"); err != nil {
		t.Fatalf("DeleteRepeatingSpec failed: %v", err)
	}
	specs, err = store.ListRepeatingSpecs(ctx)
	if err != nil {
		t.Fatalf("ListRepeatingSpecs failed: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("spec not deleted: %+v", specs)
	}
}
