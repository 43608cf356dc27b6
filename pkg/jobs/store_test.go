package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueIdempotentForNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeReportGenerate, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create")
	}

	second, created, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeChartRender, Priority: 99})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if created {
		t.Error("expected dedup against pending job")
	}
	// The existing job is returned unchanged.
	if second.Type != first.Type || second.Priority != first.Priority {
		t.Errorf("existing job mutated: %+v", second)
	}
}

func TestEnqueueReplacesTerminalJob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeDataExport, MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Now()); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, "j1", nil); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	replaced, created, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeDataExport, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Error("expected terminal job to be re-enqueued")
	}
	if replaced.Status != StatusPending || replaced.Attempts != 0 {
		t.Errorf("re-enqueued job not reset: %+v", replaced)
	}
}

func TestClaimNextPriorityThenFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Same priority: FIFO by enqueue order.
	for _, id := range []string{"a", "b"} {
		if _, _, err := s.Enqueue(ctx, &Job{ID: id, Type: TypeReportGenerate, Priority: 10}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	// Lower priority value runs first, even though enqueued last.
	if _, _, err := s.Enqueue(ctx, &Job{ID: "urgent", Type: TypeReportGenerate, Priority: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	wantOrder := []string{"urgent", "a", "b"}
	for _, want := range wantOrder {
		job, err := s.ClaimNext(ctx, "w1", time.Now())
		if err != nil {
			t.Fatalf("ClaimNext failed: %v", err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected %q, got %+v", want, job)
		}
		if job.Status != StatusActive || job.Attempts != 1 {
			t.Errorf("claimed job not marked active: %+v", job)
		}
		if job.Owner != "w1" {
			t.Errorf("claimed job missing owner: %+v", job)
		}
	}

	// Queue is drained.
	job, err := s.ClaimNext(ctx, "w1", time.Now())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job != nil {
		t.Errorf("expected empty claim, got %+v", job)
	}
}

func TestClaimNextHonorsDelay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	if _, _, err := s.Enqueue(ctx, &Job{ID: "later", Type: TypeDataExport, RunAt: future}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := s.ClaimNext(ctx, "w1", time.Now())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job != nil {
		t.Errorf("delayed job claimed early: %+v", job)
	}

	job, err = s.ClaimNext(ctx, "w1", future.Add(time.Second))
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job == nil || job.ID != "later" {
		t.Errorf("expected delayed job after due time, got %+v", job)
	}
}

func TestClaimNextExclusiveUnderContention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const jobCount = 50
	for i := 0; i < jobCount; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		if _, _, err := s.Enqueue(ctx, &Job{ID: id, Type: TypeReportGenerate}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, "w1", time.Now())
				if err != nil {
					t.Errorf("ClaimNext failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobCount {
		t.Errorf("expected %d distinct claims, got %d", jobCount, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %q claimed %d times", id, n)
		}
	}
}

func TestRemoveIsIdempotentAcrossStatuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Pending jobs are removable.
	if _, _, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeChartRender}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Remove(ctx, "j1"); err != nil {
		t.Errorf("Remove of pending job failed: %v", err)
	}
	if _, err := s.Get(ctx, "j1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("removed job still present: %v", err)
	}

	// Unknown ids are a no-op, and so is removing twice.
	if err := s.Remove(ctx, "missing"); err != nil {
		t.Errorf("Remove of unknown id failed: %v", err)
	}
	if err := s.Remove(ctx, "j1"); err != nil {
		t.Errorf("repeated Remove failed: %v", err)
	}

	// Active jobs go too.
	if _, _, err := s.Enqueue(ctx, &Job{ID: "j2", Type: TypeChartRender}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Now()); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if err := s.Remove(ctx, "j2"); err != nil {
		t.Errorf("Remove of active job failed: %v", err)
	}
	if _, err := s.Get(ctx, "j2"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("removed active job still present: %v", err)
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Enqueue(ctx, &Job{ID: "old", Type: TypeDataExport}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Now()); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, "old", nil); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if _, _, err := s.Enqueue(ctx, &Job{ID: "fresh", Type: TypeDataExport}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A status filter that misses the job's state removes nothing.
	removed, err := s.Clean(ctx, time.Now().Add(time.Minute), StatusFailed)
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed with failed-only filter, got %d", removed)
	}

	removed, err = s.Clean(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	// Pending jobs survive cleanup regardless of age.
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("pending job removed by Clean: %v", err)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("terminal job not cleaned: %v", err)
	}
}

func TestRequeueStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.Enqueue(ctx, &Job{ID: "j1", Type: TypeScheduledRefresh}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Now()); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}

	// Not stale yet.
	n, err := s.RequeueStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh claim requeued: %d", n)
	}

	n, err = s.RequeueStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}

	job, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != StatusPending || job.ClaimedAt != nil || job.Owner != "" {
		t.Errorf("stale job not returned to pending: %+v", job)
	}
}

func TestCountByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := s.Enqueue(ctx, &Job{ID: id, Type: TypeReportGenerate}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Now()); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusActive] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestRepeatingSpecRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	spec := &RepeatingSpec{
		ID:       "nightly-refresh",
		Type:     TypeScheduledRefresh,
		CronExpr: "0 2 * * *",
		Enabled:  true,
	}
	if err := s.UpsertRepeatingSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertRepeatingSpec failed: %v", err)
	}

	specs, err := s.ListRepeatingSpecs(ctx)
	if err != nil {
		t.Fatalf("ListRepeatingSpecs failed: %v", err)
	}
	if len(specs) != 1 || specs[0].ID != "nightly-refresh" {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	// Upsert replaces in place.
	spec.Enabled = false
	if err := s.UpsertRepeatingSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertRepeatingSpec failed: %v", err)
	}
	specs, _ = s.ListRepeatingSpecs(ctx)
	if len(specs) != 1 || specs[0].Enabled {
		t.Errorf("upsert did not replace: %+v", specs)
	}

	if err := s.DeleteRepeatingSpec(ctx, "nightly-refresh"); err != nil {
		t.Fatalf("DeleteRepeatingSpec failed: %v", err)
	}
	specs, _ = s.ListRepeatingSpecs(ctx)
	if len(specs) != 0 {
		t.Errorf("spec not deleted: %+v", specs)
	}
}
