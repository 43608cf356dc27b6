package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable backing for the job queue. Implementations must make
// ClaimNext atomic: a job is handed to exactly one claimant.
type Store interface {
	// Enqueue inserts the job. If a job with the same id already exists in a
	// non-terminal state, the existing job is returned with created=false.
	// An existing terminal job with the same id is reset and re-enqueued.
	Enqueue(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	// ClaimNext atomically claims the runnable job with the lowest priority
	// value, breaking ties by enqueue order. Returns nil when nothing is due.
	// The claimed job is marked active with its attempt count incremented and
	// owner recorded as the claimant.
	ClaimNext(ctx context.Context, owner string, now time.Time) (*Job, error)

	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// MarkCompleted finishes an active job with an optional result.
	MarkCompleted(ctx context.Context, id string, result map[string]any) error

	// MarkFailed terminally fails a job with the error message.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// Reschedule returns a failed attempt to pending, to run at runAt.
	Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// Retry returns a terminally failed job to pending, keeping its attempt
	// count so the overall retry ceiling still applies. ErrNotFailed when
	// the job is in any other state.
	Retry(ctx context.Context, id string, runAt time.Time) (*Job, error)

	// Remove deletes a job regardless of status. Removing an unknown id is a
	// no-op, so callers can treat deletion as idempotent.
	Remove(ctx context.Context, id string) error

	// Clean deletes terminal jobs last updated before the cutoff, returning
	// how many were removed. When statuses are given, only those terminal
	// states are swept; completed jobs are typically pruned sooner than
	// failed ones, which carry diagnostic value.
	Clean(ctx context.Context, cutoff time.Time, statuses ...Status) (int, error)

	// RequeueStale returns active jobs claimed before the cutoff to pending.
	// Covers workers that died mid-job.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	// CountByStatus returns job counts per lifecycle state.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// UpsertRepeatingSpec stores or replaces a repeating job spec.
	UpsertRepeatingSpec(ctx context.Context, spec *RepeatingSpec) error

	// ListRepeatingSpecs returns all repeating job specs.
	ListRepeatingSpecs(ctx context.Context) ([]RepeatingSpec, error)

	// DeleteRepeatingSpec removes a repeating job spec by id.
	DeleteRepeatingSpec(ctx context.Context, id string) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	specs map[string]*RepeatingSpec
	seq   int64
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		specs: make(map[string]*RepeatingSpec),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && !existing.Status.Terminal() {
		out := *existing
		return &out, false, nil
	}

	now := time.Now().UTC()
	s.seq++
	stored := *job
	stored.Status = StatusPending
	stored.Attempts = 0
	stored.Seq = s.seq
	stored.LastError = nil
	stored.Result = nil
	stored.Owner = ""
	stored.ClaimedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	s.jobs[job.ID] = &stored

	out := stored
	return &out, true, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, owner string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		if j.Status == StatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		return due[a].Seq < due[b].Seq
	})

	claimed := due[0]
	claimedAt := now.UTC()
	claimed.Status = StatusActive
	claimed.Attempts++
	claimed.Owner = owner
	claimed.ClaimedAt = &claimedAt
	claimed.UpdatedAt = claimedAt

	out := *claimed
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *j
	return &out, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusCompleted
	j.Result = result
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusFailed
	j.LastError = &errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusPending
	j.RunAt = runAt
	j.LastError = &errMsg
	j.Owner = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, id string, runAt time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != StatusFailed {
		return nil, ErrNotFailed
	}
	j.Status = StatusPending
	j.RunAt = runAt
	j.Owner = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()

	out := *j
	return &out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Clean(ctx context.Context, cutoff time.Time, statuses ...Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := func(st Status) bool {
		if !st.Terminal() {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	removed := 0
	for id, j := range s.jobs {
		if matches(j.Status) && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, j := range s.jobs {
		if j.Status == StatusActive && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.Status = StatusPending
			j.Owner = ""
			j.ClaimedAt = nil
			j.UpdatedAt = time.Now().UTC()
			requeued++
		}
	}
	return requeued, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpsertRepeatingSpec(ctx context.Context, spec *RepeatingSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := *spec
	if existing, ok := s.specs[spec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.specs[spec.ID] = &stored
	return nil
}

func (s *MemoryStore) ListRepeatingSpecs(ctx context.Context) ([]RepeatingSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	specs := make([]RepeatingSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, *spec)
	}
	sort.Slice(specs, func(a, b int) bool { return specs[a].ID < specs[b].ID })
	return specs, nil
}

func (s *MemoryStore) DeleteRepeatingSpec(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.specs, id)
	return nil
}
