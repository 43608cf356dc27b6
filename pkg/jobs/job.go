// Package jobs implements the durable background job engine: a priority
// queue with delayed and repeating jobs, exclusive claims, retry with
// capped exponential backoff, and a bounded worker pool.
package jobs

import (
	"errors"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job type tags handled by the worker pool.
const (
	TypeReportGenerate   = "report-generate"
	TypeChartRender      = "chart-render"
	TypeDataExport       = "data-export"
	TypeScheduledRefresh = "scheduled-refresh"
)

var (
	// ErrUnhandledJobType is returned when no handler is registered for a
	// job's type. Such jobs fail terminally without retries.
	ErrUnhandledJobType = errors.New("unhandled job type")
	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotFailed is returned when manually retrying a job that is not
	// terminally failed.
	ErrNotFailed = errors.New("job is not in a failed state")
)

// Job is one unit of background work.
type Job struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Priority int            `json:"priority"` // lower runs first
	Payload  map[string]any `json:"payload"`

	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       time.Time      `json:"run_at"`
	Seq         int64          `json:"seq"` // enqueue order, FIFO tie-break within a priority
	LastError   *string        `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`

	Owner     string     `json:"owner,omitempty"` // claimant worker slot, empty when unclaimed
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RepeatingSpec declares a cron-scheduled job template. Each due tick is
// materialized as a regular Job with a deterministic id so restarts and
// concurrent schedulers cannot double-enqueue a tick.
type RepeatingSpec struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	CronExpr    string         `json:"cron_expr"`
	Timezone    string         `json:"timezone,omitempty"` // IANA name, UTC when empty
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Location resolves the spec's timezone, defaulting to UTC.
func (s *RepeatingSpec) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
