package models

import (
	"time"

	"github.com/google/uuid"
)

// QueryHistoryEntry records a query executed against a datasource.
// Both successful and failed executions are recorded.
type QueryHistoryEntry struct {
	ID           uuid.UUID `json:"id"`
	DatasourceID uuid.UUID `json:"datasource_id"`

	SQL string `json:"sql"` // sanitized and truncated before storage

	ExecutedAt time.Time `json:"executed_at"`
	DurationMs int64     `json:"duration_ms"`
	RowCount   *int      `json:"row_count,omitempty"`
	Truncated  bool      `json:"truncated"`
	Error      *string   `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// QueryHistoryFilters contains filters for listing query history.
type QueryHistoryFilters struct {
	DatasourceID *uuid.UUID
	Since        *time.Time
	Limit        int
}
