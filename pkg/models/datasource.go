package models

import (
	"time"

	"github.com/google/uuid"
)

// Datasource represents a registered external data connection.
// The Config field contains connection details (credentials, host, etc.)
// which are encrypted at rest by the service layer.
type Datasource struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Engine    string         `json:"engine"` // "postgres", "mysql", "mssql", "oracle", "sqlite"
	Config    map[string]any `json:"config"` // Decrypted config, structure varies by engine
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ConnectionTestResult is the outcome of probing a datasource's connectivity
// without registering it.
type ConnectionTestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latency_ms"`
}
