package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for lumen-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Metadata database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Datasource connection management configuration
	Datasource DatasourceConfig `yaml:"datasource"`

	// Query execution configuration
	Query QueryConfig `yaml:"query"`

	// Background job engine configuration
	Jobs JobsConfig `yaml:"jobs"`

	// Credential encryption key for datasource secrets.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL metadata database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"lumen"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"lumen_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// DatasourceConfig holds datasource connection management settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle datasource connections are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"5"`
	// PoolMaxConns is the maximum number of connections per datasource pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per datasource pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
	// ConnectTimeoutSeconds bounds pool creation and connection tests.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" env:"DATASOURCE_CONNECT_TIMEOUT_SECONDS" env-default:"10"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	// DefaultRowLimit caps result rows when a request does not specify a limit.
	DefaultRowLimit int `yaml:"default_row_limit" env:"QUERY_DEFAULT_ROW_LIMIT" env-default:"10000"`
	// TimeoutSeconds is the wall-clock query timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"QUERY_TIMEOUT_SECONDS" env-default:"60"`
	// HistoryRetentionDays is how long query history rows are kept.
	HistoryRetentionDays int `yaml:"history_retention_days" env:"QUERY_HISTORY_RETENTION_DAYS" env-default:"30"`
}

// JobsConfig holds background job engine settings.
type JobsConfig struct {
	// WorkerCount is the number of concurrent job slots.
	WorkerCount int `yaml:"worker_count" env:"JOBS_WORKER_COUNT" env-default:"4"`
	// PollIntervalSeconds is how often idle workers poll for claimable jobs.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" env:"JOBS_POLL_INTERVAL_SECONDS" env-default:"2"`
	// DrainTimeoutSeconds bounds graceful shutdown while in-flight jobs finish.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds" env:"JOBS_DRAIN_TIMEOUT_SECONDS" env-default:"30"`
	// MaxAttempts is the default attempt cap for retryable jobs.
	MaxAttempts int `yaml:"max_attempts" env:"JOBS_MAX_ATTEMPTS" env-default:"3"`
	// ExportDir is where data-export jobs write their output files.
	ExportDir string `yaml:"export_dir" env:"JOBS_EXPORT_DIR" env-default:"exports"`
	// StaleClaimMinutes is how long an active job may go without progress
	// before the sweeper returns it to the queue.
	StaleClaimMinutes int `yaml:"stale_claim_minutes" env:"JOBS_STALE_CLAIM_MINUTES" env-default:"15"`
	// CompletedRetentionDays is how long completed jobs are kept before the
	// sweeper removes them.
	CompletedRetentionDays int `yaml:"completed_retention_days" env:"JOBS_COMPLETED_RETENTION_DAYS" env-default:"7"`
	// FailedRetentionDays is how long failed jobs are kept. Longer than the
	// completed retention since failures carry diagnostic value.
	FailedRetentionDays int `yaml:"failed_retention_days" env:"JOBS_FAILED_RETENTION_DAYS" env-default:"30"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, CREDENTIALS_KEY) must come from environment variables
// (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only, without a
// YAML file. Used by tests and containerized deployments.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Datasource.PoolMinConns > c.Datasource.PoolMaxConns {
		return fmt.Errorf("datasource pool_min_conns (%d) must not exceed pool_max_conns (%d)",
			c.Datasource.PoolMinConns, c.Datasource.PoolMaxConns)
	}
	if c.Jobs.WorkerCount < 1 {
		return fmt.Errorf("jobs worker_count must be at least 1, got %d", c.Jobs.WorkerCount)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string for the metadata database.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ConnectionTTL returns the idle datasource connection TTL as a duration.
func (c *DatasourceConfig) ConnectionTTL() time.Duration {
	return time.Duration(c.ConnectionTTLMinutes) * time.Minute
}

// ConnectTimeout returns the datasource connect timeout as a duration.
func (c *DatasourceConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Timeout returns the query timeout as a duration.
func (c *QueryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the worker poll interval as a duration.
func (c *JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DrainTimeout returns the graceful drain deadline as a duration.
func (c *JobsConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// StaleClaimAge returns the stale active-claim age as a duration.
func (c *JobsConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}
