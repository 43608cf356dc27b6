package dialect

import (
	"fmt"
	"net/url"
)

// PostgresConfig contains PostgreSQL-specific connection options.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// PostgresFromMap creates a PostgresConfig from a generic config map.
func PostgresFromMap(config map[string]any) (*PostgresConfig, error) {
	cfg := &PostgresConfig{
		Port:    5432,
		SSLMode: "require",
	}

	var err error
	if cfg.Host, err = requiredString(config, "host"); err != nil {
		return nil, err
	}
	if cfg.User, err = requiredString(config, "user"); err != nil {
		return nil, err
	}
	if cfg.Database, err = requiredString(config, "database"); err != nil {
		return nil, err
	}

	cfg.Port = optionalInt(config, "port", cfg.Port)
	cfg.Password = optionalString(config, "password")
	if sslMode := optionalString(config, "ssl_mode"); sslMode != "" {
		cfg.SSLMode = sslMode
	}

	return cfg, nil
}

// DSN returns a PostgreSQL URL with proper escaping.
// All user-provided fields must be URL-escaped to handle special characters
// in passwords (e.g., @, /, #, ?) that would otherwise break URL parsing.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.Database),
		c.SSLMode,
	)
}
