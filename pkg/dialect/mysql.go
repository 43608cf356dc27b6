package dialect

import (
	"fmt"
	"net/url"
)

// MySQLConfig contains MySQL-specific connection options.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLSMode  string // "true", "false", "skip-verify", "preferred"
}

// MySQLFromMap creates a MySQLConfig from a generic config map.
func MySQLFromMap(config map[string]any) (*MySQLConfig, error) {
	cfg := &MySQLConfig{
		Port:    3306,
		TLSMode: "preferred",
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
	if tlsMode := optionalString(config, "tls_mode"); tlsMode != "" {
		cfg.TLSMode = tlsMode
	}

	return cfg, nil
}

// DSN returns a go-sql-driver DSN. parseTime is required so DATETIME columns
// scan into time.Time instead of []byte.
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		url.QueryEscape(c.TLSMode),
	)
}
