package dialect

import (
	"fmt"
	"net/url"
)

// MSSQLConfig contains SQL Server-specific connection options.
type MSSQLConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int // seconds
}

// MSSQLFromMap creates an MSSQLConfig from a generic config map.
func MSSQLFromMap(config map[string]any) (*MSSQLConfig, error) {
	cfg := &MSSQLConfig{
		Port:              1433,
		Encrypt:           true,
		ConnectionTimeout: 30,
	}

	var err error
	if cfg.Host, err = requiredString(config, "host"); err != nil {
		return nil, err
	}
	if cfg.Database, err = requiredString(config, "database"); err != nil {
		return nil, err
	}
	if cfg.Username, err = requiredString(config, "user"); err != nil {
		return nil, err
	}

	cfg.Port = optionalInt(config, "port", cfg.Port)
	cfg.Password = optionalString(config, "password")
	cfg.ConnectionTimeout = optionalInt(config, "connection_timeout", cfg.ConnectionTimeout)

	if encrypt, ok := config["encrypt"].(bool); ok {
		cfg.Encrypt = encrypt
	}
	if trust, ok := config["trust_server_certificate"].(bool); ok {
		cfg.TrustServerCertificate = trust
	}

	return cfg, nil
}

// DSN returns a sqlserver:// URL for go-mssqldb.
func (c *MSSQLConfig) DSN() string {
	query := url.Values{}
	query.Add("database", c.Database)
	if !c.Encrypt {
		query.Add("encrypt", "false")
	}
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Add("connection timeout", fmt.Sprintf("%d", c.ConnectionTimeout))
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		query.Encode(),
	)
}
