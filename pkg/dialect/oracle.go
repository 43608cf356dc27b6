package dialect

import (
	"fmt"
	"net/url"
)

// OracleConfig contains Oracle-specific connection options.
type OracleConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	ServiceName string
}

// OracleFromMap creates an OracleConfig from a generic config map.
func OracleFromMap(config map[string]any) (*OracleConfig, error) {
	cfg := &OracleConfig{
		Port: 1521,
	}

	var err error
	if cfg.Host, err = requiredString(config, "host"); err != nil {
		return nil, err
	}
	if cfg.User, err = requiredString(config, "user"); err != nil {
		return nil, err
	}
	if cfg.ServiceName, err = requiredString(config, "service_name"); err != nil {
		return nil, err
	}

	cfg.Port = optionalInt(config, "port", cfg.Port)
	cfg.Password = optionalString(config, "password")

	return cfg, nil
}

// DSN returns an oracle:// URL for go-ora.
func (c *OracleConfig) DSN() string {
	return fmt.Sprintf("oracle://%s:%s@%s:%d/%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.ServiceName),
	)
}
