// Package dialect maps datasource engine tags to database client
// configurations. It is pure mapping and validation: no connections are
// opened here.
package dialect

import (
	"errors"
	"fmt"
)

// Engine identifies a supported datasource engine.
type Engine string

const (
	Postgres Engine = "postgres"
	MySQL    Engine = "mysql"
	MSSQL    Engine = "mssql"
	Oracle   Engine = "oracle"
	SQLite   Engine = "sqlite"
)

var (
	// ErrUnsupportedDialect is returned for engine tags outside the supported set.
	ErrUnsupportedDialect = errors.New("unsupported datasource engine")
	// ErrInvalidConfig is returned when a connection config is missing or has
	// malformed required fields.
	ErrInvalidConfig = errors.New("invalid datasource config")
)

// ClientConfig is everything needed to open a client pool for a datasource.
type ClientConfig struct {
	Engine Engine
	// DriverName is the database/sql driver to open. Empty for Postgres,
	// which uses a native pgx pool instead of database/sql.
	DriverName string
	DSN        string
}

// ParseEngine validates an engine tag from a datasource descriptor.
func ParseEngine(tag string) (Engine, error) {
	switch Engine(tag) {
	case Postgres, MySQL, MSSQL, Oracle, SQLite:
		return Engine(tag), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, tag)
	}
}

// BuildClientConfig maps an engine tag plus a decrypted connection config map
// to a driver-level client configuration.
func BuildClientConfig(tag string, config map[string]any) (*ClientConfig, error) {
	engine, err := ParseEngine(tag)
	if err != nil {
		return nil, err
	}

	switch engine {
	case Postgres:
		cfg, err := PostgresFromMap(config)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Engine: Postgres, DSN: cfg.DSN()}, nil
	case MySQL:
		cfg, err := MySQLFromMap(config)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Engine: MySQL, DriverName: "mysql", DSN: cfg.DSN()}, nil
	case MSSQL:
		cfg, err := MSSQLFromMap(config)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Engine: MSSQL, DriverName: "sqlserver", DSN: cfg.DSN()}, nil
	case Oracle:
		cfg, err := OracleFromMap(config)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Engine: Oracle, DriverName: "oracle", DSN: cfg.DSN()}, nil
	case SQLite:
		cfg, err := SQLiteFromMap(config)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Engine: SQLite, DriverName: "sqlite3", DSN: cfg.DSN()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, tag)
	}
}

// Placeholder returns the 1-based parameter placeholder for the engine.
// Query text is written with PostgreSQL-style $N placeholders and rebound
// per engine at execution time.
func Placeholder(engine Engine, n int) string {
	switch engine {
	case Postgres:
		return fmt.Sprintf("$%d", n)
	case MySQL, SQLite:
		return "?"
	case MSSQL:
		return fmt.Sprintf("@p%d", n)
	case Oracle:
		return fmt.Sprintf(":%d", n)
	default:
		return fmt.Sprintf("$%d", n)
	}
}

func requiredString(config map[string]any, field string) (string, error) {
	if v, ok := config[field].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
}

func optionalString(config map[string]any, field string) string {
	v, _ := config[field].(string)
	return v
}

// optionalInt reads an int field, accepting float64 because JSON numbers
// decode as float64.
func optionalInt(config map[string]any, field string, def int) int {
	if v, ok := config[field].(float64); ok {
		return int(v)
	}
	if v, ok := config[field].(int); ok {
		return v
	}
	return def
}
