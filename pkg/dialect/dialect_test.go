package dialect

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEngine(t *testing.T) {
	tests := []struct {
		tag     string
		want    Engine
		wantErr bool
	}{
		{tag: "postgres", want: Postgres},
		{tag: "mysql", want: MySQL},
		{tag: "mssql", want: MSSQL},
		{tag: "oracle", want: Oracle},
		{tag: "sqlite", want: SQLite},
		{tag: "clickhouse", wantErr: true},
		{tag: "", wantErr: true},
		{tag: "POSTGRES", wantErr: true}, // tags are case-sensitive
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseEngine(tt.tag)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedDialect) {
					t.Fatalf("expected ErrUnsupportedDialect, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseEngine(%q) = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestBuildClientConfigPostgres(t *testing.T) {
	cc, err := BuildClientConfig("postgres", map[string]any{
		"host":     "db.example.com",
		"port":     float64(5433), // JSON numbers decode as float64
		"user":     "reporter",
		"password": "p@ss/word#1",
		"database": "sales",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.DriverName != "" {
		t.Errorf("expected empty driver name for postgres, got %q", cc.DriverName)
	}
	if !strings.HasPrefix(cc.DSN, "postgresql://reporter:") {
		t.Errorf("unexpected DSN: %q", cc.DSN)
	}
	if strings.Contains(cc.DSN, "p@ss/word#1") {
		t.Errorf("password not escaped in DSN: %q", cc.DSN)
	}
	if !strings.Contains(cc.DSN, "db.example.com:5433") {
		t.Errorf("expected host:port in DSN: %q", cc.DSN)
	}
	if !strings.Contains(cc.DSN, "sslmode=require") {
		t.Errorf("expected default sslmode=require: %q", cc.DSN)
	}
}

func TestBuildClientConfigMySQL(t *testing.T) {
	cc, err := BuildClientConfig("mysql", map[string]any{
		"host":     "mysql.internal",
		"user":     "app",
		"password": "secret",
		"database": "metrics",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.DriverName != "mysql" {
		t.Errorf("expected driver mysql, got %q", cc.DriverName)
	}
	if !strings.Contains(cc.DSN, "tcp(mysql.internal:3306)") {
		t.Errorf("expected default port 3306: %q", cc.DSN)
	}
	if !strings.Contains(cc.DSN, "parseTime=true") {
		t.Errorf("expected parseTime=true: %q", cc.DSN)
	}
}

func TestBuildClientConfigMSSQL(t *testing.T) {
	cc, err := BuildClientConfig("mssql", map[string]any{
		"host":                     "sqlsrv",
		"user":                     "sa",
		"password":                 "StrongPass1!",
		"database":                 "warehouse",
		"trust_server_certificate": true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.DriverName != "sqlserver" {
		t.Errorf("expected driver sqlserver, got %q", cc.DriverName)
	}
	if !strings.Contains(cc.DSN, "sqlsrv:1433") {
		t.Errorf("expected default port 1433: %q", cc.DSN)
	}
	if !strings.Contains(cc.DSN, "database=warehouse") {
		t.Errorf("expected database param: %q", cc.DSN)
	}
	if !strings.Contains(cc.DSN, "TrustServerCertificate=true") {
		t.Errorf("expected trust flag: %q", cc.DSN)
	}
}

func TestBuildClientConfigOracle(t *testing.T) {
	cc, err := BuildClientConfig("oracle", map[string]any{
		"host":         "ora.internal",
		"user":         "system",
		"password":     "oracle",
		"service_name": "ORCLPDB1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.DriverName != "oracle" {
		t.Errorf("expected driver oracle, got %q", cc.DriverName)
	}
	if !strings.Contains(cc.DSN, "ora.internal:1521/ORCLPDB1") {
		t.Errorf("unexpected DSN: %q", cc.DSN)
	}
}

func TestBuildClientConfigSQLite(t *testing.T) {
	cc, err := BuildClientConfig("sqlite", map[string]any{
		"path": "/data/orders.db",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.DriverName != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %q", cc.DriverName)
	}
	if cc.DSN != "/data/orders.db" {
		t.Errorf("unexpected DSN: %q", cc.DSN)
	}
}

func TestBuildClientConfigMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		config  map[string]any
		missing string
	}{
		{name: "postgres no host", tag: "postgres", config: map[string]any{"user": "u", "database": "d"}, missing: "host"},
		{name: "postgres no user", tag: "postgres", config: map[string]any{"host": "h", "database": "d"}, missing: "user"},
		{name: "postgres no database", tag: "postgres", config: map[string]any{"host": "h", "user": "u"}, missing: "database"},
		{name: "mysql no database", tag: "mysql", config: map[string]any{"host": "h", "user": "u"}, missing: "database"},
		{name: "mssql no user", tag: "mssql", config: map[string]any{"host": "h", "database": "d"}, missing: "user"},
		{name: "oracle no service", tag: "oracle", config: map[string]any{"host": "h", "user": "u"}, missing: "service_name"},
		{name: "sqlite no path", tag: "sqlite", config: map[string]any{}, missing: "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildClientConfig(tt.tag, tt.config)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.missing) {
				t.Errorf("error %q does not name missing field %q", err.Error(), tt.missing)
			}
		})
	}
}

func TestPlaceholder(t *testing.T) {
	tests := []struct {
		engine Engine
		n      int
		want   string
	}{
		{Postgres, 1, "$1"},
		{Postgres, 12, "$12"},
		{MySQL, 3, "?"},
		{SQLite, 1, "?"},
		{MSSQL, 2, "@p2"},
		{Oracle, 4, ":4"},
	}

	for _, tt := range tests {
		if got := Placeholder(tt.engine, tt.n); got != tt.want {
			t.Errorf("Placeholder(%s, %d) = %q, want %q", tt.engine, tt.n, got, tt.want)
		}
	}
}
