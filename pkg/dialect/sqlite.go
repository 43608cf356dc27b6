package dialect

// SQLiteConfig contains embedded-file database connection options.
type SQLiteConfig struct {
	Path string
}

// SQLiteFromMap creates a SQLiteConfig from a generic config map.
func SQLiteFromMap(config map[string]any) (*SQLiteConfig, error) {
	cfg := &SQLiteConfig{}

	var err error
	if cfg.Path, err = requiredString(config, "path"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DSN returns the file path for mattn/go-sqlite3.
func (c *SQLiteConfig) DSN() string {
	return c.Path
}
