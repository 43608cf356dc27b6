package introspect

// Schema is the normalized shape of a datasource's catalog.
// An empty schema is a valid result, not an error.
type Schema struct {
	Tables []Table `json:"tables"`
	Views  []View  `json:"views"`
}

// Table describes one base table.
type Table struct {
	Schema      string       `json:"schema,omitempty"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	Indexes     []Index      `json:"indexes,omitempty"`
}

// View describes one view.
type View struct {
	Schema  string   `json:"schema,omitempty"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column describes one column of a table or view.
type Column struct {
	Name            string  `json:"name"`
	DataType        string  `json:"data_type"`
	Nullable        bool    `json:"nullable"`
	Default         *string `json:"default,omitempty"`
	OrdinalPosition int     `json:"ordinal_position"`
}

// ForeignKey describes one foreign key constraint. Columns and RefColumns
// are index-aligned for composite keys.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"ref_schema,omitempty"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

// Index describes one secondary index.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}
