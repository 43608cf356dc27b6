package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
)

// introspectSQLite reads the catalog from sqlite_master and the table_info,
// index_list, index_info, and foreign_key_list pragmas.
func (in *Introspector) introspectSQLite(ctx context.Context, p datasource.Pool) (*Schema, error) {
	db, err := datasource.GetSQLDB(p)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}, Views: []View{}}

	const tablesQuery = `
		SELECT name, type FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`
	rows, err := db.QueryContext(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	type rel struct {
		name, typ string
	}
	var rels []rel
	for rows.Next() {
		var r rel
		if err := rows.Scan(&r.name, &r.typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		rels = append(rels, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	for _, r := range rels {
		columns, pk, err := in.sqliteColumns(ctx, db, r.name)
		if err != nil {
			return nil, err
		}
		if r.typ == "view" {
			schema.Views = append(schema.Views, View{Name: r.name, Columns: columns})
			continue
		}

		indexes, err := in.sqliteIndexes(ctx, db, r.name)
		if err != nil {
			return nil, err
		}
		fks, err := in.sqliteForeignKeys(ctx, db, r.name)
		if err != nil {
			return nil, err
		}

		schema.Tables = append(schema.Tables, Table{
			Name:        r.name,
			Columns:     columns,
			PrimaryKey:  pk,
			ForeignKeys: fks,
			Indexes:     indexes,
		})
	}

	return schema, nil
}

func (in *Introspector) sqliteColumns(ctx context.Context, db *sql.DB, tableName string) ([]Column, []string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, tableName))
	if err != nil {
		return nil, nil, fmt.Errorf("table_info pragma: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	var pk []string
	for rows.Next() {
		var cid, notNull, pkPos int
		var name, dataType string
		var def sql.NullString
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &def, &pkPos); err != nil {
			return nil, nil, fmt.Errorf("scan column: %w", err)
		}

		c := Column{
			Name:            name,
			DataType:        dataType,
			Nullable:        notNull == 0,
			OrdinalPosition: cid + 1, // cid is zero-based
		}
		if def.Valid {
			c.Default = &def.String
		}
		if pkPos > 0 {
			pk = append(pk, name)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, pk, nil
}

func (in *Introspector) sqliteIndexes(ctx context.Context, db *sql.DB, tableName string) ([]Index, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%q)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("index_list pragma: %w", err)
	}

	type indexEntry struct {
		name   string
		unique bool
	}
	var entries []indexEntry
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan index: %w", err)
		}
		// Skip the implicit primary key index.
		if origin == "pk" {
			continue
		}
		entries = append(entries, indexEntry{name: name, unique: unique == 1})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}

	var indexes []Index
	for _, entry := range entries {
		cols, err := in.sqliteIndexColumns(ctx, db, entry.name)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, Index{Name: entry.name, Unique: entry.unique, Columns: cols})
	}
	return indexes, nil
}

func (in *Introspector) sqliteIndexColumns(ctx context.Context, db *sql.DB, indexName string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%q)`, indexName))
	if err != nil {
		return nil, fmt.Errorf("index_info pragma: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scan index column: %w", err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index columns: %w", err)
	}
	return cols, nil
}

func (in *Introspector) sqliteForeignKeys(ctx context.Context, db *sql.DB, tableName string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list pragma: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}

		refColumn := ""
		if to.Valid {
			refColumn = to.String
		}

		// Group composite keys by the pragma's id column.
		name := fmt.Sprintf("fk_%s_%d", tableName, id)
		if n := len(fks); n > 0 && fks[n-1].Name == name {
			fks[n-1].Columns = append(fks[n-1].Columns, from)
			fks[n-1].RefColumns = append(fks[n-1].RefColumns, refColumn)
			continue
		}
		fks = append(fks, ForeignKey{
			Name:       name,
			Columns:    []string{from},
			RefTable:   refTable,
			RefColumns: []string{refColumn},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return fks, nil
}
