package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
)

// introspectMySQL reads the catalog from information_schema, scoped to the
// connected database.
func (in *Introspector) introspectMySQL(ctx context.Context, p datasource.Pool) (*Schema, error) {
	db, err := datasource.GetSQLDB(p)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}, Views: []View{}}
	tableIdx := make(map[string]int)

	const tablesQuery = `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		ORDER BY table_name
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
		columns, pk, err := in.mysqlColumns(ctx, db, r.name)
		if err != nil {
			return nil, err
		}
		if r.typ == "VIEW" {
			schema.Views = append(schema.Views, View{Name: r.name, Columns: columns})
			continue
		}

		indexes, err := in.mysqlIndexes(ctx, db, r.name)
		if err != nil {
			return nil, err
		}

		tableIdx[r.name] = len(schema.Tables)
		schema.Tables = append(schema.Tables, Table{
			Name:       r.name,
			Columns:    columns,
			PrimaryKey: pk,
			Indexes:    indexes,
		})
	}

	if err := in.mysqlForeignKeys(ctx, db, schema, tableIdx); err != nil {
		return nil, err
	}

	return schema, nil
}

func (in *Introspector) mysqlColumns(ctx context.Context, db *sql.DB, tableName string) ([]Column, []string, error) {
	const query = `
		SELECT column_name, data_type, is_nullable = 'YES', ordinal_position,
		       column_default, column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`
	rows, err := db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	var pk []string
	for rows.Next() {
		var c Column
		var isPK bool
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.OrdinalPosition, &def, &isPK); err != nil {
			return nil, nil, fmt.Errorf("scan column: %w", err)
		}
		if def.Valid {
			c.Default = &def.String
		}
		if isPK {
			pk = append(pk, c.Name)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, pk, nil
}

func (in *Introspector) mysqlIndexes(ctx context.Context, db *sql.DB, tableName string) ([]Index, error) {
	const query = `
		SELECT index_name, non_unique = 0, column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name <> 'PRIMARY'
		ORDER BY index_name, seq_in_index
	`
	rows, err := db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}

		if n := len(indexes); n > 0 && indexes[n-1].Name == name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, column)
			continue
		}
		indexes = append(indexes, Index{Name: name, Unique: unique, Columns: []string{column}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return indexes, nil
}

func (in *Introspector) mysqlForeignKeys(ctx context.Context, db *sql.DB, schema *Schema, tableIdx map[string]int) error {
	const query = `
		SELECT constraint_name, table_name, column_name,
		       referenced_table_schema, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL
		ORDER BY constraint_name, ordinal_position
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, table, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&name, &table, &column, &refSchema, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}

		idx, ok := tableIdx[table]
		if !ok {
			continue
		}
		appendForeignKeyColumn(&schema.Tables[idx], name, column, refSchema, refTable, refColumn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}
