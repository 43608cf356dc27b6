package introspect

import (
	"context"
	"fmt"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
)

// introspectPostgres reads the catalog through the native pgx pool.
// Primary key and unique detection use pg_index, which correctly identifies
// keys even when created as unique indexes by ORMs.
func (in *Introspector) introspectPostgres(ctx context.Context, p datasource.Pool) (*Schema, error) {
	pool, err := datasource.GetPgxPool(p)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}, Views: []View{}}
	tableIdx := make(map[string]int)

	const tablesQuery = `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_type IN ('BASE TABLE', 'VIEW')
		  AND table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY table_schema, table_name
	`
	rows, err := pool.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	type rel struct {
		schema, name, typ string
	}
	var rels []rel
	for rows.Next() {
		var r rel
		if err := rows.Scan(&r.schema, &r.name, &r.typ); err != nil {
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
		columns, err := in.postgresColumns(ctx, p, r.schema, r.name)
		if err != nil {
			return nil, err
		}
		if r.typ == "VIEW" {
			schema.Views = append(schema.Views, View{Schema: r.schema, Name: r.name, Columns: columns})
			continue
		}

		pk, err := in.postgresPrimaryKey(ctx, p, r.schema, r.name)
		if err != nil {
			return nil, err
		}
		indexes, err := in.postgresIndexes(ctx, p, r.schema, r.name)
		if err != nil {
			return nil, err
		}

		tableIdx[r.schema+"."+r.name] = len(schema.Tables)
		schema.Tables = append(schema.Tables, Table{
			Schema:     r.schema,
			Name:       r.name,
			Columns:    columns,
			PrimaryKey: pk,
			Indexes:    indexes,
		})
	}

	if err := in.postgresForeignKeys(ctx, p, schema, tableIdx); err != nil {
		return nil, err
	}

	return schema, nil
}

func (in *Introspector) postgresColumns(ctx context.Context, p datasource.Pool, schemaName, tableName string) ([]Column, error) {
	pool, _ := datasource.GetPgxPool(p)

	const query = `
		SELECT column_name, data_type, is_nullable = 'YES', ordinal_position, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`
	rows, err := pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.OrdinalPosition, &c.Default); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

func (in *Introspector) postgresPrimaryKey(ctx context.Context, p datasource.Pool, schemaName, tableName string) ([]string, error) {
	pool, _ := datasource.GetPgxPool(p)

	const query = `
		SELECT a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE ix.indisprimary = true
		  AND n.nspname = $1
		  AND t.relname = $2
		ORDER BY array_position(ix.indkey, a.attnum)
	`
	rows, err := pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query primary key: %w", err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		pk = append(pk, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate primary key: %w", err)
	}
	return pk, nil
}

func (in *Introspector) postgresIndexes(ctx context.Context, p datasource.Pool, schemaName, tableName string) ([]Index, error) {
	pool, _ := datasource.GetPgxPool(p)

	const query = `
		SELECT i.relname, ix.indisunique, array_agg(a.attname ORDER BY array_position(ix.indkey, a.attnum))
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE ix.indisprimary = false
		  AND n.nspname = $1
		  AND t.relname = $2
		GROUP BY i.relname, ix.indisunique
		ORDER BY i.relname
	`
	rows, err := pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Columns); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return indexes, nil
}

func (in *Introspector) postgresForeignKeys(ctx context.Context, p datasource.Pool, schema *Schema, tableIdx map[string]int) error {
	pool, _ := datasource.GetPgxPool(p)

	const query = `
		SELECT
			tc.constraint_name,
			kcu.table_schema,
			kcu.table_name,
			kcu.column_name,
			ccu.table_schema,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, srcSchema, srcTable, srcCol, refSchema, refTable, refCol string
		if err := rows.Scan(&name, &srcSchema, &srcTable, &srcCol, &refSchema, &refTable, &refCol); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}

		idx, ok := tableIdx[srcSchema+"."+srcTable]
		if !ok {
			continue
		}
		appendForeignKeyColumn(&schema.Tables[idx], name, srcCol, refSchema, refTable, refCol)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}

// appendForeignKeyColumn merges per-column constraint rows into composite
// foreign keys by constraint name.
func appendForeignKeyColumn(table *Table, name, column, refSchema, refTable, refColumn string) {
	for i := range table.ForeignKeys {
		if table.ForeignKeys[i].Name == name {
			table.ForeignKeys[i].Columns = append(table.ForeignKeys[i].Columns, column)
			table.ForeignKeys[i].RefColumns = append(table.ForeignKeys[i].RefColumns, refColumn)
			return
		}
	}
	table.ForeignKeys = append(table.ForeignKeys, ForeignKey{
		Name:       name,
		Columns:    []string{column},
		RefSchema:  refSchema,
		RefTable:   refTable,
		RefColumns: []string{refColumn},
	})
}
