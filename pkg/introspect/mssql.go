package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
)

// introspectMSSQL reads the catalog from the sys catalog views.
func (in *Introspector) introspectMSSQL(ctx context.Context, p datasource.Pool) (*Schema, error) {
	db, err := datasource.GetSQLDB(p)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}, Views: []View{}}
	tableIdx := make(map[string]int)

	const tablesQuery = `
		SELECT s.name, o.name, o.type
		FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		WHERE o.type IN ('U', 'V')
		ORDER BY s.name, o.name
	`
	rows, err := db.QueryContext(ctx, tablesQuery)
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
		columns, err := in.mssqlColumns(ctx, db, r.schema, r.name)
		if err != nil {
			return nil, err
		}
		// sys.objects pads the type column to two characters.
		if r.typ == "V" || r.typ == "V " {
			schema.Views = append(schema.Views, View{Schema: r.schema, Name: r.name, Columns: columns})
			continue
		}

		pk, indexes, err := in.mssqlIndexes(ctx, db, r.schema, r.name)
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

	if err := in.mssqlForeignKeys(ctx, db, schema, tableIdx); err != nil {
		return nil, err
	}

	return schema, nil
}

func (in *Introspector) mssqlColumns(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]Column, error) {
	const query = `
		SELECT c.name, t.name, c.is_nullable, c.column_id, dc.definition
		FROM sys.columns c
		JOIN sys.types t ON t.user_type_id = c.user_type_id
		JOIN sys.objects o ON o.object_id = c.object_id
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
		WHERE s.name = @p1 AND o.name = @p2
		ORDER BY c.column_id
	`
	rows, err := db.QueryContext(ctx, query, sql.Named("p1", schemaName), sql.Named("p2", tableName))
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	for rows.Next() {
		var c Column
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.OrdinalPosition, &def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if def.Valid {
			c.Default = &def.String
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// mssqlIndexes returns the primary key columns plus secondary indexes.
func (in *Introspector) mssqlIndexes(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]string, []Index, error) {
	const query = `
		SELECT i.name, i.is_primary_key, i.is_unique, c.name
		FROM sys.indexes i
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		JOIN sys.objects o ON o.object_id = i.object_id
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		WHERE s.name = @p1 AND o.name = @p2 AND i.name IS NOT NULL
		ORDER BY i.name, ic.key_ordinal
	`
	rows, err := db.QueryContext(ctx, query, sql.Named("p1", schemaName), sql.Named("p2", tableName))
	if err != nil {
		return nil, nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var pk []string
	var indexes []Index
	for rows.Next() {
		var name, column string
		var isPrimary, unique bool
		if err := rows.Scan(&name, &isPrimary, &unique, &column); err != nil {
			return nil, nil, fmt.Errorf("scan index: %w", err)
		}

		if isPrimary {
			pk = append(pk, column)
			continue
		}
		if n := len(indexes); n > 0 && indexes[n-1].Name == name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, column)
			continue
		}
		indexes = append(indexes, Index{Name: name, Unique: unique, Columns: []string{column}})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return pk, indexes, nil
}

func (in *Introspector) mssqlForeignKeys(ctx context.Context, db *sql.DB, schema *Schema, tableIdx map[string]int) error {
	const query = `
		SELECT fk.name, ss.name, so.name, sc.name, rs.name, ro.name, rc.name
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
		JOIN sys.objects so ON so.object_id = fk.parent_object_id
		JOIN sys.schemas ss ON ss.schema_id = so.schema_id
		JOIN sys.columns sc ON sc.object_id = fkc.parent_object_id AND sc.column_id = fkc.parent_column_id
		JOIN sys.objects ro ON ro.object_id = fk.referenced_object_id
		JOIN sys.schemas rs ON rs.schema_id = ro.schema_id
		JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
		ORDER BY fk.name, fkc.constraint_column_id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, srcSchema, srcTable, srcColumn, refSchema, refTable, refColumn string
		if err := rows.Scan(&name, &srcSchema, &srcTable, &srcColumn, &refSchema, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}

		idx, ok := tableIdx[srcSchema+"."+srcTable]
		if !ok {
			continue
		}
		appendForeignKeyColumn(&schema.Tables[idx], name, srcColumn, refSchema, refTable, refColumn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}
