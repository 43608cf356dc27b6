package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
)

// introspectOracle reads the catalog from the USER_* dictionary views, which
// scope results to the connected schema.
func (in *Introspector) introspectOracle(ctx context.Context, p datasource.Pool) (*Schema, error) {
	db, err := datasource.GetSQLDB(p)
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}, Views: []View{}}
	tableIdx := make(map[string]int)

	tableNames, err := in.oracleRelations(ctx, db, `SELECT table_name FROM user_tables ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	viewNames, err := in.oracleRelations(ctx, db, `SELECT view_name FROM user_views ORDER BY view_name`)
	if err != nil {
		return nil, fmt.Errorf("query views: %w", err)
	}

	for _, name := range tableNames {
		columns, err := in.oracleColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		pk, err := in.oraclePrimaryKey(ctx, db, name)
		if err != nil {
			return nil, err
		}
		indexes, err := in.oracleIndexes(ctx, db, name)
		if err != nil {
			return nil, err
		}

		tableIdx[name] = len(schema.Tables)
		schema.Tables = append(schema.Tables, Table{
			Name:       name,
			Columns:    columns,
			PrimaryKey: pk,
			Indexes:    indexes,
		})
	}

	for _, name := range viewNames {
		columns, err := in.oracleColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schema.Views = append(schema.Views, View{Name: name, Columns: columns})
	}

	if err := in.oracleForeignKeys(ctx, db, schema, tableIdx); err != nil {
		return nil, err
	}

	return schema, nil
}

func (in *Introspector) oracleRelations(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (in *Introspector) oracleColumns(ctx context.Context, db *sql.DB, tableName string) ([]Column, error) {
	const query = `
		SELECT column_name, data_type, nullable, column_id, data_default
		FROM user_tab_columns
		WHERE table_name = :1
		ORDER BY column_id
	`
	rows, err := db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	for rows.Next() {
		var c Column
		var nullable string
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.OrdinalPosition, &def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Nullable = nullable == "Y"
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

func (in *Introspector) oraclePrimaryKey(ctx context.Context, db *sql.DB, tableName string) ([]string, error) {
	const query = `
		SELECT cc.column_name
		FROM user_constraints c
		JOIN user_cons_columns cc ON cc.constraint_name = c.constraint_name
		WHERE c.table_name = :1 AND c.constraint_type = 'P'
		ORDER BY cc.position
	`
	rows, err := db.QueryContext(ctx, query, tableName)
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
	return pk, rows.Err()
}

func (in *Introspector) oracleIndexes(ctx context.Context, db *sql.DB, tableName string) ([]Index, error) {
	const query = `
		SELECT i.index_name, i.uniqueness, ic.column_name
		FROM user_indexes i
		JOIN user_ind_columns ic ON ic.index_name = i.index_name
		WHERE i.table_name = :1
		  AND NOT EXISTS (
			SELECT 1 FROM user_constraints c
			WHERE c.index_name = i.index_name AND c.constraint_type = 'P'
		  )
		ORDER BY i.index_name, ic.column_position
	`
	rows, err := db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var name, uniqueness, column string
		if err := rows.Scan(&name, &uniqueness, &column); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}

		if n := len(indexes); n > 0 && indexes[n-1].Name == name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, column)
			continue
		}
		indexes = append(indexes, Index{Name: name, Unique: uniqueness == "UNIQUE", Columns: []string{column}})
	}
	return indexes, rows.Err()
}

func (in *Introspector) oracleForeignKeys(ctx context.Context, db *sql.DB, schema *Schema, tableIdx map[string]int) error {
	const query = `
		SELECT c.constraint_name, c.table_name, cc.column_name,
		       rc.table_name, rcc.column_name
		FROM user_constraints c
		JOIN user_cons_columns cc ON cc.constraint_name = c.constraint_name
		JOIN user_constraints rc ON rc.constraint_name = c.r_constraint_name
		JOIN user_cons_columns rcc ON rcc.constraint_name = rc.constraint_name
		  AND rcc.position = cc.position
		WHERE c.constraint_type = 'R'
		ORDER BY c.constraint_name, cc.position
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, table, column, refTable, refColumn string
		if err := rows.Scan(&name, &table, &column, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}

		idx, ok := tableIdx[table]
		if !ok {
			continue
		}
		appendForeignKeyColumn(&schema.Tables[idx], name, column, "", refTable, refColumn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}
