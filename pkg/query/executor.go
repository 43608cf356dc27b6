// Package query executes parameterized read queries against datasource pools
// with bounded results and a wall-clock timeout.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/dialect"
	"github.com/lumen-bi/lumen-engine/pkg/logging"
)

const (
	DefaultRowLimit = 10000
	DefaultTimeout  = 60 * time.Second
)

// ErrQueryTimeout is returned when a query exceeds the wall-clock deadline.
var ErrQueryTimeout = errors.New("query timed out")

// Request describes one query execution. SQL uses $1, $2, ... placeholders
// regardless of engine; the executor rebinds per dialect.
type Request struct {
	SQL      string
	Params   []any
	RowLimit int // 0 means the executor default
}

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result holds a bounded query result set.
type Result struct {
	Columns   []ColumnInfo     `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// Executor runs parameterized queries against acquired pools.
type Executor struct {
	defaultRowLimit int
	timeout         time.Duration
	logger          *zap.Logger
}

// NewExecutor creates a query executor. Zero values fall back to defaults.
func NewExecutor(defaultRowLimit int, timeout time.Duration, logger *zap.Logger) *Executor {
	if defaultRowLimit <= 0 {
		defaultRowLimit = DefaultRowLimit
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		defaultRowLimit: defaultRowLimit,
		timeout:         timeout,
		logger:          logger,
	}
}

// Execute runs the request against the pool. Results are capped at the row
// limit with Truncated set when more rows were available. A query exceeding
// the timeout returns ErrQueryTimeout.
func (e *Executor) Execute(ctx context.Context, pool datasource.Pool, req Request) (*Result, error) {
	normalized, err := normalizeStatement(req.SQL)
	if err != nil {
		return nil, err
	}
	req.SQL = normalized

	limit := req.RowLimit
	if limit <= 0 {
		limit = e.defaultRowLimit
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	e.logger.Debug("executing query",
		zap.String("engine", string(pool.Engine())),
		zap.String("query", logging.SanitizeQuery(req.SQL)),
		zap.Int("paramCount", len(req.Params)),
		zap.Int("rowLimit", limit),
	)

	var result *Result
	if pool.Engine() == dialect.Postgres {
		result, err = e.executePgx(queryCtx, pool, req, limit)
	} else {
		result, err = e.executeSQL(queryCtx, pool, req, limit)
	}
	if err != nil {
		if queryCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrQueryTimeout, e.timeout)
		}
		return nil, err
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, nil
}

// executePgx runs the query on a native pgx pool.
func (e *Executor) executePgx(ctx context.Context, pool datasource.Pool, req Request, limit int) (*Result, error) {
	pgxPool, err := datasource.GetPgxPool(pool)
	if err != nil {
		return nil, err
	}

	rows, err := pgxPool.Query(ctx, req.SQL, req.Params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = ColumnInfo{
			Name: string(fd.Name),
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) >= limit {
			truncated = true
			break
		}

		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any)
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}

	if !truncated {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating rows: %w", err)
		}
	}

	return &Result{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
	}, nil
}

// executeSQL runs the query on a database/sql pool after rebinding
// placeholders for the engine.
func (e *Executor) executeSQL(ctx context.Context, pool datasource.Pool, req Request, limit int) (*Result, error) {
	db, err := datasource.GetSQLDB(pool)
	if err != nil {
		return nil, err
	}

	rebound, args, err := Rebind(pool.Engine(), req.SQL, req.Params)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, rebound, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	columns := make([]ColumnInfo, len(columnNames))
	for i, colName := range columnNames {
		columns[i] = ColumnInfo{
			Name: colName,
			Type: columnTypes[i].DatabaseTypeName(),
		}
	}

	resultRows := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) >= limit {
			truncated = true
			break
		}

		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowMap := make(map[string]any)
		for i, col := range columnNames {
			val := values[i]
			// Text columns come back as []byte from database/sql drivers.
			if b, ok := val.([]byte); ok && isStringType(columnTypes[i].DatabaseTypeName()) {
				val = string(b)
			}
			rowMap[col] = val
		}
		resultRows = append(resultRows, rowMap)
	}

	if !truncated {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating rows: %w", err)
		}
	}

	return &Result{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
	}, nil
}

// isStringType reports whether a driver type name is textual.
func isStringType(typeName string) bool {
	switch typeName {
	case "CHAR", "VARCHAR", "NCHAR", "NVARCHAR", "TEXT", "NTEXT",
		"CLOB", "NCLOB", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT", "":
		return true
	default:
		return false
	}
}
