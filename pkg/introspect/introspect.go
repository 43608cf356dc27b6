// Package introspect reads datasource catalogs into a normalized schema:
// tables and views with columns, primary keys, foreign keys, and indexes.
package introspect

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/dialect"
)

// ErrIntrospection is returned when catalog queries fail.
var ErrIntrospection = errors.New("schema introspection failed")

// Introspector reads normalized schemas from acquired pools.
type Introspector struct {
	logger *zap.Logger
}

// NewIntrospector creates a schema introspector.
func NewIntrospector(logger *zap.Logger) *Introspector {
	return &Introspector{logger: logger}
}

// Introspect reads the full catalog of the pool's database.
func (in *Introspector) Introspect(ctx context.Context, pool datasource.Pool) (*Schema, error) {
	var schema *Schema
	var err error

	switch pool.Engine() {
	case dialect.Postgres:
		schema, err = in.introspectPostgres(ctx, pool)
	case dialect.MySQL:
		schema, err = in.introspectMySQL(ctx, pool)
	case dialect.MSSQL:
		schema, err = in.introspectMSSQL(ctx, pool)
	case dialect.Oracle:
		schema, err = in.introspectOracle(ctx, pool)
	case dialect.SQLite:
		schema, err = in.introspectSQLite(ctx, pool)
	default:
		return nil, fmt.Errorf("%w: %q", dialect.ErrUnsupportedDialect, pool.Engine())
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntrospection, err)
	}

	in.logger.Debug("introspected datasource schema",
		zap.String("engine", string(pool.Engine())),
		zap.Int("tables", len(schema.Tables)),
		zap.Int("views", len(schema.Views)),
	)
	return schema, nil
}
