package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	// Drivers for the non-Postgres engines. Postgres uses a native pgx pool.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"

	"github.com/lumen-bi/lumen-engine/pkg/dialect"
)

// Pool abstracts a live connection pool across engines.
type Pool interface {
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Close closes all connections in the pool
	Close() error

	// Engine returns the datasource engine for logging/stats
	Engine() dialect.Engine
}

// PoolOptions holds pool sizing applied to every datasource pool.
type PoolOptions struct {
	MaxConns    int32
	MinConns    int32
	MaxIdleTime time.Duration
}

// PgxPool wraps *pgxpool.Pool to implement Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

// NewPgxPool creates a PostgreSQL pool wrapper.
func NewPgxPool(pool *pgxpool.Pool) *PgxPool {
	return &PgxPool{pool: pool}
}

func (p *PgxPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PgxPool) Close() error {
	p.pool.Close()
	return nil
}

func (p *PgxPool) Engine() dialect.Engine {
	return dialect.Postgres
}

// Pool returns the underlying *pgxpool.Pool.
func (p *PgxPool) Pool() *pgxpool.Pool {
	return p.pool
}

// SQLPool wraps *sql.DB to implement Pool for the database/sql engines.
type SQLPool struct {
	db     *sql.DB
	engine dialect.Engine
}

// NewSQLPool creates a database/sql pool wrapper.
func NewSQLPool(db *sql.DB, engine dialect.Engine) *SQLPool {
	return &SQLPool{db: db, engine: engine}
}

func (p *SQLPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *SQLPool) Close() error {
	return p.db.Close()
}

func (p *SQLPool) Engine() dialect.Engine {
	return p.engine
}

// DB returns the underlying *sql.DB.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// GetPgxPool extracts the underlying *pgxpool.Pool from a Pool.
// Returns an error if the pool is not a PostgreSQL pool.
func GetPgxPool(pool Pool) (*pgxpool.Pool, error) {
	wrapper, ok := pool.(*PgxPool)
	if !ok {
		return nil, fmt.Errorf("pool is not a PostgreSQL pool wrapper")
	}
	return wrapper.Pool(), nil
}

// GetSQLDB extracts the underlying *sql.DB from a Pool.
// Returns an error if the pool is not a database/sql pool.
func GetSQLDB(pool Pool) (*sql.DB, error) {
	wrapper, ok := pool.(*SQLPool)
	if !ok {
		return nil, fmt.Errorf("pool is not a database/sql pool wrapper")
	}
	return wrapper.DB(), nil
}

// openPool opens a new pool for the client config with the given sizing.
func openPool(ctx context.Context, cc *dialect.ClientConfig, opts PoolOptions) (Pool, error) {
	if cc.Engine == dialect.Postgres {
		poolConfig, err := pgxpool.ParseConfig(cc.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", err)
		}
		poolConfig.MaxConns = opts.MaxConns
		poolConfig.MinConns = opts.MinConns
		poolConfig.MaxConnIdleTime = opts.MaxIdleTime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		// NewWithConfig connects lazily; verify the pool can actually connect.
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPgxPool(pool), nil
	}

	db, err := sql.Open(cc.DriverName, cc.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(int(opts.MaxConns))
	db.SetMaxIdleConns(int(opts.MinConns))
	db.SetConnMaxIdleTime(opts.MaxIdleTime)

	// sql.Open does not dial; verify the pool can actually connect.
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return NewSQLPool(db, cc.Engine), nil
}
