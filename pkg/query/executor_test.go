package query

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/dialect"
)

// openFixtureDB creates an in-memory SQLite database with a small orders table.
func openFixtureDB(t *testing.T) datasource.Pool {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory SQLite is per-connection; keep a single connection so every
	// query sees the fixture table.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, total REAL NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := db.Exec(`INSERT INTO orders (id, total) VALUES (?, ?)`, i, float64(i)*10); err != nil {
			t.Fatalf("insert row: %v", err)
		}
	}

	return datasource.NewSQLPool(db, dialect.SQLite)
}

func TestExecuteReturnsRows(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, 0, zap.NewNop())

	result, err := e.Execute(context.Background(), pool, Request{
		SQL: "SELECT id, total FROM orders ORDER BY id",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.RowCount != 10 {
		t.Errorf("expected 10 rows, got %d", result.RowCount)
	}
	if result.Truncated {
		t.Error("result should not be truncated")
	}
	if len(result.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(result.Columns))
	}
	if result.Columns[0].Name != "id" || result.Columns[1].Name != "total" {
		t.Errorf("unexpected columns: %+v", result.Columns)
	}
	if result.ElapsedMs < 0 {
		t.Errorf("expected non-negative elapsed time, got %d", result.ElapsedMs)
	}
}

func TestExecuteWithParams(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, 0, zap.NewNop())

	result, err := e.Execute(context.Background(), pool, Request{
		SQL:    "SELECT COUNT(*) AS n FROM orders WHERE total > $1",
		Params: []any{50.0},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("expected 1 row, got %d", result.RowCount)
	}

	n, ok := result.Rows[0]["n"].(int64)
	if !ok {
		t.Fatalf("unexpected count type %T", result.Rows[0]["n"])
	}
	if n != 5 {
		t.Errorf("expected count 5, got %d", n)
	}
}

func TestExecuteRowLimitTruncates(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, 0, zap.NewNop())

	result, err := e.Execute(context.Background(), pool, Request{
		SQL:      "SELECT id FROM orders ORDER BY id",
		RowLimit: 3,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.RowCount != 3 {
		t.Errorf("expected 3 rows, got %d", result.RowCount)
	}
	if !result.Truncated {
		t.Error("expected truncated flag")
	}
}

func TestExecuteRowLimitExactFit(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, 0, zap.NewNop())

	result, err := e.Execute(context.Background(), pool, Request{
		SQL:      "SELECT id FROM orders",
		RowLimit: 10,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.RowCount != 10 {
		t.Errorf("expected 10 rows, got %d", result.RowCount)
	}
	if result.Truncated {
		t.Error("exact-fit result should not be truncated")
	}
}

func TestExecuteTimeout(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, time.Nanosecond, zap.NewNop())

	_, err := e.Execute(context.Background(), pool, Request{
		SQL: "SELECT id FROM orders",
	})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("expected ErrQueryTimeout, got %v", err)
	}
}

func TestExecuteInvalidSQL(t *testing.T) {
	pool := openFixtureDB(t)
	e := NewExecutor(0, 0, zap.NewNop())

	_, err := e.Execute(context.Background(), pool, Request{
		SQL: "SELEC id FROM orders",
	})
	if err == nil {
		t.Error("expected error for invalid SQL")
	}
	if errors.Is(err, ErrQueryTimeout) {
		t.Error("syntax error should not be reported as timeout")
	}
}
