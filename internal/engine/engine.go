// Package engine is the boundary to the columnar query engine. The backend
// only ever talks to an Engine: ingestion, cursors and table drops all go
// through it, so the rest of the code is independent of the driver.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/config"
)

// abandon drops a half-loaded table. A failed drop is reported together
// with the load error.
func abandon(e Engine, table string, err error) error {
	if derr := e.Drop(context.Background(), table); derr != nil {
		return errors.Join(err, fmt.Errorf("drop %s after failed load: %w", table, derr))
	}
	return err
}

// Schema is the ordered column list of a loaded table.
type Schema []api.Column

// Engine is the external query engine capability.
type Engine interface {
	// Load infers the schema of the CSV file at path and ingests it into
	// table. On failure no table is left behind.
	Load(ctx context.Context, path, table string) (Schema, int64, error)
	// OpenCursor starts executing query. The cursor must be closed.
	OpenCursor(ctx context.Context, query string) (Cursor, error)
	// Drop removes table if it exists.
	Drop(ctx context.Context, table string) error
	// Dialect exposes the few SQL spellings that differ between engines.
	Dialect() Dialect
	Close() error
}

// Cursor is a pull-based result iterator.
type Cursor interface {
	Columns() []string
	// NextBatch returns up to n rows. At the end of the result it returns
	// no rows and io.EOF.
	NextBatch(ctx context.Context, n int) ([]api.Row, error)
	Close() error
}

// Dialect covers engine-specific SQL fragments.
type Dialect interface {
	// Floor returns an expression rounding expr down to an integer.
	Floor(expr string) string
	// Numeric returns a predicate that holds when expr is a number.
	Numeric(expr string) string
}

// Open returns the engine selected by driver. dir holds any scratch files.
func Open(driver, dir string, threads int) (Engine, error) {
	switch driver {
	case config.DriverSQLite:
		return OpenSQLite(dir)
	case config.DriverDuckDB:
		return OpenDuckDB(threads)
	default:
		return nil, fmt.Errorf("unknown engine driver %q", driver)
	}
}

// WithCursor opens a cursor, runs fn and closes the cursor on every path.
func WithCursor(ctx context.Context, e Engine, query string, fn func(Cursor) error) (err error) {
	cur, err := e.OpenCursor(ctx, query)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cur.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cur)
}

// Collect runs query and returns at most limit rows (0 = all). Meant for
// small aggregate results.
func Collect(ctx context.Context, e Engine, query string, limit int) ([]string, []api.Row, error) {
	var cols []string
	var out []api.Row
	err := WithCursor(ctx, e, query, func(cur Cursor) error {
		cols = cur.Columns()
		for limit <= 0 || len(out) < limit {
			n := 1024
			if limit > 0 && limit-len(out) < n {
				n = limit - len(out)
			}
			rows, err := cur.NextBatch(ctx, n)
			out = append(out, rows...)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return cols, out, err
}

// QuoteIdent quotes a table or column name for SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a SQL string literal.
func QuoteString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// NormalizeType maps an engine type name to the shared column types.
func NormalizeType(engineType string) api.ColumnType {
	t := strings.ToUpper(strings.TrimSpace(engineType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "HUGEINT",
		"UBIGINT", "UINTEGER", "USMALLINT", "UTINYINT", "UHUGEINT", "INT64", "INT32":
		return api.TypeInteger
	case "REAL", "DOUBLE", "FLOAT", "DECIMAL", "NUMERIC":
		return api.TypeFloat
	case "BOOLEAN", "BOOL":
		return api.TypeBoolean
	case "DATE", "TIMESTAMP", "DATETIME", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ":
		return api.TypeDate
	case "TEXT", "VARCHAR", "STRING", "CHAR":
		return api.TypeText
	case "":
		return api.TypeText
	default:
		return api.TypeOther
	}
}

// normalizeValue converts a driver value into a JSON-friendly scalar.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return x
	case float32:
		return float64(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339Nano)
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
