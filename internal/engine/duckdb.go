package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"runtime"

	"github.com/agentic-research/tabula/api"
	"github.com/marcboeker/go-duckdb"
)

// DuckDB runs an in-memory DuckDB database. CSV parsing and type detection
// are left to read_csv_auto.
type DuckDB struct {
	db *sql.DB
}

// OpenDuckDB opens an in-memory database. threads <= 0 uses GOMAXPROCS so
// container CPU limits are respected.
func OpenDuckDB(threads int) (*DuckDB, error) {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	connector, err := duckdb.NewConnector("", func(execer driver.ExecerContext) error {
		_, err := execer.ExecContext(context.Background(), fmt.Sprintf("SET threads = %d", threads), nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &DuckDB{db: sql.OpenDB(connector)}, nil
}

func (e *DuckDB) Load(ctx context.Context, path, table string) (Schema, int64, error) {
	create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM read_csv_auto(%s)", QuoteIdent(table), QuoteString(path))
	if _, err := e.db.ExecContext(ctx, create); err != nil {
		return nil, 0, fmt.Errorf("create table %s: %w", table, err)
	}

	schema, count, err := e.describe(ctx, table)
	if err != nil {
		return nil, 0, abandon(e, table, err)
	}
	return schema, count, nil
}

func (e *DuckDB) describe(ctx context.Context, table string) (Schema, int64, error) {
	rows, err := e.db.QueryContext(ctx, "DESCRIBE "+QuoteIdent(table))
	if err != nil {
		return nil, 0, fmt.Errorf("describe %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var schema Schema
	for rows.Next() {
		var name, typ string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, 0, fmt.Errorf("scan describe: %w", err)
		}
		schema = append(schema, api.Column{Name: name, Type: NormalizeType(typ), EngineType: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var count int64
	if err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+QuoteIdent(table)).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", table, err)
	}
	return schema, count, nil
}

func (e *DuckDB) OpenCursor(ctx context.Context, query string) (Cursor, error) {
	return openSQLCursor(ctx, e.db, query)
}

func (e *DuckDB) Drop(ctx context.Context, table string) error {
	_, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(table))
	return err
}

func (e *DuckDB) Dialect() Dialect { return duckDialect{} }

func (e *DuckDB) Close() error { return e.db.Close() }

type duckDialect struct{}

func (duckDialect) Floor(expr string) string {
	return "CAST(floor(" + expr + ") AS BIGINT)"
}

func (duckDialect) Numeric(expr string) string {
	return "TRY_CAST(" + expr + " AS DOUBLE) IS NOT NULL"
}

var _ Engine = (*DuckDB)(nil)
