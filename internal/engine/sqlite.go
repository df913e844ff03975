package engine

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentic-research/tabula/api"
	_ "modernc.org/sqlite"
)

// SQLite keeps datasets in a scratch database file that is removed on
// Close. WAL mode lets cursors read while another dataset is ingesting.
type SQLite struct {
	db        *sql.DB
	path      string
	batchSize int
}

// OpenSQLite creates the scratch database inside dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "engine-*.db")
	if err != nil {
		return nil, fmt.Errorf("create scratch db: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	return &SQLite{db: db, path: path, batchSize: 10000}, nil
}

func (e *SQLite) Load(ctx context.Context, path, table string) (Schema, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%s: empty file", path)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	var sample [][]string
	for len(sample) < sampleRows {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row %d: %w", len(sample)+2, err)
		}
		sample = append(sample, rec)
	}

	names := columnNames(header)
	types := inferTypes(names, sample)
	schema := make(Schema, len(names))
	defs := make([]string, len(names))
	for i, name := range names {
		schema[i] = api.Column{Name: name, Type: types[i], EngineType: sqliteType(types[i])}
		defs[i] = QuoteIdent(name) + " " + sqliteType(types[i])
	}

	create := fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := e.db.ExecContext(ctx, create); err != nil {
		return nil, 0, fmt.Errorf("create table %s: %w", table, err)
	}

	count, err := e.ingest(ctx, table, types, sample, r)
	if err != nil {
		return nil, 0, abandon(e, table, err)
	}
	return schema, count, nil
}

// ingest inserts the sample and then the rest of r in batched transactions.
func (e *SQLite) ingest(ctx context.Context, table string, types []api.ColumnType, sample [][]string, r *csv.Reader) (int64, error) {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", QuoteIdent(table), marks)

	var (
		tx    *sql.Tx
		stmt  *sql.Stmt
		count int64
		inTx  int
	)
	begin := func() error {
		var err error
		if tx, err = e.db.BeginTx(ctx, nil); err != nil {
			return err
		}
		stmt, err = tx.PrepareContext(ctx, insert)
		return err
	}
	commit := func() error {
		_ = stmt.Close()
		return tx.Commit()
	}
	rollback := func() {
		if stmt != nil {
			_ = stmt.Close()
		}
		if tx != nil {
			_ = tx.Rollback()
		}
	}

	args := make([]any, len(types))
	write := func(rec []string) error {
		for i, t := range types {
			if i < len(rec) {
				args[i] = convert(t, rec[i])
			} else {
				args[i] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", count+2, err)
		}
		count++
		inTx++
		if inTx >= e.batchSize {
			if err := commit(); err != nil {
				return err
			}
			inTx = 0
			return begin()
		}
		return nil
	}

	if err := begin(); err != nil {
		rollback()
		return 0, err
	}
	for _, rec := range sample {
		if err := write(rec); err != nil {
			rollback()
			return 0, err
		}
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rollback()
			return 0, fmt.Errorf("read row %d: %w", count+2, err)
		}
		if err := write(rec); err != nil {
			rollback()
			return 0, err
		}
	}
	if err := commit(); err != nil {
		rollback()
		return 0, err
	}
	return count, nil
}

func (e *SQLite) OpenCursor(ctx context.Context, query string) (Cursor, error) {
	return openSQLCursor(ctx, e.db, query)
}

func (e *SQLite) Drop(ctx context.Context, table string) error {
	_, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(table))
	return err
}

func (e *SQLite) Dialect() Dialect { return sqliteDialect{} }

// Close closes the database and removes the scratch files.
func (e *SQLite) Close() error {
	err := e.db.Close()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(e.path + suffix)
	}
	return err
}

type sqliteDialect struct{}

// Floor relies on CAST truncating, which equals floor for the
// non-negative offsets it is used with.
func (sqliteDialect) Floor(expr string) string {
	return "CAST((" + expr + ") AS INTEGER)"
}

// Numeric checks the storage class: a field that failed to convert at load
// time is stored as text even in a numeric column.
func (sqliteDialect) Numeric(expr string) string {
	return "typeof(" + expr + ") IN ('integer', 'real')"
}

var _ Engine = (*SQLite)(nil)
