// Package viewstore persists named SQL views and the recently opened files
// in a single SQLite database.
package viewstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	_ "modernc.org/sqlite"
)

// RecentLimit is how many recent files are kept.
const RecentLimit = 10

const schema = `
CREATE TABLE IF NOT EXISTS views (
	name TEXT PRIMARY KEY,
	sql TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	snapshot_ref TEXT
);

CREATE TABLE IF NOT EXISTS recent_files (
	path TEXT PRIMARY KEY,
	opened_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save inserts or replaces the SQL of a view. created_at survives updates.
func (s *Store) Save(ctx context.Context, name, query string) (api.View, error) {
	if name == "" {
		return api.View{}, errs.New(errs.InvalidRequest, "view name is required")
	}
	if query == "" {
		return api.View{}, errs.New(errs.InvalidRequest, "view sql is required")
	}
	now := s.now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO views (name, sql, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET sql = excluded.sql, updated_at = excluded.updated_at`,
		name, query, now, now)
	if err != nil {
		return api.View{}, fmt.Errorf("save view %s: %w", name, err)
	}
	return s.Load(ctx, name)
}

// Load returns a view or a view_not_found error.
func (s *Store) Load(ctx context.Context, name string) (api.View, error) {
	var (
		v                api.View
		created, updated int64
		snapshot         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, sql, created_at, updated_at, snapshot_ref FROM views WHERE name = ?`, name).
		Scan(&v.Name, &v.SQL, &created, &updated, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return api.View{}, errs.Newf(errs.ViewNotFound, "view %q not found", name)
	}
	if err != nil {
		return api.View{}, fmt.Errorf("load view %s: %w", name, err)
	}
	v.CreatedAt = time.Unix(0, created).UTC()
	v.UpdatedAt = time.Unix(0, updated).UTC()
	v.SnapshotRef = snapshot.String
	return v, nil
}

// List returns every view ordered by name.
func (s *Store) List(ctx context.Context) ([]api.ViewSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at, updated_at, snapshot_ref IS NOT NULL FROM views ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []api.ViewSummary{}
	for rows.Next() {
		var (
			v                api.ViewSummary
			created, updated int64
		)
		if err := rows.Scan(&v.Name, &created, &updated, &v.HasSnapshot); err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		v.CreatedAt = time.Unix(0, created).UTC()
		v.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// Delete removes a view; deleting a missing view is a view_not_found error.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM views WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete view %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.ViewNotFound, "view %q not found", name)
	}
	return nil
}

// TouchRecent records path as just opened and trims the list.
func (s *Store) TouchRecent(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recent_files (path, opened_at) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET opened_at = excluded.opened_at`,
		path, s.now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("record recent %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recent_files WHERE path NOT IN (
			SELECT path FROM recent_files ORDER BY opened_at DESC LIMIT ?)`, RecentLimit); err != nil {
		return fmt.Errorf("trim recent: %w", err)
	}
	return tx.Commit()
}

// Recent returns recently opened paths, most recent first.
func (s *Store) Recent(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM recent_files ORDER BY opened_at DESC LIMIT ?`, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
