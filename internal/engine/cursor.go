package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/agentic-research/tabula/api"
)

// sqlCursor adapts *sql.Rows to Cursor. Both engine adapters use it.
type sqlCursor struct {
	rows    *sql.Rows
	columns []string
	done    bool

	once     sync.Once
	closeErr error
}

func newSQLCursor(rows *sql.Rows) (*sqlCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("result columns: %w", err)
	}
	return &sqlCursor{rows: rows, columns: cols}, nil
}

func (c *sqlCursor) Columns() []string { return c.columns }

func (c *sqlCursor) NextBatch(ctx context.Context, n int) ([]api.Row, error) {
	if c.done {
		return nil, io.EOF
	}
	if n <= 0 {
		n = 1
	}

	batch := make([]api.Row, 0, min(n, 1024))
	vals := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for len(batch) < n {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return batch, err
			}
			break
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return batch, fmt.Errorf("scan row: %w", err)
		}
		row := make(api.Row, len(vals))
		for i, v := range vals {
			row[i] = normalizeValue(v)
		}
		batch = append(batch, row)
	}

	if len(batch) == 0 && c.done {
		return nil, io.EOF
	}
	return batch, nil
}

// Close is idempotent.
func (c *sqlCursor) Close() error {
	c.once.Do(func() {
		c.closeErr = c.rows.Close()
	})
	return c.closeErr
}

func openSQLCursor(ctx context.Context, db *sql.DB, query string) (Cursor, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return newSQLCursor(rows)
}
