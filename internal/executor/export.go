package executor

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/session"
)

// runExport writes the query result to Spec.OutputPath as CSV with a header
// row. A partial file is removed on failure.
func (e *Executor) runExport(ctx context.Context, job *session.Job) (n int64, err error) {
	path := job.Spec.OutputPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := csv.NewWriter(f)
	err = engine.WithCursor(ctx, e.eng, job.Spec.SQL, func(cur engine.Cursor) error {
		if err := w.Write(cur.Columns()); err != nil {
			return err
		}
		record := make([]string, len(cur.Columns()))
		for {
			rows, eof, err := pull(ctx, cur, e.batchSize)
			if err != nil {
				return err
			}
			for _, r := range rows {
				for i, v := range r {
					record[i] = formatCell(v)
				}
				if err := w.Write(record); err != nil {
					return err
				}
			}
			n += int64(len(rows))
			if eof {
				return nil
			}
		}
	})
	if err != nil {
		return 0, err
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("close export: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("finalize export: %w", err)
	}
	return n, nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
