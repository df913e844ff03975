package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentic-research/tabula/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	e, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSQLiteLoadInfersSchema(t *testing.T) {
	e := openSQLite(t)
	path := writeCSV(t, "sales.csv", "id,price,active,day,region\n"+
		"1,9.5,true,2024-01-02,north\n"+
		"2,10,false,2024-01-03,south\n"+
		"3,,yes,2024-02-01,\n")

	schema, n, err := e.Load(context.Background(), path, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	want := []api.ColumnType{api.TypeInteger, api.TypeFloat, api.TypeBoolean, api.TypeDate, api.TypeText}
	require.Len(t, schema, len(want))
	for i, c := range schema {
		assert.Equal(t, want[i], c.Type, c.Name)
	}

	cols, rows, err := Collect(context.Background(), e, `SELECT id, price, active, region FROM sales ORDER BY id`, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "price", "active", "region"}, cols)
	require.Len(t, rows, 3)
	assert.Equal(t, api.Row{int64(1), 9.5, int64(1), "north"}, rows[0])
	assert.Nil(t, rows[2][1], "empty field is NULL")
	assert.Nil(t, rows[2][3])
}

func TestSQLiteLoadFailureLeavesNoTable(t *testing.T) {
	e := openSQLite(t)
	// the malformed row sits past the inference sample, so the table
	// already exists when ingestion fails
	var b strings.Builder
	b.WriteString("a,b\n")
	for i := 0; i < sampleRows+500; i++ {
		fmt.Fprintf(&b, "%d,x\n", i)
	}
	b.WriteString("1,x\"y\n")
	path := writeCSV(t, "bad.csv", b.String())

	_, _, err := e.Load(context.Background(), path, "bad")
	require.Error(t, err)

	_, _, err = Collect(context.Background(), e, `SELECT * FROM bad`, 0)
	assert.Error(t, err)
}

func TestSQLiteLoadMissingFile(t *testing.T) {
	e := openSQLite(t)
	_, _, err := e.Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "nope")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSQLiteLoadEmptyFile(t *testing.T) {
	e := openSQLite(t)
	_, _, err := e.Load(context.Background(), writeCSV(t, "empty.csv", ""), "empty")
	assert.ErrorContains(t, err, "empty file")
}

func TestSQLiteLoadManyRowsAcrossBatches(t *testing.T) {
	e := openSQLite(t)
	e.batchSize = 100

	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 2500; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	_, n, err := e.Load(context.Background(), writeCSV(t, "n.csv", b.String()), "n")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)

	_, rows, err := Collect(context.Background(), e, `SELECT count(*), sum(n) FROM n`, 0)
	require.NoError(t, err)
	assert.Equal(t, api.Row{int64(2500), int64(2500 * 2499 / 2)}, rows[0])
}

func TestCursorBatchesAndEOF(t *testing.T) {
	e := openSQLite(t)
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	_, _, err := e.Load(context.Background(), writeCSV(t, "n.csv", b.String()), "n")
	require.NoError(t, err)

	var sizes []int
	err = WithCursor(context.Background(), e, `SELECT n FROM n`, func(cur Cursor) error {
		for {
			rows, err := cur.NextBatch(context.Background(), 10)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			sizes = append(sizes, len(rows))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, sizes)
}

func TestWithCursorClosesOnError(t *testing.T) {
	e := openSQLite(t)
	_, _, err := e.Load(context.Background(), writeCSV(t, "a.csv", "a\n1\n2\n"), "a")
	require.NoError(t, err)

	var held Cursor
	boom := errors.New("boom")
	err = WithCursor(context.Background(), e, `SELECT a FROM a`, func(cur Cursor) error {
		held = cur
		return boom
	})
	assert.ErrorIs(t, err, boom)
	// closing again is harmless
	assert.NoError(t, held.Close())
}

func TestOpenCursorBadSQL(t *testing.T) {
	e := openSQLite(t)
	_, err := e.OpenCursor(context.Background(), `SELEC nonsense`)
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	e := openSQLite(t)
	_, _, err := e.Load(context.Background(), writeCSV(t, "a.csv", "a\n1\n"), "a")
	require.NoError(t, err)
	require.NoError(t, e.Drop(context.Background(), "a"))
	require.NoError(t, e.Drop(context.Background(), "a"))
	_, _, err = Collect(context.Background(), e, `SELECT * FROM a`, 0)
	assert.Error(t, err)
}

func TestInferTypes(t *testing.T) {
	header := []string{"i", "f", "b", "d", "s", "empty"}
	sample := [][]string{
		{"1", "1.5", "TRUE", "2024-01-01", "x", ""},
		{"-7", "2", "no", "2024-01-01 10:00:00", "1", ""},
	}
	assert.Equal(t, []api.ColumnType{
		api.TypeInteger, api.TypeFloat, api.TypeBoolean, api.TypeDate, api.TypeText, api.TypeText,
	}, inferTypes(header, sample))
}

func TestColumnNames(t *testing.T) {
	assert.Equal(t, []string{"a", "column_2", "a_2", "A_3"}, columnNames([]string{"\ufeffa", " ", "a", "A"}))
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, api.TypeInteger, NormalizeType("BIGINT"))
	assert.Equal(t, api.TypeFloat, NormalizeType("DECIMAL(18,3)"))
	assert.Equal(t, api.TypeDate, NormalizeType("TIMESTAMP"))
	assert.Equal(t, api.TypeText, NormalizeType("VARCHAR"))
	assert.Equal(t, api.TypeOther, NormalizeType("BLOB"))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	assert.Equal(t, `'it''s'`, QuoteString(`it's`))
}

type failingDrop struct{ Engine }

func (failingDrop) Drop(context.Context, string) error { return errors.New("database is locked") }

func TestAbandonReportsFailedDrop(t *testing.T) {
	loadErr := errors.New("record on line 3: wrong number of fields")

	err := abandon(failingDrop{}, "people", loadErr)
	require.ErrorIs(t, err, loadErr)
	assert.Contains(t, err.Error(), "drop people after failed load: database is locked")

	e := openSQLite(t)
	assert.Same(t, loadErr, abandon(e, "never_created", loadErr))
}
