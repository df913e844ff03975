package viewstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/tabula/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock hands out strictly increasing timestamps.
type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "views.db")
	s, err := Open(path)
	require.NoError(t, err)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.now
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSaveThenLoad(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, "big_sales", "SELECT * FROM sales WHERE amount > 100")
	require.NoError(t, err)

	got, err := s.Load(ctx, "big_sales")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
	assert.Equal(t, "SELECT * FROM sales WHERE amount > 100", got.SQL)
	assert.Empty(t, got.SnapshotRef)
}

func TestSaveUpsertKeepsSingleEntry(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "v", "SELECT 1")
	require.NoError(t, err)
	second, err := s.Save(ctx, "v", "SELECT 2")
	require.NoError(t, err)

	assert.Equal(t, "SELECT 2", second.SQL)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v", list[0].Name)
}

func TestListOrderedByName(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Save(ctx, n, "SELECT 1")
		require.NoError(t, err)
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, v := range list {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestListEmpty(t *testing.T) {
	s, _ := openStore(t)
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestLoadMissing(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.True(t, errs.Is(err, errs.ViewNotFound))
}

func TestDelete(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, "v", "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "v"))
	_, err = s.Load(ctx, "v")
	assert.True(t, errs.Is(err, errs.ViewNotFound))
	assert.True(t, errs.Is(s.Delete(ctx, "v"), errs.ViewNotFound))
}

func TestSaveValidates(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.Save(context.Background(), "", "SELECT 1")
	assert.True(t, errs.Is(err, errs.InvalidRequest))
	_, err = s.Save(context.Background(), "v", "")
	assert.True(t, errs.Is(err, errs.InvalidRequest))
}

func TestSurvivesReopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, "kept", "SELECT 42")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	v, err := reopened.Load(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 42", v.SQL)
}

func TestRecentMostRecentFirstAndBounded(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	for i := 0; i < RecentLimit+3; i++ {
		require.NoError(t, s.TouchRecent(ctx, fmt.Sprintf("/data/%02d.csv", i)))
	}
	// re-opening an old entry moves it to the front
	require.NoError(t, s.TouchRecent(ctx, "/data/05.csv"))

	got, err := s.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, got, RecentLimit)
	assert.Equal(t, "/data/05.csv", got[0])
	assert.Equal(t, "/data/12.csv", got[1])
	assert.NotContains(t, got, "/data/00.csv")
}
