package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/protocol"
	"github.com/agentic-research/tabula/internal/viewstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine records calls; Load blocks on gate when set, or until its
// context ends when hang is set.
type fakeEngine struct {
	loads   atomic.Int32
	gate    chan struct{}
	hang    bool
	loadErr error

	mu      sync.Mutex
	dropped []string
	closed  bool
}

func (e *fakeEngine) Load(ctx context.Context, path, table string) (engine.Schema, int64, error) {
	e.loads.Add(1)
	if e.hang {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.loadErr != nil {
		return nil, 0, e.loadErr
	}
	return engine.Schema{{Name: "a", Type: api.TypeInteger}}, 3, nil
}

func (e *fakeEngine) OpenCursor(context.Context, string) (engine.Cursor, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEngine) Drop(_ context.Context, table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = append(e.dropped, table)
	return nil
}

func (e *fakeEngine) Dialect() engine.Dialect { return nil }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// holdRunner accepts jobs without running them.
type holdRunner struct {
	mu     sync.Mutex
	jobs   []*Job
	closed bool
}

func (r *holdRunner) Run(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *holdRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeConn struct{ id string }

func (c *fakeConn) ID() string                                   { return c.id }
func (c *fakeConn) Emit(context.Context, protocol.Message) error { return nil }

// recordingConn keeps every emitted message.
type recordingConn struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *recordingConn) ID() string { return "rec" }

func (c *recordingConn) Emit(_ context.Context, m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *recordingConn) sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func newSession(t *testing.T, eng *fakeEngine) (*Session, *holdRunner) {
	t.Helper()
	views, err := viewstore.Open(filepath.Join(t.TempDir(), "views.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = views.Close() })

	s := New(Config{Engine: eng, Views: views})
	r := &holdRunner{}
	s.SetRunner(r)
	return s, r
}

func csvFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n2\n3\n"), 0o644))
	return path
}

func TestConcurrentLoadsShareOneIngestion(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	s, _ := newSession(t, eng)
	path := csvFile(t, "sales.csv")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]api.Dataset, callers)
	errList := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = s.LoadDataset(context.Background(), path, "")
		}(i)
	}

	// let the first ingestion begin, then release it
	require.Eventually(t, func() bool { return eng.loads.Load() == 1 }, timeout, tick)
	close(eng.gate)
	wg.Wait()

	assert.Equal(t, int32(1), eng.loads.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errList[i])
		assert.Equal(t, "sales", results[i].ID)
		assert.Equal(t, api.LoadStateReady, results[i].LoadState)
	}
	assert.Len(t, s.Datasets(), 1)
}

func TestLoadReadyPathReturnsExisting(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newSession(t, eng)
	path := csvFile(t, "sales.csv")

	first, err := s.LoadDataset(context.Background(), path, "")
	require.NoError(t, err)
	second, err := s.LoadDataset(context.Background(), path, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), eng.loads.Load())
	assert.Equal(t, int64(3), second.RowCountEstimate)

	recent, err := s.Views().Recent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{path}, recent)
}

func TestFailedLoadLeavesNothingAndCanRetry(t *testing.T) {
	eng := &fakeEngine{loadErr: errors.New("malformed row 7")}
	s, _ := newSession(t, eng)
	path := csvFile(t, "sales.csv")

	_, err := s.LoadDataset(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DatasetLoadFailed))
	assert.Contains(t, err.Error(), "malformed row 7")
	assert.Empty(t, s.Datasets())

	eng.loadErr = nil
	ds, err := s.LoadDataset(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "sales", ds.ID)
}

func TestLoadMissingOrDirectory(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})

	_, err := s.LoadDataset(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "")
	assert.True(t, errs.Is(err, errs.DatasetLoadFailed))

	_, err = s.LoadDataset(context.Background(), t.TempDir(), "")
	assert.True(t, errs.Is(err, errs.DatasetLoadFailed))
}

func TestDatasetNamesAreUnique(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})

	a, err := s.LoadDataset(context.Background(), csvFile(t, "2024 sales.csv"), "")
	require.NoError(t, err)
	b, err := s.LoadDataset(context.Background(), csvFile(t, "2024 sales.csv"), "")
	require.NoError(t, err)
	c, err := s.LoadDataset(context.Background(), csvFile(t, "x.csv"), "T_2024_SALES")
	require.NoError(t, err)

	assert.Equal(t, "t_2024_sales", a.ID)
	assert.Equal(t, "t_2024_sales_1", b.ID)
	assert.Equal(t, "T_2024_SALES_2", c.ID)
}

func TestSubmitRequiresReadyDataset(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	s, _ := newSession(t, eng)
	conn := &fakeConn{id: "c1"}

	_, err := s.Submit(conn, 1, Spec{Kind: api.JobKindQuery, DatasetID: "nope", SQL: "SELECT 1"})
	assert.True(t, errs.Is(err, errs.DatasetNotFound))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.LoadDataset(context.Background(), csvFile(t, "slow.csv"), "")
	}()
	require.Eventually(t, func() bool { return eng.loads.Load() == 1 }, timeout, tick)

	_, err = s.Submit(conn, 2, Spec{Kind: api.JobKindQuery, DatasetID: "slow", SQL: "SELECT 1"})
	assert.True(t, errs.Is(err, errs.DatasetNotReady))

	close(eng.gate)
	<-done
	_, err = s.Submit(conn, 3, Spec{Kind: api.JobKindQuery, DatasetID: "slow", SQL: "SELECT * FROM slow"})
	assert.NoError(t, err)
}

func TestSubmitValidates(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	conn := &fakeConn{id: "c1"}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	_, err = s.Submit(conn, 1, Spec{Kind: api.JobKindQuery, DatasetID: "d"})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
	_, err = s.Submit(conn, 1, Spec{Kind: api.JobKindExport, DatasetID: "d", SQL: "SELECT 1"})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
	_, err = s.Submit(conn, 1, Spec{Kind: "teleport", DatasetID: "d"})
	assert.True(t, errs.Is(err, errs.InvalidRequest))
}

func TestJobIDsAreUniqueAndIncreasing(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	conn := &fakeConn{id: "c1"}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 5; i++ {
		j, err := s.Submit(conn, uint64(i), Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"})
		require.NoError(t, err)
		assert.Greater(t, j.ID, last)
		assert.Equal(t, api.JobQueued, j.Status())
		last = j.ID
	}
}

func TestUnloadBusyWhileJobReferencesDataset(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newSession(t, eng)
	conn := &fakeConn{id: "c1"}

	_, err := s.LoadDataset(context.Background(), csvFile(t, "sales.csv"), "")
	require.NoError(t, err)
	_, err = s.LoadDataset(context.Background(), csvFile(t, "regions.csv"), "")
	require.NoError(t, err)

	var evicted []string
	s.OnUnload(func(id string) { evicted = append(evicted, id) })

	// regions is only referenced through the SQL text
	job, err := s.Submit(conn, 1, Spec{
		Kind:      api.JobKindQuery,
		DatasetID: "sales",
		SQL:       "SELECT * FROM sales JOIN regions ON sales.r = regions.id",
	})
	require.NoError(t, err)

	assert.True(t, errs.Is(s.UnloadDataset(context.Background(), "sales"), errs.DatasetBusy))
	assert.True(t, errs.Is(s.UnloadDataset(context.Background(), "regions"), errs.DatasetBusy))

	require.True(t, job.Complete())

	require.NoError(t, s.UnloadDataset(context.Background(), "regions"))
	require.NoError(t, s.UnloadDataset(context.Background(), "sales"))
	assert.ElementsMatch(t, []string{"sales", "regions"}, eng.dropped)
	assert.ElementsMatch(t, []string{"sales", "regions"}, evicted)
	assert.True(t, errs.Is(s.UnloadDataset(context.Background(), "sales"), errs.DatasetNotFound))
}

func TestCancelSemantics(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	conn := &fakeConn{id: "c1"}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	job, err := s.Submit(conn, 1, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"})
	require.NoError(t, err)

	status, err := s.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCancelled, status)
	assert.Error(t, job.Context().Err(), "cancel reaches the job context")
	assert.False(t, job.Start(), "a cancelled job never starts")

	// idempotent
	status, err = s.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCancelled, status)

	done, err := s.Submit(conn, 2, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"})
	require.NoError(t, err)
	require.True(t, done.Start())
	require.True(t, done.Complete())
	status, err = s.Cancel(done.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, status, "cancel of a terminal job is a no-op")

	_, err = s.Cancel(9999)
	assert.True(t, errs.Is(err, errs.JobNotFound))
}

func TestConnectionLostFailsOnlyOwnedJobs(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	c1, c2 := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	spec := Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"}
	a, err := s.Submit(c1, 1, spec)
	require.NoError(t, err)
	b, err := s.Submit(c1, 2, spec)
	require.NoError(t, err)
	other, err := s.Submit(c2, 1, spec)
	require.NoError(t, err)
	require.True(t, b.Complete())

	assert.Equal(t, 1, s.ConnectionLost(c1))

	assert.Equal(t, api.JobFailed, a.Status())
	assert.True(t, errs.Is(a.Err(), errs.ConnectionLost))
	assert.Equal(t, api.JobCompleted, b.Status())
	assert.Equal(t, api.JobQueued, other.Status())
}

func TestCloseCancelsJobsAndClosesEngine(t *testing.T) {
	eng := &fakeEngine{}
	s, runner := newSession(t, eng)
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)
	job, err := s.Submit(&fakeConn{id: "c"}, 1, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT 1"})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, api.JobCancelled, job.Status())
	assert.True(t, runner.closed)
	assert.True(t, eng.closed)

	_, err = s.Submit(&fakeConn{id: "c"}, 2, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT 1"})
	assert.Error(t, err)
}

func TestJobStatusOnlyMovesForward(t *testing.T) {
	j := newJob(1, Spec{Kind: api.JobKindQuery}, &fakeConn{id: "c"}, 1, nil, nil)
	require.True(t, j.Start())
	assert.False(t, j.Start())
	j.Streaming(0)
	j.Streaming(1)
	seq, emitted := j.Cursor()
	assert.True(t, emitted)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, api.JobStreaming, j.Status())

	require.True(t, j.Fail(errors.New("engine exploded")))
	assert.False(t, j.Complete())
	assert.False(t, j.finish(api.JobCancelled, nil))
	assert.Equal(t, api.JobFailed, j.Status())
	assert.EqualError(t, j.Err(), "engine exploded")

	select {
	case <-j.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "sales", tableName("/data/sales.csv", ""))
	assert.Equal(t, "my_data_v2", tableName("/data/my-data v2.csv", ""))
	assert.Equal(t, "t_2024", tableName("/data/2024.csv", ""))
	assert.Equal(t, "custom", tableName("/data/sales.csv", "custom"))
	assert.Equal(t, "t", tableName("/data/.csv", ""))
}

func TestCancelNotifiesOwner(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	conn := &recordingConn{}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)
	job, err := s.Submit(conn, 7, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"})
	require.NoError(t, err)

	_, err = s.Cancel(job.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, timeout, tick)
	m := conn.sent()[0]
	assert.Equal(t, api.TagJobStatus, m.Tag)
	assert.Equal(t, uint64(7), m.ID)
	assert.Equal(t, &api.JobStatusBody{JobID: job.ID, Status: api.JobCancelled}, m.Body)

	// only the winning transition reports
	_, err = s.Cancel(job.ID)
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(conn.sent()) > 1 }, 50*time.Millisecond, tick)
}

func TestFinishedJobsLeaveOnlyTheirStatus(t *testing.T) {
	views, err := viewstore.Open(filepath.Join(t.TempDir(), "views.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = views.Close() })
	s := New(Config{Engine: &fakeEngine{}, Views: views, JobHistory: 10})
	s.SetRunner(&holdRunner{})
	_, err = s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	conn := &fakeConn{id: "c1"}
	spec := Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d"}
	var first, last uint64
	for i := 0; i < 1000; i++ {
		j, err := s.Submit(conn, uint64(i), spec)
		require.NoError(t, err)
		require.True(t, j.Complete())
		if first == 0 {
			first = j.ID
		}
		last = j.ID
	}
	live, err := s.Submit(conn, 1000, spec)
	require.NoError(t, err)

	assert.Equal(t, 1, s.ConnectionLost(conn))
	assert.Nil(t, live.Conn(), "a failed job drops its connection")
	assert.True(t, errs.Is(live.Emit(context.Background(), api.TagJobStatus, nil), errs.ConnectionLost))

	s.mu.Lock()
	assert.Empty(t, s.jobs)
	assert.Equal(t, 10, s.finished.Len())
	s.mu.Unlock()

	status, err := s.Cancel(last)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, status)
	status, err = s.Cancel(live.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobFailed, status)

	// evicted, but ids are never reused: still a terminal no-op
	status, err = s.Cancel(first)
	require.NoError(t, err)
	assert.Empty(t, status)

	_, err = s.Cancel(live.ID + 1)
	assert.True(t, errs.Is(err, errs.JobNotFound))
}

func TestCloseAbortsPendingLoad(t *testing.T) {
	eng := &fakeEngine{hang: true}
	s, _ := newSession(t, eng)

	path, late := csvFile(t, "big.csv"), csvFile(t, "late.csv")
	loaded := make(chan error, 1)
	go func() {
		// the caller's context never ends; only the session does
		_, err := s.LoadDataset(context.Background(), path, "")
		loaded <- err
	}()
	require.Eventually(t, func() bool { return eng.loads.Load() == 1 }, timeout, tick)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("Close waited for the ingestion")
	}
	select {
	case err := <-loaded:
		assert.True(t, errs.Is(err, errs.DatasetLoadFailed))
	case <-time.After(timeout):
		t.Fatal("load did not abort")
	}
	assert.Empty(t, s.Datasets())

	_, err := s.LoadDataset(context.Background(), late, "")
	assert.True(t, errs.Is(err, errs.DatasetLoadFailed))
}

func TestSubmitExpandsSavedViews(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	conn := &fakeConn{id: "c1"}
	ctx := context.Background()
	_, err := s.LoadDataset(ctx, csvFile(t, "d.csv"), "")
	require.NoError(t, err)

	_, err = s.Views().Save(ctx, "warm", "SELECT * FROM d WHERE a > 1")
	require.NoError(t, err)
	_, err = s.Views().Save(ctx, "hot", "SELECT * FROM warm WHERE a > 2;\n")
	require.NoError(t, err)
	// a dataset of the same name wins over a view
	_, err = s.Views().Save(ctx, "d", "SELECT 42")
	require.NoError(t, err)

	submit := func(sql string) (string, error) {
		j, err := s.Submit(conn, 1, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: sql})
		if err != nil {
			return "", err
		}
		return j.Spec.SQL, nil
	}

	got, err := submit("SELECT count(*) FROM hot")
	require.NoError(t, err)
	assert.Equal(t, `WITH "warm" AS (SELECT * FROM d WHERE a > 1), "hot" AS (SELECT * FROM warm WHERE a > 2) SELECT count(*) FROM hot`, got)

	got, err = submit("with x as (select * from HOT) select * from x")
	require.NoError(t, err)
	assert.Equal(t, `WITH "warm" AS (SELECT * FROM d WHERE a > 1), "hot" AS (SELECT * FROM warm WHERE a > 2), x as (select * from HOT) select * from x`, got)

	got, err = submit("SELECT * FROM d WHERE note = 'warm'")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM d WHERE note = 'warm'", got)

	_, err = s.Views().Save(ctx, "ping", "SELECT * FROM pong")
	require.NoError(t, err)
	_, err = s.Views().Save(ctx, "pong", "SELECT * FROM ping")
	require.NoError(t, err)
	_, err = submit("SELECT * FROM ping")
	assert.True(t, errs.Is(err, errs.InvalidRequest))
}

func TestCreditGatesChunks(t *testing.T) {
	j := newJob(1, Spec{Kind: api.JobKindQuery, Window: 2}, &fakeConn{id: "c"}, 1, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, j.AwaitCredit(ctx))
	require.NoError(t, j.AwaitCredit(ctx))

	got := make(chan error, 1)
	go func() { got <- j.AwaitCredit(ctx) }()
	select {
	case <-got:
		t.Fatal("credit was not exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	j.Grant(1)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("grant did not wake the waiter")
	}

	short, stop := context.WithCancel(ctx)
	stop()
	assert.ErrorIs(t, j.AwaitCredit(short), context.Canceled)

	free := newJob(2, Spec{Kind: api.JobKindQuery}, &fakeConn{id: "c"}, 1, nil, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, free.AwaitCredit(ctx))
	}
}

func TestGrantIgnoresOtherConnections(t *testing.T) {
	s, _ := newSession(t, &fakeEngine{})
	owner, other := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	_, err := s.LoadDataset(context.Background(), csvFile(t, "d.csv"), "")
	require.NoError(t, err)
	j, err := s.Submit(owner, 1, Spec{Kind: api.JobKindQuery, DatasetID: "d", SQL: "SELECT * FROM d", Window: 1})
	require.NoError(t, err)

	s.Grant(other, j.ID, 5)
	s.Grant(owner, j.ID, 1)
	j.mu.Lock()
	assert.Equal(t, 2, j.credit)
	j.mu.Unlock()
}
