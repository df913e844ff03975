// Package session owns the backend state: loaded datasets, jobs and the
// engine handle. Every handler goes through a Session; nothing else talks to
// the engine except the executor running a session's jobs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/metrics"
	"github.com/agentic-research/tabula/internal/sqlref"
	"github.com/agentic-research/tabula/internal/viewstore"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Runner executes jobs in the background.
type Runner interface {
	// Run queues job and returns without waiting for it.
	Run(job *Job) error
	// Close waits for running jobs to finish.
	Close() error
}

// DefaultJobHistory is how many finished jobs keep their final status.
const DefaultJobHistory = 4096

// Config wires a Session.
type Config struct {
	Engine engine.Engine
	Views  *viewstore.Store
	// JobHistory bounds the finished job statuses kept for cancel_job.
	JobHistory int
	Logger     *slog.Logger
}

type Session struct {
	eng    engine.Engine
	views  *viewstore.Store
	log    *slog.Logger
	runner Runner

	// ctx ends when the session closes; ingestion runs under it
	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	datasets map[string]*api.Dataset // by lower-cased id
	byPath   map[string]string       // absolute path -> lower-cased id
	jobs     map[uint64]*Job         // live jobs only
	finished *lru.Cache[uint64, api.JobStatus]
	busy     map[string]*roaring64.Bitmap // lower-cased dataset id -> live job ids
	onUnload []func(datasetID string)
	closed   bool

	nextJob atomic.Uint64
	loads   singleflight.Group
	loading sync.WaitGroup
}

// New builds a Session. SetRunner must be called before jobs are submitted.
func New(cfg Config) *Session {
	if cfg.JobHistory <= 0 {
		cfg.JobHistory = DefaultJobHistory
	}
	// only fails for a non-positive size
	finished, _ := lru.New[uint64, api.JobStatus](cfg.JobHistory)
	ctx, stop := context.WithCancel(context.Background())
	return &Session{
		eng:      cfg.Engine,
		views:    cfg.Views,
		log:      logging.Or(cfg.Logger).With("component", "session"),
		ctx:      ctx,
		stop:     stop,
		datasets: make(map[string]*api.Dataset),
		byPath:   make(map[string]string),
		jobs:     make(map[uint64]*Job),
		finished: finished,
		busy:     make(map[string]*roaring64.Bitmap),
	}
}

func (s *Session) SetRunner(r Runner) { s.runner = r }

// Engine exposes the engine to the executor.
func (s *Session) Engine() engine.Engine { return s.eng }

// Views exposes the view store to request handlers.
func (s *Session) Views() *viewstore.Store { return s.views }

// OnUnload registers fn to run after a dataset is unloaded.
func (s *Session) OnUnload(fn func(datasetID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnload = append(s.onUnload, fn)
}

// LoadDataset ingests the file at path. Concurrent loads of one path share a
// single ingestion; loading a path that is already ready returns the
// existing dataset. A failed load leaves nothing registered.
func (s *Session) LoadDataset(ctx context.Context, path, name string) (api.Dataset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return api.Dataset{}, errs.Wrap(errs.DatasetLoadFailed, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		metrics.DatasetLoads.WithLabelValues("failed").Inc()
		return api.Dataset{}, errs.Wrap(errs.DatasetLoadFailed, abs, err)
	}
	if !info.Mode().IsRegular() {
		metrics.DatasetLoads.WithLabelValues("failed").Inc()
		return api.Dataset{}, errs.Newf(errs.DatasetLoadFailed, "%s: not a regular file", abs)
	}

	if ds, ok := s.readyByPath(abs); ok {
		metrics.DatasetLoads.WithLabelValues("shared").Inc()
		return ds, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return api.Dataset{}, errs.New(errs.DatasetLoadFailed, "session closed")
	}
	s.loading.Add(1)
	s.mu.Unlock()
	defer s.loading.Done()

	v, err, shared := s.loads.Do(abs, func() (any, error) {
		// shared by every waiter, so one caller going away must not abort
		// it; closing the session does
		return s.load(s.ctx, abs, name, info.Size())
	})
	if shared {
		metrics.DatasetLoads.WithLabelValues("shared").Inc()
	}
	if err != nil {
		return api.Dataset{}, err
	}
	return v.(api.Dataset), nil
}

func (s *Session) readyByPath(abs string) (api.Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byPath[abs]; ok {
		if ds := s.datasets[key]; ds != nil && ds.LoadState == api.LoadStateReady {
			return *ds, true
		}
	}
	return api.Dataset{}, false
}

func (s *Session) load(ctx context.Context, abs, requested string, size int64) (api.Dataset, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return api.Dataset{}, errs.New(errs.DatasetLoadFailed, "session closed")
	}
	if key, ok := s.byPath[abs]; ok {
		if ds := s.datasets[key]; ds != nil && ds.LoadState == api.LoadStateReady {
			s.mu.Unlock()
			return *ds, nil
		}
	}
	id := uniqueName(tableName(abs, requested), func(k string) bool { return s.datasets[k] != nil })
	key := strings.ToLower(id)
	ds := &api.Dataset{
		ID:         id,
		SourcePath: abs,
		LoadState:  api.LoadStateLoading,
		FileSize:   size,
	}
	s.datasets[key] = ds
	s.byPath[abs] = key
	s.mu.Unlock()

	log := s.log.With("dataset", id, "path", abs)
	log.Info("loading dataset", "size", size)
	start := time.Now()

	schema, rows, err := s.eng.Load(ctx, abs, id)
	metrics.LoadDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if err != nil {
		delete(s.datasets, key)
		delete(s.byPath, abs)
		s.mu.Unlock()
		metrics.DatasetLoads.WithLabelValues("failed").Inc()
		log.Warn("dataset load failed", "err", err)
		return api.Dataset{}, errs.Wrap(errs.DatasetLoadFailed, abs, err)
	}
	ds.Schema = schema
	ds.RowCountEstimate = rows
	ds.LoadState = api.LoadStateReady
	ds.LoadedAt = time.Now().UTC()
	out := *ds
	s.mu.Unlock()

	metrics.DatasetLoads.WithLabelValues("ready").Inc()
	log.Info("dataset ready", "rows", rows, "columns", len(schema), "elapsed", time.Since(start))

	if s.views != nil {
		if err := s.views.TouchRecent(ctx, abs); err != nil {
			log.Warn("recording recent file failed", "err", err)
		}
	}
	return out, nil
}

// Dataset returns a snapshot of one dataset.
func (s *Session) Dataset(id string) (api.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.datasets[strings.ToLower(id)]
	if ds == nil {
		return api.Dataset{}, errs.Newf(errs.DatasetNotFound, "dataset %q not found", id)
	}
	return *ds, nil
}

// Datasets lists every registered dataset, ordered by id.
func (s *Session) Datasets() []api.Dataset {
	s.mu.Lock()
	out := make([]api.Dataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, *ds)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnloadDataset drops a ready dataset that no live job references.
func (s *Session) UnloadDataset(ctx context.Context, id string) error {
	key := strings.ToLower(id)

	s.mu.Lock()
	ds := s.datasets[key]
	switch {
	case ds == nil:
		s.mu.Unlock()
		return errs.Newf(errs.DatasetNotFound, "dataset %q not found", id)
	case ds.LoadState != api.LoadStateReady:
		s.mu.Unlock()
		return errs.Newf(errs.DatasetNotReady, "dataset %q is %s", ds.ID, ds.LoadState)
	}
	if bm := s.busy[key]; bm != nil && !bm.IsEmpty() {
		s.mu.Unlock()
		return errs.Newf(errs.DatasetBusy, "dataset %q is used by %d running job(s)", ds.ID, bm.GetCardinality())
	}
	delete(s.datasets, key)
	delete(s.byPath, ds.SourcePath)
	hooks := append([]func(string){}, s.onUnload...)
	s.mu.Unlock()

	if err := s.eng.Drop(ctx, ds.ID); err != nil {
		s.log.Warn("drop table failed", "dataset", ds.ID, "err", err)
	}
	for _, fn := range hooks {
		fn(ds.ID)
	}
	s.log.Info("dataset unloaded", "dataset", ds.ID)
	return nil
}

// Submit registers a job for a ready dataset and hands it to the runner.
// It does not wait for the job to start.
func (s *Session) Submit(conn Conn, requestID uint64, spec Spec) (*Job, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	var refs []string
	if spec.SQL != "" {
		ready := s.readyIDs()
		expanded, err := s.expandViews(s.ctx, spec.SQL, ready)
		if err != nil {
			return nil, err
		}
		spec.SQL = expanded
		refs = sqlref.References(s.ctx, spec.SQL, ready)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.New(errs.InvalidRequest, "session closed")
	}
	ds := s.datasets[strings.ToLower(spec.DatasetID)]
	if ds == nil {
		s.mu.Unlock()
		return nil, errs.Newf(errs.DatasetNotFound, "dataset %q not found", spec.DatasetID)
	}
	if ds.LoadState != api.LoadStateReady {
		s.mu.Unlock()
		return nil, errs.Newf(errs.DatasetNotReady, "dataset %q is %s", ds.ID, ds.LoadState)
	}

	keys := []string{strings.ToLower(ds.ID)}
	for _, r := range refs {
		k := strings.ToLower(r)
		if k != keys[0] && s.datasets[k] != nil {
			keys = append(keys, k)
		}
	}

	id := s.nextJob.Add(1)
	job := newJob(id, spec, conn, requestID, keys, s.release)
	s.jobs[id] = job
	for _, k := range keys {
		bm := s.busy[k]
		if bm == nil {
			bm = roaring64.New()
			s.busy[k] = bm
		}
		bm.Add(id)
	}
	s.mu.Unlock()

	metrics.JobsActive.Inc()
	s.log.Debug("job submitted", "job", id, "kind", spec.Kind, "dataset", ds.ID, "conn", conn.ID())

	if s.runner == nil {
		job.Fail(errs.New(errs.JobFailed, "no runner configured"))
		return nil, job.Err()
	}
	if err := s.runner.Run(job); err != nil {
		job.Fail(err)
		return nil, errs.Wrap(errs.JobFailed, "schedule job", err)
	}
	return job, nil
}

func validate(spec Spec) error {
	if spec.DatasetID == "" {
		return errs.New(errs.InvalidRequest, "dataset_id is required")
	}
	switch spec.Kind {
	case api.JobKindQuery:
		if strings.TrimSpace(spec.SQL) == "" {
			return errs.New(errs.InvalidRequest, "sql is required")
		}
	case api.JobKindExport:
		if strings.TrimSpace(spec.SQL) == "" {
			return errs.New(errs.InvalidRequest, "sql is required")
		}
		if spec.OutputPath == "" {
			return errs.New(errs.InvalidRequest, "output_path is required")
		}
	case api.JobKindAnalysis:
		if spec.Analysis == nil {
			return errs.New(errs.InvalidRequest, "analysis spec is required")
		}
	default:
		return errs.Newf(errs.InvalidRequest, "unknown job kind %q", spec.Kind)
	}
	return nil
}

func (s *Session) readyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.datasets))
	for _, ds := range s.datasets {
		if ds.LoadState == api.LoadStateReady {
			ids = append(ids, ds.ID)
		}
	}
	return ids
}

// release runs once per job on its terminal transition. The job leaves the
// live map; only its final status is remembered.
func (s *Session) release(j *Job) {
	status := j.Status()
	s.mu.Lock()
	for _, k := range j.refs {
		if bm := s.busy[k]; bm != nil {
			bm.Remove(j.ID)
			if bm.IsEmpty() {
				delete(s.busy, k)
			}
		}
	}
	delete(s.jobs, j.ID)
	s.finished.Add(j.ID, status)
	s.mu.Unlock()

	metrics.JobsActive.Dec()
	metrics.JobsTotal.WithLabelValues(string(j.Spec.Kind), string(status)).Inc()
	if err := j.Err(); err != nil {
		s.log.Info("job finished", "job", j.ID, "status", status, "err", err)
	} else {
		s.log.Debug("job finished", "job", j.ID, "status", status)
	}
}

// Job looks up a live job by id.
func (s *Session) Job(id uint64) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// JobStatus reports the status of a live or recently finished job.
func (s *Session) JobStatus(id uint64) (api.JobStatus, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if ok {
		return j.Status(), true
	}
	return s.finished.Get(id)
}

// Grant adds chunk credit to a query job owned by conn. Grants for other
// connections' jobs or for finished jobs are ignored.
func (s *Session) Grant(conn Conn, id uint64, chunks int) {
	if j, ok := s.Job(id); ok && j.Conn() == conn {
		j.Grant(chunks)
	}
}

// Cancel stops a job. Cancelling a terminal job is a no-op that reports the
// job's final status. Ids are never reused, so a finished job whose status
// has been forgotten still answers, with an empty status.
func (s *Session) Cancel(id uint64) (api.JobStatus, error) {
	j, ok := s.Job(id)
	if !ok {
		if status, ok := s.finished.Get(id); ok {
			return status, nil
		}
		if id > 0 && id <= s.nextJob.Load() {
			return "", nil
		}
		return "", errs.Newf(errs.JobNotFound, "job %d not found", id)
	}
	if j.finish(api.JobCancelled, nil) {
		s.notifyCancelled(j)
	}
	return j.Status(), nil
}

// notifyCancelled sends the terminal job_status of a cancelled job to its
// owner. Chunks still queued behind it are dropped by the connection, so
// this is the last message the stream sees.
func (s *Session) notifyCancelled(j *Job) {
	go func() {
		body := &api.JobStatusBody{JobID: j.ID, Status: api.JobCancelled}
		if err := j.Emit(context.Background(), api.TagJobStatus, body); err != nil {
			s.log.Debug("cancel notice dropped", "job", j.ID, "err", err)
		}
	}()
}

// ConnectionLost fails every live job owned by conn and drops the jobs'
// references to it.
func (s *Session) ConnectionLost(conn Conn) int {
	s.mu.Lock()
	var owned []*Job
	for _, j := range s.jobs {
		if j.Conn() == conn {
			owned = append(owned, j)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, j := range owned {
		if j.Fail(errs.New(errs.ConnectionLost, "connection lost")) {
			n++
		}
		j.detach()
	}
	if n > 0 {
		s.log.Info("connection lost, jobs failed", "conn", conn.ID(), "jobs", n)
	}
	return n
}

// Close aborts pending loads, cancels all jobs, waits for the runner and
// closes the engine.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	s.stop()
	s.loading.Wait()
	for _, j := range jobs {
		if j.finish(api.JobCancelled, nil) {
			s.notifyCancelled(j)
		}
	}

	var runErr error
	if s.runner != nil {
		if err := s.runner.Close(); err != nil {
			runErr = fmt.Errorf("close runner: %w", err)
		}
	}
	var engErr error
	if err := s.eng.Close(); err != nil {
		engErr = fmt.Errorf("close engine: %w", err)
	}
	return errors.Join(runErr, engErr)
}
