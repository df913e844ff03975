// Package executor runs session jobs on a bounded worker pool and streams
// their results back through the job's connection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/analyzer"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/metrics"
	"github.com/agentic-research/tabula/internal/session"
	"github.com/panjf2000/ants/v2"
)

const DefaultBatchSize = 10000

// Catalog resolves dataset ids for analysis jobs.
type Catalog interface {
	Dataset(id string) (api.Dataset, error)
}

type Config struct {
	Engine   engine.Engine
	Catalog  Catalog
	Analyzer *analyzer.Analyzer
	// BatchSize is the default rows per result chunk.
	BatchSize int
	// MaxConcurrentJobs bounds the worker pool.
	MaxConcurrentJobs int
	Logger            *slog.Logger
}

// Executor implements session.Runner. Run only enqueues; a dispatcher feeds
// the pool in submission order so a full pool never blocks the caller.
type Executor struct {
	eng       engine.Engine
	catalog   Catalog
	analyzer  *analyzer.Analyzer
	batchSize int
	pool      *ants.Pool
	log       *slog.Logger

	mu     sync.Mutex
	queue  []*session.Job
	wake   chan struct{}
	stop   chan struct{}
	closed bool

	dispatcher sync.WaitGroup
	running    sync.WaitGroup
}

var _ session.Runner = (*Executor)(nil)

func New(cfg Config) (*Executor, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 8
	}
	e := &Executor{
		eng:       cfg.Engine,
		catalog:   cfg.Catalog,
		analyzer:  cfg.Analyzer,
		batchSize: cfg.BatchSize,
		log:       logging.Or(cfg.Logger).With("component", "executor"),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	pool, err := ants.NewPool(cfg.MaxConcurrentJobs, ants.WithPanicHandler(func(v any) {
		e.log.Error("job panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e.pool = pool

	e.dispatcher.Add(1)
	go e.dispatch()
	return e, nil
}

// Run queues job. The job stays queued until a worker is free.
func (e *Executor) Run(job *session.Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.New(errs.JobFailed, "executor closed")
	}
	e.queue = append(e.queue, job)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops dispatching and waits for running jobs. Jobs still queued are
// failed.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	e.dispatcher.Wait()

	e.mu.Lock()
	left := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, job := range left {
		e.fail(job, errs.New(errs.JobFailed, "executor closed"))
	}

	e.running.Wait()
	e.pool.Release()
	return nil
}

func (e *Executor) dispatch() {
	defer e.dispatcher.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		job := e.next()
		if job == nil {
			select {
			case <-e.wake:
				continue
			case <-e.stop:
				return
			}
		}
		e.running.Add(1)
		// blocks while the pool is saturated, preserving FIFO order
		if err := e.pool.Submit(func() {
			defer e.running.Done()
			e.execute(job)
		}); err != nil {
			e.running.Done()
			e.fail(job, errs.Wrap(errs.JobFailed, "schedule job", err))
		}
	}
}

func (e *Executor) next() *session.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	job := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return job
}

func (e *Executor) execute(job *session.Job) {
	if !job.Start() {
		return
	}
	log := e.log.With("job", job.ID, "kind", job.Spec.Kind)
	log.Debug("job started", "dataset", job.Spec.DatasetID)

	ctx := job.Context()
	switch job.Spec.Kind {
	case api.JobKindQuery:
		final, err := e.runQuery(ctx, job)
		if err != nil {
			e.fail(job, err)
			return
		}
		if job.Complete() {
			e.emitTerminal(job, api.TagResultChunk, final)
			job.Streaming(final.Seq)
		}

	case api.JobKindAnalysis:
		report, err := e.runAnalysis(ctx, job)
		if err != nil {
			e.fail(job, err)
			return
		}
		if job.Complete() {
			e.emitTerminal(job, api.TagAnalysisReport, &api.AnalysisReportBody{JobID: job.ID, Report: report})
		}

	case api.JobKindExport:
		rows, err := e.runExport(ctx, job)
		if err != nil {
			e.fail(job, err)
			return
		}
		if job.Complete() {
			log.Info("export written", "path", job.Spec.OutputPath, "rows", rows)
			e.emitTerminal(job, api.TagJobStatus, &api.JobStatusBody{JobID: job.ID, Status: api.JobCompleted, Rows: rows})
		}

	default:
		e.fail(job, errs.Newf(errs.InvalidRequest, "unknown job kind %q", job.Spec.Kind))
	}
}

// fail records err unless the job already ended, e.g. by cancellation or a
// lost connection. Only the winner of the terminal transition reports it.
func (e *Executor) fail(job *session.Job, err error) {
	if !job.Fail(err) {
		return
	}
	e.emitTerminal(job, api.TagJobFailed, &api.JobFailedBody{JobID: job.ID, Error: errs.Message(err)})
}

// emitTerminal sends the last message of a job. The job context is already
// cancelled at this point, so the send is bounded by the connection instead.
func (e *Executor) emitTerminal(job *session.Job, tag api.Tag, body any) {
	if err := job.Emit(context.Background(), tag, body); err != nil {
		e.log.Debug("terminal message dropped", "job", job.ID, "tag", tag, "err", err)
	}
}

// runQuery streams every chunk but the last, which is returned so it can be
// sent after the job is marked complete. One batch is read ahead so the
// final flag lands on the last non-empty chunk; an empty result yields a
// single empty final chunk. Each chunk, the final one included, waits for
// credit when the job has a window.
func (e *Executor) runQuery(ctx context.Context, job *session.Job) (*api.ResultChunk, error) {
	size := job.Spec.BatchSize
	if size <= 0 {
		size = e.batchSize
	}

	var (
		final *api.ResultChunk
		total int64
	)
	err := engine.WithCursor(ctx, e.eng, job.Spec.SQL, func(cur engine.Cursor) error {
		cols := cur.Columns()
		if cols == nil {
			cols = []string{}
		}
		pending, eof, err := pull(ctx, cur, size)
		if err != nil {
			return err
		}
		for seq := uint64(0); ; seq++ {
			var next []api.Row
			if !eof {
				if next, eof, err = pull(ctx, cur, size); err != nil {
					return err
				}
			}
			chunk := &api.ResultChunk{JobID: job.ID, Seq: seq, Columns: cols, Rows: pending}
			total += int64(len(pending))
			if err := job.AwaitCredit(ctx); err != nil {
				return err
			}
			if len(next) == 0 {
				chunk.Final = true
				chunk.TotalRows = total
				final = chunk
				countChunk(chunk)
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := job.Emit(ctx, api.TagResultChunk, chunk); err != nil {
				return err
			}
			job.Streaming(seq)
			countChunk(chunk)
			pending = next
		}
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// pull reads one batch. An empty batch always comes with eof set.
func pull(ctx context.Context, cur engine.Cursor, n int) ([]api.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rows, err := cur.NextBatch(ctx, n)
	if errors.Is(err, io.EOF) {
		return orEmpty(rows), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return orEmpty(rows), len(rows) == 0, nil
}

func orEmpty(rows []api.Row) []api.Row {
	if rows == nil {
		return []api.Row{}
	}
	return rows
}

func countChunk(c *api.ResultChunk) {
	metrics.ChunksStreamed.Inc()
	metrics.RowsStreamed.Add(float64(len(c.Rows)))
}

func (e *Executor) runAnalysis(ctx context.Context, job *session.Job) (api.AnalysisReport, error) {
	if e.analyzer == nil || e.catalog == nil {
		return api.AnalysisReport{}, errs.New(errs.JobFailed, "analysis not configured")
	}
	ds, err := e.catalog.Dataset(job.Spec.DatasetID)
	if err != nil {
		return api.AnalysisReport{}, err
	}
	req := api.RunAnalysis{DatasetID: ds.ID}
	if job.Spec.Analysis != nil {
		req = *job.Spec.Analysis
	}
	return e.analyzer.Analyze(ctx, ds, req)
}
