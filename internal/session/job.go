package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/protocol"
)

// Conn is the session's view of one frontend connection.
type Conn interface {
	ID() string
	// Emit queues m for the peer. It blocks while the outbound queue is full
	// and fails once the connection is gone.
	Emit(ctx context.Context, m protocol.Message) error
}

// Spec describes the work of a Job.
type Spec struct {
	Kind      api.JobKind
	DatasetID string
	SQL       string
	// BatchSize overrides the executor's rows per chunk when positive.
	BatchSize int
	// Analysis is set for analysis jobs.
	Analysis *api.RunAnalysis
	// OutputPath is set for export jobs.
	OutputPath string
	// Window is the initial chunk credit of a query job. Zero means the
	// job streams without waiting for credit.
	Window int
}

// Job is one asynchronous query, analysis or export. Its status only moves
// forward; the first terminal transition wins and later ones are no-ops.
type Job struct {
	ID        uint64
	Spec      Spec
	RequestID uint64
	CreatedAt time.Time

	// datasets this job keeps busy
	refs []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// signalled by Grant; only the executor waits on it
	granted chan struct{}

	mu       sync.Mutex
	conn     Conn
	status   api.JobStatus
	cursor   uint64
	started  bool
	err      error
	limited  bool
	credit   int
	onFinish func(*Job)
}

func newJob(id uint64, spec Spec, conn Conn, requestID uint64, refs []string, onFinish func(*Job)) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:        id,
		Spec:      spec,
		RequestID: requestID,
		CreatedAt: time.Now(),
		refs:      refs,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		granted:   make(chan struct{}, 1),
		conn:      conn,
		status:    api.JobQueued,
		limited:   spec.Window > 0,
		credit:    spec.Window,
		onFinish:  onFinish,
	}
}

// Conn is the connection that owns the job, or nil once it is gone.
func (j *Job) Conn() Conn {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conn
}

// detach drops the reference to a lost connection.
func (j *Job) detach() {
	j.mu.Lock()
	j.conn = nil
	j.mu.Unlock()
}

// Grant allows n more result chunks to be sent.
func (j *Job) Grant(n int) {
	if n <= 0 {
		return
	}
	j.mu.Lock()
	j.credit += n
	j.mu.Unlock()
	select {
	case j.granted <- struct{}{}:
	default:
	}
}

// AwaitCredit takes one chunk of credit, waiting for a Grant while none is
// left. Jobs submitted without a window never wait.
func (j *Job) AwaitCredit(ctx context.Context) error {
	for {
		j.mu.Lock()
		if !j.limited {
			j.mu.Unlock()
			return nil
		}
		if j.credit > 0 {
			j.credit--
			j.mu.Unlock()
			return nil
		}
		j.mu.Unlock()
		select {
		case <-j.granted:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Context is cancelled when the job reaches a terminal status.
func (j *Job) Context() context.Context { return j.ctx }

// Done is closed on the terminal transition.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Status() api.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err is non-nil iff the job failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cursor is the sequence number of the last chunk emitted, the point a
// reader has been fed up to. Valid once Emitted reports true.
func (j *Job) Cursor() (seq uint64, emitted bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor, j.started
}

// Start moves a queued job to running. It returns false if the job was
// cancelled or failed before a worker picked it up.
func (j *Job) Start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != api.JobQueued {
		return false
	}
	j.status = api.JobRunning
	return true
}

// Streaming records that chunk seq has been handed to the connection.
func (j *Job) Streaming(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = api.JobStreaming
	j.cursor = seq
	j.started = true
}

// Emit sends a message correlated with the job's request.
func (j *Job) Emit(ctx context.Context, tag api.Tag, body any) error {
	conn := j.Conn()
	if conn == nil {
		return errs.New(errs.ConnectionLost, "connection lost")
	}
	return conn.Emit(ctx, protocol.Message{Tag: tag, ID: j.RequestID, Body: body})
}

// Complete marks success. It returns false if the job was already terminal.
func (j *Job) Complete() bool { return j.finish(api.JobCompleted, nil) }

// Fail marks failure with err.
func (j *Job) Fail(err error) bool { return j.finish(api.JobFailed, err) }

func (j *Job) finish(status api.JobStatus, err error) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status = status
	j.err = err
	j.mu.Unlock()

	j.cancel()
	close(j.done)
	if j.onFinish != nil {
		j.onFinish(j)
	}
	return true
}
