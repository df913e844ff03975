package proxy

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
)

// ErrSequenceGap fails a stream whose chunks cannot be reassembled: a
// duplicate, a chunk past the final one, or a final chunk with missing
// predecessors.
var ErrSequenceGap = errs.New(errs.ProtocolDecode, "result chunk sequence gap")

// ErrWindowExceeded fails a stream that received more chunks than it
// granted credit for.
var ErrWindowExceeded = errs.New(errs.ProtocolDecode, "result chunk beyond the granted window")

// Stream is the pull side of one query job. Chunks are handed out in
// sequence order; Next returns io.EOF after the final chunk.
//
// With flow control the backend may run at most max chunks ahead of the
// consumer: every chunk handed out grants credit for one more.
type Stream struct {
	c     *Client
	reqID uint64
	max   int // 0 when unbounded

	mu       sync.Mutex
	jobID    uint64
	columns  []string
	held     map[uint64]*api.ResultChunk
	want     uint64 // next seq handed to the consumer
	final    uint64
	hasFinal bool
	finished bool // final chunk handed out
	closed   bool
	err      error
	total    int64
	owed     int // credit earned before the job id was known
	changed  chan struct{}
}

func newStream(c *Client, reqID uint64, max int) *Stream {
	return &Stream{
		c:       c,
		reqID:   reqID,
		max:     max,
		held:    make(map[uint64]*api.ResultChunk),
		changed: make(chan struct{}),
	}
}

// JobID is the backend job behind the stream.
func (s *Stream) JobID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Columns is known once the first chunk has arrived.
func (s *Stream) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns
}

// broadcast wakes every waiter. Caller holds mu.
func (s *Stream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// TotalRows is the row count of the whole result, known once the final
// chunk has been handed out.
func (s *Stream) TotalRows() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.finished
}

func (s *Stream) accepted(jobID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = jobID
	s.credit(0)
}

// credit returns n chunks of window to the backend. Caller holds mu.
func (s *Stream) credit(n int) {
	if s.max == 0 || s.closed || s.finished {
		return
	}
	s.owed += n
	if s.jobID == 0 || s.owed == 0 {
		return
	}
	s.c.grant(s.jobID, s.owed)
	s.owed = 0
}

// push is called by the client's reader and never blocks it. A backend
// honouring the window never overfills the buffer.
func (s *Stream) push(chunk *api.ResultChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return
	}
	if s.max > 0 && len(s.held) >= s.max {
		s.setErr(ErrWindowExceeded)
		return
	}

	_, dup := s.held[chunk.Seq]
	switch {
	case dup || chunk.Seq < s.want:
		s.setErr(ErrSequenceGap)
		return
	case s.hasFinal && chunk.Seq > s.final:
		s.setErr(ErrSequenceGap)
		return
	}
	if s.columns == nil {
		s.columns = chunk.Columns
	}
	s.held[chunk.Seq] = chunk
	if chunk.Final {
		s.hasFinal = true
		s.final = chunk.Seq
		for seq := s.want; seq < chunk.Seq; seq++ {
			if _, ok := s.held[seq]; !ok {
				s.setErr(ErrSequenceGap)
				return
			}
		}
	}
	s.broadcast()
}

// fail ends the stream with err. Chunks already buffered stay readable.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.setErr(err)
}

func (s *Stream) setErr(err error) {
	if s.err == nil {
		s.err = err
	}
	s.broadcast()
}

// take returns the next in-order chunk if one is buffered. Caller holds mu.
func (s *Stream) take() (*api.ResultChunk, bool, error) {
	if chunk, ok := s.held[s.want]; ok {
		delete(s.held, s.want)
		s.want++
		if chunk.Final {
			s.finished = true
			s.total = chunk.TotalRows
			s.c.forget(s.reqID)
		} else {
			s.credit(1)
		}
		s.broadcast()
		return chunk, true, nil
	}
	switch {
	case s.finished:
		return nil, false, io.EOF
	case s.err != nil:
		return nil, false, s.err
	case s.closed:
		return nil, false, io.EOF
	}
	return nil, false, nil
}

// Next blocks until the next chunk is available. It returns io.EOF after
// the final chunk, and the job's error if it failed.
func (s *Stream) Next(ctx context.Context) (*api.ResultChunk, error) {
	s.mu.Lock()
	for {
		chunk, ok, err := s.take()
		if ok || err != nil {
			s.mu.Unlock()
			return chunk, err
		}
		wait := s.changed
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

// TryNext never blocks. ok is false when no chunk is ready yet.
func (s *Stream) TryNext() (chunk *api.ResultChunk, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take()
}

// Collect reads the rest of the stream. With limit > 0 it stops after
// limit rows and closes the stream.
func (s *Stream) Collect(ctx context.Context, limit int) ([]api.Row, error) {
	var rows []api.Row
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, chunk.Rows...)
		if limit > 0 && len(rows) >= limit {
			_ = s.Close()
			return rows[:limit], nil
		}
	}
}

// Close stops reading. An unfinished job is cancelled on the backend.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.held = map[uint64]*api.ResultChunk{}
	unfinished := !s.finished && s.err == nil
	jobID := s.jobID
	s.broadcast()
	s.mu.Unlock()

	s.c.forget(s.reqID)
	if !unfinished || jobID == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	_, err := s.c.Cancel(ctx, jobID)
	if errs.Is(err, errs.ConnectionLost) {
		return nil
	}
	return err
}
