// Package server is the backend side of the IPC boundary. It owns the
// transport connections, decodes requests, routes them to the session and
// writes replies and job events back through a bounded outbound queue.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/metrics"
	"github.com/agentic-research/tabula/internal/protocol"
	"github.com/agentic-research/tabula/internal/session"
	"github.com/agentic-research/tabula/internal/transport"
	"github.com/google/uuid"
)

// Name is advertised in the backend's hello.
const Name = "tabula-serve"

type Config struct {
	Session *session.Session
	// OutboundQueue bounds the messages buffered per connection before
	// emitters block.
	OutboundQueue int
	Logger        *slog.Logger
}

type Server struct {
	sess  *session.Session
	queue int
	log   *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config) *Server {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 16
	}
	return &Server{
		sess:     cfg.Session,
		queue:    cfg.OutboundQueue,
		log:      logging.Or(cfg.Logger).With("component", "server"),
		conns:    make(map[*conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// ShutdownRequested is closed once a frontend sends shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, l *transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	s.log.Info("listening", "addr", l.Addr().String())
	for {
		tc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, tc); err != nil {
				s.log.Debug("connection ended", "err", err)
			}
		}()
	}
}

// ServeConn runs one connection until the peer goes away, ctx is done or
// the server is closed. Jobs still running for the connection fail with
// connection lost.
func (s *Server) ServeConn(ctx context.Context, tc *transport.Conn) error {
	c := s.newConn(ctx, tc)
	if c == nil {
		_ = tc.Close()
		return errs.New(errs.ConnectionLost, "server closed")
	}
	defer c.teardown()

	go c.writeLoop()
	if err := c.codec.Send(protocol.Hello(Name)); err != nil {
		return err
	}
	return c.readLoop()
}

func (s *Server) newConn(ctx context.Context, tc *transport.Conn) *conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:     uuid.NewString(),
		srv:    s,
		codec:  protocol.NewCodec(tc),
		out:    make(chan protocol.Message, s.queue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.log = s.log.With("conn", c.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return nil
	}
	s.conns[c] = struct{}{}
	metrics.Connections.Inc()
	c.log.Debug("connection opened")
	return c
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		metrics.Connections.Dec()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown requested")
		close(s.shutdown)
	})
}

// Close tears down every connection and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.codec.Close()
	}
	s.wg.Wait()
	return nil
}

// conn is one frontend connection. It implements session.Conn.
type conn struct {
	id    string
	srv   *Server
	codec *protocol.Codec
	log   *slog.Logger

	out    chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// in-flight load handlers
	loads sync.WaitGroup
}

var _ session.Conn = (*conn)(nil)

func (c *conn) ID() string { return c.id }

// Emit queues m for the writer, blocking while the queue is full.
func (c *conn) Emit(ctx context.Context, m protocol.Message) error {
	select {
	case <-c.done:
		return errs.New(errs.ConnectionLost, "connection lost")
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return errs.New(errs.ConnectionLost, "connection lost")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) readLoop() error {
	for {
		m, err := c.codec.Receive()
		if err != nil {
			if errs.Is(err, errs.ProtocolDecode) {
				c.log.Warn("undecodable frame, closing", "err", err)
			}
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if m.Tag == api.TagHello {
			h := m.Body.(*api.Hello)
			if h.Version != api.ProtocolVersion {
				c.log.Warn("protocol version mismatch", "peer", h.Version)
				return errs.Newf(errs.InvalidRequest, "unsupported protocol version %d", h.Version)
			}
			c.codec.SetPeer(h)
			c.log.Debug("hello", "peer", h.Name, "tags", len(h.Tags))
			continue
		}
		c.dispatch(m)
	}
}

// writeLoop is the only goroutine writing to the transport.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			if c.stale(m) {
				continue
			}
			if !c.codec.PeerSupports(m.Tag) {
				c.log.Debug("peer lacks tag, dropped", "tag", m.Tag)
				continue
			}
			if err := c.codec.Send(m); err != nil {
				c.log.Debug("send failed", "tag", m.Tag, "err", err)
				_ = c.codec.Close()
				return
			}
			if _, ok := m.Body.(*shutdownAck); ok {
				c.srv.requestShutdown()
			}
		}
	}
}

// stale reports result chunks of a job cancelled after they were queued.
func (c *conn) stale(m protocol.Message) bool {
	chunk, ok := m.Body.(*api.ResultChunk)
	if !ok {
		return false
	}
	status, _ := c.srv.sess.JobStatus(chunk.JobID)
	return status == api.JobCancelled
}

func (c *conn) teardown() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.codec.Close()
		if n := c.srv.sess.ConnectionLost(c); n > 0 {
			c.log.Info("connection lost", "jobs_failed", n)
		} else {
			c.log.Debug("connection closed")
		}
		c.loads.Wait()
		c.srv.drop(c)
	})
}

// reply queues a reply correlated with req.
func (c *conn) reply(req protocol.Message, tag api.Tag, body any) {
	if err := c.Emit(c.ctx, protocol.Message{Tag: tag, ID: req.ID, Body: body}); err != nil {
		c.log.Debug("reply dropped", "tag", tag, "err", err)
	}
}

func (c *conn) replyErr(req protocol.Message, err error) {
	kind := errs.KindOf(err)
	if kind == "" {
		kind = errs.Internal
	}
	c.reply(req, api.TagError, &api.ErrorBody{Kind: string(kind), Message: errs.Message(err)})
}
