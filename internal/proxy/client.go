// Package proxy is the frontend side of the IPC boundary. A Client turns
// typed calls into protocol requests and routes replies and job events back
// to the waiting caller or Stream. Nothing in the frontend touches the
// engine directly.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/protocol"
	"github.com/agentic-research/tabula/internal/transport"
)

// Name is advertised in the frontend's hello unless Options.Name is set.
const Name = "tabula-client"

const DefaultMaxBufferedChunks = 64

type Options struct {
	Name string
	// MaxBufferedChunks bounds each Stream's reassembly buffer. It is also
	// the chunk window granted to each query job, so a stream nobody reads
	// pauses its job instead of the connection.
	MaxBufferedChunks int
	Logger            *slog.Logger
	// OnClose runs once after the connection is gone, e.g. to reap a
	// spawned backend.
	OnClose func() error
}

type Client struct {
	codec  *protocol.Codec
	log    *slog.Logger
	maxBuf int
	peer   *api.Hello

	nextID atomic.Uint64
	out    chan protocol.Message

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
	streams map[uint64]*Stream
	jobs    map[uint64]chan protocol.Message
	credits map[uint64]int // job id -> chunks not yet granted on the wire

	creditWake chan struct{}

	hello     chan struct{}
	done      chan struct{}
	err       error
	failOnce  sync.Once
	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

// Dial connects to a backend listening on network/addr.
func Dial(ctx context.Context, network, addr string, opts Options, topts ...transport.Option) (*Client, error) {
	tc, err := transport.Dial(ctx, network, addr, topts...)
	if err != nil {
		return nil, err
	}
	return New(ctx, tc, opts)
}

// New runs the hello exchange over tc and starts the reader and writer.
func New(ctx context.Context, tc *transport.Conn, opts Options) (*Client, error) {
	if opts.MaxBufferedChunks <= 0 {
		opts.MaxBufferedChunks = DefaultMaxBufferedChunks
	}
	if opts.Name == "" {
		opts.Name = Name
	}
	c := &Client{
		codec:   protocol.NewCodec(tc),
		log:     logging.Or(opts.Logger).With("component", "proxy"),
		maxBuf:  opts.MaxBufferedChunks,
		out:     make(chan protocol.Message, 16),
		pending: make(map[uint64]chan protocol.Message),
		streams: make(map[uint64]*Stream),
		jobs:    make(map[uint64]chan protocol.Message),
		credits: make(map[uint64]int),
		hello:   make(chan struct{}),

		creditWake: make(chan struct{}, 1),
		done:       make(chan struct{}),
		onClose:    opts.OnClose,
	}
	go c.readLoop()
	go c.writeLoop()

	if err := c.enqueue(ctx, protocol.Hello(opts.Name)); err != nil {
		_ = c.Close()
		return nil, err
	}
	select {
	case <-c.hello:
		return c, nil
	case <-c.done:
		err := c.Err()
		_ = c.Close()
		return nil, err
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// Peer returns the backend's hello.
func (c *Client) Peer() *api.Hello { return c.peer }

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. Its kind is connection_lost.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears down the connection. Pending calls and open streams fail.
func (c *Client) Close() error {
	c.fail(errs.New(errs.ConnectionLost, "client closed"))
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.closeErr = c.onClose()
		}
	})
	return c.closeErr
}

func (c *Client) fail(cause error) {
	c.failOnce.Do(func() {
		if !errs.Is(cause, errs.ConnectionLost) {
			cause = errs.Wrap(errs.ConnectionLost, "connection lost", cause)
		}
		c.err = cause
		close(c.done)
		_ = c.codec.Close()

		c.mu.Lock()
		streams := make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.mu.Unlock()
		for _, s := range streams {
			s.fail(cause)
		}
		c.log.Debug("connection ended", "err", cause)
	})
}

func (c *Client) readLoop() {
	for {
		m, err := c.codec.Receive()
		if err != nil {
			c.fail(err)
			return
		}
		c.route(m)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.creditWake:
			for _, m := range c.takeCredits() {
				if err := c.codec.Send(m); err != nil {
					c.fail(err)
					return
				}
			}
		case m := <-c.out:
			if err := c.codec.Send(m); err != nil {
				if errors.Is(err, protocol.ErrUnsupportedTag) {
					c.log.Warn("backend lacks tag", "tag", m.Tag)
					c.reject(m.ID, err)
					continue
				}
				c.fail(err)
				return
			}
		}
	}
}

// flowControl reports whether the backend takes credit. Without it query
// jobs stream unthrottled and streams buffer without bound.
func (c *Client) flowControl() bool {
	return c.codec.PeerSupports(api.TagCredit)
}

// grant queues n chunks of credit for jobID. The writer coalesces pending
// grants, so the caller never blocks.
func (c *Client) grant(jobID uint64, n int) {
	c.mu.Lock()
	c.credits[jobID] += n
	c.mu.Unlock()
	select {
	case c.creditWake <- struct{}{}:
	default:
	}
}

func (c *Client) takeCredits() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.credits))
	for id, n := range c.credits {
		out = append(out, protocol.Message{Tag: api.TagCredit, Body: &api.Credit{JobID: id, Chunks: n}})
		delete(c.credits, id)
	}
	return out
}

// reject answers a request locally when it could not be sent.
func (c *Client) reject(id uint64, err error) {
	c.deliver(protocol.Message{Tag: api.TagError, ID: id, Body: &api.ErrorBody{
		Kind: string(errs.KindOf(err)), Message: errs.Message(err),
	}})
}

func (c *Client) route(m protocol.Message) {
	switch m.Tag {
	case api.TagHello:
		h := m.Body.(*api.Hello)
		if h.Version != api.ProtocolVersion {
			c.fail(errs.Newf(errs.InvalidRequest, "backend speaks protocol %d", h.Version))
			return
		}
		c.codec.SetPeer(h)
		c.peer = h
		select {
		case <-c.hello:
		default:
			close(c.hello)
		}

	case api.TagResultChunk, api.TagJobFailed, api.TagAnalysisReport, api.TagJobStatus:
		c.routeJobEvent(m)

	default:
		c.deliver(m)
	}
}

func (c *Client) routeJobEvent(m protocol.Message) {
	c.mu.Lock()
	s := c.streams[m.ID]
	w := c.jobs[m.ID]
	c.mu.Unlock()

	switch {
	case s != nil:
		switch body := m.Body.(type) {
		case *api.ResultChunk:
			s.push(body)
		case *api.JobFailedBody:
			s.fail(errs.New(errs.JobFailed, body.Error))
		case *api.JobStatusBody:
			if body.Status == api.JobCancelled {
				s.fail(errs.Newf(errs.JobFailed, "job %d cancelled", body.JobID))
			}
		}
	case w != nil:
		select {
		case w <- m:
		default:
			c.log.Debug("job event dropped", "tag", m.Tag, "id", m.ID)
		}
	default:
		c.log.Debug("job event for unknown request", "tag", m.Tag, "id", m.ID)
	}
}

func (c *Client) deliver(m protocol.Message) {
	c.mu.Lock()
	ch := c.pending[m.ID]
	delete(c.pending, m.ID)
	c.mu.Unlock()
	if ch == nil {
		if m.Tag == api.TagError {
			body := m.Body.(*api.ErrorBody)
			c.log.Warn("backend error", "kind", body.Kind, "message", body.Message)
		}
		return
	}
	ch <- m
}

func (c *Client) enqueue(ctx context.Context, m protocol.Message) error {
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request registers a reply slot under a fresh id. The caller must call
// await or forget with the returned channel's id.
func (c *Client) request(ctx context.Context, tag api.Tag, body any, register func(id uint64)) (uint64, chan protocol.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	if register != nil {
		register(id)
	}
	if err := c.enqueue(ctx, protocol.Message{Tag: tag, ID: id, Body: body}); err != nil {
		c.forget(id)
		return 0, nil, err
	}
	return id, ch, nil
}

func (c *Client) await(ctx context.Context, id uint64, ch chan protocol.Message) (protocol.Message, error) {
	select {
	case m := <-ch:
		if m.Tag == api.TagError {
			return m, replyError(m.Body.(*api.ErrorBody))
		}
		return m, nil
	case <-c.done:
		c.forget(id)
		return protocol.Message{}, c.err
	case <-ctx.Done():
		c.forget(id)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	delete(c.jobs, id)
	c.mu.Unlock()
}

// call sends a request and waits for its single reply.
func (c *Client) call(ctx context.Context, tag api.Tag, body any) (protocol.Message, error) {
	id, ch, err := c.request(ctx, tag, body, nil)
	if err != nil {
		return protocol.Message{}, err
	}
	return c.await(ctx, id, ch)
}

func replyError(b *api.ErrorBody) error {
	return &errs.E{Kind: errs.Kind(b.Kind), Message: b.Message}
}

func unexpected(m protocol.Message) error {
	return errs.Newf(errs.ProtocolDecode, "unexpected reply %s", m.Tag)
}

// cancelTimeout bounds the best-effort cancel sent when a caller gives up.
const cancelTimeout = 5 * time.Second

// abandonTimeout bounds how long a reply slot outlives a caller that gave
// up before its job was accepted.
const abandonTimeout = time.Minute
