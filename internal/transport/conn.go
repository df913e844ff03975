// Package transport carries length-framed byte messages between the
// frontend and the backend. A frame is a 4-byte little-endian length
// followed by the body. Delivery is ordered; any read or write failure is
// terminal for the connection and is reported through Done and Err.
package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/agentic-research/tabula/internal/errs"
)

// ErrClosed is the cause reported after a local Close.
var ErrClosed = errors.New("transport closed")

// Option configures a Conn.
type Option func(*Conn)

// WithMaxFrameSize sets the largest accepted frame body. 0 disables the
// check beyond the 4-byte header limit.
func WithMaxFrameSize(n int64) Option {
	return func(c *Conn) { c.maxFrame = n }
}

// Conn is a framed, bidirectional channel. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Conn struct {
	rwc      io.ReadWriteCloser
	maxFrame int64

	wmu sync.Mutex

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// New wraps rwc.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		maxFrame: DefaultMaxFrameSize,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send writes one frame. Header and body are never interleaved with another
// Send. An oversized frame is rejected without touching the connection.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.wmu.Lock()
	err := writeFrame(c.rwc, frame, c.maxFrame)
	c.wmu.Unlock()

	if errors.Is(err, ErrFrameTooLarge) {
		return errs.Wrap(errs.Transport, fmt.Sprintf("send %d bytes", len(frame)), err)
	}
	if err != nil {
		c.fail(err)
		return errs.Wrap(errs.Transport, "send", err)
	}
	return nil
}

// Receive blocks until a complete frame arrives or the connection fails.
func (c *Conn) Receive() ([]byte, error) {
	frame, err := readFrame(c.rwc, c.maxFrame)
	if err != nil {
		select {
		case <-c.done:
			return nil, c.closedErr()
		default:
		}
		c.fail(err)
		return nil, errs.Wrap(errs.Transport, "receive", err)
	}
	return frame, nil
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.err = ErrClosed
		c.mu.Unlock()
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed when the connection fails or is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the first failure, or nil while the connection is healthy.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) fail(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		_ = c.rwc.Close()
	})
}

func (c *Conn) closedErr() error {
	return errs.Wrap(errs.Transport, "connection closed", c.Err())
}

type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

// Stdio frames over the process's stdin and stdout.
func Stdio(opts ...Option) *Conn {
	return New(stdio{Reader: os.Stdin, Writer: os.Stdout}, opts...)
}
