package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

// Listener accepts framed connections.
type Listener struct {
	ln   net.Listener
	opts []Option
}

// Listen opens a listener. For unix sockets the parent directory is
// created first and a stale socket file is removed. Anything else at addr
// is left alone and makes Listen fail.
func Listen(network, addr string, opts ...Option) (*Listener, error) {
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir socket dir: %w", err)
		}
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &Listener{ln: ln, opts: opts}, nil
}

func removeStaleSocket(addr string) error {
	fi, err := os.Lstat(addr)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("stat socket path: %w", err)
	case fi.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("listen unix %s: path exists and is not a socket", addr)
	}
	if err := os.Remove(addr); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return New(c, l.opts...), nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial connects to a listening backend.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return New(c, opts...), nil
}
