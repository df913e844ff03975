package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SocketPairFiles creates a connected AF_UNIX stream pair. One end is
// typically handed to a child process through exec.Cmd.ExtraFiles.
func SocketPairFiles() (*os.File, *os.File, error) {
	// close-on-exec from creation; a concurrent fork must not inherit it
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "tabula-ipc-0"), os.NewFile(uintptr(fds[1]), "tabula-ipc-1"), nil
}

// SocketPair returns both ends of a connected pair as Conns.
func SocketPair(opts ...Option) (*Conn, *Conn, error) {
	a, b, err := SocketPairFiles()
	if err != nil {
		return nil, nil, err
	}
	ca, err := FromFile(a, opts...)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	cb, err := FromFile(b, opts...)
	if err != nil {
		_ = ca.Close()
		return nil, nil, err
	}
	return ca, cb, nil
}

// FromFD wraps an inherited descriptor, e.g. `serve --fd 3`.
func FromFD(fd int, opts ...Option) (*Conn, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", fd))
	if f == nil {
		return nil, fmt.Errorf("invalid fd %d", fd)
	}
	return FromFile(f, opts...)
}

// FromFile wraps f. Sockets become net.Conns so that Close interrupts a
// blocked Receive; anything else (a pipe) is used as is.
func FromFile(f *os.File, opts ...Option) (*Conn, error) {
	nc, err := net.FileConn(f)
	if err != nil {
		return New(f, opts...), nil
	}
	// FileConn dups the descriptor.
	_ = f.Close()
	return New(nc, opts...), nil
}
