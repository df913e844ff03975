package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/agentic-research/tabula/internal/transport"
)

// SpawnConfig launches a backend as a child process connected over an
// inherited socket.
type SpawnConfig struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede "serve --fd 3", e.g. a --config flag.
	Args   []string
	Stderr io.Writer
	// WaitTimeout bounds how long Close waits for the child to exit before
	// killing it.
	WaitTimeout time.Duration
}

// Spawn starts `<exe> [args] serve --fd 3` and returns a Client talking to
// it. Closing the client ends the child.
func Spawn(ctx context.Context, cfg SpawnConfig, opts Options, topts ...transport.Option) (*Client, error) {
	exe := cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	parent, child, err := transport.SocketPairFiles()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, cfg.Args...), "serve", "--fd", "3")
	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stderr = cfg.Stderr
	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		return nil, fmt.Errorf("start backend: %w", err)
	}
	_ = child.Close()

	tc, err := transport.FromFile(parent, topts...)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	opts.OnClose = func() error {
		select {
		case err := <-waited:
			return exitErr(err)
		case <-time.After(cfg.WaitTimeout):
			_ = cmd.Process.Kill()
			<-waited
			return errors.New("backend did not exit, killed")
		}
	}
	return New(ctx, tc, opts)
}

func exitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("backend exited: %w", err)
}
