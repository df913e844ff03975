package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentic-research/tabula/internal/analyzer"
	"github.com/agentic-research/tabula/internal/config"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/executor"
	"github.com/agentic-research/tabula/internal/metrics"
	"github.com/agentic-research/tabula/internal/server"
	"github.com/agentic-research/tabula/internal/session"
	"github.com/agentic-research/tabula/internal/transport"
	"github.com/agentic-research/tabula/internal/viewstore"
	"github.com/spf13/cobra"
)

var (
	serveStdio       bool
	serveFD          int
	serveMetricsAddr string
)

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve a single frontend on stdin/stdout")
	serveCmd.Flags().IntVar(&serveFD, "fd", 0, "Serve a single frontend on an inherited socket descriptor")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	serveCmd.MarkFlagsMutuallyExclusive("stdio", "fd")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend that owns datasets and executes queries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveMetricsAddr != "" {
			cfg.Metrics.Addr = serveMetricsAddr
		}
		if cfg.Metrics.Addr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
					logger.Error("metrics server failed", "err", err)
				}
			}()
		}

		b, err := newBackend(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warn("backend close", "err", err)
			}
		}()

		topts := []transport.Option{transport.WithMaxFrameSize(cfg.Transport.MaxFrameSize)}
		switch {
		case serveStdio:
			return b.serveOne(ctx, transport.Stdio(topts...))
		case serveFD > 0:
			tc, err := transport.FromFD(serveFD, topts...)
			if err != nil {
				return err
			}
			return b.serveOne(ctx, tc)
		default:
			return b.listen(ctx, cfg.Socket, topts...)
		}
	},
}

// backend is the wired server side: engine, view store, session, analyzer,
// executor and the connection server.
type backend struct {
	views *viewstore.Store
	sess  *session.Session
	srv   *server.Server
}

func newBackend(c config.Config) (*backend, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	eng, err := engine.Open(c.Engine.Driver, filepath.Join(c.DataDir, "scratch"), c.Engine.Threads)
	if err != nil {
		return nil, err
	}
	views, err := viewstore.Open(c.ViewsPath())
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	sess := session.New(session.Config{Engine: eng, Views: views, Logger: logger})
	an, err := analyzer.New(eng, c.Analyzer.CacheSize, analyzer.Options{Bins: c.Analyzer.Bins, TopN: c.Analyzer.TopN}, logger)
	if err != nil {
		_ = sess.Close()
		_ = views.Close()
		return nil, err
	}
	sess.OnUnload(an.Evict)

	exec, err := executor.New(executor.Config{
		Engine:            eng,
		Catalog:           sess,
		Analyzer:          an,
		BatchSize:         c.Executor.BatchSize,
		MaxConcurrentJobs: c.Executor.MaxConcurrentJobs,
		Logger:            logger,
	})
	if err != nil {
		_ = sess.Close()
		_ = views.Close()
		return nil, err
	}
	sess.SetRunner(exec)

	srv := server.New(server.Config{Session: sess, OutboundQueue: c.Executor.OutboundQueue, Logger: logger})
	return &backend{views: views, sess: sess, srv: srv}, nil
}

// serveOne runs a private backend for one frontend and returns when the
// frontend goes away or asks for shutdown.
func (b *backend) serveOne(ctx context.Context, tc *transport.Conn) error {
	done := make(chan error, 1)
	go func() { done <- b.srv.ServeConn(ctx, tc) }()

	select {
	case err := <-done:
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	case <-b.srv.ShutdownRequested():
		logger.Info("shutdown requested")
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (b *backend) listen(ctx context.Context, path string, topts ...transport.Option) error {
	l, err := transport.Listen("unix", path, topts...)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(path) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.srv.ShutdownRequested():
			logger.Info("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()
	return b.srv.Serve(ctx, l)
}

// Close stops the session first: running jobs are cancelled and pending
// loads abort, so tearing down the connections never waits on ingestion.
func (b *backend) Close() error {
	sessErr := b.sess.Close()
	return errors.Join(sessErr, b.srv.Close(), b.views.Close())
}
