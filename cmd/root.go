package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentic-research/tabula/internal/config"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/agentic-research/tabula/internal/proxy"
	"github.com/agentic-research/tabula/internal/transport"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	socketPath string

	cfg    config.Config
	logger *slog.Logger
)

const connectTimeout = 10 * time.Second

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to tabula.hcl (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Backend socket path")
}

var rootCmd = &cobra.Command{
	Use:           "tabula",
	Short:         "Tabula: CSV analysis over a backend process",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if socketPath != "" {
			c.Socket = socketPath
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c
		logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect reaches a backend. With spawn set it starts a private child
// backend; otherwise it dials the configured socket.
func connect(ctx context.Context, name string, spawn bool) (*proxy.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := proxy.Options{
		Name:              "tabula-" + name,
		MaxBufferedChunks: cfg.Proxy.MaxBufferedChunks,
		Logger:            logger,
	}
	topts := []transport.Option{transport.WithMaxFrameSize(cfg.Transport.MaxFrameSize)}

	if spawn {
		var args []string
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		if logLevel != "" {
			args = append(args, "--log-level", logLevel)
		}
		return proxy.Spawn(ctx, proxy.SpawnConfig{Args: args}, opts, topts...)
	}
	client, err := proxy.Dial(ctx, "unix", cfg.Socket, opts, topts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (is `tabula serve` running?): %w", cfg.Socket, err)
	}
	return client, nil
}

// useSocket reports whether the user named a socket, in which case frontend
// commands dial it instead of spawning a backend.
func useSocket(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("socket")
}

// frontend connects a one-shot command. A private backend is spawned
// unless --socket names a running one.
func frontend(cmd *cobra.Command, name string) (*proxy.Client, error) {
	return connect(cmd.Context(), name, !useSocket(cmd))
}
