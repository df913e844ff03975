// Package config assembles the runtime configuration from defaults, an
// optional HCL file and TABULA_* environment variables. Command-line flags
// are applied by the caller after Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// TABULA_EXECUTOR_BATCH_SIZE=5000.
const EnvPrefix = "TABULA"

// Drivers understood by the engine factory.
const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

type Config struct {
	Socket    string
	DataDir   string
	Engine    Engine
	Executor  Executor
	Analyzer  Analyzer
	Proxy     Proxy
	Transport Transport
	Log       Log
	Metrics   Metrics
}

type Engine struct {
	Driver  string `hcl:"driver,optional"`
	Threads int    `hcl:"threads,optional"`
}

type Executor struct {
	BatchSize         int `hcl:"batch_size,optional"`
	MaxConcurrentJobs int `hcl:"max_concurrent_jobs,optional"`
	// OutboundQueue bounds messages waiting to be written per connection.
	OutboundQueue int `hcl:"outbound_queue,optional"`
}

type Analyzer struct {
	Bins      int `hcl:"bins,optional"`
	TopN      int `hcl:"top_n,optional"`
	CacheSize int `hcl:"cache_size,optional"`
}

type Proxy struct {
	MaxBufferedChunks int `hcl:"max_buffered_chunks,optional"`
}

type Transport struct {
	// MaxFrameSize of 0 disables the limit.
	MaxFrameSize int64 `hcl:"max_frame_size,optional"`
}

type Log struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

type Metrics struct {
	Addr string `hcl:"addr,optional"`
}

// fileConfig is the HCL layout. Blocks are pointers so that an absent block
// leaves the defaults alone.
type fileConfig struct {
	Socket    string     `hcl:"socket,optional"`
	DataDir   string     `hcl:"data_dir,optional"`
	Engine    *Engine    `hcl:"engine,block"`
	Executor  *Executor  `hcl:"executor,block"`
	Analyzer  *Analyzer  `hcl:"analyzer,block"`
	Proxy     *Proxy     `hcl:"proxy,block"`
	Transport *Transport `hcl:"transport,block"`
	Log       *Log       `hcl:"log,block"`
	Metrics   *Metrics   `hcl:"metrics,block"`
}

// Default returns the built-in configuration.
func Default() Config {
	dir := defaultDir()
	return Config{
		Socket:  filepath.Join(dir, "tabula.sock"),
		DataDir: dir,
		Engine: Engine{
			Driver:  DriverSQLite,
			Threads: 0,
		},
		Executor: Executor{
			BatchSize:         10000,
			MaxConcurrentJobs: 8,
			OutboundQueue:     16,
		},
		Analyzer: Analyzer{
			Bins:      20,
			TopN:      10,
			CacheSize: 64,
		},
		Proxy:     Proxy{MaxBufferedChunks: 64},
		Transport: Transport{MaxFrameSize: 1 << 30},
		Log:       Log{Level: "info", Format: "text"},
	}
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tabula")
	}
	return filepath.Join(os.TempDir(), "tabula")
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	return filepath.Join(defaultDir(), "tabula.hcl")
}

// Load builds a Config. An empty path means DefaultPath, which may be
// absent; an explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	setString(&c.Socket, fc.Socket)
	setString(&c.DataDir, fc.DataDir)
	if b := fc.Engine; b != nil {
		setString(&c.Engine.Driver, b.Driver)
		setInt(&c.Engine.Threads, b.Threads)
	}
	if b := fc.Executor; b != nil {
		setInt(&c.Executor.BatchSize, b.BatchSize)
		setInt(&c.Executor.MaxConcurrentJobs, b.MaxConcurrentJobs)
		setInt(&c.Executor.OutboundQueue, b.OutboundQueue)
	}
	if b := fc.Analyzer; b != nil {
		setInt(&c.Analyzer.Bins, b.Bins)
		setInt(&c.Analyzer.TopN, b.TopN)
		setInt(&c.Analyzer.CacheSize, b.CacheSize)
	}
	if b := fc.Proxy; b != nil {
		setInt(&c.Proxy.MaxBufferedChunks, b.MaxBufferedChunks)
	}
	if b := fc.Transport; b != nil {
		// max_frame_size = 0 is meaningful, so the block value always wins.
		c.Transport.MaxFrameSize = b.MaxFrameSize
	}
	if b := fc.Log; b != nil {
		setString(&c.Log.Level, b.Level)
		setString(&c.Log.Format, b.Format)
	}
	if b := fc.Metrics; b != nil {
		setString(&c.Metrics.Addr, b.Addr)
	}
	return nil
}

// applyEnv reads TABULA_<SECTION>_<KEY> overrides through viper.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("socket", &c.Socket)
	str("data_dir", &c.DataDir)
	str("engine.driver", &c.Engine.Driver)
	num("engine.threads", &c.Engine.Threads)
	num("executor.batch_size", &c.Executor.BatchSize)
	num("executor.max_concurrent_jobs", &c.Executor.MaxConcurrentJobs)
	num("executor.outbound_queue", &c.Executor.OutboundQueue)
	num("analyzer.bins", &c.Analyzer.Bins)
	num("analyzer.top_n", &c.Analyzer.TopN)
	num("analyzer.cache_size", &c.Analyzer.CacheSize)
	num("proxy.max_buffered_chunks", &c.Proxy.MaxBufferedChunks)
	if v.IsSet("transport.max_frame_size") {
		c.Transport.MaxFrameSize = v.GetInt64("transport.max_frame_size")
	}
	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	str("metrics.addr", &c.Metrics.Addr)
}

// Validate rejects configurations the backend cannot run with.
func (c Config) Validate() error {
	switch c.Engine.Driver {
	case DriverSQLite, DriverDuckDB:
	default:
		return fmt.Errorf("unknown engine driver %q", c.Engine.Driver)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"executor.batch_size", c.Executor.BatchSize},
		{"executor.max_concurrent_jobs", c.Executor.MaxConcurrentJobs},
		{"executor.outbound_queue", c.Executor.OutboundQueue},
		{"analyzer.bins", c.Analyzer.Bins},
		{"analyzer.top_n", c.Analyzer.TopN},
		{"analyzer.cache_size", c.Analyzer.CacheSize},
		{"proxy.max_buffered_chunks", c.Proxy.MaxBufferedChunks},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must not be negative")
	}
	if c.Transport.MaxFrameSize < 0 {
		return fmt.Errorf("transport.max_frame_size must not be negative")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// ViewsPath is the view store database inside DataDir.
func (c Config) ViewsPath() string {
	return filepath.Join(c.DataDir, "views.db")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
