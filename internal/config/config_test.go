package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tabula.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Executor.BatchSize)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrentJobs)
	assert.Equal(t, 20, cfg.Analyzer.Bins)
	assert.Equal(t, 10, cfg.Analyzer.TopN)
	assert.Equal(t, int64(1<<30), cfg.Transport.MaxFrameSize)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
data_dir = "/var/lib/tabula"

engine {
  driver = "duckdb"
  threads = 4
}

executor {
  batch_size = 500
}

transport {
  max_frame_size = 0
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tabula", cfg.DataDir)
	assert.Equal(t, DriverDuckDB, cfg.Engine.Driver)
	assert.Equal(t, 4, cfg.Engine.Threads)
	assert.Equal(t, 500, cfg.Executor.BatchSize)
	// untouched fields keep their defaults
	assert.Equal(t, 8, cfg.Executor.MaxConcurrentJobs)
	assert.Equal(t, int64(0), cfg.Transport.MaxFrameSize)
	assert.Equal(t, "/var/lib/tabula/views.db", cfg.ViewsPath())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}

func TestLoadBadHCL(t *testing.T) {
	path := writeFile(t, `executor { batch_size = "many" `)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
executor {
  batch_size = 500
}
`)
	t.Setenv("TABULA_EXECUTOR_BATCH_SIZE", "250")
	t.Setenv("TABULA_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Executor.BatchSize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.Driver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "unknown engine driver")

	cfg = Default()
	cfg.Executor.BatchSize = 0
	assert.ErrorContains(t, cfg.Validate(), "executor.batch_size")

	cfg = Default()
	cfg.Transport.MaxFrameSize = -1
	assert.Error(t, cfg.Validate())
}
