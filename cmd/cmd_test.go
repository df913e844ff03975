package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentic-research/tabula/internal/config"
	"github.com/agentic-research/tabula/internal/logging"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	config string
	socket string
	csv    string
}

// startBackend runs the serve wiring on a unix socket in a temp dir.
func startBackend(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		config: filepath.Join(dir, "tabula.hcl"),
		socket: filepath.Join(dir, "t.sock"),
		csv:    filepath.Join(dir, "cities.csv"),
	}
	hcl := fmt.Sprintf("data_dir = %q\nsocket = %q\n\nexecutor {\n  batch_size = 2\n}\n", dir, f.socket)
	require.NoError(t, os.WriteFile(f.config, []byte(hcl), 0o644))
	require.NoError(t, os.WriteFile(f.csv, []byte("city,temp\noslo,3\nlima,19\nrome,\n"), 0o644))

	c, err := config.Load(f.config)
	require.NoError(t, err)
	logger = logging.Discard()
	b, err := newBackend(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.listen(ctx, c.Socket) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Close()
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(f.socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return f
}

// run executes the CLI against the fixture's backend and returns stdout.
func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	queryLimit, queryName, querySelect, queryJSON = 0, "", "", false
	analyzeBins, analyzeTopN, analyzeSelect, analyzeJSON = 0, 0, "", false
	viewsJSON = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", f.config, "--socket", f.socket, "--log-level", "error"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	setContext(rootCmd, ctx)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// setContext replaces the context cobra keeps on every command after a
// previous Execute.
func setContext(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(sub, ctx)
	}
}

func TestQueryJSON(t *testing.T) {
	f := startBackend(t)
	out, err := f.run(t, "query", f.csv, "SELECT city, temp FROM cities ORDER BY city", "--json")
	require.NoError(t, err)

	var res queryOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "cities", res.Dataset)
	assert.Equal(t, []string{"city", "temp"}, res.Columns)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "lima", res.Rows[0][0])
	assert.Nil(t, res.Rows[2][1])
	assert.False(t, res.Truncated)
}

func TestQuerySelectAndLimit(t *testing.T) {
	f := startBackend(t)
	out, err := f.run(t, "query", f.csv, "SELECT city FROM cities ORDER BY city", "--limit", "2", "--select", "$.rows[*][0]")
	require.NoError(t, err)

	var cities []string
	require.NoError(t, json.Unmarshal([]byte(out), &cities))
	assert.Equal(t, []string{"lima", "oslo"}, cities)
}

func TestQueryTable(t *testing.T) {
	f := startBackend(t)
	out, err := f.run(t, "query", f.csv, "SELECT city FROM cities")
	require.NoError(t, err)
	assert.Contains(t, out, "oslo")
	assert.Contains(t, out, "(3 rows)")
}

func TestQueryError(t *testing.T) {
	f := startBackend(t)
	_, err := f.run(t, "query", f.csv, "SELECT nope FROM cities")
	require.Error(t, err)

	_, err = f.run(t, "query", filepath.Join(filepath.Dir(f.csv), "missing.csv"), "SELECT 1")
	require.Error(t, err)
}

func TestAnalyzeSelect(t *testing.T) {
	f := startBackend(t)
	out, err := f.run(t, "analyze", f.csv, "temp", "--select", "$.row_count")
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	out, err = f.run(t, "analyze", f.csv)
	require.NoError(t, err)
	assert.Contains(t, out, "cities: 3 rows, 2 columns")
}

func TestViewsCommands(t *testing.T) {
	f := startBackend(t)

	out, err := f.run(t, "views", "save", "warm", "SELECT city FROM cities WHERE temp > 10")
	require.NoError(t, err)
	assert.Equal(t, "saved view warm\n", out)

	out, err = f.run(t, "views", "list", "--json")
	require.NoError(t, err)
	var list []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "warm", list[0].Name)

	out, err = f.run(t, "views", "show", "warm")
	require.NoError(t, err)
	assert.Equal(t, "SELECT city FROM cities WHERE temp > 10\n", out)

	_, err = f.run(t, "views", "delete", "warm")
	require.NoError(t, err)
	_, err = f.run(t, "views", "show", "warm")
	require.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte("engine {\n  driver = \"nope\"\n}\n"), 0o644))

	rootCmd.SetArgs([]string{"--config", path, "views", "list"})
	rootCmd.SetOut(&bytes.Buffer{})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine driver")
}
