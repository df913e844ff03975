package shell

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/tabula/internal/analyzer"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/executor"
	"github.com/agentic-research/tabula/internal/proxy"
	"github.com/agentic-research/tabula/internal/server"
	"github.com/agentic-research/tabula/internal/session"
	"github.com/agentic-research/tabula/internal/transport"
	"github.com/agentic-research/tabula/internal/viewstore"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShell(t *testing.T) (*Shell, *bytes.Buffer, string) {
	t.Helper()
	pterm.DisableStyling()
	dir := t.TempDir()
	path := filepath.Join(dir, "pets.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,legs\ncat,4\nbird,2\nsnake,\n"), 0o644))

	eng, err := engine.OpenSQLite(dir)
	require.NoError(t, err)
	views, err := viewstore.Open(filepath.Join(dir, "views.db"))
	require.NoError(t, err)
	sess := session.New(session.Config{Engine: eng, Views: views})
	an, err := analyzer.New(eng, 8, analyzer.Options{}, nil)
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{Engine: eng, Catalog: sess, Analyzer: an})
	require.NoError(t, err)
	sess.SetRunner(exec)
	srv := server.New(server.Config{Session: sess})

	local, remote, err := transport.SocketPair()
	require.NoError(t, err)
	go func() { _ = srv.ServeConn(context.Background(), remote) }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := proxy.New(ctx, local, proxy.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
		_ = sess.Close()
		_ = views.Close()
	})

	var out bytes.Buffer
	return New(client, Options{Out: &out}), &out, path
}

func TestLoadAndQuery(t *testing.T) {
	sh, out, path := newShell(t)
	ctx := context.Background()

	require.NoError(t, sh.Exec(ctx, ".load "+path))
	assert.Contains(t, out.String(), "loaded pets: 3 rows, 2 columns")
	assert.Equal(t, "tabula(pets)> ", sh.prompt())

	out.Reset()
	require.NoError(t, sh.Exec(ctx, "SELECT name, legs FROM pets ORDER BY name;"))
	s := out.String()
	assert.Contains(t, s, "bird")
	assert.Contains(t, s, "snake")
	assert.Contains(t, s, "NULL")
	assert.Contains(t, s, "(3 rows)")

	out.Reset()
	require.NoError(t, sh.Exec(ctx, ".limit 1"))
	require.NoError(t, sh.Exec(ctx, "SELECT name FROM pets"))
	assert.Contains(t, out.String(), "(first 1 rows shown")
}

func TestViewsCommands(t *testing.T) {
	sh, out, path := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, ".load "+path))
	require.NoError(t, sh.Exec(ctx, "SELECT name FROM pets WHERE legs = 4"))

	require.NoError(t, sh.Exec(ctx, ".save quadrupeds"))
	out.Reset()
	require.NoError(t, sh.Exec(ctx, ".views"))
	assert.Contains(t, out.String(), "quadrupeds")

	out.Reset()
	require.NoError(t, sh.Exec(ctx, ".view quadrupeds"))
	assert.Contains(t, out.String(), "cat")
	assert.Contains(t, out.String(), "(1 rows)")

	require.NoError(t, sh.Exec(ctx, ".delete quadrupeds"))
	err := sh.Exec(ctx, ".view quadrupeds")
	assert.True(t, errs.Is(err, errs.ViewNotFound))
}

func TestAnalyzeAndSchema(t *testing.T) {
	sh, out, path := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, ".load "+path))

	out.Reset()
	require.NoError(t, sh.Exec(ctx, ".schema"))
	assert.Contains(t, out.String(), "legs")
	assert.Contains(t, out.String(), "integer")

	out.Reset()
	require.NoError(t, sh.Exec(ctx, ".analyze legs"))
	assert.Contains(t, out.String(), "pets: 3 rows")
	assert.Contains(t, out.String(), "33.3%")
}

func TestExport(t *testing.T) {
	sh, out, path := newShell(t)
	ctx := context.Background()
	require.NoError(t, sh.Exec(ctx, ".load "+path))

	dest := filepath.Join(t.TempDir(), "legs.csv")
	require.NoError(t, sh.Exec(ctx, ".export "+dest+" SELECT legs FROM pets WHERE legs IS NOT NULL ORDER BY legs"))
	assert.Contains(t, out.String(), "wrote 2 rows")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "legs\n2\n4\n", string(data))
}

func TestCommandErrors(t *testing.T) {
	sh, _, _ := newShell(t)
	ctx := context.Background()

	assert.True(t, errs.Is(sh.Exec(ctx, ".bogus"), errs.InvalidRequest))
	assert.True(t, errs.Is(sh.Exec(ctx, ".load"), errs.InvalidRequest))
	assert.True(t, errs.Is(sh.Exec(ctx, "SELECT 1"), errs.InvalidRequest))
	assert.True(t, errs.Is(sh.Exec(ctx, ".use ghost"), errs.DatasetNotFound))
	assert.ErrorIs(t, sh.Exec(ctx, ".quit"), errQuit)
	assert.NoError(t, sh.Exec(ctx, "   "))
}

func TestComplete(t *testing.T) {
	var c completer
	c.setNames([]string{"pets", "legs", "name", "legs"})

	head, got, tail := c.complete("SEL", 3)
	assert.Equal(t, "", head)
	assert.Equal(t, []string{"SELECT"}, got)
	assert.Equal(t, "", tail)

	head, got, _ = c.complete("select * fr", 11)
	assert.Equal(t, "select * ", head)
	assert.Equal(t, []string{"from"}, got)

	_, got, _ = c.complete("select na", 9)
	assert.Equal(t, []string{"name"}, got)

	_, got, _ = c.complete("select cou", 10)
	assert.Equal(t, []string{"count("}, got)

	_, got, _ = c.complete(".lo", 3)
	assert.Equal(t, []string{".load"}, got)

	_, got, tail = c.complete("select  from pets", 7)
	assert.Empty(t, got)
	assert.Equal(t, " from pets", tail)
}
