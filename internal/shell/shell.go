// Package shell is an interactive SQL prompt over a backend connection.
// Every action goes through the proxy; the shell never opens a dataset
// itself.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/proxy"
	"github.com/agentic-research/tabula/internal/sqlref"
	"github.com/dustin/go-humanize"
	"github.com/peterh/liner"
	"github.com/pterm/pterm"
)

const DefaultMaxRows = 50

type Options struct {
	Out io.Writer
	// MaxRows caps the rows rendered per query.
	MaxRows     int
	HistoryPath string
}

type Shell struct {
	client  *proxy.Client
	out     io.Writer
	maxRows int
	history string

	current string
	lastSQL string
	comp    completer
}

func New(client *proxy.Client, opts Options) *Shell {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	return &Shell{client: client, out: opts.Out, maxRows: opts.MaxRows, history: opts.HistoryPath}
}

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

// Run reads lines until EOF, .quit or a lost connection.
func (s *Shell) Run(ctx context.Context) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)
	line.SetWordCompleter(s.comp.complete)

	if s.history != "" {
		if f, err := os.Open(s.history); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
		defer s.saveHistory(line)
	}
	s.refreshNames(ctx)
	pterm.Info.WithWriter(s.out).Println("connected to " + s.client.Peer().Name + "; .help for commands")

	for {
		input, err := line.Prompt(s.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		err = s.Exec(ctx, input)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			s.printErr(err)
		}
		select {
		case <-s.client.Done():
			return s.client.Err()
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (s *Shell) saveHistory(line *liner.State) {
	f, err := os.Create(s.history)
	if err != nil {
		return
	}
	_, _ = line.WriteHistory(f)
	_ = f.Close()
}

func (s *Shell) prompt() string {
	if s.current == "" {
		return "tabula> "
	}
	return "tabula(" + s.current + ")> "
}

func (s *Shell) printErr(err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind != "" {
		msg = string(kind) + ": " + errs.Message(err)
	}
	pterm.Error.WithWriter(s.out).Println(msg)
}

// Exec runs one line: a dot command or a SQL query against the current
// dataset.
func (s *Shell) Exec(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, ".") {
		return s.query(ctx, strings.TrimSuffix(input, ";"))
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	switch cmd {
	case ".quit", ".exit":
		return errQuit
	case ".help":
		s.help()
		return nil
	case ".load":
		if len(args) == 0 {
			return usage(".load <path> [name]")
		}
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		return s.load(ctx, args[0], name)
	case ".unload":
		if len(args) != 1 {
			return usage(".unload <dataset>")
		}
		if err := s.client.UnloadDataset(ctx, args[0]); err != nil {
			return err
		}
		if strings.EqualFold(s.current, args[0]) {
			s.current = ""
		}
		s.refreshNames(ctx)
		s.success("unloaded " + args[0])
		return nil
	case ".datasets":
		return s.datasets(ctx)
	case ".use":
		if len(args) != 1 {
			return usage(".use <dataset>")
		}
		return s.use(ctx, args[0])
	case ".schema":
		id := s.current
		if len(args) > 0 {
			id = args[0]
		}
		return s.schema(ctx, id)
	case ".analyze":
		return s.analyze(ctx, args)
	case ".export":
		if len(args) == 0 {
			return usage(".export <path> [sql]")
		}
		sql := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		return s.export(ctx, args[0], sql)
	case ".views":
		return s.views(ctx)
	case ".save":
		if len(args) == 0 {
			return usage(".save <name> [sql]")
		}
		sql := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		if sql == "" {
			sql = s.lastSQL
		}
		if sql == "" {
			return usage(".save <name> <sql> (no previous query)")
		}
		if err := s.client.SaveView(ctx, args[0], sql); err != nil {
			return err
		}
		s.success("saved view " + args[0])
		return nil
	case ".view":
		if len(args) != 1 {
			return usage(".view <name>")
		}
		v, err := s.client.LoadView(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, v.SQL)
		return s.query(ctx, v.SQL)
	case ".delete":
		if len(args) != 1 {
			return usage(".delete <view>")
		}
		if err := s.client.DeleteView(ctx, args[0]); err != nil {
			return err
		}
		s.success("deleted view " + args[0])
		return nil
	case ".recent":
		paths, err := s.client.ListRecent(ctx)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(s.out, p)
		}
		return nil
	case ".limit":
		if len(args) != 1 {
			return usage(".limit <rows>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usage(".limit <rows>")
		}
		s.maxRows = n
		return nil
	default:
		return errs.Newf(errs.InvalidRequest, "unknown command %s (.help lists them)", cmd)
	}
}

func usage(u string) error { return errs.New(errs.InvalidRequest, "usage: "+u) }

func (s *Shell) success(msg string) {
	pterm.Success.WithWriter(s.out).Println(msg)
}

func (s *Shell) help() {
	data := pterm.TableData{
		{"command", "does"},
		{".load <path> [name]", "load a CSV file and make it current"},
		{".unload <dataset>", "drop a dataset"},
		{".datasets", "list loaded datasets"},
		{".use <dataset>", "switch the current dataset"},
		{".schema [dataset]", "show columns and types"},
		{".analyze [columns...]", "column statistics of the current dataset"},
		{".export <path> [sql]", "write a query result (default: last query) to CSV"},
		{".views", "list saved views"},
		{".save <name> [sql]", "save a view (default: last query)"},
		{".view <name>", "run a saved view"},
		{".delete <name>", "delete a saved view"},
		{".recent", "recently opened files"},
		{".limit <rows>", "rows shown per query"},
		{".quit", "leave"},
	}
	_ = s.table(data)
	fmt.Fprintln(s.out, "anything else is SQL run against the current dataset")
}

func (s *Shell) table(data pterm.TableData) error {
	return renderTable(s.out, data)
}

func (s *Shell) load(ctx context.Context, path, name string) error {
	ds, err := s.client.LoadDataset(ctx, path, name)
	if err != nil {
		return err
	}
	s.current = ds.ID
	s.refreshNames(ctx)
	s.success(fmt.Sprintf("loaded %s: %s rows, %d columns (%s)", ds.ID,
		humanize.Comma(ds.RowCountEstimate), len(ds.Schema), humanize.Bytes(uint64(ds.FileSize))))
	return nil
}

func (s *Shell) use(ctx context.Context, id string) error {
	all, err := s.client.ListDatasets(ctx)
	if err != nil {
		return err
	}
	for _, ds := range all {
		if strings.EqualFold(ds.ID, id) {
			s.current = ds.ID
			return nil
		}
	}
	return errs.Newf(errs.DatasetNotFound, "dataset %q not found", id)
}

// dataset resolves the current dataset, defaulting to the only one loaded.
func (s *Shell) dataset(ctx context.Context) (string, error) {
	if s.current != "" {
		return s.current, nil
	}
	all, err := s.client.ListDatasets(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 1 {
		s.current = all[0].ID
		return s.current, nil
	}
	return "", errs.New(errs.InvalidRequest, "no current dataset; .load a file or .use one")
}

func (s *Shell) refreshNames(ctx context.Context) {
	all, err := s.client.ListDatasets(ctx)
	if err != nil {
		return
	}
	var names []string
	for _, ds := range all {
		names = append(names, ds.ID)
		for _, c := range ds.Schema {
			names = append(names, c.Name)
		}
	}
	s.comp.setNames(names)
}

func (s *Shell) query(ctx context.Context, sql string) error {
	id, err := s.dataset(ctx)
	if err != nil {
		return err
	}
	var syn *sqlref.SyntaxError
	if err := sqlref.Check(ctx, sql); errors.As(err, &syn) {
		pterm.Warning.WithWriter(s.out).Println("possible " + syn.Error())
	}

	stream, err := s.client.RunQuery(ctx, id, sql, 0)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	rows, err := stream.Collect(ctx, s.maxRows+1)
	if err != nil {
		return err
	}
	s.lastSQL = sql

	truncated := len(rows) > s.maxRows
	if truncated {
		rows = rows[:s.maxRows]
	}
	if err := RenderRows(s.out, stream.Columns(), rows); err != nil {
		return err
	}
	if truncated {
		fmt.Fprintf(s.out, "(first %s rows shown, .limit to change)\n", humanize.Comma(int64(s.maxRows)))
	} else {
		fmt.Fprintf(s.out, "(%s rows)\n", humanize.Comma(int64(len(rows))))
	}
	return nil
}

func (s *Shell) datasets(ctx context.Context) error {
	all, err := s.client.ListDatasets(ctx)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"id", "rows", "columns", "size", "state", "source"}}
	for _, ds := range all {
		data = append(data, []string{
			ds.ID,
			humanize.Comma(ds.RowCountEstimate),
			strconv.Itoa(len(ds.Schema)),
			humanize.Bytes(uint64(ds.FileSize)),
			string(ds.LoadState),
			ds.SourcePath,
		})
	}
	return s.table(data)
}

func (s *Shell) schema(ctx context.Context, id string) error {
	if id == "" {
		var err error
		if id, err = s.dataset(ctx); err != nil {
			return err
		}
	}
	all, err := s.client.ListDatasets(ctx)
	if err != nil {
		return err
	}
	for _, ds := range all {
		if !strings.EqualFold(ds.ID, id) {
			continue
		}
		data := pterm.TableData{{"column", "type", "engine type"}}
		for _, c := range ds.Schema {
			data = append(data, []string{c.Name, string(c.Type), c.EngineType})
		}
		return s.table(data)
	}
	return errs.Newf(errs.DatasetNotFound, "dataset %q not found", id)
}

func (s *Shell) analyze(ctx context.Context, columns []string) error {
	id, err := s.dataset(ctx)
	if err != nil {
		return err
	}
	r, err := s.client.RunAnalysis(ctx, api.RunAnalysis{DatasetID: id, Columns: columns})
	if err != nil {
		return err
	}
	return RenderReport(s.out, r)
}

func (s *Shell) export(ctx context.Context, path, sql string) error {
	id, err := s.dataset(ctx)
	if err != nil {
		return err
	}
	if sql == "" {
		sql = s.lastSQL
	}
	if sql == "" {
		return usage(".export <path> <sql> (no previous query)")
	}
	n, err := s.client.Export(ctx, api.Export{DatasetID: id, SQL: sql, OutputPath: path})
	if err != nil {
		return err
	}
	s.success(fmt.Sprintf("wrote %s rows to %s", humanize.Comma(n), path))
	return nil
}

func (s *Shell) views(ctx context.Context) error {
	views, err := s.client.ListViews(ctx)
	if err != nil {
		return err
	}
	return RenderViews(s.out, views)
}
