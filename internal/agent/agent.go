// Package agent exposes a frontend proxy as MCP tools so that an LLM client
// can load datasets, run queries and read analysis reports over stdio.
package agent

import (
	"context"
	"fmt"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/jsonsel"
	"github.com/agentic-research/tabula/internal/proxy"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	Name    = "tabula"
	Version = "0.1.0"

	// DefaultMaxRows caps the rows a query tool call returns.
	DefaultMaxRows = 200
)

type Options struct {
	// MaxRows caps rows per query result; the stream is cancelled past it.
	MaxRows int
}

// Server is the MCP tool server. Every tool is a thin call on the proxy.
type Server struct {
	client  *proxy.Client
	maxRows int
	mcp     *server.MCPServer
}

// QueryResult is the payload of query, and of load_view given a dataset_id.
type QueryResult struct {
	JobID     uint64    `json:"job_id"`
	Columns   []string  `json:"columns"`
	Rows      []api.Row `json:"rows"`
	Truncated bool      `json:"truncated,omitempty"`
}

func New(client *proxy.Client, opts Options) *Server {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	s := &Server{
		client:  client,
		maxRows: opts.MaxRows,
		mcp:     server.NewMCPServer(Name, Version, server.WithToolCapabilities(false)),
	}
	s.register()
	return s
}

// MCP returns the underlying server, for transports other than stdio.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving MCP on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("load_dataset",
		mcp.WithDescription("Load a CSV file as a queryable dataset. The dataset id is its SQL table name."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the CSV file")),
		mcp.WithString("name", mcp.Description("Table name; defaults to the file stem")),
	), s.handleLoad)

	s.mcp.AddTool(mcp.NewTool("list_datasets",
		mcp.WithDescription("List loaded datasets with their schemas"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListDatasets)

	s.mcp.AddTool(mcp.NewTool("unload_dataset",
		mcp.WithDescription("Drop a loaded dataset"),
		mcp.WithString("dataset_id", mcp.Required()),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleUnload)

	s.mcp.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Run SQL against a loaded dataset and return the first rows"),
		mcp.WithString("dataset_id", mcp.Required()),
		mcp.WithString("sql", mcp.Required(), mcp.Description("SELECT statement; reference the dataset by its id")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return"), mcp.Min(1)),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleQuery)

	s.mcp.AddTool(mcp.NewTool("analyze",
		mcp.WithDescription("Compute per-column summary statistics for a dataset"),
		mcp.WithString("dataset_id", mcp.Required()),
		mcp.WithArray("columns", mcp.Description("Columns to analyze; all when omitted"), mcp.WithStringItems()),
		mcp.WithNumber("bins", mcp.Description("Histogram bins for numeric columns"), mcp.Min(1)),
		mcp.WithNumber("top_n", mcp.Description("Most frequent values per column"), mcp.Min(1)),
		mcp.WithBoolean("refresh", mcp.Description("Bypass the report cache")),
		mcp.WithString("select", mcp.Description("JSONPath applied to the report, e.g. $.columns[*].name")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleAnalyze)

	s.mcp.AddTool(mcp.NewTool("export",
		mcp.WithDescription("Write the result of SQL to a CSV file"),
		mcp.WithString("dataset_id", mcp.Required()),
		mcp.WithString("sql", mcp.Required()),
		mcp.WithString("output_path", mcp.Required()),
	), s.handleExport)

	s.mcp.AddTool(mcp.NewTool("save_view",
		mcp.WithDescription("Save a named SQL view, replacing any view of the same name"),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("sql", mcp.Required()),
		mcp.WithIdempotentHintAnnotation(true),
	), s.handleSaveView)

	s.mcp.AddTool(mcp.NewTool("list_views",
		mcp.WithDescription("List saved views"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListViews)

	s.mcp.AddTool(mcp.NewTool("load_view",
		mcp.WithDescription("Show a saved view, optionally running it against a dataset"),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("dataset_id", mcp.Description("Run the view's SQL against this dataset")),
		mcp.WithNumber("limit", mcp.Min(1)),
	), s.handleLoadView)

	s.mcp.AddTool(mcp.NewTool("delete_view",
		mcp.WithDescription("Delete a saved view"),
		mcp.WithString("name", mcp.Required()),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleDeleteView)

	s.mcp.AddTool(mcp.NewTool("list_recent",
		mcp.WithDescription("List recently opened files, newest first"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListRecent)
}

// toolError turns a scoped failure into a tool result the model can read.
// Only a dead backend is returned as a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	if errs.Is(err, errs.ConnectionLost) {
		return nil, err
	}
	kind := errs.KindOf(err)
	if kind == "" {
		return mcp.NewToolResultError(errs.Message(err)), nil
	}
	return mcp.NewToolResultErrorf("%s: %s", kind, errs.Message(err)), nil
}

func (s *Server) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ds, err := s.client.LoadDataset(ctx, path, req.GetString("name", ""))
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultJSON(ds)
}

func (s *Server) handleListDatasets(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.client.ListDatasets(ctx)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultJSON(api.Datasets{Datasets: list})
}

func (s *Server) handleUnload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("dataset_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.client.UnloadDataset(ctx, id); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("unloaded " + id), nil
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("dataset_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sql, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.query(ctx, id, sql, req.GetInt("limit", s.maxRows))
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultJSON(res)
}

func (s *Server) query(ctx context.Context, datasetID, sql string, limit int) (QueryResult, error) {
	if limit <= 0 || limit > s.maxRows {
		limit = s.maxRows
	}
	stream, err := s.client.RunQuery(ctx, datasetID, sql, 0)
	if err != nil {
		return QueryResult{}, err
	}
	defer func() { _ = stream.Close() }()

	rows, err := stream.Collect(ctx, limit+1)
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{JobID: stream.JobID(), Columns: stream.Columns(), Rows: rows}
	if len(rows) > limit {
		res.Rows = rows[:limit]
		res.Truncated = true
	}
	if res.Rows == nil {
		res.Rows = []api.Row{}
	}
	return res, nil
}

func (s *Server) handleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("dataset_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := s.client.RunAnalysis(ctx, api.RunAnalysis{
		DatasetID: id,
		Columns:   req.GetStringSlice("columns", nil),
		Bins:      req.GetInt("bins", 0),
		TopN:      req.GetInt("top_n", 0),
		Refresh:   req.GetBool("refresh", false),
	})
	if err != nil {
		return toolError(err)
	}

	sel := req.GetString("select", "")
	if sel == "" {
		return mcp.NewToolResultJSON(report)
	}
	matches, err := jsonsel.Select(report, sel)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("select", err), nil
	}
	return mcp.NewToolResultJSON(matches)
}

func (s *Server) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var body api.Export
	if err := req.BindArguments(&body); err != nil {
		return mcp.NewToolResultErrorFromErr("arguments", err), nil
	}
	if body.DatasetID == "" || body.SQL == "" || body.OutputPath == "" {
		return mcp.NewToolResultError("dataset_id, sql and output_path are required"), nil
	}
	n, err := s.client.Export(ctx, body)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d rows to %s", n, body.OutputPath)), nil
}

func (s *Server) handleSaveView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sql, err := req.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.client.SaveView(ctx, name, sql); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("saved view " + name), nil
}

func (s *Server) handleListViews(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views, err := s.client.ListViews(ctx)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultJSON(api.Views{Views: views})
}

// viewResult is load_view's payload; Result is set when the view was run.
type viewResult struct {
	View   api.View     `json:"view"`
	Result *QueryResult `json:"result,omitempty"`
}

func (s *Server) handleLoadView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.client.LoadView(ctx, name)
	if err != nil {
		return toolError(err)
	}
	out := viewResult{View: v}
	if id := req.GetString("dataset_id", ""); id != "" {
		res, err := s.query(ctx, id, v.SQL, req.GetInt("limit", s.maxRows))
		if err != nil {
			return toolError(err)
		}
		out.Result = &res
	}
	return mcp.NewToolResultJSON(out)
}

func (s *Server) handleDeleteView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.client.DeleteView(ctx, name); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("deleted view " + name), nil
}

func (s *Server) handleListRecent(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := s.client.ListRecent(ctx)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultJSON(api.Recent{Paths: paths})
}
