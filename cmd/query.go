package cmd

import (
	"fmt"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/jsonsel"
	"github.com/agentic-research/tabula/internal/shell"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	queryLimit  int
	queryName   string
	querySelect string
	queryJSON   bool
)

func init() {
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Stop after this many rows (0 reads everything)")
	queryCmd.Flags().StringVar(&queryName, "name", "", "Table name for the file (default: file stem)")
	queryCmd.Flags().StringVar(&querySelect, "select", "", "JSONPath applied to the JSON result")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(queryCmd)
}

// queryOutput is the JSON form of a query result.
type queryOutput struct {
	Dataset   string    `json:"dataset"`
	Columns   []string  `json:"columns"`
	Rows      []api.Row `json:"rows"`
	Truncated bool      `json:"truncated,omitempty"`
}

var queryCmd = &cobra.Command{
	Use:   "query <file> <sql>",
	Short: "Load a CSV file and run one SQL statement against it",
	Example: `  tabula query sales.csv "SELECT region, sum(amount) FROM sales GROUP BY 1"
  tabula query sales.csv "SELECT * FROM sales" --limit 5 --select '$.rows[*][0]'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := frontend(cmd, "query")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		ds, err := client.LoadDataset(ctx, args[0], queryName)
		if err != nil {
			return err
		}
		stream, err := client.RunQuery(ctx, ds.ID, args[1], 0)
		if err != nil {
			return err
		}
		defer func() { _ = stream.Close() }()

		limit := 0
		if queryLimit > 0 {
			limit = queryLimit + 1
		}
		rows, err := stream.Collect(ctx, limit)
		if err != nil {
			return err
		}
		out := queryOutput{Dataset: ds.ID, Columns: stream.Columns(), Rows: rows}
		if queryLimit > 0 && len(rows) > queryLimit {
			out.Rows = rows[:queryLimit]
			out.Truncated = true
		}
		if out.Rows == nil {
			out.Rows = []api.Row{}
		}

		w := cmd.OutOrStdout()
		if queryJSON || querySelect != "" {
			return jsonsel.Write(w, out, querySelect)
		}
		if err := shell.RenderRows(w, out.Columns, out.Rows); err != nil {
			return err
		}
		if out.Truncated {
			fmt.Fprintf(w, "(first %s rows shown)\n", humanize.Comma(int64(queryLimit)))
		} else {
			fmt.Fprintf(w, "(%s rows)\n", humanize.Comma(int64(len(out.Rows))))
		}
		return nil
	},
}
