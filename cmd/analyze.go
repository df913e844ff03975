package cmd

import (
	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/jsonsel"
	"github.com/agentic-research/tabula/internal/shell"
	"github.com/spf13/cobra"
)

var (
	analyzeBins   int
	analyzeTopN   int
	analyzeSelect string
	analyzeJSON   bool
)

func init() {
	analyzeCmd.Flags().IntVar(&analyzeBins, "bins", 0, "Histogram bins (default from config)")
	analyzeCmd.Flags().IntVar(&analyzeTopN, "top", 0, "Most frequent values per column (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeSelect, "select", "", "JSONPath applied to the JSON report")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the full report as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file> [columns...]",
	Short: "Summary statistics for the columns of a CSV file",
	Example: `  tabula analyze sales.csv
  tabula analyze sales.csv amount --select '$.columns[0].numeric.median'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := frontend(cmd, "analyze")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		ds, err := client.LoadDataset(ctx, args[0], "")
		if err != nil {
			return err
		}
		report, err := client.RunAnalysis(ctx, api.RunAnalysis{
			DatasetID: ds.ID,
			Columns:   args[1:],
			Bins:      analyzeBins,
			TopN:      analyzeTopN,
		})
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if analyzeJSON || analyzeSelect != "" {
			return jsonsel.Write(w, report, analyzeSelect)
		}
		return shell.RenderReport(w, report)
	},
}
