package cmd

import (
	"path/filepath"

	"github.com/agentic-research/tabula/internal/shell"
	"github.com/spf13/cobra"
)

var (
	shellSpawn   bool
	shellMaxRows int
)

func init() {
	shellCmd.Flags().BoolVar(&shellSpawn, "spawn", false, "Start a private backend instead of dialing the socket")
	shellCmd.Flags().IntVar(&shellMaxRows, "max-rows", shell.DefaultMaxRows, "Rows shown per query")
	rootCmd.AddCommand(shellCmd)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive SQL prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx, "shell", shellSpawn)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		sh := shell.New(client, shell.Options{
			Out:         cmd.OutOrStdout(),
			MaxRows:     shellMaxRows,
			HistoryPath: filepath.Join(cfg.DataDir, "history"),
		})
		return sh.Run(ctx)
	},
}
