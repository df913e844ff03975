package cmd

import (
	"github.com/agentic-research/tabula/internal/agent"
	"github.com/spf13/cobra"
)

var mcpMaxRows int

func init() {
	mcpCmd.Flags().IntVar(&mcpMaxRows, "max-rows", agent.DefaultMaxRows, "Rows returned per query tool call")
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve tabula as MCP tools on stdin/stdout",
	Long: `Starts an MCP server on stdio for LLM clients. Tool calls go through a
backend spawned for this session, or the one at --socket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := frontend(cmd, "mcp")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		return agent.New(client, agent.Options{MaxRows: mcpMaxRows}).ServeStdio()
	},
}
