package cmd

import (
	"fmt"

	"github.com/agentic-research/tabula/internal/jsonsel"
	"github.com/agentic-research/tabula/internal/shell"
	"github.com/spf13/cobra"
)

var viewsJSON bool

func init() {
	viewsCmd.PersistentFlags().BoolVar(&viewsJSON, "json", false, "Print JSON")
	viewsCmd.AddCommand(viewsListCmd, viewsShowCmd, viewsSaveCmd, viewsDeleteCmd)
	rootCmd.AddCommand(viewsCmd)
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Manage saved views",
}

var viewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved views",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := frontend(cmd, "views")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		views, err := client.ListViews(cmd.Context())
		if err != nil {
			return err
		}
		if viewsJSON {
			return jsonsel.Write(cmd.OutOrStdout(), views, "")
		}
		return shell.RenderViews(cmd.OutOrStdout(), views)
	},
}

var viewsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a saved view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := frontend(cmd, "views")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		v, err := client.LoadView(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if viewsJSON {
			return jsonsel.Write(cmd.OutOrStdout(), v, "")
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), v.SQL)
		return err
	},
}

var viewsSaveCmd = &cobra.Command{
	Use:   "save <name> <sql>",
	Short: "Save or replace a view",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := frontend(cmd, "views")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if err := client.SaveView(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved view %s\n", args[0])
		return err
	},
}

var viewsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := frontend(cmd, "views")
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if err := client.DeleteView(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted view %s\n", args[0])
		return err
	},
}
