package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make a running proxy re-read its configuration",
	Long: `Ask a running proxy to reload its configuration file. The new
configuration is validated first; if it is rejected the proxy keeps running
with the previous one and the validation error is printed.

Sending SIGHUP to the proxy process has the same effect.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAdminClient().Reload(cmd.Context()); err != nil {
			return cli.NewCommandError("reload", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration reloaded")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
