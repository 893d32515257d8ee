package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/config"
)

var (
	// Global flags
	cfgFile      string
	verbose      bool
	adminAddr    string
	outputFormat string
	adminTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "carapace",
	Short: "Carapace - TLS-terminating HTTP reverse proxy",
	Long: `Carapace terminates TLS for many hostnames and forwards HTTP requests to
pools of backend servers.

Each request is matched against an ordered route table. Proxy routes pick a
healthy backend from their director using the configured balancing strategy,
fail over to another backend when one cannot be reached, and reuse pooled
backend connections. Backends are probed in the background and can be
drained by an operator without dropping in-flight requests.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the code for its error.
func Execute() {
	ctx, stop := cli.SetupSignalHandler()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin interface address (default: admin.listen_address from the config file)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, csv")
	rootCmd.PersistentFlags().DurationVar(&adminTimeout, "timeout", cli.DefaultAdminTimeout, "admin request timeout")
}

// newAdminClient resolves the admin address from --admin, the config file,
// or the default, in that order.
func newAdminClient() *cli.AdminClient {
	addr := adminAddr
	if addr == "" {
		addr = config.DefaultAdminListenAddress
		if cfg, err := config.LoadConfigWithEnvOverrides(cfgFile); err == nil {
			addr = cfg.Admin.ListenAddress
		}
	}
	return cli.NewAdminClient(addr, adminTimeout)
}

// printTable writes t to the command's output in the --output format.
func printTable(cmd *cobra.Command, t *cli.Table) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), t)
}
