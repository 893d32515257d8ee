package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/config"
	"carapaceproxy/carapace/pkg/routing"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
)

var validateFlags struct {
	print bool
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file, apply defaults and environment overrides,
and check it the same way a reload does: every field is validated, route
patterns are compiled and certificate files are read.

Examples:
  # Validate the default config file
  carapace validate

  # Validate and print the effective configuration
  carapace validate --config /etc/carapace/config.yaml --print`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateFlags.print, "print", false, "print the effective configuration with defaults applied")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) {
			for _, fe := range verr.Errors {
				fmt.Fprintf(out, "✗ %s: %s\n", fe.Field, fe.Message)
			}
			return cli.NewConfigError("", fmt.Sprintf("%d validation errors in %s", len(verr.Errors), cfgFile))
		}
		return cli.NewConfigError("", err.Error())
	}

	table, err := routing.BuildTable(cfg)
	if err != nil {
		return cli.NewConfigError("routes", err.Error())
	}
	if _, err := tlsstore.NewStore(cfg.Certificates); err != nil {
		return cli.NewConfigError("certificates", err.Error())
	}

	if validateFlags.print {
		data, err := config.Marshal(cfg)
		if err != nil {
			return cli.NewCommandError("validate", err)
		}
		_, err = out.Write(data)
		return err
	}

	fmt.Fprintf(out, "✓ Configuration valid: %s\n", cfgFile)
	fmt.Fprintf(out, "  listeners: %d\n", len(cfg.Listeners))
	fmt.Fprintf(out, "  backends: %d\n", len(cfg.Backends))
	fmt.Fprintf(out, "  directors: %d\n", len(cfg.Directors))
	fmt.Fprintf(out, "  routes: %d\n", table.Len())
	fmt.Fprintf(out, "  strategy: %s\n", cfg.Balancer.Strategy)
	return nil
}
