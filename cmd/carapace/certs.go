package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/config"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
)

var certsFlags struct {
	local bool
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "List TLS certificates",
	Long: `List the certificates served by a running proxy, with their subjects and
expiry. With --local the certificate files named in the config file are
loaded and inspected directly.

Examples:
  carapace certs
  carapace certs --local --config /etc/carapace/config.yaml`,
	Args: cobra.NoArgs,
	RunE: listCertificates,
}

func init() {
	rootCmd.AddCommand(certsCmd)

	certsCmd.Flags().BoolVar(&certsFlags.local, "local", false, "inspect certificate files from the config file instead of a running proxy")
}

func listCertificates(cmd *cobra.Command, args []string) error {
	var certs []tlsstore.CertificateInfo
	if certsFlags.local {
		cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
		if err != nil {
			return cli.NewConfigError("", err.Error())
		}
		store, err := tlsstore.NewStore(cfg.Certificates)
		if err != nil {
			return cli.NewConfigError("certificates", err.Error())
		}
		certs = store.Certificates()
	} else {
		var err error
		certs, err = newAdminClient().Certificates(cmd.Context())
		if err != nil {
			return cli.NewCommandError("certs", err)
		}
	}
	return printTable(cmd, certificatesTable(certs))
}

func certificatesTable(certs []tlsstore.CertificateInfo) *cli.Table {
	t := &cli.Table{
		Headers: []string{"HOSTNAME", "SUBJECT", "ISSUER", "NOT AFTER", "DAYS LEFT", "FILE"},
		Data:    certs,
	}
	for _, c := range certs {
		days := strconv.Itoa(c.ExpiresInDays)
		if c.Error != "" {
			days = c.Error
		}
		t.Rows = append(t.Rows, []string{
			c.Hostname,
			c.Subject,
			c.Issuer,
			c.NotAfter.Format("2006-01-02"),
			days,
			c.CertFile,
		})
	}
	return t
}
