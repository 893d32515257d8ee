/*
Package cli provides the helpers shared by the carapace command: output
formatters, a progress reporter, signal handling, exit codes and a client
for the proxy's admin interface.

Output Formatting:

Status commands build a Table and print it in the format chosen with
--output:

	f, err := cli.ParseFormat("json")
	if err != nil {
		return err
	}
	table := &cli.Table{Headers: []string{"ID", "HEALTH"}, Rows: rows}
	return cli.NewFormatter(f).FormatTo(os.Stdout, table)

Admin Client:

	client := cli.NewAdminClient("127.0.0.1:9090", 0)
	status, err := client.Backends(ctx)

Errors returned by the admin interface are *AdminError values carrying the
HTTP status and the error code from the JSON body.

Progress Reporting:

	progress := cli.NewProgressReporter(os.Stderr, "draining", "connections")
	progress.Start(inUse)
	progress.Update(inUse - remaining)
	progress.Finish()

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
	reload, stop := cli.NotifyReload()
	defer stop()
*/
package cli
