package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
)

var drainFlags struct {
	wait     bool
	interval time.Duration
	deadline time.Duration
}

var drainCmd = &cobra.Command{
	Use:   "drain <backend-id>",
	Short: "Stop sending new requests to a backend",
	Long: `Mark a backend DRAINING. It receives no new sessions; requests already in
flight complete normally. The backend stays drained until undrained, even
if its health probes succeed.

With --wait the command polls the connection pool until the backend has no
connections in use.

Examples:
  carapace drain backend-1
  carapace drain backend-1 --wait --deadline 5m`,
	Args: cobra.ExactArgs(1),
	RunE: drainBackend,
}

var undrainCmd = &cobra.Command{
	Use:   "undrain <backend-id>",
	Short: "Return a drained backend to service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newAdminClient().Undrain(cmd.Context(), args[0])
		if err != nil {
			return cli.NewCommandError("undrain", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Backend %s is %s\n", b.ID, b.Health)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(drainCmd, undrainCmd)

	drainCmd.Flags().BoolVar(&drainFlags.wait, "wait", false, "wait until no connections to the backend are in use")
	drainCmd.Flags().DurationVar(&drainFlags.interval, "interval", time.Second, "poll interval for --wait")
	drainCmd.Flags().DurationVar(&drainFlags.deadline, "deadline", 10*time.Minute, "give up waiting after this long")
}

func drainBackend(cmd *cobra.Command, args []string) error {
	client := newAdminClient()
	id := args[0]

	b, err := client.Drain(cmd.Context(), id)
	if err != nil {
		return cli.NewCommandError("drain", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Backend %s is %s\n", b.ID, b.Health)

	if !drainFlags.wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), drainFlags.deadline)
	defer cancel()
	if err := waitDrained(ctx, client, id, drainFlags.interval, cli.NewProgressReporter(cmd.ErrOrStderr(), "draining "+id, "connections")); err != nil {
		return cli.NewCommandError("drain", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Backend %s has no requests in flight\n", id)
	return nil
}

// waitDrained polls pool stats until backend id has no in-use connections.
func waitDrained(ctx context.Context, client *cli.AdminClient, id string, interval time.Duration, progress cli.ProgressReporter) error {
	var initial, inUse int64 = -1, 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stillBusy := func() error {
		err := fmt.Errorf("backend %s still has %d requests in flight: %w", id, inUse, ctx.Err())
		progress.Error(err)
		return err
	}

	for {
		st, err := client.Pool(ctx)
		if err != nil {
			// The deadline may expire during a poll.
			if ctx.Err() != nil && initial >= 0 {
				return stillBusy()
			}
			progress.Error(err)
			return err
		}

		inUse = 0
		for _, b := range st.Backends {
			if b.Backend == id {
				inUse = int64(b.InUse)
			}
		}
		if initial < 0 {
			initial = inUse
			progress.Start(initial)
		}
		progress.Update(max(initial-inUse, 0))
		if inUse == 0 {
			progress.Finish()
			return nil
		}

		select {
		case <-ctx.Done():
			return stillBusy()
		case <-ticker.C:
		}
	}
}
