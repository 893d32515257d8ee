package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/events"
)

var eventsFlags struct {
	kind    string
	backend string
	route   string
	since   time.Duration
	limit   int
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query recorded proxy events",
	Long: `Query the events recorded by a running proxy: completed requests, backend
health transitions and pool exhaustion. Event recording must be enabled in
the proxy configuration.

Examples:
  # Health transitions of one backend in the last hour
  carapace events --kind health_transition --backend backend-1 --since 1h

  # Last 20 requests to a route as CSV
  carapace events --kind request_outcome --route api --limit 20 --output csv`,
	Args: cobra.NoArgs,
	RunE: queryEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsFlags.kind, "kind", "", "event kind filter")
	eventsCmd.Flags().StringVar(&eventsFlags.backend, "backend", "", "backend ID filter")
	eventsCmd.Flags().StringVar(&eventsFlags.route, "route", "", "route ID filter")
	eventsCmd.Flags().DurationVar(&eventsFlags.since, "since", 0, "only events newer than this")
	eventsCmd.Flags().IntVar(&eventsFlags.limit, "limit", 100, "maximum events returned")
}

func queryEvents(cmd *cobra.Command, args []string) error {
	q := events.Query{
		Kind:    events.Kind(eventsFlags.kind),
		Backend: eventsFlags.backend,
		Route:   eventsFlags.route,
		Limit:   eventsFlags.limit,
	}
	if eventsFlags.since > 0 {
		q.Since = time.Now().Add(-eventsFlags.since)
	}

	found, err := newAdminClient().Events(cmd.Context(), q)
	if err != nil {
		return cli.NewCommandError("events", err)
	}
	return printTable(cmd, eventsTable(found))
}

func eventsTable(found []*events.Event) *cli.Table {
	t := &cli.Table{
		Headers: []string{"TIME", "KIND", "ROUTE", "BACKEND", "STATUS", "LATENCY", "DETAIL"},
		Data:    found,
	}
	for _, e := range found {
		status := ""
		if e.Status != 0 {
			status = strconv.Itoa(e.Status)
		}
		latency := ""
		if e.Latency > 0 {
			latency = e.Latency.String()
		}
		detail := e.Error
		if e.FromState != "" {
			detail = e.FromState + " -> " + e.ToState
		}
		t.Rows = append(t.Rows, []string{
			e.Timestamp.Format(time.RFC3339),
			string(e.Kind),
			e.Route,
			e.Backend,
			status,
			latency,
			detail,
		})
	}
	return t
}
