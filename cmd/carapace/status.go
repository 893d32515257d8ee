package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running proxy",
	Long: `Query the admin interface of a running proxy.

Examples:
  carapace status backends
  carapace status pool --output json
  carapace status routes --admin 10.0.0.5:8001`,
}

var statusBackendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List backends with their health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAdminClient().Backends(cmd.Context())
		if err != nil {
			return cli.NewCommandError("status backends", err)
		}
		return printTable(cmd, backendsTable(st))
	},
}

var statusPoolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show backend connection pool occupancy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAdminClient().Pool(cmd.Context())
		if err != nil {
			return cli.NewCommandError("status pool", err)
		}
		return printTable(cmd, poolTable(st))
	},
}

var statusRoutesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the active route table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAdminClient().Routes(cmd.Context())
		if err != nil {
			return cli.NewCommandError("status routes", err)
		}
		return printTable(cmd, routesTable(st))
	},
}

var statusListenersCmd = &cobra.Command{
	Use:   "listeners",
	Short: "Show open client connections per listener",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAdminClient().Listeners(cmd.Context())
		if err != nil {
			return cli.NewCommandError("status listeners", err)
		}
		return printTable(cmd, listenersTable(st))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.AddCommand(statusBackendsCmd, statusPoolCmd, statusRoutesCmd, statusListenersCmd)
}

func backendsTable(st *server.BackendsStatus) *cli.Table {
	directors := make(map[string][]string)
	for name, members := range st.Groups {
		for _, id := range members {
			directors[id] = append(directors[id], name)
		}
	}

	t := &cli.Table{
		Headers: []string{"ID", "ADDRESS", "WEIGHT", "HEALTH", "FAILURES", "CHANGED", "DIRECTORS", "LAST ERROR"},
		Data:    st,
	}
	now := time.Now()
	for _, b := range st.Backends {
		groups := directors[b.ID]
		sort.Strings(groups)
		t.Rows = append(t.Rows, []string{
			b.ID,
			b.Address(),
			strconv.Itoa(b.Weight),
			b.Health.String(),
			strconv.Itoa(b.ConsecutiveFailures),
			formatAge(b.LastChange, now),
			strings.Join(groups, ","),
			b.LastError,
		})
	}
	return t
}

func poolTable(st *pool.Stats) *cli.Table {
	t := &cli.Table{
		Headers: []string{"BACKEND", "OPEN", "IDLE", "IN USE", "WAITERS", "DIALS", "REUSES"},
		Data:    st,
	}
	for _, b := range st.Backends {
		t.Rows = append(t.Rows, []string{
			b.Backend,
			strconv.Itoa(b.Open),
			strconv.Itoa(b.Idle),
			strconv.Itoa(b.InUse),
			strconv.Itoa(b.Waiters),
			strconv.FormatInt(b.Dials, 10),
			strconv.FormatInt(b.Reuses, 10),
		})
	}
	t.Rows = append(t.Rows, []string{
		"TOTAL",
		fmt.Sprintf("%d/%d", st.Open, st.MaxTotal),
		strconv.Itoa(st.Idle),
		strconv.Itoa(st.InUse),
		strconv.Itoa(st.Waiters),
		"", "",
	})
	return t
}

func routesTable(st *server.RoutesStatus) *cli.Table {
	t := &cli.Table{
		Headers: []string{"ID", "HOST", "PATH", "ACTION", "TARGET", "TIMEOUT", "REQUESTS"},
		Data:    st,
	}
	for _, r := range st.Routes {
		host := r.Host
		if host == "" {
			host = "*"
		}
		target := r.Director
		if r.StaticStatus != 0 {
			target = strconv.Itoa(r.StaticStatus)
		}
		var requests int64
		if st.Stats != nil {
			requests = st.Stats.RequestsPerRoute[r.ID]
		}
		t.Rows = append(t.Rows, []string{
			r.ID,
			host,
			r.Path,
			r.Action,
			target,
			r.Timeout.String(),
			strconv.FormatInt(requests, 10),
		})
	}
	return t
}

func listenersTable(st []server.ListenerStatus) *cli.Table {
	t := &cli.Table{
		Headers: []string{"NAME", "ADDRESS", "TLS", "PROXY PROTOCOL", "CONNECTIONS", "SATURATED"},
		Data:    st,
	}
	for _, l := range st {
		t.Rows = append(t.Rows, []string{
			l.Name,
			l.Address,
			strconv.FormatBool(l.TLS),
			strconv.FormatBool(l.ProxyProtocol),
			fmt.Sprintf("%d/%d", l.Open, l.MaxConnections),
			strconv.FormatBool(l.Saturated),
		})
	}
	return t
}

// formatAge renders how long ago t was, or "-" for the zero time.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}
