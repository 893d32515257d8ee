package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/events"
)

func newAdminStub(t *testing.T) (*AdminClient, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/backends", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"backends":[{"id":"a","host":"127.0.0.1","port":8080,"weight":1,"health":"DRAINING"}],"groups":{"api":["a"]},"counts":{"DRAINING":1}}`))
	})
	mux.HandleFunc("GET /status/pool", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"open":3,"idle":1,"in_use":2,"max_total":100,"backends":[{"backend":"a","open":3,"in_use":2}]}`))
	})
	mux.HandleFunc("GET /status/listeners", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listeners":[{"name":"main","address":"127.0.0.1:8080","open":2,"max_connections":10}]}`))
	})
	mux.HandleFunc("POST /backends/{id}/drain", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"unknown backend","type":"not_found","code":"unknown_backend"}}`))
			return
		}
		w.Write([]byte(`{"id":"a","health":"DRAINING"}`))
	})
	mux.HandleFunc("POST /reload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte("plain failure"))
	})
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.RawQuery)
		w.Write([]byte(`{"events":[{"id":"e1","kind":"health_transition","backend":"a"}],"count":1}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewAdminClient(strings.TrimPrefix(srv.URL, "http://"), time.Second), &seen
}

func TestAdminClientStatus(t *testing.T) {
	c, _ := newAdminStub(t)
	ctx := context.Background()

	st, err := c.Backends(ctx)
	if err != nil {
		t.Fatalf("Backends() error = %v", err)
	}
	if len(st.Backends) != 1 || st.Backends[0].Health != backends.StateDraining {
		t.Errorf("Backends() = %+v", st.Backends)
	}
	if st.Counts["DRAINING"] != 1 || len(st.Groups["api"]) != 1 {
		t.Errorf("counts = %v, groups = %v", st.Counts, st.Groups)
	}

	ps, err := c.Pool(ctx)
	if err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	if ps.Open != 3 || ps.InUse != 2 || len(ps.Backends) != 1 {
		t.Errorf("Pool() = %+v", ps)
	}

	ls, err := c.Listeners(ctx)
	if err != nil {
		t.Fatalf("Listeners() error = %v", err)
	}
	if len(ls) != 1 || ls[0].Name != "main" || ls[0].Open != 2 || ls[0].MaxConnections != 10 {
		t.Errorf("Listeners() = %+v", ls)
	}
}

func TestAdminClientErrors(t *testing.T) {
	c, _ := newAdminStub(t)
	ctx := context.Background()

	b, err := c.Drain(ctx, "a")
	if err != nil {
		t.Fatalf("Drain(a) error = %v", err)
	}
	if b.Health != backends.StateDraining {
		t.Errorf("Drain(a) health = %v", b.Health)
	}

	_, err = c.Drain(ctx, "missing")
	var adminErr *AdminError
	if !errors.As(err, &adminErr) {
		t.Fatalf("Drain(missing) error = %v, want *AdminError", err)
	}
	if adminErr.Status != http.StatusNotFound || adminErr.Code != "unknown_backend" {
		t.Errorf("AdminError = %+v", adminErr)
	}

	err = c.Reload(ctx)
	if !errors.As(err, &adminErr) {
		t.Fatalf("Reload() error = %v, want *AdminError", err)
	}
	if adminErr.Status != http.StatusNotImplemented || adminErr.Message != "plain failure" {
		t.Errorf("AdminError = %+v", adminErr)
	}
	if got := ExitCode(err); got != ExitError {
		t.Errorf("ExitCode() = %d, want %d", got, ExitError)
	}
}

func TestAdminClientEventsQuery(t *testing.T) {
	c, seen := newAdminStub(t)

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := c.Events(context.Background(), events.Query{
		Kind:    events.KindHealthTransition,
		Backend: "a",
		Since:   since,
		Limit:   5,
	})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(got) != 1 || got[0].Backend != "a" {
		t.Errorf("Events() = %+v", got)
	}

	want := "backend=a&kind=health_transition&limit=5&since=2026-01-02T03%3A04%3A05Z"
	if len(*seen) != 1 || (*seen)[0] != want {
		t.Errorf("query = %v, want %q", *seen, want)
	}
}

func TestAdminClientUnreachable(t *testing.T) {
	c := NewAdminClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := c.Routes(context.Background()); err == nil {
		t.Fatal("Routes() error = nil, want unreachable")
	}
}
