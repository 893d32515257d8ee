package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carapaceproxy/carapace/pkg/backends"
	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/pool"
	"carapaceproxy/carapace/pkg/proxy/types"
	tlsstore "carapaceproxy/carapace/pkg/security/tls"
	"carapaceproxy/carapace/pkg/server"
)

// DefaultAdminTimeout bounds one admin API call.
const DefaultAdminTimeout = 10 * time.Second

// AdminClient talks to a running proxy's admin interface.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

// NewAdminClient creates a client for the admin interface at addr, given
// as host:port or as a URL.
func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = DefaultAdminTimeout
	}
	return &AdminClient{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Backends returns every backend with its health.
func (c *AdminClient) Backends(ctx context.Context) (*server.BackendsStatus, error) {
	var out server.BackendsStatus
	if err := c.do(ctx, http.MethodGet, "/status/backends", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pool returns connection pool occupancy.
func (c *AdminClient) Pool(ctx context.Context) (*pool.Stats, error) {
	var out pool.Stats
	if err := c.do(ctx, http.MethodGet, "/status/pool", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Routes returns the active route table.
func (c *AdminClient) Routes(ctx context.Context) (*server.RoutesStatus, error) {
	var out server.RoutesStatus
	if err := c.do(ctx, http.MethodGet, "/status/routes", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Listeners returns admission state per listener.
func (c *AdminClient) Listeners(ctx context.Context) ([]server.ListenerStatus, error) {
	var out struct {
		Listeners []server.ListenerStatus `json:"listeners"`
	}
	if err := c.do(ctx, http.MethodGet, "/status/listeners", &out); err != nil {
		return nil, err
	}
	return out.Listeners, nil
}

// Certificates returns the loaded certificates.
func (c *AdminClient) Certificates(ctx context.Context) ([]tlsstore.CertificateInfo, error) {
	var out struct {
		Certificates []tlsstore.CertificateInfo `json:"certificates"`
	}
	if err := c.do(ctx, http.MethodGet, "/status/certificates", &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

// Drain stops new sessions to backend id.
func (c *AdminClient) Drain(ctx context.Context, id string) (*backends.Backend, error) {
	var out backends.Backend
	if err := c.do(ctx, http.MethodPost, "/backends/"+url.PathEscape(id)+"/drain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Undrain returns a drained backend to service.
func (c *AdminClient) Undrain(ctx context.Context, id string) (*backends.Backend, error) {
	var out backends.Backend
	if err := c.do(ctx, http.MethodPost, "/backends/"+url.PathEscape(id)+"/undrain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the proxy to re-read its configuration.
func (c *AdminClient) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reload", nil)
}

// Events queries recorded events.
func (c *AdminClient) Events(ctx context.Context, q events.Query) ([]*events.Event, error) {
	v := url.Values{}
	if q.Kind != "" {
		v.Set("kind", string(q.Kind))
	}
	if q.Backend != "" {
		v.Set("backend", q.Backend)
	}
	if q.Route != "" {
		v.Set("route", q.Route)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out struct {
		Events []*events.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read admin response: %w", err)
	}

	if resp.StatusCode >= 300 {
		adminErr := &AdminError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp types.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			adminErr.Type = errResp.Error.Type
			adminErr.Code = errResp.Error.Code
			adminErr.Message = errResp.Error.Message
		}
		return adminErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode admin response: %w", err)
	}
	return nil
}
