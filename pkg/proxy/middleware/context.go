package middleware

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// Context keys for storing values in request context.
const (
	// RequestIDKey stores the unique request ID.
	RequestIDKey contextKey = "request_id"

	// StartTimeKey stores the request start time for latency calculation.
	StartTimeKey contextKey = "start_time"

	// ListenerKey stores the name of the listener that accepted the request.
	ListenerKey contextKey = "listener"

	// InfoKey stores the *Info filled in by the proxy handler.
	InfoKey contextKey = "info"
)

// Info carries what the proxy handler learned about a request back to the
// middleware that logs it.
type Info struct {
	Route    string
	Backend  string
	Attempts int
	Error    string
}

// WithListener returns a context carrying the listener name.
func WithListener(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ListenerKey, name)
}

// GetListener returns the listener name, or "" if none is set.
func GetListener(ctx context.Context) string {
	if name, ok := ctx.Value(ListenerKey).(string); ok {
		return name
	}
	return ""
}

// WithInfo returns a context carrying info.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, InfoKey, info)
}

// GetInfo returns the request's *Info, or nil outside LoggingMiddleware.
func GetInfo(ctx context.Context) *Info {
	info, _ := ctx.Value(InfoKey).(*Info)
	return info
}
