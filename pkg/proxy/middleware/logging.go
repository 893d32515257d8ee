package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"carapaceproxy/carapace/pkg/telemetry/logging"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code before writing.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures WriteHeader is called if not already done.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs one line per request with method, host, path,
// status, latency and, for proxied requests, the route, backend and attempt
// count reported through Info. The level follows the status: 5xx at error,
// 4xx at warn, the rest at info.
//
// Example usage:
//
//	handler = LoggingMiddleware(handler)
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		info := &Info{}
		ctx := context.WithValue(r.Context(), StartTimeKey, startTime)
		ctx = WithInfo(ctx, info)

		rw := newResponseWriter(w)
		requestID := GetRequestID(ctx)

		if slog.Default().Enabled(ctx, slog.LevelDebug) {
			slog.DebugContext(ctx, "request started",
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"request_id", requestID,
				"remote_addr", r.RemoteAddr,
				"headers", logging.RedactHeaders(r.Header),
			)
		}

		completed := false
		defer func() {
			if completed {
				return
			}
			// The handler aborted the connection.
			slog.WarnContext(ctx, "request aborted",
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.bytes,
				"latency_ms", time.Since(startTime).Milliseconds(),
				"request_id", requestID,
				"route", info.Route,
				"backend", info.Backend,
				"error", info.Error,
			)
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
		completed = true

		logLevel := slog.LevelInfo
		if rw.statusCode >= 500 {
			logLevel = slog.LevelError
		} else if rw.statusCode >= 400 {
			logLevel = slog.LevelWarn
		}

		args := []any{
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"bytes", rw.bytes,
			"latency_ms", time.Since(startTime).Milliseconds(),
			"request_id", requestID,
			"listener", GetListener(ctx),
			"remote_addr", r.RemoteAddr,
		}
		if info.Route != "" {
			args = append(args, "route", info.Route)
		}
		if info.Backend != "" {
			args = append(args, "backend", info.Backend, "attempts", info.Attempts)
		}
		if info.Error != "" {
			args = append(args, "error", info.Error)
		}
		slog.Log(ctx, logLevel, "request completed", args...)
	})
}

// GetStartTime extracts the request start time from the context.
// Returns zero time if not found.
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}
