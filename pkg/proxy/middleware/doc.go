// Package middleware provides the HTTP middleware wrapped around the proxy
// handler on every listener.
//
// # Middleware Chain
//
//	handler = RecoveryMiddleware(RequestIDMiddleware(LoggingMiddleware(proxyHandler)))
//
// Order (outermost first):
//  1. RecoveryMiddleware: turns handler panics into a 500 JSON error and
//     re-raises http.ErrAbortHandler so aborted responses drop the client
//     connection
//  2. RequestIDMiddleware: takes X-Request-ID from the client or generates a
//     UUID, stores it in the context and echoes it in the response
//  3. LoggingMiddleware: one structured log line per request
//
// # Request Info
//
// LoggingMiddleware places an *Info in the request context. The proxy
// handler fills in the matched route, the backend of the last attempt and
// the attempt count, so the access log line carries them:
//
//	if info := middleware.GetInfo(ctx); info != nil {
//	    info.Route = route.ID
//	}
//
// # Listener Name
//
// Servers tag their base context with WithListener; handlers and events read
// it back with GetListener.
package middleware
