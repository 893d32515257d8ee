// Package server binds the client-facing listeners and the admin interface.
//
// Each configured listener gets its own http.Server. Accepted sockets pass
// through an admission limiter bounded by max_connections, an optional PROXY
// protocol decoder and, for TLS listeners, a tls.Listener whose certificate
// is resolved per handshake from the certificate store. Requests then run
// through the middleware chain:
//
//	Recovery(RequestID(Logging(proxy.Handler)))
//
// The admin interface exposes status, drain and reload operations along
// with the health, version and metrics endpoints:
//
//	GET  /status/backends
//	GET  /status/pool
//	GET  /status/routes
//	GET  /status/certificates
//	GET  /status/listeners
//	POST /backends/{id}/drain
//	POST /backends/{id}/undrain
//	POST /reload
//	GET  /events?kind=&backend=&route=&since=&until=&limit=
//
// Shutdown fails readiness first, then drains in-flight requests until its
// context expires.
package server
