// Package runtime assembles the proxy core from a configuration snapshot.
//
// A Runtime owns the backend manager and prober, the connection pool, the
// router and selector, the certificate store, the event pipeline and the
// proxy handler. Apply swaps in a new snapshot without dropping in-flight
// sessions: the route table and selector are replaced atomically, backends
// that keep their address keep their health, and pooled connections of
// removed backends are closed.
package runtime
