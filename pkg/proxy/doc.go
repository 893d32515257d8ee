// Package proxy implements the per-request proxy session: route matching,
// backend selection with bounded failover, pooled backend connections and
// streaming relay of request and response bodies.
//
// # Session
//
// Handler.ServeHTTP runs one Session per request through the states
//
//	Start -> Routing -> Selecting -> Connecting -> Forwarding -> Completing -> Done
//
// Failed is reachable from every state. A failed attempt returns from
// Connecting or Forwarding to Selecting while the failover bound allows it;
// a backend is never tried twice by the same session.
//
// # Failover
//
// The number of attempts is Selector.Attempts(route.Retries, candidates).
// Connection failures (dial errors, pool timeouts) are always retried on
// another backend. Failures after the request was sent are retried only
// when no request body byte was consumed and either the method is
// idempotent or the failure came from a stale keep-alive connection.
//
// When every attempt failed the client receives:
//
//   - 504 if any attempt timed out
//   - 502 if an exchange failed before response headers
//   - 503 otherwise, together with a health pressure event
//
// # Timeouts and Cancellation
//
// The route timeout bounds acquiring a connection, sending the request and
// waiting for response headers. Relaying the body is bounded only by the
// client. Both are enforced with context.AfterFunc setting a past deadline
// on the backend connection, which unblocks any pending read or write.
//
// # Streaming
//
// Bodies are never buffered whole. Responses are copied with io.CopyBuffer
// through pooled fixed-size buffers and flushed per chunk when the backend
// streams (no Content-Length, or text/event-stream). A backend error after
// the response headers were sent aborts the client connection with
// http.ErrAbortHandler.
//
// # Connection Reuse
//
// A connection returns to the pool only when the response body was read to
// the end, the backend did not ask to close and no deadline fired.
// Everything else is discarded.
package proxy
