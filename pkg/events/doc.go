// Package events defines the structured events emitted by the proxy core
// and the Sink they are delivered to.
//
// Emitting is fire-and-forget: request handling never waits on, or fails
// because of, an observability consumer. Subpackages provide an asynchronous
// recorder that persists events (recorder), storage backends (storage) and
// scheduled pruning (retention).
package events
