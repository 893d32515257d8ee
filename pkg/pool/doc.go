// Package pool keeps reusable connections to backends.
//
// A Pool bounds open connections per backend and in total. Acquire hands out
// an idle connection when one exists (most recently used first), dials a new
// one when a slot is free, and otherwise waits until Release or Discard frees
// a slot or the acquire timeout expires. A connection is borrowed by exactly
// one caller at a time. Discarded connections are closed and never handed
// out again.
//
// Idle connections older than the idle timeout are closed by a background
// reaper.
package pool
