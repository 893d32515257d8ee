package pool

import (
	"bufio"
	"errors"
	"net"
	"time"
)

const (
	readBufferSize = 4096

	// livenessWindow bounds the read used to detect a closed idle
	// connection before it is handed out again.
	livenessWindow = 50 * time.Microsecond
)

type connState int

const (
	stateIdle connState = iota
	stateBorrowed
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBorrowed:
		return "borrowed"
	default:
		return "closed"
	}
}

// Conn is a pooled backend connection. It is owned by the Pool; a caller
// borrows it from Acquire until Release or Discard. Callers must not Close
// the underlying connection themselves.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	backend string
	bp      *backendPool

	// Guarded by Pool.mu.
	state    connState
	lastUsed time.Time
	uses     int

	created time.Time
}

func newConn(c net.Conn, backend string, bp *backendPool, now time.Time) *Conn {
	return &Conn{
		conn:     c,
		reader:   bufio.NewReaderSize(c, readBufferSize),
		backend:  backend,
		bp:       bp,
		state:    stateBorrowed,
		lastUsed: now,
		created:  now,
		uses:     1,
	}
}

// Backend returns the ID of the backend this connection belongs to.
func (c *Conn) Backend() string {
	return c.backend
}

// Reader returns the buffered reader for responses. It must be used for
// every read so that buffered bytes are not lost between exchanges.
func (c *Conn) Reader() *bufio.Reader {
	return c.reader
}

// Write writes to the backend.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetDeadline sets the read and write deadlines of the connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the backend address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Reused reports whether this connection served an earlier exchange. A
// failure on a reused connection may be a stale keep-alive rather than a
// backend failure.
func (c *Conn) Reused() bool {
	return c.uses > 1
}

// Created returns when the connection was dialled.
func (c *Conn) Created() time.Time {
	return c.created
}

// stale reports whether an idle connection was closed by the backend or
// received unsolicited bytes while parked. Only a read that times out
// proves the connection is still quiet and open.
func (c *Conn) stale() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(livenessWindow)); err != nil {
		return true
	}
	_, err := c.reader.Peek(1)
	if resetErr := c.conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return true
	}
	var ne net.Error
	return !(errors.As(err, &ne) && ne.Timeout())
}
