package memcached

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolClosed is returned by Acquire after the pool is closed.
	ErrPoolClosed = errors.New("memcached: pool closed")

	// ErrPoolExhausted is returned by a non-blocking pool when every
	// connection slot is in use.
	ErrPoolExhausted = errors.New("memcached: pool exhausted")
)

// Pool manages a bounded set of connections to one server.
type Pool interface {
	// Acquire returns a connection lease, waiting for a free slot or
	// dialing a new connection as needed.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle takes every currently idle connection out of the
	// pool, for health checks and idle reaping.
	AcquireAllIdle() []Resource

	// Close destroys all idle connections and rejects further acquires.
	Close()

	// Stats returns a snapshot of pool statistics.
	Stats() PoolStats
}

// Resource is a lease on a pooled connection. Exactly one of Release,
// ReleaseUnused or Destroy must be called when the holder is done.
type Resource interface {
	// Value returns the leased connection.
	Value() *Conn

	// Release returns the connection to the pool and marks it used.
	Release()

	// ReleaseUnused returns the connection without refreshing its idle
	// clock. Health checks use this so probing does not keep idle
	// connections alive forever.
	ReleaseUnused()

	// Destroy closes the connection and frees its pool slot.
	Destroy()

	// CreationTime reports when the connection was dialed.
	CreationTime() time.Time

	// IdleDuration reports how long the connection has been idle.
	IdleDuration() time.Duration
}

// PoolFactory builds a Pool around a connection constructor. It lets
// the client swap pool implementations through configuration.
type PoolFactory func(constructor func(ctx context.Context) (*Conn, error), maxSize int32) (Pool, error)
