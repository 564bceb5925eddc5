// Package reactor runs the readiness loop that owns every client socket.
//
// One goroutine waits on epoll, accepts connections, reads request bytes and
// writes prepared responses. Complete passes over the read buffer are handed
// to a Dispatcher (the worker pool), which parses and executes them and
// re-arms the socket when done. Idle connections are evicted by a sorted
// timer list ticked on the loop goroutine.
package reactor

import (
	"errors"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/clock"
	"pkt.systems/tinyhttpd/internal/connguard"
	"pkt.systems/tinyhttpd/internal/httpconn"
)

// ErrUnsupported is returned on platforms without an epoll readiness source.
var ErrUnsupported = errors.New("reactor: unsupported platform")

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("reactor: closed")

const (
	DefaultBacklog      = 1024
	DefaultIdleTimeout  = 15 * time.Second
	DefaultTickInterval = 5 * time.Second
	DefaultMaxConns     = 65536
)

// busyReply is written to connections refused because the table is full.
const busyReply = "Internal server busy"

// Dispatcher accepts a connection whose buffered bytes are ready for a
// parse pass. Append reports false when the work queue is full.
type Dispatcher interface {
	Append(c *httpconn.Conn) bool
}

// Config describes the listener and the loop.
type Config struct {
	// Listen is a host:port. An empty host binds every IPv4 address.
	Listen string
	// Backlog is passed to listen(2).
	Backlog int
	// IdleTimeout is how long a connection may go without readiness
	// before eviction.
	IdleTimeout time.Duration
	// TickInterval is how often expired timers are processed.
	TickInterval time.Duration
	// MaxConns caps concurrently open client connections.
	MaxConns int

	Site       *httpconn.Site
	Dispatcher Dispatcher
	Guard      *connguard.Guard
	Clock      clock.Clock
	Logger     pslog.Logger
}

func (c *Config) applyDefaults() error {
	if c.Site == nil {
		return errors.New("reactor: site required")
	}
	if c.Dispatcher == nil {
		return errors.New("reactor: dispatcher required")
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return nil
}
