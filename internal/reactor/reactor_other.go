//go:build !linux

package reactor

import (
	"context"
	"net"

	"pkt.systems/tinyhttpd/internal/httpconn"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

// New always fails with ErrUnsupported.
func New(cfg Config) (*Reactor, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (r *Reactor) Addr() net.Addr                              { return nil }
func (r *Reactor) Active() int                                 { return 0 }
func (r *Reactor) Evicted() int64                              { return 0 }
func (r *Reactor) Accepted() int64                             { return 0 }
func (r *Reactor) PendingTimers() int                          { return 0 }
func (r *Reactor) Serve(context.Context) error                 { return ErrUnsupported }
func (r *Reactor) Stop()                                       {}
func (r *Reactor) Close() error                                { return nil }
func (r *Reactor) Arm(*httpconn.Conn, httpconn.Interest) error { return ErrUnsupported }
