// Package connguard tracks misbehaving peers by host and refuses their new
// connections for a while once they cross a failure threshold inside a
// sliding window. Failures are protocol-level: requests answered with 400,
// including ones that overflow the read buffer.
package connguard

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/clock"
	"pkt.systems/tinyhttpd/internal/svcfields"
)

// Config controls guard enforcement.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of failures inside FailureWindow that
	// blocks a host. Zero disables blocking while still logging.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
}

// DefaultConfig returns the guard settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 20,
		FailureWindow:    10 * time.Second,
		BlockDuration:    time.Minute,
	}
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores per-host failure history. A nil *Guard allows everything.
type Guard struct {
	cfg      Config
	logger   pslog.Logger
	clk      clock.Clock
	mu        sync.Mutex
	hosts     map[string]*hostState
	lastSweep time.Time
	rejected  metric.Int64Counter
	engaged   metric.Int64Counter
}

// New constructs a guard. A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	g := &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "server.connguard"),
		clk:    clk,
		hosts:  make(map[string]*hostState),
	}
	meter := otel.Meter("pkt.systems/tinyhttpd/connguard")
	var err error
	if g.rejected, err = meter.Int64Counter(
		"tinyhttpd.connguard.rejected",
		metric.WithDescription("Connections refused because their host is blocked"),
	); err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "metric", "tinyhttpd.connguard.rejected", "error", err)
	}
	if g.engaged, err = meter.Int64Counter(
		"tinyhttpd.connguard.engaged",
		metric.WithDescription("Hosts blocked after crossing the failure threshold"),
	); err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "metric", "tinyhttpd.connguard.engaged", "error", err)
	}
	return g
}

// Allow reports whether a new connection from remote may be served.
func (g *Guard) Allow(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return true
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return true
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return true
	}
	if state.blockedUntil.After(now) {
		if g.rejected != nil {
			g.rejected.Add(context.Background(), 1)
		}
		g.logger.Debug("tinyhttpd.connguard.rejected", "remote", host)
		return false
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("tinyhttpd.connguard.disengaged", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return true
}

// RecordFailure notes a failure by remote and reports whether its host is
// now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)
	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	drop := 0
	for drop < len(state.failures) && state.failures[drop].Before(cutoff) {
		drop++
	}
	state.failures = append(state.failures[drop:], now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("tinyhttpd.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	if g.engaged != nil {
		g.engaged.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	g.logger.Warn("tinyhttpd.connguard.engaged",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// sweepLocked forgets hosts that are not blocked and whose failures all fell
// out of the window. It runs at most once per window.
func (g *Guard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.cfg.FailureWindow {
		return
	}
	g.lastSweep = now
	cutoff := now.Add(-g.cfg.FailureWindow)
	for host, state := range g.hosts {
		if state.blockedUntil.After(now) {
			continue
		}
		if n := len(state.failures); n == 0 || state.failures[n-1].Before(cutoff) {
			delete(g.hosts, host)
		}
	}
}

// Tracked returns the number of hosts with failure history or a block.
func (g *Guard) Tracked() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}

// Blocked returns the number of hosts currently blocked.
func (g *Guard) Blocked() int {
	if g == nil {
		return 0
	}
	now := g.clk.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, state := range g.hosts {
		if state.blockedUntil.After(now) {
			n++
		}
	}
	return n
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}
