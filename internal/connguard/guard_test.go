package connguard

import (
	"fmt"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/clock"
)

func testGuard(threshold int, logger pslog.Logger) (*Guard, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	g := New(Config{
		Enabled:          true,
		FailureThreshold: threshold,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, clk, logger)
	return g, clk
}

func TestGuardBlocksAfterThresholdAndExpires(t *testing.T) {
	t.Parallel()

	g, clk := testGuard(3, pslog.NoopLogger())
	remote := "127.0.0.1:5555"
	if g.RecordFailure(remote, "bad_request") {
		t.Fatalf("first failure should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if g.RecordFailure(remote, "bad_request") {
		t.Fatalf("second failure should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if !g.RecordFailure(remote, "bad_request") {
		t.Fatalf("third failure should block")
	}
	if g.Allow("127.0.0.1:6000") {
		t.Fatalf("block applies to the host regardless of port")
	}
	if g.Blocked() != 1 {
		t.Fatalf("expected one blocked host, got %d", g.Blocked())
	}
	clk.Advance(600 * time.Millisecond)
	if !g.Allow(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.RecordFailure(remote, "bad_request") {
		t.Fatalf("post-expiry failure should not block immediately")
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	t.Parallel()

	g, clk := testGuard(2, pslog.NoopLogger())
	remote := "10.0.0.5:80"
	if g.RecordFailure(remote, "idle_timeout") {
		t.Fatalf("first failure should not block")
	}
	clk.Advance(2 * time.Second)
	if g.RecordFailure(remote, "idle_timeout") {
		t.Fatalf("failure outside the window must not count")
	}
	if !g.Allow(remote) {
		t.Fatalf("host should be allowed")
	}
}

func TestGuardIsolatesHosts(t *testing.T) {
	t.Parallel()

	g, _ := testGuard(1, pslog.NoopLogger())
	for port := 1000; port < 1003; port++ {
		g.RecordFailure(fmt.Sprintf("192.168.1.9:%d", port), "buffer_full")
	}
	if g.Allow("192.168.1.9:2000") {
		t.Fatalf("expected host blocked")
	}
	if !g.Allow("192.168.1.10:2000") {
		t.Fatalf("other hosts must not be affected")
	}
}

func TestGuardDisabledAndNil(t *testing.T) {
	t.Parallel()

	var nilGuard *Guard
	if !nilGuard.Allow("1.2.3.4:5") || nilGuard.RecordFailure("1.2.3.4:5", "x") {
		t.Fatalf("nil guard must allow everything")
	}
	g := New(Config{Enabled: false, FailureThreshold: 1}, nil, nil)
	if g.RecordFailure("1.2.3.4:5", "x") || !g.Allow("1.2.3.4:5") {
		t.Fatalf("disabled guard must allow everything")
	}
}

func TestGuardLogsEngagementLifecycle(t *testing.T) {
	t.Parallel()

	logger := newCaptureLogger()
	g, clk := testGuard(2, logger)
	remote := "127.0.0.1:5555"
	g.RecordFailure(remote, "bad_request")
	if _, ok := logger.find("tinyhttpd.connguard.suspicious"); !ok {
		t.Fatalf("expected suspicious log; logs=%v", logger.snapshot())
	}
	clk.Advance(10 * time.Millisecond)
	if !g.RecordFailure(remote, "bad_request") {
		t.Fatalf("second failure should block")
	}
	entry, ok := logger.find("tinyhttpd.connguard.engaged")
	if !ok {
		t.Fatalf("expected engaged log; logs=%v", logger.snapshot())
	}
	if entry.level != "warn" {
		t.Fatalf("engaged should log at warn, got %s", entry.level)
	}
	if g.Allow(remote) {
		t.Fatalf("expected remote blocked")
	}
	if _, ok := logger.find("tinyhttpd.connguard.rejected"); !ok {
		t.Fatalf("expected rejected log; logs=%v", logger.snapshot())
	}
	clk.Advance(time.Second)
	if !g.Allow(remote) {
		t.Fatalf("expected block to expire")
	}
	if _, ok := logger.find("tinyhttpd.connguard.disengaged"); !ok {
		t.Fatalf("expected disengaged log; logs=%v", logger.snapshot())
	}
}

func TestNormalizeRemoteAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"127.0.0.1:80": "127.0.0.1",
		"[::1]:443":    "::1",
		" 10.1.1.1:9 ": "10.1.1.1",
		"not-an-addr":  "not-an-addr",
		"":             "",
	}
	for in, want := range cases {
		if got := normalizeRemoteAddr(in); got != want {
			t.Fatalf("normalizeRemoteAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGuardForgetsHostsBelowThreshold(t *testing.T) {
	t.Parallel()

	g, clk := testGuard(3, pslog.NoopLogger())
	for i := 0; i < 100; i++ {
		g.RecordFailure(fmt.Sprintf("10.1.%d.%d:80", i/250, i%250), "bad_request")
	}
	if g.Tracked() != 100 {
		t.Fatalf("expected 100 tracked hosts, got %d", g.Tracked())
	}
	clk.Advance(2 * time.Second)
	g.RecordFailure("10.2.0.1:80", "bad_request")
	if g.Tracked() != 1 {
		t.Fatalf("stale hosts kept: %d tracked", g.Tracked())
	}
}

func TestGuardSweepKeepsBlockedAndRecentHosts(t *testing.T) {
	t.Parallel()

	g, clk := testGuard(1, pslog.NoopLogger())
	g.RecordFailure("10.3.0.1:80", "bad_request")
	clk.Advance(1100 * time.Millisecond)
	// block duration is 500ms, so the first host is stale by now
	g.RecordFailure("10.3.0.2:80", "bad_request")
	if g.Tracked() != 1 || g.Blocked() != 1 {
		t.Fatalf("expected only the fresh block tracked, got %d tracked %d blocked", g.Tracked(), g.Blocked())
	}
	if g.Allow("10.3.0.2:81") {
		t.Fatalf("sweep must not lift an active block")
	}
}
