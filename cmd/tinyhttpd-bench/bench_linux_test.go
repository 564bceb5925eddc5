package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestRequestForMixedMode(t *testing.T) {
	t.Parallel()
	cfg := benchConfig{mode: modeMixed, path: "/", host: "bench", user: "u", password: "p", keepAlive: true}
	for i := 0; i < 8; i++ {
		req := requestFor(cfg, i)
		wantLogin := i%4 == 3
		if got := strings.HasPrefix(req, "POST /login "); got != wantLogin {
			t.Fatalf("op %d: login=%t request=%q", i, got, req)
		}
		if !strings.Contains(req, "Connection: keep-alive\r\n") {
			t.Fatalf("op %d: missing keep-alive: %q", i, req)
		}
	}
	login := requestFor(benchConfig{mode: modeLogin, user: "u", password: "p"}, 0)
	if !strings.HasSuffix(login, "Content-Length: 17\r\n\r\npassword=p&user=u") {
		t.Fatalf("login request = %q", login)
	}
}

func TestValidateNormalizes(t *testing.T) {
	t.Parallel()
	cfg := benchConfig{mode: modeGet, ops: 1, concurrency: 1, timeout: time.Second, path: "judge.html", endpoint: "127.0.0.1:1"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.path != "/judge.html" || cfg.host != "127.0.0.1:1" {
		t.Fatalf("normalized = %+v", cfg)
	}
	bad := benchConfig{mode: "put", ops: 1, concurrency: 1, timeout: time.Second}
	if err := bad.validate(); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestRunBenchAgainstEmbeddedServer(t *testing.T) {
	cfg := benchConfig{
		mode:         modeMixed,
		ops:          40,
		concurrency:  4,
		keepAlive:    true,
		path:         "/",
		user:         "bench",
		password:     "secret",
		payloadBytes: 256,
		workers:      2,
		dbMaxConns:   2,
		timeout:      5 * time.Second,
	}
	ctx := context.Background()
	endpoint, stop, err := startEmbedded(ctx, cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stop(shutdownCtx)
	})
	cfg.endpoint = endpoint
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := seedUser(ctx, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	run := runBenchOnce(ctx, cfg)
	if run.firstErr != nil {
		t.Fatalf("first error: %v", run.firstErr)
	}
	if run.total.ops != cfg.ops || run.total.statuses[http.StatusOK] != cfg.ops {
		t.Fatalf("stats = %+v", run.total)
	}
}
