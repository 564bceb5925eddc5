//go:build linux

package reactor

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tinyhttpd/internal/connguard"
	"pkt.systems/tinyhttpd/internal/dbpool"
	"pkt.systems/tinyhttpd/internal/httpconn"
	"pkt.systems/tinyhttpd/internal/userdb"
	"pkt.systems/tinyhttpd/internal/workerpool"
)

const homeBody = "<html><body>home</body></html>\n"

type harness struct {
	r    *Reactor
	addr string
}

type rejectAll struct{}

func (rejectAll) Append(*httpconn.Conn) bool { return false }

type harnessOptions struct {
	idle       time.Duration
	maxConns   int
	guard      *connguard.Guard
	dispatcher Dispatcher
}

func newSite(t *testing.T) *httpconn.Site {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "judge.html"), []byte(homeBody), 0o644); err != nil {
		t.Fatalf("write home: %v", err)
	}
	site, err := httpconn.NewSite(httpconn.SiteConfig{Root: root})
	if err != nil {
		t.Fatalf("site: %v", err)
	}
	return site
}

func startHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.idle == 0 {
		opts.idle = 5 * time.Second
	}
	var (
		workers *workerpool.Pool[*httpconn.Conn, userdb.Conn]
		db      *dbpool.Pool[userdb.Conn]
	)
	cfg := Config{
		Listen:       "127.0.0.1:0",
		IdleTimeout:  opts.idle,
		TickInterval: 20 * time.Millisecond,
		MaxConns:     opts.maxConns,
		Site:         newSite(t),
		Guard:        opts.guard,
		Dispatcher:   opts.dispatcher,
	}
	if cfg.Dispatcher == nil {
		store := userdb.NewMemoryStore()
		var err error
		db, err = dbpool.New(context.Background(), dbpool.Config{MaxConns: 2}, store.Dial)
		if err != nil {
			t.Fatalf("db pool: %v", err)
		}
		workers, err = workerpool.New(workerpool.Config{Workers: 2, MaxRequests: 64}, db,
			func(ctx context.Context, c *httpconn.Conn, conn userdb.Conn) {
				c.Process(ctx, conn)
			})
		if err != nil {
			t.Fatalf("workers: %v", err)
		}
		cfg.Dispatcher = workers
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	if workers != nil {
		if err := workers.Start(context.Background()); err != nil {
			t.Fatalf("start workers: %v", err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()
	t.Cleanup(func() {
		r.Stop()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if workers != nil {
			if err := workers.Stop(ctx); err != nil {
				t.Errorf("stop workers: %v", err)
			}
		}
		if err := r.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
		if db != nil {
			if err := db.Destroy(ctx); err != nil {
				t.Errorf("destroy db: %v", err)
			}
		}
	})
	return &harness{r: r, addr: r.Addr().String()}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readResponse(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func expectEOF(t *testing.T, br *bufio.Reader) {
	t.Helper()
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("expected server to close, got %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKeepAliveServesSeveralRequests(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	for i := 0; i < 3; i++ {
		if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		resp, body := readResponse(t, br)
		if resp.StatusCode != 200 || body != homeBody {
			t.Fatalf("request %d: status %d body %q", i, resp.StatusCode, body)
		}
		if resp.Close {
			t.Fatalf("request %d: server asked to close a keep-alive connection", i)
		}
	}
	if h.r.Active() != 1 {
		t.Fatalf("expected one open connection, got %d", h.r.Active())
	}
}

func TestMissingFileClosesConnection(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	io.WriteString(conn, "GET /missing HTTP/1.1\r\n\r\n")
	resp, _ := readResponse(t, br)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	expectEOF(t, br)
	waitFor(t, "connection release", func() bool { return h.r.Active() == 0 })
}

func TestRequestSplitAcrossWrites(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	for _, part := range []string{"GE", "T / HT", "TP/1.1\r\nHo", "st: x\r\n", "\r\n"} {
		io.WriteString(conn, part)
		time.Sleep(10 * time.Millisecond)
	}
	resp, body := readResponse(t, br)
	if resp.StatusCode != 200 || body != homeBody {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestIdleConnectionEvictedOnce(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{idle: 150 * time.Millisecond})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	io.WriteString(conn, "GET / HTTP/1.1\r\n")
	start := time.Now()
	expectEOF(t, br)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("evicted after %v, before the idle window", elapsed)
	}
	waitFor(t, "timer removal", func() bool { return h.r.PendingTimers() == 0 })
	if h.r.Evicted() != 1 || h.r.Active() != 0 {
		t.Fatalf("expected exactly one eviction and no open conns, got %d/%d", h.r.Evicted(), h.r.Active())
	}
	time.Sleep(100 * time.Millisecond)
	if h.r.Evicted() != 1 {
		t.Fatalf("connection evicted more than once: %d", h.r.Evicted())
	}
}

func TestRejectedDispatchAnswersBusy(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{dispatcher: rejectAll{}})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	io.WriteString(conn, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	resp, _ := readResponse(t, br)
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	expectEOF(t, br)
}

func TestFullTableRefusesConnection(t *testing.T) {
	t.Parallel()

	h := startHarness(t, harnessOptions{maxConns: 1})
	first := h.dial(t)
	io.WriteString(first, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	if resp, _ := readResponse(t, bufio.NewReader(first)); resp.StatusCode != 200 {
		t.Fatalf("first connection: %d", resp.StatusCode)
	}
	second := h.dial(t)
	got, err := io.ReadAll(second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != busyReply {
		t.Fatalf("expected %q, got %q", busyReply, got)
	}
}

func TestGuardRefusesRepeatOffender(t *testing.T) {
	t.Parallel()

	guard := connguard.New(connguard.Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		BlockDuration:    time.Minute,
	}, nil, nil)
	h := startHarness(t, harnessOptions{guard: guard})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	io.WriteString(conn, "NONSENSE\r\n\r\n")
	resp, _ := readResponse(t, br)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	expectEOF(t, br)
	waitFor(t, "guard engagement", func() bool { return guard.Blocked() == 1 })

	again := h.dial(t)
	got, err := io.ReadAll(again)
	if err != nil && !strings.Contains(err.Error(), "reset") {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("blocked peer received %q", got)
	}
}

// gatedDispatcher holds every pass until release is closed, then processes
// it without a database handle.
type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDispatcher) Append(c *httpconn.Conn) bool {
	go func() {
		d.entered <- struct{}{}
		<-d.release
		c.Process(context.Background(), nil)
	}()
	return true
}

func TestBusyConnectionOutlivesIdleWindow(t *testing.T) {
	t.Parallel()

	const idle = 150 * time.Millisecond
	d := &gatedDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := startHarness(t, harnessOptions{idle: idle, dispatcher: d})
	conn := h.dial(t)
	br := bufio.NewReader(conn)
	io.WriteString(conn, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		close(d.release)
		t.Fatal("request never reached the dispatcher")
	}
	time.Sleep(2*idle + 100*time.Millisecond)
	if h.r.Evicted() != 0 || h.r.Active() != 1 {
		close(d.release)
		t.Fatalf("busy connection evicted: evicted=%d active=%d", h.r.Evicted(), h.r.Active())
	}
	close(d.release)
	resp, body := readResponse(t, br)
	if resp.StatusCode != 200 || body != homeBody {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	expectEOF(t, br)
	waitFor(t, "eviction after the pass", func() bool { return h.r.Evicted() == 1 && h.r.Active() == 0 })
	time.Sleep(2 * idle)
	if h.r.Evicted() != 1 {
		t.Fatalf("connection evicted more than once: %d", h.r.Evicted())
	}
}
