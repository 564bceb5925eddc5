package httpconn

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/tinyhttpd/internal/userdb"
)

type fakeSocket struct {
	in         [][]byte
	eof        bool
	out        bytes.Buffer
	writeLimit int
	closed     bool
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.in) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, s.in[0])
	if n < len(s.in[0]) {
		s.in[0] = s.in[0][n:]
	} else {
		s.in = s.in[1:]
	}
	return n, nil
}

func (s *fakeSocket) Writev(bufs [][]byte) (int, error) {
	total, want := 0, 0
	for _, b := range bufs {
		want += len(b)
	}
	for _, b := range bufs {
		take := len(b)
		if s.writeLimit > 0 && total+take > s.writeLimit {
			take = s.writeLimit - total
		}
		s.out.Write(b[:take])
		total += take
		if s.writeLimit > 0 && total == s.writeLimit {
			break
		}
	}
	if total < want {
		return total, ErrWouldBlock
	}
	return total, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

type fakePoller struct {
	armed []Interest
}

func (p *fakePoller) Arm(_ *Conn, in Interest) error {
	p.armed = append(p.armed, in)
	return nil
}

func (p *fakePoller) last() Interest {
	if len(p.armed) == 0 {
		return 0
	}
	return p.armed[len(p.armed)-1]
}

const judgeBody = "<html><body>judge</body></html>\n"

type siteOptions struct {
	readBuffer int
	endpoints  map[string]Endpoint
}

func newTestSite(t testing.TB, opts siteOptions) *Site {
	t.Helper()
	root := t.TempDir()
	write := func(name, body string, mode os.FileMode) {
		t.Helper()
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), mode); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chmod(p, mode); err != nil {
			t.Fatalf("chmod %s: %v", name, err)
		}
	}
	write("judge.html", judgeBody, 0o644)
	write("welcome.html", "welcome", 0o644)
	write("logError.html", "login failed", 0o644)
	write("empty.html", "", 0o644)
	write("secret.html", "secret", 0o600)
	write("docs/index.html", "docs index", 0o644)
	write("big.bin", string(bytes.Repeat([]byte("0123456789"), 800)), 0o644)
	if err := os.MkdirAll(filepath.Join(root, "noindex"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	site, err := NewSite(SiteConfig{
		Root:           root,
		ReadBufferSize: opts.readBuffer,
		Aliases:        DefaultAliases(),
		Endpoints:      opts.endpoints,
	})
	if err != nil {
		t.Fatalf("new site: %v", err)
	}
	return site
}

func newTestConn(t *testing.T, site *Site) (*Conn, *fakeSocket, *fakePoller) {
	t.Helper()
	sock := &fakeSocket{}
	poller := &fakePoller{}
	c := New(site)
	c.Open(sock, "127.0.0.1:40000", 7, poller)
	return c, sock, poller
}

// feed delivers data to the connection as one readiness event.
func feed(t *testing.T, c *Conn, sock *fakeSocket, data string) {
	t.Helper()
	sock.in = append(sock.in, []byte(data))
	if err := c.Read(); err != nil {
		t.Fatalf("read: %v", err)
	}
}

// flush drives Write until the response is out, returning whether the
// connection stays open.
func flush(t *testing.T, c *Conn) bool {
	t.Helper()
	for i := 0; i < 1000; i++ {
		open, err := c.Write()
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if !open || c.BytesPending() == 0 {
			return open
		}
	}
	t.Fatal("response never flushed")
	return false
}

func formHandler(result bool, err error, got *url.Values) BusinessFunc {
	return func(_ context.Context, _ userdb.Conn, form url.Values) (bool, error) {
		if got != nil {
			*got = form
		}
		return result, err
	}
}
