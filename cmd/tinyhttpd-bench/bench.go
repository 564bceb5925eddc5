package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	modeGet   = "get"
	modeLogin = "login"
	modeMixed = "mixed"
)

type benchRun struct {
	total    benchStats
	firstErr error
}

// requestFor returns the raw request for op number i.
func requestFor(cfg benchConfig, i int) string {
	mode := cfg.mode
	if mode == modeMixed {
		if i%4 == 3 {
			mode = modeLogin
		} else {
			mode = modeGet
		}
	}
	conn := "close"
	if cfg.keepAlive {
		conn = "keep-alive"
	}
	if mode == modeLogin {
		form := url.Values{"user": {cfg.user}, "password": {cfg.password}}.Encode()
		return fmt.Sprintf("POST /login HTTP/1.1\r\nHost: %s\r\nConnection: %s\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: %d\r\n\r\n%s",
			cfg.host, conn, len(form), form)
	}
	return fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: %s\r\n\r\n", cfg.path, cfg.host, conn)
}

type benchConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func (c *benchConn) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.br = nil
	}
}

// roundTrip sends req and reads one response, reconnecting when the previous
// response closed the connection.
func (c *benchConn) roundTrip(ctx context.Context, cfg benchConfig, req string) (int, error) {
	if c.conn == nil {
		d := net.Dialer{Timeout: cfg.timeout}
		conn, err := d.DialContext(ctx, "tcp", cfg.endpoint)
		if err != nil {
			return 0, err
		}
		c.conn = conn
		c.br = bufio.NewReader(conn)
	}
	_ = c.conn.SetDeadline(time.Now().Add(cfg.timeout))
	if _, err := io.WriteString(c.conn, req); err != nil {
		c.close()
		return 0, err
	}
	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		c.close()
		return 0, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if err != nil || resp.Close || !cfg.keepAlive {
		c.close()
	}
	return resp.StatusCode, err
}

func runBenchOnce(ctx context.Context, cfg benchConfig) benchRun {
	var (
		next     atomic.Int64
		errs     atomic.Int64
		mu       sync.Mutex
		samples  = make([]time.Duration, 0, cfg.ops)
		statuses = make(map[int]int)
		firstErr error
		wg       sync.WaitGroup
	)
	start := time.Now()
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var conn benchConn
			defer conn.close()
			local := make([]time.Duration, 0, cfg.ops/cfg.concurrency+1)
			localStatus := make(map[int]int)
			for {
				i := int(next.Add(1)) - 1
				if i >= cfg.ops || ctx.Err() != nil {
					break
				}
				began := time.Now()
				status, err := conn.roundTrip(ctx, cfg, requestFor(cfg, i))
				if err != nil {
					errs.Add(1)
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				local = append(local, time.Since(began))
				localStatus[status]++
			}
			mu.Lock()
			samples = append(samples, local...)
			for code, n := range localStatus {
				statuses[code] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	return benchRun{
		total:    buildStats("total", elapsed, samples, errs.Load(), statuses),
		firstErr: firstErr,
	}
}

// seedUser registers the login account; an existing account is fine.
func seedUser(ctx context.Context, cfg benchConfig) error {
	form := url.Values{"user": {cfg.user}, "password": {cfg.password}}.Encode()
	req := fmt.Sprintf("POST /register HTTP/1.1\r\nHost: %s\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: %d\r\n\r\n%s",
		cfg.host, len(form), form)
	seedCfg := cfg
	seedCfg.keepAlive = false
	var conn benchConn
	defer conn.close()
	status, err := conn.roundTrip(ctx, seedCfg, req)
	if err != nil {
		return fmt.Errorf("register %s: %w", cfg.user, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("register %s: status %d", cfg.user, status)
	}
	return nil
}

func (cfg *benchConfig) validate() error {
	switch cfg.mode {
	case modeGet, modeLogin, modeMixed:
	default:
		return fmt.Errorf("mode: unknown value %q (get, login, mixed)", cfg.mode)
	}
	if cfg.ops <= 0 {
		return errors.New("ops must be > 0")
	}
	if cfg.concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if !strings.HasPrefix(cfg.path, "/") {
		cfg.path = "/" + cfg.path
	}
	if cfg.host == "" {
		cfg.host = cfg.endpoint
	}
	return nil
}
