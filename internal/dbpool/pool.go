// Package dbpool lends a fixed set of backend handles to concurrent callers.
//
// Every handle is opened by New; the pool never grows or shrinks afterwards.
// Acquire blocks on a weighted semaphore until a handle is free, so backend
// pressure turns into waiting rather than failure.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/svcfields"
)

// ErrClosed is returned by Acquire after Destroy.
var ErrClosed = errors.New("dbpool: closed")

// Conn is a backend handle owned by the pool.
type Conn interface {
	Close(ctx context.Context) error
}

// Dialer opens one backend handle.
type Dialer[C Conn] func(ctx context.Context) (C, error)

// Config controls pool construction.
type Config struct {
	// MaxConns is the exact number of handles opened up front.
	MaxConns int
	// Name labels logs and metrics.
	Name   string
	Logger pslog.Logger
}

// Pool is a bounded set of reusable handles.
type Pool[C Conn] struct {
	name    string
	max     int
	sem     *semaphore.Weighted
	logger  pslog.Logger
	metrics *poolMetrics

	mu     sync.Mutex
	free   []C
	inUse  int
	closed bool
}

// New opens cfg.MaxConns handles with dial. If any handle cannot be opened
// the ones already opened are closed and the error is returned; the pool is
// never built smaller than requested.
func New[C Conn](ctx context.Context, cfg Config, dial Dialer[C]) (*Pool[C], error) {
	if cfg.MaxConns <= 0 {
		return nil, fmt.Errorf("dbpool: max conns must be > 0")
	}
	if dial == nil {
		return nil, fmt.Errorf("dbpool: dialer required")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "db.pool").With("pool", cfg.Name)

	free := make([]C, 0, cfg.MaxConns)
	for i := 0; i < cfg.MaxConns; i++ {
		conn, err := dial(ctx)
		if err != nil {
			var errs []error
			errs = append(errs, fmt.Errorf("dbpool: open handle %d/%d: %w", i+1, cfg.MaxConns, err))
			for _, opened := range free {
				if cerr := opened.Close(ctx); cerr != nil {
					errs = append(errs, cerr)
				}
			}
			logger.Error("tinyhttpd.dbpool.open_failed", "index", i, "max", cfg.MaxConns, "error", err)
			return nil, errors.Join(errs...)
		}
		free = append(free, conn)
	}
	p := &Pool[C]{
		name:   cfg.Name,
		max:    cfg.MaxConns,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConns)),
		logger: logger,
		free:   free,
	}
	p.metrics = newPoolMetrics(logger, p)
	logger.Info("tinyhttpd.dbpool.ready", "max", cfg.MaxConns)
	return p, nil
}

// Acquire blocks until a handle is free or ctx ends.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	n := len(p.free)
	conn := p.free[n-1]
	var zero C
	p.free[n-1] = zero
	p.free = p.free[:n-1]
	p.inUse++
	p.mu.Unlock()
	p.metrics.recordWait(ctx, time.Since(start))
	return &Lease[C]{pool: p, conn: conn}, nil
}

// With runs fn with a leased handle and releases it on every return path.
func (p *Pool[C]) With(ctx context.Context, fn func(C) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}

func (p *Pool[C]) release(conn C) {
	p.mu.Lock()
	if p.closed {
		p.inUse--
		p.mu.Unlock()
		if err := conn.Close(context.Background()); err != nil {
			p.logger.Warn("tinyhttpd.dbpool.close_failed", "error", err)
		}
		p.sem.Release(1)
		return
	}
	p.free = append(p.free, conn)
	p.inUse--
	p.mu.Unlock()
	p.sem.Release(1)
}

// Free returns the number of idle handles.
func (p *Pool[C]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of leased handles.
func (p *Pool[C]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// MaxConns returns the configured pool size.
func (p *Pool[C]) MaxConns() int {
	return p.max
}

// Destroy closes every idle handle and zeroes the counts. Handles still
// leased are closed when released. Acquire fails with ErrClosed afterwards.
func (p *Pool[C]) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	leased := p.inUse
	p.mu.Unlock()

	if leased > 0 {
		p.logger.Warn("tinyhttpd.dbpool.destroy_with_leases", "in_use", leased)
	}
	var errs []error
	for _, conn := range free {
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("tinyhttpd.dbpool.destroyed", "closed", len(free))
	return errors.Join(errs...)
}

// Lease is one checked-out handle. Release is idempotent.
type Lease[C Conn] struct {
	pool *Pool[C]
	conn C
	once sync.Once
}

// Conn returns the leased handle.
func (l *Lease[C]) Conn() C {
	return l.conn
}

// Release hands the handle back to the pool.
func (l *Lease[C]) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.pool.release(l.conn)
	})
}
