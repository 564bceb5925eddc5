// Package workerpool runs a fixed set of workers over a bounded FIFO of
// tasks. Each task runs with one database handle leased for its whole
// duration.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/blockqueue"
	"pkt.systems/tinyhttpd/internal/dbpool"
	"pkt.systems/tinyhttpd/internal/svcfields"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("workerpool: stopped")

// Discarder is implemented by tasks that must learn when the pool drops them
// without running the handler: the lease failed, or the task was still
// queued at Stop.
type Discarder interface {
	Discard()
}

// Handler processes one task with a leased handle.
type Handler[T any, C dbpool.Conn] func(ctx context.Context, task T, conn C)

// Config controls pool sizing.
type Config struct {
	// Workers is the fixed number of worker goroutines.
	Workers int
	// MaxRequests bounds the number of pending tasks. Append fails once this
	// many tasks are waiting.
	MaxRequests int
	Logger      pslog.Logger
}

// Pool is a fixed worker set consuming one shared queue.
type Pool[T any, C dbpool.Conn] struct {
	cfg     Config
	db      *dbpool.Pool[C]
	handle  Handler[T, C]
	queue   *blockqueue.Queue[T]
	logger  pslog.Logger
	metrics *poolMetrics

	processed atomic.Int64
	rejected  atomic.Int64
	busy      atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New returns a pool that is not yet running.
func New[T any, C dbpool.Conn](cfg Config, db *dbpool.Pool[C], handle Handler[T, C]) (*Pool[T, C], error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workerpool: workers must be > 0")
	}
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("workerpool: max requests must be > 0")
	}
	if db == nil {
		return nil, fmt.Errorf("workerpool: db pool required")
	}
	if handle == nil {
		return nil, fmt.Errorf("workerpool: handler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	p := &Pool[T, C]{
		cfg:    cfg,
		db:     db,
		handle: handle,
		queue:  blockqueue.New[T](cfg.MaxRequests),
		logger: svcfields.WithSubsystem(logger, "server.workers"),
	}
	p.metrics = newPoolMetrics(p.logger, p)
	return p, nil
}

// Start launches the workers. They run until Stop or until ctx ends.
func (p *Pool[T, C]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for id := 0; id < p.cfg.Workers; id++ {
		group.Go(func() error {
			p.work(groupCtx, id)
			return nil
		})
	}
	p.cancel = cancel
	p.group = group
	p.started = true
	p.logger.Info("tinyhttpd.workerpool.started", "workers", p.cfg.Workers, "max_requests", p.cfg.MaxRequests)
	return nil
}

// Append enqueues task. It reports false without enqueueing when the queue
// already holds MaxRequests tasks or the pool is stopped; the caller decides
// how to shed the task.
func (p *Pool[T, C]) Append(task T) bool {
	if p.queue.Push(task) {
		return true
	}
	p.rejected.Add(1)
	p.metrics.recordRejected()
	return false
}

func (p *Pool[T, C]) work(ctx context.Context, id int) {
	for {
		task, err := p.queue.PopContext(ctx)
		if err != nil {
			return
		}
		p.run(ctx, id, task)
	}
}

func (p *Pool[T, C]) run(ctx context.Context, id int, task T) {
	lease, err := p.db.Acquire(ctx)
	if err != nil {
		p.logger.Warn("tinyhttpd.workerpool.lease_failed", "worker", id, "error", err)
		discard(task)
		return
	}
	defer lease.Release()
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tinyhttpd.workerpool.panic", "worker", id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	p.handle(ctx, task, lease.Conn())
	p.processed.Add(1)
	p.metrics.recordProcessed()
}

func discard[T any](task T) {
	if d, ok := any(task).(Discarder); ok {
		d.Discard()
	}
}

// Pending returns the number of queued tasks.
func (p *Pool[T, C]) Pending() int {
	return p.queue.Size()
}

// Busy returns the number of workers currently running a task.
func (p *Pool[T, C]) Busy() int {
	return int(p.busy.Load())
}

// Processed returns the number of tasks that ran to completion.
func (p *Pool[T, C]) Processed() int64 {
	return p.processed.Load()
}

// Rejected returns the number of Append calls that were refused.
func (p *Pool[T, C]) Rejected() int64 {
	return p.rejected.Load()
}

// Stop cancels idle workers, refuses further tasks and waits for in-flight
// tasks to return or for ctx to end. Tasks still queued are dropped and
// discarded.
func (p *Pool[T, C]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	group := p.group
	p.mu.Unlock()

	p.queue.Close()
	if cancel != nil {
		cancel()
	}
	if dropped := p.queue.Drain(); len(dropped) > 0 {
		p.logger.Warn("tinyhttpd.workerpool.dropped", "pending", len(dropped))
		for _, task := range dropped {
			discard(task)
		}
	}
	if group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()
	select {
	case err := <-done:
		p.logger.Info("tinyhttpd.workerpool.stopped", "processed", p.processed.Load(), "rejected", p.rejected.Load())
		return err
	case <-ctx.Done():
		return fmt.Errorf("workerpool: stop: %w", ctx.Err())
	}
}
