package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tinyhttpd/internal/dbpool"
)

type testConn struct {
	id   int
	lent atomic.Int32
}

func (c *testConn) Close(context.Context) error { return nil }

func newDB(t *testing.T, n int) *dbpool.Pool[*testConn] {
	t.Helper()
	next := 0
	p, err := dbpool.New(context.Background(), dbpool.Config{MaxConns: n}, func(context.Context) (*testConn, error) {
		next++
		return &testConn{id: next}, nil
	})
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	return p
}

func TestAppendRejectsBeyondMax(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	p, err := New(Config{Workers: 1, MaxRequests: 3}, db, func(context.Context, int, *testConn) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// not started: nothing drains the queue
	for i := 0; i < 3; i++ {
		if !p.Append(i) {
			t.Fatalf("append %d should succeed", i)
		}
	}
	if p.Append(99) {
		t.Fatalf("append beyond max should fail")
	}
	if p.Pending() != 3 || p.Rejected() != 1 {
		t.Fatalf("expected 3 pending and 1 rejection, got %d/%d", p.Pending(), p.Rejected())
	}
}

func TestEveryTaskRunsExactlyOnce(t *testing.T) {
	t.Parallel()

	const total = 2000
	db := newDB(t, 2)
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		done sync.WaitGroup
	)
	done.Add(total)
	p, err := New(Config{Workers: 6, MaxRequests: 64}, db, func(_ context.Context, task int, conn *testConn) {
		if n := conn.lent.Add(1); n != 1 {
			t.Errorf("handle %d shared by %d workers", conn.id, n)
		}
		mu.Lock()
		seen[task]++
		mu.Unlock()
		conn.lent.Add(-1)
		done.Done()
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	var producers sync.WaitGroup
	for g := 0; g < 4; g++ {
		producers.Add(1)
		go func(g int) {
			defer producers.Done()
			for i := g; i < total; i += 4 {
				for !p.Append(i) {
					time.Sleep(10 * time.Microsecond)
				}
			}
		}(g)
	}
	producers.Wait()
	waitCh := make(chan struct{})
	go func() {
		done.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(10 * time.Second):
		t.Fatal("tasks did not complete")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct tasks, got %d", total, len(seen))
	}
	for task, n := range seen {
		if n != 1 {
			t.Fatalf("task %d ran %d times", task, n)
		}
	}
	if db.Free() != 2 {
		t.Fatalf("db handles leaked: free=%d", db.Free())
	}
}

func TestLeaseReleasedWhenHandlerPanics(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	ran := make(chan struct{}, 2)
	p, err := New(Config{Workers: 1, MaxRequests: 4}, db, func(_ context.Context, task int, _ *testConn) {
		ran <- struct{}{}
		if task == 0 {
			panic("boom")
		}
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())
	p.Append(0)
	p.Append(1)
	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("task %d did not run; lease likely leaked after panic", i)
		}
	}
}

func TestStopWakesIdleWorkers(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	p, err := New(Config{Workers: 4, MaxRequests: 4}, db, func(context.Context, int, *testConn) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Append(1) {
		t.Fatalf("append after stop should fail")
	}
	if err := p.Start(context.Background()); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTaskWaitsForDBHandle(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	held, err := db.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ran := make(chan int, 1)
	p, err := New(Config{Workers: 2, MaxRequests: 4}, db, func(_ context.Context, task int, _ *testConn) {
		ran <- task
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())
	p.Append(7)
	select {
	case <-ran:
		t.Fatal("task ran without a free db handle")
	case <-time.After(30 * time.Millisecond):
	}
	held.Release()
	select {
	case got := <-ran:
		if got != 7 {
			t.Fatalf("unexpected task %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run after handle release")
	}
}

type discardTask struct {
	id        int
	discarded *atomic.Int32
}

func (d discardTask) Discard() { d.discarded.Add(1) }

func TestStopDiscardsQueuedTasks(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	var discarded atomic.Int32
	p, err := New(Config{Workers: 1, MaxRequests: 4}, db, func(context.Context, discardTask, *testConn) {
		t.Errorf("handler ran on a pool that was never started")
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		p.Append(discardTask{id: i, discarded: &discarded})
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := discarded.Load(); got != 3 {
		t.Fatalf("expected 3 discarded tasks, got %d", got)
	}
	if p.Pending() != 0 {
		t.Fatalf("queue not drained: %d pending", p.Pending())
	}
}

func TestLeaseFailureDiscardsTask(t *testing.T) {
	t.Parallel()

	db := newDB(t, 1)
	if err := db.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	var discarded atomic.Int32
	ran := make(chan struct{}, 1)
	p, err := New(Config{Workers: 1, MaxRequests: 4}, db, func(context.Context, discardTask, *testConn) {
		ran <- struct{}{}
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())
	p.Append(discardTask{id: 1, discarded: &discarded})
	deadline := time.Now().Add(2 * time.Second)
	for discarded.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task was not discarded after the lease failed")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-ran:
		t.Fatal("handler ran without a lease")
	default:
	}
}
