//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/httpconn"
	"pkt.systems/tinyhttpd/internal/svcfields"
	"pkt.systems/tinyhttpd/internal/timerlist"
)

const (
	connEvents = unix.EPOLLRDHUP | unix.EPOLLONESHOT | unix.EPOLLET
	hangup     = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	maxEvents  = 1024
)

// slot is the loop's record for one descriptor. Slots and their Conns are
// reused when the kernel hands out the same descriptor again.
type slot struct {
	conn  *httpconn.Conn
	timer timerlist.Handle
	epoch uint64
	open  bool
}

// Reactor owns the listener, the epoll instance and every client socket.
// Only Arm, Stop and the read-only accessors may be called from other
// goroutines.
type Reactor struct {
	cfg    Config
	logger pslog.Logger

	epfd   int
	lfd    int
	wakefd int
	addr   *net.TCPAddr

	// Owned by the loop goroutine.
	slots  []*slot
	timers *timerlist.List
	seq    uint64
	epoch  uint64

	active   atomic.Int64
	evicted  atomic.Int64
	accepted atomic.Int64
	pending  atomic.Int64
	stopping atomic.Bool
	serving  atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
	metrics   *reactorMetrics
}

// New binds the listener and prepares the epoll instance. Serve starts the
// loop.
func New(cfg Config) (*Reactor, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "server.reactor"),
		epfd:   -1,
		lfd:    -1,
		wakefd: -1,
		timers: timerlist.New(),
	}
	var err error
	if r.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if r.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		r.closeFds()
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	if r.lfd, r.addr, err = listenTCP(cfg.Listen, cfg.Backlog); err != nil {
		r.closeFds()
		return nil, err
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, r.lfd, unix.EPOLLIN); err != nil {
		r.closeFds()
		return nil, fmt.Errorf("reactor: register listener: %w", err)
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, r.wakefd, unix.EPOLLIN); err != nil {
		r.closeFds()
		return nil, fmt.Errorf("reactor: register eventfd: %w", err)
	}
	r.metrics = newReactorMetrics(r.logger, r)
	r.logger.Info("tinyhttpd.reactor.listening",
		"addr", r.addr.String(),
		"backlog", cfg.Backlog,
		"idle_timeout", cfg.IdleTimeout,
		"tick", cfg.TickInterval,
		"max_conns", cfg.MaxConns)
	return r, nil
}

// Addr returns the bound listener address.
func (r *Reactor) Addr() net.Addr {
	return r.addr
}

// Active returns the number of open client connections.
func (r *Reactor) Active() int { return int(r.active.Load()) }

// Evicted returns how many connections were closed by the idle timer.
func (r *Reactor) Evicted() int64 { return r.evicted.Load() }

// Accepted returns how many connections were admitted.
func (r *Reactor) Accepted() int64 { return r.accepted.Load() }

// PendingTimers returns the timer records as of the last loop iteration.
func (r *Reactor) PendingTimers() int { return int(r.pending.Load()) }

// Serve runs the loop until Stop is called or ctx ends.
func (r *Reactor) Serve(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.serving.CompareAndSwap(false, true) {
		return errors.New("reactor: already serving")
	}
	defer r.serving.Store(false)
	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	tick := r.cfg.TickInterval
	waitMs := int(tick / time.Millisecond)
	if waitMs <= 0 {
		waitMs = 1
	}
	nextTick := r.cfg.Clock.Now().Add(tick)
	for !r.stopping.Load() {
		n, err := unix.EpollWait(r.epfd, events, waitMs)
		if err != nil && err != unix.EINTR {
			r.logger.Error("tinyhttpd.reactor.wait_failed", "error", err)
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.lfd:
				r.accept()
			case r.wakefd:
				r.drainWake()
			default:
				r.handle(fd, events[i].Events)
			}
		}
		if now := r.cfg.Clock.Now(); !now.Before(nextTick) {
			if expired := r.timers.Tick(now); expired > 0 {
				r.logger.Debug("tinyhttpd.reactor.tick", "expired", expired, "remaining", r.timers.Len())
			}
			nextTick = now.Add(tick)
		}
		r.pending.Store(int64(r.timers.Len()))
	}
	r.logger.Info("tinyhttpd.reactor.stopped", "active", r.active.Load())
	return nil
}

// Stop makes Serve return after its current iteration. It is safe to call
// from any goroutine and more than once.
func (r *Reactor) Stop() {
	if r.stopping.Swap(true) || r.closed.Load() {
		return
	}
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(r.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		r.logger.Warn("tinyhttpd.reactor.wake_failed", "error", err)
	}
}

// Close closes every client connection, the listener and the epoll
// instance. Call it after Serve has returned and the dispatcher has stopped.
func (r *Reactor) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.stopping.Store(true)
		closedConns := 0
		for _, s := range r.slots {
			if s == nil || !s.open {
				continue
			}
			if err := r.release(s, "shutdown"); err != nil {
				errs = append(errs, err)
			}
			closedConns++
		}
		errs = append(errs, r.closeFds())
		r.closed.Store(true)
		r.logger.Info("tinyhttpd.reactor.closed", "connections", closedConns)
	})
	return errors.Join(errs...)
}

func (r *Reactor) closeFds() error {
	var errs []error
	for _, fd := range []*int{&r.lfd, &r.wakefd, &r.epfd} {
		if *fd < 0 {
			continue
		}
		if err := unix.Close(*fd); err != nil {
			errs = append(errs, err)
		}
		*fd = -1
	}
	return errors.Join(errs...)
}

// Arm re-enables one-shot readiness for c. Workers call it when a pass ends.
func (r *Reactor) Arm(c *httpconn.Conn, interest httpconn.Interest) error {
	var ev uint32 = unix.EPOLLIN
	if interest == httpconn.InterestWrite {
		ev = unix.EPOLLOUT
	}
	return r.ctl(unix.EPOLL_CTL_MOD, c.Slot(), ev|connEvents)
}

func (r *Reactor) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, op, fd, &ev)
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (r *Reactor) accept() {
	for {
		nfd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				r.logger.Warn("tinyhttpd.reactor.accept_failed", "error", err)
			}
			return
		}
		peer := sockaddrString(sa)
		if int(r.active.Load()) >= r.cfg.MaxConns {
			_, _ = unix.Write(nfd, []byte(busyReply))
			_ = unix.Close(nfd)
			r.metrics.recordRefused("table_full")
			r.logger.Warn("tinyhttpd.reactor.busy", "peer", peer, "max_conns", r.cfg.MaxConns)
			continue
		}
		if !r.cfg.Guard.Allow(peer) {
			_ = unix.Close(nfd)
			r.metrics.recordRefused("guard")
			continue
		}
		if err := r.open(nfd, peer); err != nil {
			_ = unix.Close(nfd)
			r.logger.Warn("tinyhttpd.reactor.register_failed", "peer", peer, "error", err)
		}
	}
}

func (r *Reactor) slotFor(fd int) *slot {
	if fd >= len(r.slots) {
		grown := make([]*slot, max(fd+1, 2*len(r.slots)))
		copy(grown, r.slots)
		r.slots = grown
	}
	s := r.slots[fd]
	if s == nil {
		s = &slot{conn: httpconn.New(r.cfg.Site)}
		r.slots[fd] = s
	}
	return s
}

func (r *Reactor) open(fd int, peer string) error {
	s := r.slotFor(fd)
	s.conn.Open(&fdSocket{fd: fd}, peer, fd, r)
	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|connEvents); err != nil {
		return err
	}
	r.epoch++
	s.epoch = r.epoch
	s.open = true
	s.timer = r.timers.Add(r.cfg.Clock.Now().Add(r.cfg.IdleTimeout), r.expireFunc(s, s.epoch))
	r.active.Add(1)
	r.accepted.Add(1)
	r.metrics.recordAccepted()
	r.logger.Debug("tinyhttpd.reactor.accept", "peer", peer, "conn_id", s.conn.ID(), "fd", fd)
	return nil
}

// expireFunc builds the eviction callback for one lifetime of s. A
// connection still owned by a worker is given another idle window.
func (r *Reactor) expireFunc(s *slot, epoch uint64) func() {
	var fn func()
	fn = func() {
		if !s.open || s.epoch != epoch {
			return
		}
		if s.conn.Busy() {
			s.timer = r.timers.Add(r.cfg.Clock.Now().Add(r.cfg.IdleTimeout), fn)
			return
		}
		s.timer = timerlist.Handle{}
		r.evicted.Add(1)
		r.metrics.recordEvicted()
		_ = r.release(s, "idle_timeout")
	}
	return fn
}

func (r *Reactor) handle(fd int, events uint32) {
	if fd < 0 || fd >= len(r.slots) {
		return
	}
	s := r.slots[fd]
	if s == nil || !s.open {
		return
	}
	c := s.conn
	switch {
	case events&hangup != 0:
		_ = r.release(s, "peer_hangup")
	case events&unix.EPOLLIN != 0:
		if err := c.Read(); err != nil {
			reason := "read_error"
			if errors.Is(err, httpconn.ErrPeerClosed) {
				reason = "peer_closed"
			}
			_ = r.release(s, reason)
			return
		}
		r.timers.Adjust(s.timer, r.cfg.Clock.Now().Add(r.cfg.IdleTimeout))
		r.dispatch(s)
	case events&unix.EPOLLOUT != 0:
		keep, err := c.Write()
		if err != nil || !keep {
			if c.Status() == 400 && c.Failure() != "" {
				r.cfg.Guard.RecordFailure(c.Peer(), c.Failure())
			}
			reason := "response_done"
			if err != nil {
				reason = "write_error"
			}
			_ = r.release(s, reason)
			return
		}
		r.timers.Adjust(s.timer, r.cfg.Clock.Now().Add(r.cfg.IdleTimeout))
	}
}

func (r *Reactor) dispatch(s *slot) {
	r.seq++
	if r.seq == 0 {
		r.seq++
	}
	token := r.seq
	s.conn.BeginPass(token)
	if r.cfg.Dispatcher.Append(s.conn) {
		return
	}
	s.conn.AbortPass(token)
	r.logger.Warn("tinyhttpd.reactor.dispatch_rejected", "conn_id", s.conn.ID(), "peer", s.conn.Peer())
	if err := s.conn.RespondBusy(); err != nil {
		_ = r.release(s, "arm_failed")
	}
}

// release closes the socket of s and drops its timer.
func (r *Reactor) release(s *slot, reason string) error {
	if !s.open {
		return nil
	}
	s.open = false
	if s.timer.Valid() {
		r.timers.Remove(s.timer)
		s.timer = timerlist.Handle{}
	}
	fd := s.conn.Slot()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.active.Add(-1)
	r.logger.Debug("tinyhttpd.reactor.close", "conn_id", s.conn.ID(), "peer", s.conn.Peer(), "reason", reason)
	return s.conn.Close()
}
