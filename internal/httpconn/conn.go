// Package httpconn implements the per-connection HTTP/1.x request machine.
//
// A Conn is driven from two sides. The readiness loop calls Read and Write on
// its own goroutine; a worker calls Process with the buffered bytes. The
// caller guarantees that a connection is never handed to a second worker
// before the previous Process call returns, so the parse state needs no lock.
package httpconn

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/svcfields"
)

// Sentinel errors reported by Read and Write.
var (
	ErrWouldBlock = errors.New("httpconn: would block")
	ErrPeerClosed = errors.New("httpconn: peer closed")
	ErrBufferFull = errors.New("httpconn: read buffer full")
)

// Socket is the non-blocking transport under a Conn. Read and Writev return
// ErrWouldBlock when the kernel has nothing more to offer or accept.
type Socket interface {
	Read(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	Close() error
}

// Interest names the readiness a connection waits for next.
type Interest uint8

const (
	InterestRead Interest = iota + 1
	InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	default:
		return "none"
	}
}

// Poller re-arms one-shot readiness for a connection. Arm must be safe to
// call from worker goroutines.
type Poller interface {
	Arm(c *Conn, interest Interest) error
}

type checkState uint8

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateBody
)

// Conn is one client connection. Conns are reusable: Open binds a fresh
// socket to a Conn previously closed.
type Conn struct {
	site   *Site
	sock   Socket
	poller Poller
	slot   int
	id     xid.ID
	peer   string
	logger pslog.Logger

	readBuf    []byte
	readIdx    int
	checkedIdx int
	startLine  int
	state      checkState

	method        Method
	target        string
	version       string
	host          string
	contentLength int
	keepAlive     bool
	body          []byte

	writeBuf    []byte
	file        []byte
	iovArr      [2][]byte
	iov         [][]byte
	bytesToSend int
	bytesSent   int
	closeAfter  bool
	status      int
	failure     string

	// pass holds the token of the dispatch currently owned by a worker, or 0.
	pass atomic.Uint64
}

// New allocates a Conn with the site's buffer capacities.
func New(site *Site) *Conn {
	return &Conn{
		site:     site,
		readBuf:  make([]byte, site.readBufferSize),
		writeBuf: make([]byte, 0, site.writeBufferSize),
		logger:   site.logger,
	}
}

// Open binds sock to c. slot is an opaque key for the poller.
func (c *Conn) Open(sock Socket, peer string, slot int, poller Poller) {
	c.sock = sock
	c.peer = peer
	c.slot = slot
	c.poller = poller
	c.id = xid.New()
	c.logger = svcfields.WithConn(c.site.logger, c.id.String(), peer)
	c.pass.Store(0)
	c.unmap()
	c.reset()
}

// reset prepares for the next request on the same socket.
func (c *Conn) reset() {
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.state = stateRequestLine
	c.method = 0
	c.target = ""
	c.version = ""
	c.host = ""
	c.contentLength = 0
	c.keepAlive = false
	c.body = nil
	c.writeBuf = c.writeBuf[:0]
	c.iov = nil
	c.bytesToSend = 0
	c.bytesSent = 0
	c.closeAfter = false
	c.status = 0
	c.failure = ""
}

// Close releases the mapped response body and closes the socket.
func (c *Conn) Close() error {
	c.unmap()
	sock := c.sock
	c.sock = nil
	if sock == nil {
		return nil
	}
	return sock.Close()
}

// Read drains the socket into the read buffer until it would block. It
// returns ErrBufferFull when no room is left, ErrPeerClosed on orderly
// shutdown by the peer, or the socket error.
func (c *Conn) Read() error {
	if c.readIdx >= len(c.readBuf) {
		return ErrBufferFull
	}
	for c.readIdx < len(c.readBuf) {
		n, err := c.sock.Read(c.readBuf[c.readIdx:])
		if n > 0 {
			c.readIdx += n
		}
		switch {
		case errors.Is(err, ErrWouldBlock):
			return nil
		case errors.Is(err, io.EOF):
			return ErrPeerClosed
		case err != nil:
			return err
		case n == 0:
			return ErrPeerClosed
		}
	}
	return nil
}

// BeginPass marks c as owned by a worker until Process returns. token must
// be non-zero and differ from the previous pass.
func (c *Conn) BeginPass(token uint64) {
	c.pass.Store(token)
}

// AbortPass clears a pass that never reached a worker.
func (c *Conn) AbortPass(token uint64) {
	c.pass.CompareAndSwap(token, 0)
}

// Discard releases the pass of a connection a worker dropped without
// processing. The socket stays disarmed; the idle timer closes it.
func (c *Conn) Discard() {
	c.pass.Store(0)
}

// Busy reports whether a worker currently owns c.
func (c *Conn) Busy() bool {
	return c.pass.Load() != 0
}

// ID returns the connection's log correlation id.
func (c *Conn) ID() string { return c.id.String() }

// Peer returns the remote address.
func (c *Conn) Peer() string { return c.peer }

// Slot returns the poller key bound by Open.
func (c *Conn) Slot() int { return c.slot }

// Method returns the parsed request method.
func (c *Conn) Method() Method { return c.method }

// Target returns the normalised request path.
func (c *Conn) Target() string { return c.target }

// Version returns the request's protocol version.
func (c *Conn) Version() string { return c.version }

// Host returns the Host header value.
func (c *Conn) Host() string { return c.host }

// ContentLength returns the declared body length.
func (c *Conn) ContentLength() int { return c.contentLength }

// Body returns the request body once the request is complete.
func (c *Conn) Body() []byte { return c.body }

// KeepAlive reports whether the client asked for a persistent connection.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// Status returns the status code of the last prepared response.
func (c *Conn) Status() int { return c.status }

// Failure returns the protocol error that ended the last request, if any.
func (c *Conn) Failure() string { return c.failure }

func (c *Conn) connectionHeader() string {
	if c.keepAlive && !c.closeAfter {
		return "keep-alive"
	}
	return "close"
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
