package httpconn

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/tinyhttpd/internal/userdb"
)

type statusText struct {
	code   int
	reason string
	body   string
}

var statusTexts = map[Result]statusText{
	BadRequest:    {400, "Bad Request", "Your request has bad syntax or is inherently impossible to satisfy.\n"},
	Forbidden:     {403, "Forbidden", "You do not have permission to get file from this server.\n"},
	NotFound:      {404, "Not Found", "The requested file was not found on this server.\n"},
	InternalError: {500, "Internal Error", "There was an unusual problem serving the request file.\n"},
	ServiceBusy:   {503, "Service Unavailable", "The server is busy, try again later.\n"},
}

const emptyPage = "<html><body></body></html>"

// Process runs one parse pass over the buffered bytes and, for a complete
// request, executes it and prepares the response. It then re-arms the
// socket for reading (more bytes needed) or writing (response ready) and
// releases the pass. The caller must not touch c after Process returns
// unless it owns c again.
func (c *Conn) Process(ctx context.Context, db userdb.Conn) {
	token := c.pass.Load()
	defer c.pass.CompareAndSwap(token, 0)
	ctx, span := c.site.tracer.Start(ctx, "httpconn.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("tinyhttpd.conn_id", c.id.String())),
	)
	interest := c.process(ctx, db)
	if c.status != 0 {
		span.SetAttributes(
			attribute.String("http.request.method", c.method.String()),
			attribute.String("url.path", c.target),
			attribute.Int("http.response.status_code", c.status),
		)
		if c.status >= 500 {
			span.SetStatus(codes.Error, c.failure)
		}
	}
	span.End()
	if err := c.poller.Arm(c, interest); err != nil {
		c.logger.Warn("tinyhttpd.http.arm_failed", "interest", interest.String(), "error", err)
	}
}

func (c *Conn) process(ctx context.Context, db userdb.Conn) (interest Interest) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tinyhttpd.http.panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			c.failure = "panic"
			c.unmap()
			c.prepare(InternalError)
			interest = InterestWrite
		}
	}()
	res := c.parse()
	if res == NeedMore {
		if c.readIdx < len(c.readBuf) {
			return InterestRead
		}
		c.failure = "buffer_full"
		res = BadRequest
	}
	if res == RequestComplete {
		res = c.execute(ctx, db)
	}
	c.prepare(res)
	c.site.metrics.recordResponse(ctx, c.status, c.failure)
	if res == BadRequest || res == InternalError {
		c.logger.Warn("tinyhttpd.http.request.rejected", "status", c.status, "reason", c.failure, "method", c.method.String(), "target", c.target)
	} else {
		c.logger.Debug("tinyhttpd.http.request", "method", c.method.String(), "target", c.target, "status", c.status, "keep_alive", c.keepAlive)
	}
	return InterestWrite
}

// RespondBusy prepares a 503 for a connection whose pass was refused by the
// worker pool and arms it for writing. The connection closes after the
// response.
func (c *Conn) RespondBusy() error {
	c.failure = "busy"
	c.prepare(ServiceBusy)
	c.site.metrics.recordResponse(context.Background(), c.status, c.failure)
	return c.poller.Arm(c, InterestWrite)
}

// prepare assembles the response for res into the write buffer. When the
// headers cannot be assembled nothing is queued and the connection closes
// after the next write event.
func (c *Conn) prepare(res Result) {
	c.writeBuf = c.writeBuf[:0]
	c.iov = nil
	c.bytesToSend = 0
	c.bytesSent = 0
	if !c.assemble(res) {
		c.writeBuf = c.writeBuf[:0]
		c.unmap()
		c.closeAfter = true
		c.status = 0
		c.logger.Warn("tinyhttpd.http.response.overflow", "result", res.String())
		return
	}
	c.bytesToSend = len(c.writeBuf)
	if len(c.file) > 0 && res == FileRequest {
		c.iovArr[0] = c.writeBuf
		c.iovArr[1] = c.file
		c.iov = c.iovArr[:2]
		c.bytesToSend += len(c.file)
		return
	}
	c.iovArr[0] = c.writeBuf
	c.iovArr[1] = nil
	c.iov = c.iovArr[:1]
}

func (c *Conn) assemble(res Result) bool {
	switch res {
	case BadRequest, InternalError, ServiceBusy:
		c.closeAfter = true
	}
	if res == FileRequest {
		c.status = 200
		if len(c.file) == 0 {
			return c.addStatusLine(200, "OK") &&
				c.addHeaders(len(emptyPage)) &&
				c.addContent(emptyPage)
		}
		return c.addStatusLine(200, "OK") && c.addHeaders(len(c.file))
	}
	text, ok := statusTexts[res]
	if !ok {
		return false
	}
	c.status = text.code
	return c.addStatusLine(text.code, text.reason) &&
		c.addHeaders(len(text.body)) &&
		c.addContent(text.body)
}

// add appends formatted bytes to the write buffer, refusing to grow it past
// its capacity.
func (c *Conn) add(format string, args ...any) bool {
	before := len(c.writeBuf)
	out := fmt.Appendf(c.writeBuf, format, args...)
	if len(out) > cap(c.writeBuf) {
		c.writeBuf = c.writeBuf[:before]
		return false
	}
	c.writeBuf = out
	return true
}

func (c *Conn) addStatusLine(code int, reason string) bool {
	return c.add("%s %d %s\r\n", "HTTP/1.1", code, reason)
}

func (c *Conn) addHeaders(contentLength int) bool {
	return c.add("Content-Length: %d\r\n", contentLength) &&
		c.add("Connection: %s\r\n", c.connectionHeader()) &&
		c.add("\r\n")
}

func (c *Conn) addContent(body string) bool {
	return c.add("%s", body)
}

// Write flushes the prepared response, resuming where the previous call
// stopped. It reports whether the connection stays open; on true the socket
// has been re-armed for the next event.
func (c *Conn) Write() (bool, error) {
	if c.bytesToSend == 0 {
		c.unmap()
		if c.closeAfter || !c.keepAlive {
			return false, nil
		}
		c.reset()
		return true, c.poller.Arm(c, InterestRead)
	}
	for {
		n, err := c.sock.Writev(c.iov)
		if n > 0 {
			c.bytesSent += n
			c.bytesToSend -= n
			c.advance(n)
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return true, c.poller.Arm(c, InterestWrite)
			}
			c.unmap()
			return false, err
		}
		if c.bytesToSend <= 0 {
			c.unmap()
			if c.keepAlive && !c.closeAfter {
				c.reset()
				return true, c.poller.Arm(c, InterestRead)
			}
			return false, nil
		}
		if n == 0 {
			return true, c.poller.Arm(c, InterestWrite)
		}
	}
}

// advance drops n written bytes from the front of the scatter list.
func (c *Conn) advance(n int) {
	for n > 0 && len(c.iov) > 0 {
		if n >= len(c.iov[0]) {
			n -= len(c.iov[0])
			c.iov = c.iov[1:]
			continue
		}
		c.iov[0] = c.iov[0][n:]
		n = 0
	}
}

// BytesSent returns the bytes of the current response already written.
func (c *Conn) BytesSent() int { return c.bytesSent }

// BytesPending returns the bytes of the current response not yet written.
func (c *Conn) BytesPending() int { return c.bytesToSend }
