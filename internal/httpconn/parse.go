package httpconn

import (
	"bytes"
	"strconv"
	"strings"
)

// Method is a request method recognised by the parser.
type Method uint8

const (
	MethodGET Method = iota + 1
	MethodPOST
	MethodHEAD
	MethodPUT
	MethodDELETE
	MethodTRACE
	MethodOPTIONS
	MethodCONNECT
	MethodPATCH
)

var methodNames = [...]string{
	MethodGET:     "GET",
	MethodPOST:    "POST",
	MethodHEAD:    "HEAD",
	MethodPUT:     "PUT",
	MethodDELETE:  "DELETE",
	MethodTRACE:   "TRACE",
	MethodOPTIONS: "OPTIONS",
	MethodCONNECT: "CONNECT",
	MethodPATCH:   "PATCH",
}

func (m Method) String() string {
	if int(m) < len(methodNames) && methodNames[m] != "" {
		return methodNames[m]
	}
	return "UNKNOWN"
}

func lookupMethod(token string) (Method, bool) {
	for m, name := range methodNames {
		if name != "" && strings.EqualFold(name, token) {
			return Method(m), true
		}
	}
	return 0, false
}

// Result classifies one pass over the buffered bytes, and later the outcome
// of executing a complete request.
type Result uint8

const (
	NeedMore Result = iota
	RequestComplete
	BadRequest
	NotFound
	Forbidden
	FileRequest
	InternalError
	PeerClosed
	// ServiceBusy marks a request shed because the worker queue was full.
	ServiceBusy
)

func (r Result) String() string {
	switch r {
	case NeedMore:
		return "need_more"
	case RequestComplete:
		return "request_complete"
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case FileRequest:
		return "file_request"
	case InternalError:
		return "internal_error"
	case PeerClosed:
		return "peer_closed"
	case ServiceBusy:
		return "service_busy"
	default:
		return "unknown"
	}
}

type lineStatus uint8

const (
	lineOK lineStatus = iota
	lineBad
	lineOpen
)

// parseLine scans from checkedIdx for CRLF. On lineOK checkedIdx points past
// the terminator. On lineOpen a trailing CR is left unchecked so the next
// pass sees it again together with its LF.
func (c *Conn) parseLine() lineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return lineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.checkedIdx += 2
				return lineOK
			}
			return lineBad
		case '\n':
			return lineBad
		}
	}
	return lineOpen
}

// parse runs the main machine over every complete line buffered so far.
func (c *Conn) parse() Result {
	for {
		switch c.state {
		case stateBody:
			return c.parseBody()
		case stateRequestLine, stateHeaders:
		default:
			return InternalError
		}
		switch c.parseLine() {
		case lineOpen:
			return NeedMore
		case lineBad:
			c.failure = "bad_line_terminator"
			return BadRequest
		}
		line := c.readBuf[c.startLine : c.checkedIdx-2]
		c.startLine = c.checkedIdx
		var res Result
		if c.state == stateRequestLine {
			res = c.parseRequestLine(line)
		} else {
			res = c.parseHeader(line)
		}
		if res != NeedMore {
			return res
		}
	}
}

func cutSpace(s string) (string, string, bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func (c *Conn) parseRequestLine(line []byte) Result {
	methodToken, rest, ok := cutSpace(string(line))
	if !ok {
		c.failure = "malformed_request_line"
		return BadRequest
	}
	method, known := lookupMethod(methodToken)
	if !known {
		c.failure = "unknown_method"
		return BadRequest
	}
	target, version, ok := cutSpace(strings.TrimLeft(rest, " \t"))
	if !ok {
		c.failure = "malformed_request_line"
		return BadRequest
	}
	version = strings.TrimLeft(version, " \t")
	switch {
	case strings.EqualFold(version, "HTTP/1.1"):
		version = "HTTP/1.1"
	case strings.EqualFold(version, "HTTP/1.0"):
		version = "HTTP/1.0"
	default:
		c.failure = "unsupported_version"
		return BadRequest
	}
	target, ok = normalizeTarget(target)
	if !ok {
		c.failure = "malformed_target"
		return BadRequest
	}
	if target == "/" {
		target = "/" + c.site.home
	}
	c.method = method
	c.target = target
	c.version = version
	c.state = stateHeaders
	return NeedMore
}

// normalizeTarget strips an absolute-URI scheme and authority and any query.
func normalizeTarget(target string) (string, bool) {
	for _, scheme := range []string{"http://", "https://"} {
		if len(target) >= len(scheme) && strings.EqualFold(target[:len(scheme)], scheme) {
			target = target[len(scheme):]
			i := strings.IndexByte(target, '/')
			if i < 0 {
				return "", false
			}
			target = target[i:]
			break
		}
	}
	if target == "" || target[0] != '/' {
		return "", false
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	return target, true
}

func (c *Conn) parseHeader(line []byte) Result {
	if len(line) == 0 {
		if c.contentLength == 0 {
			return RequestComplete
		}
		if c.contentLength > len(c.readBuf)-c.checkedIdx {
			c.failure = "body_exceeds_buffer"
			return BadRequest
		}
		c.state = stateBody
		return NeedMore
	}
	name, value, ok := bytes.Cut(line, []byte{':'})
	if !ok {
		c.logger.Debug("tinyhttpd.http.header.malformed", "line", string(line))
		return NeedMore
	}
	key := string(bytes.TrimSpace(name))
	val := strings.TrimSpace(string(value))
	switch {
	case strings.EqualFold(key, "Connection"):
		for _, token := range strings.Split(val, ",") {
			switch normalizeToken(token) {
			case "keep-alive":
				c.keepAlive = true
			case "close":
				c.keepAlive = false
			}
		}
	case strings.EqualFold(key, "Content-Length"):
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			c.failure = "bad_content_length"
			return BadRequest
		}
		c.contentLength = n
	case strings.EqualFold(key, "Host"):
		c.host = val
	default:
		c.logger.Debug("tinyhttpd.http.header.ignored", "name", key)
	}
	return NeedMore
}

func (c *Conn) parseBody() Result {
	if c.readIdx-c.checkedIdx >= c.contentLength {
		c.body = c.readBuf[c.checkedIdx : c.checkedIdx+c.contentLength]
		return RequestComplete
	}
	return NeedMore
}
