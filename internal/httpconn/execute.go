package httpconn

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"pkt.systems/tinyhttpd/internal/userdb"
)

// execute resolves a complete request to a response class. For file
// responses the body is mapped into c.file.
func (c *Conn) execute(ctx context.Context, db userdb.Conn) Result {
	switch c.method {
	case MethodGET, MethodPOST:
	default:
		c.failure = "method_not_serviced"
		return BadRequest
	}
	route := c.target
	if alias, ok := c.site.aliases[route]; ok {
		route = alias
	}
	if ep, ok := c.site.endpoints[route]; ok && c.method == MethodPOST {
		form, err := url.ParseQuery(string(c.body))
		if err != nil {
			c.failure = "malformed_form"
			return BadRequest
		}
		success, err := ep.Handle(ctx, db, form)
		if err != nil {
			c.logger.Error("tinyhttpd.http.endpoint.failed", "route", route, "error", err)
			return InternalError
		}
		page := ep.Failure
		if success {
			page = ep.Success
		}
		c.logger.Debug("tinyhttpd.http.endpoint", "route", route, "success", success, "page", page)
		route = withSlash(page)
	}
	return c.openFile(route)
}

func (c *Conn) openFile(route string) Result {
	name := filepath.Join(c.site.root, filepath.FromSlash(path.Clean("/"+route)))
	info, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Forbidden
		}
		return NotFound
	}
	if info.IsDir() {
		name = filepath.Join(name, "index.html")
		info, err = os.Stat(name)
		if err != nil || info.IsDir() {
			return Forbidden
		}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o004 == 0 {
		return Forbidden
	}
	data, err := mapFile(name, info.Size())
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Forbidden
		}
		c.logger.Error("tinyhttpd.http.file.map_failed", "path", name, "error", err)
		return InternalError
	}
	c.file = data
	return FileRequest
}

func (c *Conn) unmap() {
	if c.file == nil {
		return
	}
	if err := unmapFile(c.file); err != nil {
		c.logger.Warn("tinyhttpd.http.file.unmap_failed", "error", err)
	}
	c.file = nil
}
