package httpconn

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/svcfields"
	"pkt.systems/tinyhttpd/internal/userdb"
)

const (
	// DefaultReadBufferSize bounds the bytes buffered for one request.
	DefaultReadBufferSize = 2048
	// DefaultWriteBufferSize bounds the status line and headers of a response.
	DefaultWriteBufferSize = 1024
	// DefaultHome is served for the "/" target.
	DefaultHome = "judge.html"
)

// BusinessFunc handles a form posted to an endpoint and reports success.
type BusinessFunc func(ctx context.Context, db userdb.Conn, form url.Values) (bool, error)

// Endpoint is a POST route answered by a business handler instead of the
// filesystem. Success and Failure name the pages served for each outcome.
type Endpoint struct {
	Handle  BusinessFunc
	Success string
	Failure string
}

// SiteConfig describes what a server serves.
type SiteConfig struct {
	// Root is the directory files are served from.
	Root string
	// Home is the document served for "/".
	Home            string
	ReadBufferSize  int
	WriteBufferSize int
	// Aliases rewrite a request path before routing ("/0" -> "/register.html").
	Aliases map[string]string
	// Endpoints maps request paths to business handlers.
	Endpoints map[string]Endpoint
	Logger    pslog.Logger
}

// Site is the immutable routing and sizing shared by every Conn.
type Site struct {
	root            string
	home            string
	readBufferSize  int
	writeBufferSize int
	aliases         map[string]string
	endpoints       map[string]Endpoint
	logger          pslog.Logger
	tracer          trace.Tracer
	metrics         *connMetrics
}

// DefaultAliases returns the numbered short routes of the bundled pages.
func DefaultAliases() map[string]string {
	return map[string]string{
		"/0": "/register.html",
		"/1": "/log.html",
		"/2": "/login",
		"/3": "/register",
		"/5": "/picture.html",
		"/6": "/video.html",
		"/7": "/fans.html",
	}
}

// NewSite validates cfg and applies defaults.
func NewSite(cfg SiteConfig) (*Site, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("httpconn: document root required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("httpconn: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("httpconn: document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("httpconn: document root %q is not a directory", root)
	}
	if cfg.Home == "" {
		cfg.Home = DefaultHome
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.WriteBufferSize < 128 {
		return nil, fmt.Errorf("httpconn: write buffer of %d bytes cannot hold response headers", cfg.WriteBufferSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "http.conn")
	s := &Site{
		root:            root,
		home:            strings.TrimPrefix(cfg.Home, "/"),
		readBufferSize:  cfg.ReadBufferSize,
		writeBufferSize: cfg.WriteBufferSize,
		aliases:         make(map[string]string, len(cfg.Aliases)),
		endpoints:       make(map[string]Endpoint, len(cfg.Endpoints)),
		logger:          logger,
		tracer:          otel.Tracer("pkt.systems/tinyhttpd/httpconn"),
	}
	for from, to := range cfg.Aliases {
		s.aliases[withSlash(from)] = withSlash(to)
	}
	for route, ep := range cfg.Endpoints {
		if ep.Handle == nil {
			return nil, fmt.Errorf("httpconn: endpoint %q has no handler", route)
		}
		s.endpoints[withSlash(route)] = ep
	}
	s.metrics = newConnMetrics(logger)
	return s, nil
}

// Root returns the absolute document root.
func (s *Site) Root() string { return s.root }

func withSlash(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
