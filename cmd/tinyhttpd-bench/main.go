// Command tinyhttpd-bench drives a tinyhttpd server with concurrent
// requests and reports latency percentiles. Without --endpoint it starts an
// in-process server over a temporary document root.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd"
)

type benchConfig struct {
	mode         string
	ops          int
	concurrency  int
	keepAlive    bool
	endpoint     string
	host         string
	path         string
	user         string
	password     string
	payloadBytes int
	workers      int
	dbMaxConns   int
	timeout      time.Duration
	warmupRuns   int
	runs         int
	gomaxprocs   int
	cpuProfile   string
	memProfile   string
	logLevel     string
	logPath      string
}

func main() {
	cfg := benchConfig{
		mode:         modeGet,
		ops:          10000,
		concurrency:  16,
		keepAlive:    true,
		path:         "/",
		user:         "bench",
		password:     "bench",
		payloadBytes: 1024,
		workers:      tinyhttpd.DefaultWorkers,
		dbMaxConns:   tinyhttpd.DefaultDBMaxConns,
		timeout:      5 * time.Second,
		warmupRuns:   1,
		runs:         3,
		logLevel:     "error",
	}
	flag.StringVar(&cfg.mode, "mode", cfg.mode, "request mix: get, login, mixed (3 GET : 1 login)")
	flag.IntVar(&cfg.ops, "ops", cfg.ops, "requests per run")
	flag.IntVar(&cfg.concurrency, "concurrency", cfg.concurrency, "concurrent clients")
	flag.BoolVar(&cfg.keepAlive, "keep-alive", cfg.keepAlive, "reuse connections between requests")
	flag.StringVar(&cfg.endpoint, "endpoint", "", "host:port of a running server (empty starts one in-process)")
	flag.StringVar(&cfg.path, "path", cfg.path, "target of GET requests")
	flag.StringVar(&cfg.user, "user", cfg.user, "account used by login requests (registered before the first run)")
	flag.StringVar(&cfg.password, "password", cfg.password, "password used by login requests")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", cfg.payloadBytes, "home page size of the in-process server")
	flag.IntVar(&cfg.workers, "workers", cfg.workers, "worker goroutines of the in-process server")
	flag.IntVar(&cfg.dbMaxConns, "db-max-conns", cfg.dbMaxConns, "database handles of the in-process server")
	flag.DurationVar(&cfg.timeout, "timeout", cfg.timeout, "per-request deadline")
	flag.IntVar(&cfg.warmupRuns, "warmup", cfg.warmupRuns, "number of warmup runs (excluded from summary)")
	flag.IntVar(&cfg.runs, "runs", cfg.runs, "number of measured runs (summary is median)")
	flag.IntVar(&cfg.gomaxprocs, "gomaxprocs", 0, "override GOMAXPROCS (0 uses default)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "in-process server log level (trace,debug,info,warn,error,disabled)")
	flag.StringVar(&cfg.logPath, "log-path", "", "in-process server log output path (default stderr)")
	flag.Parse()

	if cfg.gomaxprocs > 0 {
		runtime.GOMAXPROCS(cfg.gomaxprocs)
	}
	ctx := context.Background()
	if cfg.endpoint == "" {
		logger, closeLog := newBenchLogger(cfg)
		defer closeLog()
		endpoint, stop, err := startEmbedded(ctx, cfg, logger)
		if err != nil {
			die("start server: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
		cfg.endpoint = endpoint
	}
	if err := cfg.validate(); err != nil {
		die("%v", err)
	}
	if cfg.mode != modeGet {
		if err := seedUser(ctx, cfg); err != nil {
			die("seed: %v", err)
		}
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			die("cpuprofile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			die("cpuprofile: %v", err)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	for i := 0; i < cfg.warmupRuns; i++ {
		run := runBenchOnce(ctx, cfg)
		printBenchRun(cfg, fmt.Sprintf("warmup=%d", i+1), run)
	}
	runs := make([]benchStats, 0, cfg.runs)
	for i := 0; i < cfg.runs; i++ {
		run := runBenchOnce(ctx, cfg)
		printBenchRun(cfg, fmt.Sprintf("run=%d", i+1), run)
		runs = append(runs, run.total)
	}
	if len(runs) > 1 {
		fmt.Printf("summary runs=%d\n", len(runs))
		printStats(os.Stdout, medianStats("median", runs))
	}

	if cfg.memProfile != "" {
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			die("memprofile: %v", err)
		}
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			die("memprofile: %v", err)
		}
		_ = f.Close()
	}
}

func printBenchRun(cfg benchConfig, label string, run benchRun) {
	fmt.Printf("bench mode=%s %s ops=%d concurrency=%d keep_alive=%t endpoint=%s\n",
		cfg.mode, label, cfg.ops, cfg.concurrency, cfg.keepAlive, cfg.endpoint)
	if run.firstErr != nil {
		fmt.Printf("first_error=%v\n", run.firstErr)
	}
	printStats(os.Stdout, run.total)
}

// startEmbedded serves a generated document root with an in-memory user
// table and returns the bound address.
func startEmbedded(ctx context.Context, cfg benchConfig, logger pslog.Logger) (string, func(context.Context) error, error) {
	root, err := os.MkdirTemp("", "tinyhttpd-bench-")
	if err != nil {
		return "", nil, err
	}
	pages := map[string][]byte{
		tinyhttpd.DefaultHomePage: bytes.Repeat([]byte("x"), max(cfg.payloadBytes, 0)),
		"welcome.html":            []byte("welcome\n"),
		"logError.html":           []byte("log in failed\n"),
		"log.html":                []byte("log in\n"),
		"registerError.html":      []byte("register failed\n"),
	}
	for name, body := range pages {
		if err := os.WriteFile(filepath.Join(root, name), body, 0o644); err != nil {
			_ = os.RemoveAll(root)
			return "", nil, err
		}
	}
	srv, stop, err := tinyhttpd.StartServer(ctx, tinyhttpd.Config{
		Listen:       "127.0.0.1:0",
		DocumentRoot: root,
		Workers:      cfg.workers,
		DBMaxConns:   cfg.dbMaxConns,
		MaxRequests:  max(cfg.concurrency*4, tinyhttpd.DefaultMaxRequests),
		BcryptCost:   bcrypt.MinCost,
		// The generator is a single remote; never block it.
		ConnguardEnabledSet: true,
	}, tinyhttpd.WithLogger(logger))
	if err != nil {
		_ = os.RemoveAll(root)
		return "", nil, err
	}
	cleanup := func(ctx context.Context) error {
		err := stop(ctx)
		_ = os.RemoveAll(root)
		return err
	}
	return srv.ListenerAddr().String(), cleanup, nil
}

func newBenchLogger(cfg benchConfig) (pslog.Logger, func()) {
	levelStr := strings.TrimSpace(cfg.logLevel)
	if levelStr == "" {
		return pslog.NoopLogger(), func() {}
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		die("log-level: invalid value %q", levelStr)
	}
	if level == pslog.Disabled || level == pslog.NoLevel {
		return pslog.NoopLogger(), func() {}
	}
	var (
		writer  = os.Stderr
		cleanup = func() {}
	)
	if strings.TrimSpace(cfg.logPath) != "" {
		path, err := filepath.Abs(cfg.logPath)
		if err != nil {
			die("log-path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			die("log-path mkdir: %v", err)
		}
		f, err := os.Create(path)
		if err != nil {
			die("log-path create: %v", err)
		}
		writer = f
		cleanup = func() { _ = f.Close() }
	}
	return pslog.NewStructured(writer).LogLevel(level), cleanup
}

func die(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}
