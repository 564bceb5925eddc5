package tinyhttpd

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.DocumentRoot != DefaultDocumentRoot || cfg.HomePage != DefaultHomePage {
		t.Fatalf("unexpected document defaults: %q %q", cfg.DocumentRoot, cfg.HomePage)
	}
	if cfg.DB != DefaultDB || cfg.DBMaxConns != DefaultDBMaxConns {
		t.Fatalf("unexpected db defaults: %q %d", cfg.DB, cfg.DBMaxConns)
	}
	if cfg.Workers != DefaultWorkers || cfg.MaxRequests != DefaultMaxRequests {
		t.Fatalf("unexpected worker defaults: %d %d", cfg.Workers, cfg.MaxRequests)
	}
	if cfg.ReadBufferSize != DefaultReadBufferSize || cfg.WriteBufferSize != DefaultWriteBufferSize {
		t.Fatalf("unexpected buffer defaults: %d %d", cfg.ReadBufferSize, cfg.WriteBufferSize)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout || cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("unexpected timer defaults: %s %s", cfg.IdleTimeout, cfg.TickInterval)
	}
	if !cfg.ConnguardEnabled {
		t.Fatal("expected connguard enabled by default")
	}
	if cfg.ConnguardFailureThreshold != DefaultConnguardFailureThreshold {
		t.Fatalf("expected connguard threshold %d, got %d", DefaultConnguardFailureThreshold, cfg.ConnguardFailureThreshold)
	}
	if len(cfg.Aliases) == 0 {
		t.Fatal("expected default aliases")
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout %s, got %s", DefaultShutdownTimeout, cfg.ShutdownTimeout)
	}
}

func TestConfigValidateKeepsExplicitConnguardDisable(t *testing.T) {
	t.Parallel()

	cfg := Config{ConnguardEnabledSet: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ConnguardEnabled {
		t.Fatal("explicitly disabled connguard was re-enabled")
	}
}

func TestConfigValidateTrimsHomePage(t *testing.T) {
	t.Parallel()

	cfg := Config{HomePage: " /index.html "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HomePage != "index.html" {
		t.Fatalf("expected index.html, got %q", cfg.HomePage)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"negative workers":         {Workers: -1},
		"negative max requests":    {MaxRequests: -1},
		"negative db conns":        {DBMaxConns: -2},
		"tiny read buffer":         {ReadBufferSize: 16},
		"tiny write buffer":        {WriteBufferSize: 64},
		"tick beyond idle":         {IdleTimeout: time.Second, TickInterval: 2 * time.Second},
		"bcrypt cost too high":     {BcryptCost: 64},
		"profiling without sink":   {EnableProfilingMetrics: true},
		"negative shutdown":        {ShutdownTimeout: -time.Second},
		"negative backlog":         {Backlog: -1},
		"negative guard threshold": {ConnguardFailureThreshold: -1},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TINYHTTPD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
