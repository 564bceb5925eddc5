package tinyhttpd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/tinyhttpd/internal/connguard"
	"pkt.systems/tinyhttpd/internal/httpconn"
	"pkt.systems/tinyhttpd/internal/reactor"
)

const (
	// DefaultListen is the address served when none is configured.
	DefaultListen = ":9006"
	// DefaultDocumentRoot is resolved relative to the working directory.
	DefaultDocumentRoot = "./root"
	// DefaultHomePage is served for "/".
	DefaultHomePage = httpconn.DefaultHome
	// DefaultDB keeps user accounts in process memory.
	DefaultDB = "mem://"
	// DefaultDBMaxConns is the number of backend handles opened at startup.
	DefaultDBMaxConns = 8
	// DefaultWorkers is the size of the worker set.
	DefaultWorkers = 8
	// DefaultMaxRequests bounds queued parse passes.
	DefaultMaxRequests = 10000
	// DefaultReadBufferSize caps one request.
	DefaultReadBufferSize = httpconn.DefaultReadBufferSize
	// DefaultWriteBufferSize caps response headers plus inline bodies.
	DefaultWriteBufferSize = httpconn.DefaultWriteBufferSize
	// DefaultIdleTimeout is the idle window before eviction.
	DefaultIdleTimeout = reactor.DefaultIdleTimeout
	// DefaultTickInterval is the eviction sweep cadence.
	DefaultTickInterval = reactor.DefaultTickInterval
	// DefaultMaxConns caps open client connections.
	DefaultMaxConns = reactor.DefaultMaxConns
	// DefaultBacklog is the listen(2) backlog.
	DefaultBacklog = reactor.DefaultBacklog
	// DefaultBcryptCost is used for registered passwords.
	DefaultBcryptCost = bcrypt.DefaultCost
	// DefaultShutdownTimeout bounds a graceful stop.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultLogSplitLines rolls the log file within a day.
	DefaultLogSplitLines = 800000
	// DefaultLogQueueSize is the async log sink depth.
	DefaultLogQueueSize = 800
)

var (
	DefaultConnguardFailureThreshold = connguard.DefaultConfig().FailureThreshold
	DefaultConnguardFailureWindow    = connguard.DefaultConfig().FailureWindow
	DefaultConnguardBlockDuration    = connguard.DefaultConfig().BlockDuration
)

// Config captures the server configuration.
type Config struct {
	Listen  string
	Backlog int

	DocumentRoot string
	HomePage     string
	// Aliases maps short routes to pages or endpoints. Nil selects the
	// numbered routes of the bundled pages.
	Aliases map[string]string

	// DB is the user database DSN: mem:// or postgres://.
	DB         string
	DBMaxConns int
	BcryptCost int

	Workers     int
	MaxRequests int

	ReadBufferSize  int
	WriteBufferSize int

	IdleTimeout  time.Duration
	TickInterval time.Duration
	MaxConns     int

	ConnguardEnabled          bool
	ConnguardEnabledSet       bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects impossible settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	} else if c.Backlog < 0 {
		return fmt.Errorf("config: backlog must be >= 0")
	}
	if strings.TrimSpace(c.DocumentRoot) == "" {
		c.DocumentRoot = DefaultDocumentRoot
	}
	c.HomePage = strings.TrimPrefix(strings.TrimSpace(c.HomePage), "/")
	if c.HomePage == "" {
		c.HomePage = DefaultHomePage
	}
	if c.Aliases == nil {
		c.Aliases = httpconn.DefaultAliases()
	}
	if strings.TrimSpace(c.DB) == "" {
		c.DB = DefaultDB
	}
	if c.DBMaxConns == 0 {
		c.DBMaxConns = DefaultDBMaxConns
	} else if c.DBMaxConns < 0 {
		return fmt.Errorf("config: db-max-conns must be > 0")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = DefaultBcryptCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("config: bcrypt-cost must be within [%d,%d]", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	} else if c.Workers < 0 {
		return fmt.Errorf("config: workers must be > 0")
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	} else if c.MaxRequests < 0 {
		return fmt.Errorf("config: max-requests must be > 0")
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	} else if c.ReadBufferSize < 64 {
		return fmt.Errorf("config: read-buffer must be at least 64 bytes")
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	} else if c.WriteBufferSize < 128 {
		return fmt.Errorf("config: write-buffer must be at least 128 bytes")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle-timeout must be > 0")
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	} else if c.TickInterval < 0 {
		return fmt.Errorf("config: tick must be > 0")
	}
	if c.TickInterval > c.IdleTimeout {
		return fmt.Errorf("config: tick (%s) must not exceed idle-timeout (%s)", c.TickInterval, c.IdleTimeout)
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	} else if c.MaxConns < 0 {
		return fmt.Errorf("config: max-conns must be > 0")
	}
	if !c.ConnguardEnabledSet {
		c.ConnguardEnabled = true
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	} else if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	} else if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown-timeout must be >= 0")
	}
	return nil
}

func (c Config) connguardConfig() connguard.Config {
	return connguard.Config{
		Enabled:          c.ConnguardEnabled,
		FailureThreshold: c.ConnguardFailureThreshold,
		FailureWindow:    c.ConnguardFailureWindow,
		BlockDuration:    c.ConnguardBlockDuration,
	}
}

// DefaultConfigDir returns $TINYHTTPD_CONFIG_DIR or $HOME/.tinyhttpd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TINYHTTPD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tinyhttpd"), nil
}
