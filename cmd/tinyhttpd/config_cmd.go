package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tinyhttpd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tinyhttpd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tinyhttpd/" + tinyhttpd.DefaultConfigFileName
	if dir, err := tinyhttpd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, tinyhttpd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tinyhttpd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := tinyhttpd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, tinyhttpd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match the flag names
// so the file, the flags and TINYHTTPD_* variables address the same values.
type configDefaults struct {
	Listen                    string            `yaml:"listen"`
	Backlog                   int               `yaml:"backlog"`
	Root                      string            `yaml:"root"`
	Home                      string            `yaml:"home"`
	Alias                     map[string]string `yaml:"alias"`
	DB                        string            `yaml:"db"`
	DBMaxConns                int               `yaml:"db-max-conns"`
	BcryptCost                int               `yaml:"bcrypt-cost"`
	Workers                   int               `yaml:"workers"`
	MaxRequests               int               `yaml:"max-requests"`
	ReadBuffer                string            `yaml:"read-buffer"`
	WriteBuffer               string            `yaml:"write-buffer"`
	IdleTimeout               string            `yaml:"idle-timeout"`
	Tick                      string            `yaml:"tick"`
	MaxConns                  int               `yaml:"max-conns"`
	ConnguardEnabled          bool              `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int               `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string            `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string            `yaml:"connguard-block-duration"`
	OTLPEndpoint              string            `yaml:"otlp-endpoint"`
	MetricsListen             string            `yaml:"metrics-listen"`
	PprofListen               string            `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool              `yaml:"enable-profiling-metrics"`
	ShutdownTimeout           string            `yaml:"shutdown-timeout"`
	LogLevel                  string            `yaml:"log-level"`
	LogFile                   string            `yaml:"log-file"`
	LogAsync                  bool              `yaml:"log-async"`
	LogSplitLines             int               `yaml:"log-split-lines"`
	LogQueueSize              int               `yaml:"log-queue-size"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	var cfg tinyhttpd.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		Backlog:                   cfg.Backlog,
		Root:                      cfg.DocumentRoot,
		Home:                      cfg.HomePage,
		Alias:                     cfg.Aliases,
		DB:                        cfg.DB,
		DBMaxConns:                cfg.DBMaxConns,
		BcryptCost:                cfg.BcryptCost,
		Workers:                   cfg.Workers,
		MaxRequests:               cfg.MaxRequests,
		ReadBuffer:                humanizeBytes(int64(cfg.ReadBufferSize)),
		WriteBuffer:               humanizeBytes(int64(cfg.WriteBufferSize)),
		IdleTimeout:               cfg.IdleTimeout.String(),
		Tick:                      cfg.TickInterval.String(),
		MaxConns:                  cfg.MaxConns,
		ConnguardEnabled:          cfg.ConnguardEnabled,
		ConnguardFailureThreshold: cfg.ConnguardFailureThreshold,
		ConnguardFailureWindow:    cfg.ConnguardFailureWindow.String(),
		ConnguardBlockDuration:    cfg.ConnguardBlockDuration.String(),
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		LogLevel:                  "info",
		LogAsync:                  true,
		LogSplitLines:             tinyhttpd.DefaultLogSplitLines,
		LogQueueSize:              tinyhttpd.DefaultLogQueueSize,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
