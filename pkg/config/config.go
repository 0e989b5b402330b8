package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// ServiceConfig captures runtime settings for the bundler service.
type ServiceConfig struct {
	ListenAddr      string          `mapstructure:"listen_addr"`
	AdminListenAddr string          `mapstructure:"admin_listen_addr"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	// WaitTimeout bounds how long a blocking bundle request waits before
	// it is answered with the build status instead.
	WaitTimeout     time.Duration   `mapstructure:"wait_timeout"`
	Cache           CacheConfig     `mapstructure:"cache"`
	Build           BuildConfig     `mapstructure:"build"`
	Compiler        CompilerConfig  `mapstructure:"compiler"`
	Defaults        DefaultsConfig  `mapstructure:"defaults"`
	History         HistoryConfig   `mapstructure:"history"`
	Telemetry       TelemetryConfig `mapstructure:"telemetry"`
	LogLevel        string          `mapstructure:"log_level"`
}

// CacheConfig selects the artifact cache tiers.
type CacheConfig struct {
	// Budget is a human readable size such as "512MB".
	Budget      string        `mapstructure:"budget"`
	Backend     string        `mapstructure:"backend"`
	BoltPath    string        `mapstructure:"bolt_path"`
	BoltBudget  string        `mapstructure:"bolt_budget"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
	Compression string        `mapstructure:"compression"`
}

// BuildConfig bounds build execution.
type BuildConfig struct {
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	AutoRetryTimeouts int           `mapstructure:"auto_retry_timeouts"`
}

// CompilerConfig selects and configures the bundling toolchain adapter.
type CompilerConfig struct {
	Kind string `mapstructure:"kind"`
	// Command is the shell command run by the exec and ssh compilers.
	Command string `mapstructure:"command"`
	Workdir string `mapstructure:"workdir"`
	// RemoteURL is the build worker base URL for the remote compiler.
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	SSH           SSHConfig     `mapstructure:"ssh"`
}

// SSHConfig describes the remote build host of the ssh compiler.
type SSHConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	RemoteDir      string `mapstructure:"remote_dir"`
}

// DefaultsConfig holds the options applied when a request omits them.
type DefaultsConfig struct {
	Version string `mapstructure:"version"`
	Format  string `mapstructure:"format"`
	Minify  bool   `mapstructure:"minify"`
}

// HistoryConfig selects where build outcomes are recorded.
type HistoryConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	Size        int    `mapstructure:"size"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadService loads service configuration from defaults, files, and env vars.
// Nested keys map to env vars with underscores, e.g. BUNDLER_CACHE_BUDGET.
func LoadService() (ServiceConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("BUNDLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return ServiceConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("admin_listen_addr", "127.0.0.1:8081")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("wait_timeout", 60*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.budget", "512MB")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.bolt_path", "./data/bundles.db")
	v.SetDefault("cache.bolt_budget", "4GB")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.redis_ttl", 7*24*time.Hour)
	v.SetDefault("cache.compression", "zstd")

	v.SetDefault("build.max_duration", 2*time.Minute)
	v.SetDefault("build.max_concurrent", 4)
	v.SetDefault("build.auto_retry_timeouts", 0)

	v.SetDefault("compiler.kind", "exec")
	v.SetDefault("compiler.command", "")
	v.SetDefault("compiler.workdir", "")
	v.SetDefault("compiler.remote_url", "http://localhost:8090")
	v.SetDefault("compiler.remote_timeout", 3*time.Minute)
	v.SetDefault("compiler.ssh.host", "")
	v.SetDefault("compiler.ssh.port", 22)
	v.SetDefault("compiler.ssh.user", "")
	v.SetDefault("compiler.ssh.password", "")
	v.SetDefault("compiler.ssh.private_key_path", "")
	v.SetDefault("compiler.ssh.known_hosts_file", "")
	v.SetDefault("compiler.ssh.remote_dir", "/tmp/bundlecdn")

	v.SetDefault("defaults.version", "latest")
	v.SetDefault("defaults.format", "umd")
	v.SetDefault("defaults.minify", false)

	v.SetDefault("history.database_url", "")
	v.SetDefault("history.size", 1000)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "bundler")
}

// Validate rejects settings the service cannot start with.
func (c ServiceConfig) Validate() error {
	var errs []error
	if _, err := c.Cache.BudgetBytes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	case "bolt":
		if strings.TrimSpace(c.Cache.BoltPath) == "" {
			errs = append(errs, errors.New("cache.bolt_path is required for the bolt backend"))
		}
		if _, err := c.Cache.BoltBudgetBytes(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, bolt or redis, got %q", c.Cache.Backend))
	}
	switch c.Cache.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("cache.compression must be none, lz4 or zstd, got %q", c.Cache.Compression))
	}

	if c.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wait_timeout must be positive, got %s", c.WaitTimeout))
	}
	if c.Build.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("build.max_duration must be positive, got %s", c.Build.MaxDuration))
	}
	if c.Build.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("build.max_concurrent must not be negative, got %d", c.Build.MaxConcurrent))
	}
	if c.Build.AutoRetryTimeouts < 0 {
		errs = append(errs, fmt.Errorf("build.auto_retry_timeouts must not be negative, got %d", c.Build.AutoRetryTimeouts))
	}

	switch c.Compiler.Kind {
	case "exec":
		if strings.TrimSpace(c.Compiler.Command) == "" {
			errs = append(errs, errors.New("compiler.command is required for the exec compiler"))
		}
	case "remote":
		if strings.TrimSpace(c.Compiler.RemoteURL) == "" {
			errs = append(errs, errors.New("compiler.remote_url is required for the remote compiler"))
		}
	case "ssh":
		if strings.TrimSpace(c.Compiler.SSH.Host) == "" || strings.TrimSpace(c.Compiler.Command) == "" {
			errs = append(errs, errors.New("compiler.ssh.host and compiler.command are required for the ssh compiler"))
		}
	default:
		errs = append(errs, fmt.Errorf("compiler.kind must be exec, remote or ssh, got %q", c.Compiler.Kind))
	}

	switch c.Defaults.Format {
	case "umd", "iife", "esm", "cjs":
	default:
		errs = append(errs, fmt.Errorf("defaults.format must be umd, iife, esm or cjs, got %q", c.Defaults.Format))
	}
	if c.History.Size <= 0 {
		errs = append(errs, fmt.Errorf("history.size must be positive, got %d", c.History.Size))
	}
	return errors.Join(errs...)
}

// BudgetBytes parses the memory cache budget.
func (c CacheConfig) BudgetBytes() (int64, error) {
	return parseSize("cache.budget", c.Budget)
}

// BoltBudgetBytes parses the persistent cache budget.
func (c CacheConfig) BoltBudgetBytes() (int64, error) {
	return parseSize("cache.bolt_budget", c.BoltBudget)
}

func parseSize(name, raw string) (int64, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("%s must be positive and reasonable, got %q", name, raw)
	}
	return int64(n), nil
}
