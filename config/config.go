// Package config loads the orchestrator configuration.
//
// Precedence: defaults → YAML file → environment variables. Environment
// variables use the OPENFANG prefix with underscore-joined paths, e.g.
// OPENFANG_SERVER_HTTP_PORT=9090.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfang/openfang/orchestrator/sandbox"
	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

// Config is the complete orchestrator configuration.
type Config struct {
	// Server is the HTTP server configuration.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Auth is the API authentication configuration.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Store is the persistence configuration.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Sandbox is the isolation backend configuration.
	Sandbox SandboxConfig `yaml:"sandbox" env:"SANDBOX"`

	// Dispatcher bounds queueing and concurrency.
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`

	// Limits are the default per-run resource limits, applied to agents
	// registered without explicit limits.
	Limits LimitsConfig `yaml:"limits" env:"LIMITS"`

	// BundlesDir is the root directory for agent bundles.
	BundlesDir string `yaml:"bundles_dir" env:"BUNDLES_DIR"`
}

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	// HTTPPort is the listen port for the API.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// ReadTimeout bounds reading a request.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimit is the per-second request budget; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// RateBurst is the burst allowance above the steady rate.
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// AuthConfig is the API authentication configuration.
type AuthConfig struct {
	// Enabled turns on bearer-token validation.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// JWTSecret signs and validates bearer tokens.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// StoreConfig is the persistence configuration.
type StoreConfig struct {
	// Backend is one of memory, sqlite, redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
	// Retention is how long terminal runs are kept.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig is the redis store configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// SandboxConfig is the isolation backend configuration.
type SandboxConfig struct {
	// Backend is "docker" or "process".
	Backend string `yaml:"backend" env:"BACKEND"`
	// ScratchRoot is where per-run scratch directories live.
	ScratchRoot string `yaml:"scratch_root" env:"SCRATCH_ROOT"`
	// StopGrace is how long a terminated workload gets before the kill.
	StopGrace time.Duration `yaml:"stop_grace" env:"STOP_GRACE"`
}

// DispatcherConfig bounds queueing and concurrency.
type DispatcherConfig struct {
	// MaxConcurrent is the ceiling on simultaneous provisioning+running runs.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// MaxQueue bounds the pending-run backlog.
	MaxQueue int `yaml:"max_queue" env:"MAX_QUEUE"`
	// ProvisionRetries bounds retries of retryable provisioning failures.
	ProvisionRetries int `yaml:"provision_retries" env:"PROVISION_RETRIES"`
}

// LimitsConfig holds default per-run resource limits.
type LimitsConfig struct {
	CPUPercent     int           `yaml:"cpu_percent" env:"CPU_PERCENT"`
	MemoryMB       int           `yaml:"memory_mb" env:"MEMORY_MB"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxOutputBytes int           `yaml:"max_output_bytes" env:"MAX_OUTPUT_BYTES"`
}

// ResourceLimits converts to the shared limits type.
func (l LimitsConfig) ResourceLimits() types.ResourceLimits {
	return types.ResourceLimits{
		CPUPercent:     l.CPUPercent,
		MemoryMB:       l.MemoryMB,
		Timeout:        l.Timeout,
		MaxOutputBytes: l.MaxOutputBytes,
	}
}

// StoreOptions converts to the store package's configuration.
func (s StoreConfig) StoreOptions() store.Config {
	return store.Config{
		Backend:   s.Backend,
		Path:      s.Path,
		Retention: s.Retention,
		Redis: store.RedisConfig{
			Addr:      s.Redis.Addr,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			PoolSize:  s.Redis.PoolSize,
			KeyPrefix: s.Redis.KeyPrefix,
		},
	}
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       0,
			RateBurst:       20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:   store.BackendSQLite,
			Path:      "./data/openfang.db",
			Retention: 24 * time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "openfang:",
			},
		},
		Sandbox: SandboxConfig{
			Backend:     sandbox.BackendDocker,
			ScratchRoot: "./data/scratch",
			StopGrace:   5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent:    4,
			MaxQueue:         256,
			ProvisionRetries: 2,
		},
		Limits: LimitsConfig{
			CPUPercent:     100,
			MemoryMB:       512,
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 1 << 20,
		},
		BundlesDir: "./data/bundles",
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendSQLite, store.BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Sandbox.Backend {
	case sandbox.BackendDocker, sandbox.BackendProcess:
	default:
		errs = append(errs, fmt.Sprintf("unknown sandbox backend %q", c.Sandbox.Backend))
	}
	if c.Dispatcher.MaxConcurrent <= 0 {
		errs = append(errs, "max_concurrent must be positive")
	}
	if c.Dispatcher.MaxQueue <= 0 {
		errs = append(errs, "max_queue must be positive")
	}
	if c.Dispatcher.ProvisionRetries < 0 {
		errs = append(errs, "provision_retries must not be negative")
	}
	if c.Limits.Timeout <= 0 {
		errs = append(errs, "default timeout must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth enabled but jwt_secret is empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
