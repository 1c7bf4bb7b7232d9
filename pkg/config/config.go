package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. Environment variables override the YAML
// file, which overrides these.
const (
	DefaultMaxConcurrentKernels = 10
	DefaultExecutionTimeout     = 300 * time.Second
	DefaultInputRequestTimeout  = 60 * time.Second
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultAssetStorageCap      = int64(1 << 30) // 1 GiB
	DefaultAssetLeaseTTL        = 24 * time.Hour
	DefaultOrphanBufferMax      = 1000
	DefaultQueueCapacity        = 256
	DefaultReadyTimeout         = 120 * time.Second
	DefaultFallbackInterpreter  = "python3"
)

// MinPruneCap is the lowest asset cap a single prune invocation will
// enforce, regardless of configuration.
const MinPruneCap = int64(400 << 20) // 400 MB

// Config is the complete server configuration.
type Config struct {
	DataDir string

	MaxConcurrentKernels int
	ExecutionTimeout     time.Duration
	InputRequestTimeout  time.Duration
	HealthCheckInterval  time.Duration
	AssetStorageCap      int64
	AssetLeaseTTL        time.Duration
	OrphanBufferMax      int
	IdleTimeout          time.Duration
	SessionToken         string

	QueueCapacity       int
	ReadyTimeout        time.Duration
	FallbackInterpreter string
	StopOnError         bool
	// KernelAutoRestart restarts a session's kernel in place when the
	// process dies unexpectedly. Off by default: a dead kernel tears the
	// session down.
	KernelAutoRestart bool

	LogLevel string
	LogJSON  bool

	WSListen      string
	MetricsListen string
}

// Default returns the built-in configuration. DataDir falls back to the
// current directory when the home directory cannot be determined.
func Default() *Config {
	dataDir := ".hatchery"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".hatchery")
	}
	return &Config{
		DataDir:              dataDir,
		MaxConcurrentKernels: DefaultMaxConcurrentKernels,
		ExecutionTimeout:     DefaultExecutionTimeout,
		InputRequestTimeout:  DefaultInputRequestTimeout,
		HealthCheckInterval:  DefaultHealthCheckInterval,
		AssetStorageCap:      DefaultAssetStorageCap,
		AssetLeaseTTL:        DefaultAssetLeaseTTL,
		OrphanBufferMax:      DefaultOrphanBufferMax,
		QueueCapacity:        DefaultQueueCapacity,
		ReadyTimeout:         DefaultReadyTimeout,
		FallbackInterpreter:  DefaultFallbackInterpreter,
		StopOnError:          true,
		LogLevel:             "info",
	}
}

// fileConfig mirrors the YAML layout. Durations are plain numbers in the
// units the matching environment variables use.
type fileConfig struct {
	DataDir                    *string `yaml:"data_dir"`
	MaxConcurrentKernels       *int    `yaml:"max_concurrent_kernels"`
	ExecutionTimeoutSeconds    *int    `yaml:"execution_timeout_seconds"`
	InputRequestTimeoutSeconds *int    `yaml:"input_request_timeout_seconds"`
	HealthCheckIntervalSeconds *int    `yaml:"health_check_interval_seconds"`
	AssetStorageCapBytes       *int64  `yaml:"asset_storage_cap_bytes"`
	AssetLeaseTTLHours         *int    `yaml:"asset_lease_ttl_hours"`
	OrphanBufferMax            *int    `yaml:"orphan_buffer_max"`
	IdleTimeoutSeconds         *int    `yaml:"idle_timeout_seconds"`
	SessionToken               *string `yaml:"session_token"`
	QueueCapacity              *int    `yaml:"queue_capacity"`
	ReadyTimeoutSeconds        *int    `yaml:"ready_timeout_seconds"`
	FallbackInterpreter        *string `yaml:"fallback_interpreter"`
	StopOnError                *bool   `yaml:"stop_on_error"`
	KernelAutoRestart          *bool   `yaml:"kernel_auto_restart"`
	LogLevel                   *string `yaml:"log_level"`
	LogJSON                    *bool   `yaml:"log_json"`
	WSListen                   *string `yaml:"ws_listen"`
	MetricsListen              *string `yaml:"metrics_listen"`
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (if path is non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from defaults and environment only.
func FromEnv() (*Config, error) {
	return Load("")
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.DataDir != nil {
		c.DataDir = *fc.DataDir
	}
	if fc.MaxConcurrentKernels != nil {
		c.MaxConcurrentKernels = *fc.MaxConcurrentKernels
	}
	if fc.ExecutionTimeoutSeconds != nil {
		c.ExecutionTimeout = time.Duration(*fc.ExecutionTimeoutSeconds) * time.Second
	}
	if fc.InputRequestTimeoutSeconds != nil {
		c.InputRequestTimeout = time.Duration(*fc.InputRequestTimeoutSeconds) * time.Second
	}
	if fc.HealthCheckIntervalSeconds != nil {
		c.HealthCheckInterval = time.Duration(*fc.HealthCheckIntervalSeconds) * time.Second
	}
	if fc.AssetStorageCapBytes != nil {
		c.AssetStorageCap = *fc.AssetStorageCapBytes
	}
	if fc.AssetLeaseTTLHours != nil {
		c.AssetLeaseTTL = time.Duration(*fc.AssetLeaseTTLHours) * time.Hour
	}
	if fc.OrphanBufferMax != nil {
		c.OrphanBufferMax = *fc.OrphanBufferMax
	}
	if fc.IdleTimeoutSeconds != nil {
		c.IdleTimeout = time.Duration(*fc.IdleTimeoutSeconds) * time.Second
	}
	if fc.SessionToken != nil {
		c.SessionToken = *fc.SessionToken
	}
	if fc.QueueCapacity != nil {
		c.QueueCapacity = *fc.QueueCapacity
	}
	if fc.ReadyTimeoutSeconds != nil {
		c.ReadyTimeout = time.Duration(*fc.ReadyTimeoutSeconds) * time.Second
	}
	if fc.FallbackInterpreter != nil {
		c.FallbackInterpreter = *fc.FallbackInterpreter
	}
	if fc.StopOnError != nil {
		c.StopOnError = *fc.StopOnError
	}
	if fc.KernelAutoRestart != nil {
		c.KernelAutoRestart = *fc.KernelAutoRestart
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogJSON != nil {
		c.LogJSON = *fc.LogJSON
	}
	if fc.WSListen != nil {
		c.WSListen = *fc.WSListen
	}
	if fc.MetricsListen != nil {
		c.MetricsListen = *fc.MetricsListen
	}
	return nil
}

func (c *Config) applyEnv() error {
	var firstErr error
	envInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s=%q: %w", name, v, err)
			}
			return
		}
		*dst = n
	}
	envSeconds := func(name string, dst *time.Duration) {
		n := -1
		envInt(name, &n)
		if n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	envInt("MAX_CONCURRENT_KERNELS", &c.MaxConcurrentKernels)
	envSeconds("EXECUTION_TIMEOUT_SECONDS", &c.ExecutionTimeout)
	envSeconds("INPUT_REQUEST_TIMEOUT_SECONDS", &c.InputRequestTimeout)
	envSeconds("HEALTH_CHECK_INTERVAL_SECONDS", &c.HealthCheckInterval)
	if v := os.Getenv("ASSET_STORAGE_CAP_BYTES"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fmt.Errorf("invalid ASSET_STORAGE_CAP_BYTES=%q: %w", v, err)
		}
		c.AssetStorageCap = n
	}
	if v := os.Getenv("ASSET_LEASE_TTL_HOURS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fmt.Errorf("invalid ASSET_LEASE_TTL_HOURS=%q: %w", v, err)
		}
		c.AssetLeaseTTL = time.Duration(n) * time.Hour
	}
	envInt("ORPHAN_BUFFER_MAX", &c.OrphanBufferMax)
	envSeconds("IDLE_TIMEOUT_SECONDS", &c.IdleTimeout)
	if v := os.Getenv("SESSION_TOKEN"); v != "" {
		c.SessionToken = v
	}
	if v := os.Getenv("KERNEL_AUTO_RESTART"); v != "" {
		c.KernelAutoRestart = v == "1" || strings.EqualFold(v, "true")
	}
	return firstErr
}

func (c *Config) validate() error {
	if c.MaxConcurrentKernels < 1 {
		return fmt.Errorf("max_concurrent_kernels must be >= 1, got %d", c.MaxConcurrentKernels)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout_seconds must be positive")
	}
	if c.OrphanBufferMax < 1 {
		return fmt.Errorf("orphan_buffer_max must be >= 1, got %d", c.OrphanBufferMax)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	return nil
}

// SessionsDir is where per-session descriptors live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// DatabasePath is the durable store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "hatchery.db")
}

// RuntimeDir holds generated kernel connection files.
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.DataDir, "runtime")
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.SessionsDir(), c.RuntimeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
