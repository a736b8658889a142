package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Security     SecurityConfig     `yaml:"security"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Audit        AuditConfig        `yaml:"audit"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Mirror       MirrorConfig       `yaml:"mirror"`
	Backends     []BackendConfig    `yaml:"backends"`
	Log          xlog.Config        `yaml:"log"`
}

type ServerConfig struct {
	// Frontend addresses. Connections accepted here are dispatched.
	TCPListenAddrs []string `yaml:"tcp_listen_addrs" env:"FRONTEND_TCP_ADDRS"`
	UDPListenAddrs []string `yaml:"udp_listen_addrs" env:"FRONTEND_UDP_ADDRS"`
	// Maximum concurrent connections
	MaxConnections int `yaml:"max_connections" env:"FRONTEND_MAX_CONNECTIONS"`
	// Default upstream for connections without a binding. Empty closes them.
	DefaultUpstream string        `yaml:"default_upstream" env:"DEFAULT_UPSTREAM"`
	DialTimeout     time.Duration `yaml:"dial_timeout" env:"DEFAULT_UPSTREAM_TIMEOUT"`
}

type DispatcherConfig struct {
	MaxDestinations int `yaml:"max_destinations" env:"DISPATCH_MAX_DESTINATIONS"`
	MaxBindings     int `yaml:"max_bindings" env:"DISPATCH_MAX_BINDINGS"`
	// Number of dispatch workers. 0 uses GOMAXPROCS.
	Workers int `yaml:"workers" env:"DISPATCH_WORKERS"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

type ControlPlaneConfig struct {
	BindingsFile  string        `yaml:"bindings_file" env:"BINDINGS_FILE"`
	WatchInterval time.Duration `yaml:"watch_interval" env:"BINDINGS_WATCH_INTERVAL"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

type LifecycleConfig struct {
	// Graceful shutdown timeout (for draining connections)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Time to wait for endpoints to deregister after /ready turns 503
	DrainWaitTime time.Duration `yaml:"drain_wait_time" env:"DRAIN_WAIT_TIME"`
}

type SecurityConfig struct {
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	BlockedSources []string        `yaml:"blocked_sources" env:"BLOCKED_SOURCES"`
}

type RateLimitConfig struct {
	Enabled              bool    `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	ConnectionsPerSecond float64 `yaml:"connections_per_second" env:"RATE_LIMIT_CPS"`
	Burst                int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// TracingConfig selects the span exporter and sampler. Exporter is "jaeger",
// "none" or empty, which means jaeger when JaegerEndpoint is set. Sampler is
// "always", "never", "ratio" or "parent_ratio"; the ratio samplers use
// SampleRatio.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	Sampler        string  `yaml:"sampler" env:"TRACING_SAMPLER"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO"`
}

type AuditConfig struct {
	Enabled       bool          `yaml:"enabled" env:"AUDIT_ENABLED"`
	BufferSize    int           `yaml:"buffer_size" env:"AUDIT_BUFFER_SIZE"`
	BatchSize     int           `yaml:"batch_size" env:"AUDIT_BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"AUDIT_FLUSH_INTERVAL"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" env:"MONITOR_INTERVAL"`
}

type MirrorConfig struct {
	Enabled bool `yaml:"enabled" env:"MIRROR_ENABLED"`
	// Directory on a bpffs mount the maps are pinned in.
	PinPath string `yaml:"pin_path" env:"MIRROR_PIN_PATH"`
}

// BackendConfig describes a backend socket opened by the daemon itself.
// Connections redirected to it are proxied to Upstream.
type BackendConfig struct {
	Label    string `yaml:"label"`
	Protocol string `yaml:"protocol"`
	// Address of the backend socket, usually on loopback.
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TCPListenAddrs: []string{":8080"},
			MaxConnections: 10000,
			DialTimeout:    5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxDestinations: 512,
			MaxBindings:     4096,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		ControlPlane: ControlPlaneConfig{
			WatchInterval: 5 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "sockdispatch:",
			},
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout: 60 * time.Second,
			DrainWaitTime:   5 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				ConnectionsPerSecond: 1000,
				Burst:                2000,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "sockdispatch",
			Sampler:     "parent_ratio",
			SampleRatio: 1,
		},
		Audit: AuditConfig{
			BufferSize:    4096,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
		Mirror: MirrorConfig{
			PinPath: "/sys/fs/bpf/sockdispatch",
		},
		Log: xlog.Config{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// LoadConfigFromFile reads a YAML file on top of the defaults. Environment
// variables override values from the file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	if len(c.Server.TCPListenAddrs) == 0 && len(c.Server.UDPListenAddrs) == 0 {
		return fmt.Errorf("no frontend listen addresses")
	}
	if c.Dispatcher.MaxDestinations <= 0 {
		return fmt.Errorf("dispatcher.max_destinations must be positive")
	}
	if c.Dispatcher.MaxBindings <= 0 {
		return fmt.Errorf("dispatcher.max_bindings must be positive")
	}
	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must not be negative")
	}
	if c.ControlPlane.WatchInterval <= 0 {
		return fmt.Errorf("control_plane.watch_interval must be positive")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_second must be positive")
	}
	for i, b := range c.Backends {
		if b.Label == "" {
			return fmt.Errorf("backends[%d]: missing label", i)
		}
		if b.Protocol != "tcp" && b.Protocol != "udp" {
			return fmt.Errorf("backends[%d]: protocol must be tcp or udp, got %q", i, b.Protocol)
		}
		if b.Upstream == "" {
			return fmt.Errorf("backends[%d]: missing upstream", i)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.TCPListenAddrs = getEnvSlice("FRONTEND_TCP_ADDRS", cfg.Server.TCPListenAddrs)
	cfg.Server.UDPListenAddrs = getEnvSlice("FRONTEND_UDP_ADDRS", cfg.Server.UDPListenAddrs)
	cfg.Server.MaxConnections = getEnvInt("FRONTEND_MAX_CONNECTIONS", cfg.Server.MaxConnections)
	cfg.Server.DefaultUpstream = getEnv("DEFAULT_UPSTREAM", cfg.Server.DefaultUpstream)
	cfg.Server.DialTimeout = getEnvDuration("DEFAULT_UPSTREAM_TIMEOUT", cfg.Server.DialTimeout)

	cfg.Dispatcher.MaxDestinations = getEnvInt("DISPATCH_MAX_DESTINATIONS", cfg.Dispatcher.MaxDestinations)
	cfg.Dispatcher.MaxBindings = getEnvInt("DISPATCH_MAX_BINDINGS", cfg.Dispatcher.MaxBindings)
	cfg.Dispatcher.Workers = getEnvInt("DISPATCH_WORKERS", cfg.Dispatcher.Workers)

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", cfg.Metrics.ListenAddr)

	cfg.ControlPlane.BindingsFile = getEnv("BINDINGS_FILE", cfg.ControlPlane.BindingsFile)
	cfg.ControlPlane.WatchInterval = getEnvDuration("BINDINGS_WATCH_INTERVAL", cfg.ControlPlane.WatchInterval)
	cfg.ControlPlane.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.ControlPlane.Redis.Enabled)
	cfg.ControlPlane.Redis.Addr = getEnv("REDIS_ADDR", cfg.ControlPlane.Redis.Addr)
	cfg.ControlPlane.Redis.Password = getEnv("REDIS_PASSWORD", cfg.ControlPlane.Redis.Password)
	cfg.ControlPlane.Redis.DB = getEnvInt("REDIS_DB", cfg.ControlPlane.Redis.DB)
	cfg.ControlPlane.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.ControlPlane.Redis.KeyPrefix)

	cfg.Lifecycle.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Lifecycle.ShutdownTimeout)
	cfg.Lifecycle.DrainWaitTime = getEnvDuration("DRAIN_WAIT_TIME", cfg.Lifecycle.DrainWaitTime)

	cfg.Security.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.Security.RateLimit.Enabled)
	cfg.Security.RateLimit.ConnectionsPerSecond = getEnvFloat("RATE_LIMIT_CPS", cfg.Security.RateLimit.ConnectionsPerSecond)
	cfg.Security.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.Security.RateLimit.Burst)
	cfg.Security.BlockedSources = getEnvSlice("BLOCKED_SOURCES", cfg.Security.BlockedSources)

	cfg.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)
	cfg.Tracing.Sampler = getEnv("TRACING_SAMPLER", cfg.Tracing.Sampler)
	cfg.Tracing.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	cfg.Audit.Enabled = getEnvBool("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.BufferSize = getEnvInt("AUDIT_BUFFER_SIZE", cfg.Audit.BufferSize)
	cfg.Audit.BatchSize = getEnvInt("AUDIT_BATCH_SIZE", cfg.Audit.BatchSize)
	cfg.Audit.FlushInterval = getEnvDuration("AUDIT_FLUSH_INTERVAL", cfg.Audit.FlushInterval)

	cfg.Monitor.Interval = getEnvDuration("MONITOR_INTERVAL", cfg.Monitor.Interval)

	cfg.Mirror.Enabled = getEnvBool("MIRROR_ENABLED", cfg.Mirror.Enabled)
	cfg.Mirror.PinPath = getEnv("MIRROR_PIN_PATH", cfg.Mirror.PinPath)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Output = getEnv("LOG_OUTPUT", cfg.Log.Output)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var result int
		if _, err := fmt.Sscanf(v, "%d", &result); err != nil {
			xlog.Warnf("Ignoring %s=%q: %v", key, v, err)
			return defaultValue
		}
		return result
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		xlog.Warnf("Ignoring %s=%q: not a duration", key, v)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		var result float64
		if _, err := fmt.Sscanf(v, "%f", &result); err != nil {
			xlog.Warnf("Ignoring %s=%q: %v", key, v, err)
			return defaultValue
		}
		return result
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
