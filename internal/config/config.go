// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// IdentityConfig describes how bearer tokens are verified. Tokens are HS256
// signed with a shared secret read from SecretEnv.
type IdentityConfig struct {
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	SecretEnv   string        `yaml:"secret_env"`
	ClockSkew   time.Duration `yaml:"clock_skew"`
	RolesClaim  string        `yaml:"roles_claim"`
	TenantClaim string        `yaml:"tenant_claim"`
}

// Secret returns the signing secret from the environment.
func (c IdentityConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	MigrateOnBoot   bool          `yaml:"migrate_on_boot"`
}

// DSN returns the connection string from the environment.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// DefinitionsConfig describes the definition catalog and its cache.
type DefinitionsConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Directories []string      `yaml:"directories"`
	SeedTenants []string      `yaml:"seed_tenants"`
}

// SweepConfig describes the SLA sweep schedule.
type SweepConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Schedule   string        `yaml:"schedule"`
	BatchSize  int           `yaml:"batch_size"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	RelayDelay time.Duration `yaml:"relay_delay"`
}

// NotificationsConfig describes where notification intents are delivered.
type NotificationsConfig struct {
	Driver        string        `yaml:"driver"`
	URLEnv        string        `yaml:"url_env"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`

	// BreakerThreshold consecutive publish failures stop delivery attempts
	// for BreakerCooldown; the outbox relay catches up afterwards.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// URL returns the broker URL from the environment.
func (c NotificationsConfig) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Addr returns the Redis address from the environment.
func (c IdempotencyStoreConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Identity: IdentityConfig{
			SecretEnv:   "KAZI_JWT_SECRET",
			ClockSkew:   30 * time.Second,
			RolesClaim:  "roles",
			TenantClaim: "tenant_id",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "KAZI_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			LockTimeout:     2 * time.Second,
			MigrateOnBoot:   true,
		},
		Definitions: DefinitionsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Sweep: SweepConfig{
			Enabled:    true,
			Schedule:   "@every 1m",
			BatchSize:  100,
			RunTimeout: 50 * time.Second,
			RelayDelay: 30 * time.Second,
		},
		Notifications: NotificationsConfig{
			Driver:        "log",
			URLEnv:        "KAZI_NATS_URL",
			SubjectPrefix:    "kazi.notifications",
			FlushTimeout:     2 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "KAZI_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		add("identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		add("identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		add("identity.secret_env is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			add("store.dsn_env is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 {
			add("store.max_conns must be positive")
		}
	default:
		add("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}

	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			add("sweep.schedule %q: %v", c.Sweep.Schedule, err)
		}
		if c.Sweep.BatchSize < 1 {
			add("sweep.batch_size must be positive")
		}
	}

	switch c.Notifications.Driver {
	case "log":
	case "nats":
		if c.Notifications.URLEnv == "" {
			add("notifications.url_env is required for the nats driver")
		}
		if c.Notifications.SubjectPrefix == "" {
			add("notifications.subject_prefix is required for the nats driver")
		}
		if c.Notifications.BreakerThreshold < 1 {
			add("notifications.breaker_threshold must be positive")
		}
	default:
		add("notifications.driver must be log or nats, got %q", c.Notifications.Driver)
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				add("idempotency.store.addr_env is required for the redis driver")
			}
		default:
			add("idempotency.store.driver must be memory or redis, got %q", c.Idempotency.Store.Driver)
		}
	}

	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be within [0, 1]")
	}

	return errors.Join(errs...)
}

// applyEnvOverrides reads KAZI_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAZI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KAZI_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("KAZI_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("KAZI_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("KAZI_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("KAZI_SWEEP_SCHEDULE"); v != "" {
		cfg.Sweep.Schedule = v
	}
	if v := os.Getenv("KAZI_SEED_TENANTS"); v != "" {
		cfg.Definitions.SeedTenants = splitList(v)
	}
	if v := os.Getenv("KAZI_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
