// Package config loads analyticsd configuration with koanf from three
// layers, lowest to highest precedence: built-in defaults, an optional YAML
// file, and REVALIDATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "REVALIDATE_"

// ConfigPathEnvVar names the environment variable holding the config file path.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"analyticsd.yaml",
	"analyticsd.yml",
	"/etc/analyticsd/config.yaml",
}

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Queue    QueueConfig    `koanf:"queue"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// CacheConfig selects the store and the freshness policy.
type CacheConfig struct {
	Backend        string        `koanf:"backend"` // memory | badger | redis
	Dir            string        `koanf:"dir"`
	RedisAddr      string        `koanf:"redis_addr"`
	RedisPassword  string        `koanf:"redis_password"`
	RedisDB        int           `koanf:"redis_db"`
	KeyPrefix      string        `koanf:"key_prefix"`
	MemoryCapacity int           `koanf:"memory_capacity"`
	LockTTL        time.Duration `koanf:"lock_ttl"`
	StaleTTL       time.Duration `koanf:"stale_ttl"`
	MaxTTL         time.Duration `koanf:"max_ttl"`
	Serializer     string        `koanf:"serializer"` // json | gob
	Compress       bool          `koanf:"compress"`
}

// QueueConfig selects how background refreshes run.
type QueueConfig struct {
	Backend           string        `koanf:"backend"` // inline | memory | nats
	Topic             string        `koanf:"topic"`
	NATSURL           string        `koanf:"nats_url"`
	DurableName       string        `koanf:"durable_name"`
	Subscribers       int           `koanf:"subscribers"`
	AckWait           time.Duration `koanf:"ack_wait"`
	ThrottlePerSecond int64         `koanf:"throttle_per_second"`
	Worker            bool          `koanf:"worker"`
}

// UpstreamConfig points at the analytics provider. An empty URL serves
// built-in sample data.
type UpstreamConfig struct {
	URL       string        `koanf:"url"`
	Token     string        `koanf:"token"`
	Timeout   time.Duration `koanf:"timeout"`
	RateEvery time.Duration `koanf:"rate_every"`
	RateBurst int           `koanf:"rate_burst"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second, // cold misses wait on the upstream
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:        "memory",
			Dir:            "/data/analyticsd/cache",
			MemoryCapacity: 10000,
		RedisAddr:      "127.0.0.1:6379",
		KeyPrefix:      "revalidate:",
		Serializer:     "json",
			LockTTL:        30 * time.Second,
			StaleTTL:       300 * time.Second,
			MaxTTL:         3600 * time.Second,
		},
		Queue: QueueConfig{
			Backend:     "memory",
			Topic:       "revalidate.refresh",
			NATSURL:     "nats://127.0.0.1:4222",
			DurableName: "revalidate-worker",
			Subscribers: 2,
			AckWait:     45 * time.Second,
			Worker:      true,
		},
		Upstream: UpstreamConfig{
			Timeout:   60 * time.Second,
			RateEvery: 6 * time.Second,
			RateBurst: 5,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "analyticsd",
		},
	}
}

// Load reads configuration from path (or the first of DefaultConfigPaths
// that exists when path is empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envSections are the top-level keys; the first underscore after one of them
// separates section from field, so REVALIDATE_CACHE_LOCK_TTL maps to
// cache.lock_ttl.
var envSections = []string{"server", "cache", "queue", "upstream", "breaker", "logging", "metrics"}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, section := range envSections {
		if field, ok := strings.CutPrefix(key, section+"_"); ok && field != "" {
			return section + "." + field
		}
	}
	// Unknown variables (including REVALIDATE_CONFIG) are ignored.
	return ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Backend {
	case "memory", "badger", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, badger or redis, got %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "badger" && c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required for the badger backend"))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
	}
	switch c.Cache.Serializer {
	case "json", "gob":
	default:
		errs = append(errs, fmt.Errorf("cache.serializer must be json or gob, got %q", c.Cache.Serializer))
	}
	if c.Cache.LockTTL <= 0 {
		errs = append(errs, errors.New("cache.lock_ttl must be positive"))
	}
	if c.Cache.StaleTTL <= 0 || c.Cache.StaleTTL > c.Cache.MaxTTL {
		errs = append(errs, fmt.Errorf("cache.stale_ttl must be in (0, max_ttl], got %v / %v", c.Cache.StaleTTL, c.Cache.MaxTTL))
	}

	switch c.Queue.Backend {
	case "inline", "memory":
	case "nats":
		if c.Queue.NATSURL == "" {
			errs = append(errs, errors.New("queue.nats_url is required for the nats backend"))
		}
		// Jobs may run in another process, which must see the same entries
		// and locks as the node that dispatched them.
		if c.Cache.Backend != "redis" {
			errs = append(errs, fmt.Errorf("queue.backend nats requires cache.backend redis, got %q", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be inline, memory or nats, got %q", c.Queue.Backend))
	}
	if c.Queue.Backend == "memory" && !c.Queue.Worker {
		errs = append(errs, errors.New("queue.worker cannot be disabled for the in-process queue"))
	}

	if c.Upstream.RateEvery <= 0 {
		errs = append(errs, errors.New("upstream.rate_every must be positive"))
	}
	return errors.Join(errs...)
}
