package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs consumed by cmd/main.go.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Agents    AgentsConfig    `koanf:"agents"`
	Cache     CacheConfig     `koanf:"cache"`
	Semantic  SemanticConfig  `koanf:"semantic"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AgentsConfig describes where manifests live and how the liveness cache
// treats them.
type AgentsConfig struct {
	Folder                string   `koanf:"folder"`
	Exclude               []string `koanf:"exclude"`
	TTLSeconds            int      `koanf:"ttlSeconds"`
	HealthIntervalSeconds int      `koanf:"healthIntervalSeconds"`
	Watch                 bool     `koanf:"watch"`
}

// TTL converts the configured entry lifetime.
func (c AgentsConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// HealthInterval converts the configured health loop period.
func (c AgentsConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// CacheConfig selects and tunes the response store backend.
type CacheConfig struct {
	Backend         string       `koanf:"backend"`
	BaseTTLSeconds  int          `koanf:"baseTtlSeconds"`
	LookupTimeoutMs int          `koanf:"lookupTimeoutMs"`
	Redis           RedisConfig  `koanf:"redis"`
	SQLite          SQLiteConfig `koanf:"sqlite"`
}

// BaseTTL converts the configured base TTL.
func (c CacheConfig) BaseTTL() time.Duration {
	return time.Duration(c.BaseTTLSeconds) * time.Second
}

// LookupTimeout converts the configured store round-trip bound.
func (c CacheConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutMs) * time.Millisecond
}

// RedisConfig carries valkey/redis connection settings.
type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// SQLiteConfig carries the sqlite backend settings.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// SemanticConfig tunes similarity matching and the optional embedding
// provider. An empty embedding URL leaves only the TF-IDF path.
type SemanticConfig struct {
	Enabled            bool    `koanf:"enabled"`
	Threshold          float64 `koanf:"threshold"`
	MaxMatches         int     `koanf:"maxMatches"`
	EmbeddingURL       string  `koanf:"embeddingUrl"`
	EmbeddingTimeoutMs int     `koanf:"embeddingTimeoutMs"`
	Admission          string  `koanf:"admission"`
}

// EmbeddingTimeout converts the configured embedding call bound.
func (c SemanticConfig) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutMs) * time.Millisecond
}

// TemplatesConfig captures the reply-template sandbox settings. The sandbox
// root is always the agents folder; only the environment allow list and the
// fallback message are configurable.
type TemplatesConfig struct {
	AllowedEnv         []string `koanf:"allowedEnv"`
	UnavailableMessage string   `koanf:"unavailableMessage"`
}

// Validate rejects configurations the server could not start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level unsupported: %s", c.Server.Logging.Level)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: logging.format unsupported: %s", c.Server.Logging.Format)
	}
	if strings.TrimSpace(c.Server.Agents.Folder) == "" {
		return errors.New("config: agents.folder required")
	}
	if c.Server.Agents.TTLSeconds < 0 {
		return fmt.Errorf("config: agents.ttlSeconds invalid: %d", c.Server.Agents.TTLSeconds)
	}
	if c.Server.Agents.HealthIntervalSeconds < 0 {
		return fmt.Errorf("config: agents.healthIntervalSeconds invalid: %d", c.Server.Agents.HealthIntervalSeconds)
	}
	if c.Server.Cache.BaseTTLSeconds < 0 {
		return fmt.Errorf("config: cache.baseTtlSeconds invalid: %d", c.Server.Cache.BaseTTLSeconds)
	}
	if c.Server.Cache.LookupTimeoutMs < 0 {
		return fmt.Errorf("config: cache.lookupTimeoutMs invalid: %d", c.Server.Cache.LookupTimeoutMs)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Server.Cache.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Semantic.Threshold < 0 || c.Server.Semantic.Threshold > 1 {
		return fmt.Errorf("config: semantic.threshold out of range: %v", c.Server.Semantic.Threshold)
	}
	if c.Server.Semantic.MaxMatches < 0 {
		return fmt.Errorf("config: semantic.maxMatches invalid: %d", c.Server.Semantic.MaxMatches)
	}
	if c.Server.Semantic.EmbeddingTimeoutMs < 0 {
		return fmt.Errorf("config: semantic.embeddingTimeoutMs invalid: %d", c.Server.Semantic.EmbeddingTimeoutMs)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Agents: AgentsConfig{
				Folder:                "./agents",
				TTLSeconds:            3600,
				HealthIntervalSeconds: 300,
			},
			Cache: CacheConfig{
				Backend:         "memory",
				BaseTTLSeconds:  1800,
				LookupTimeoutMs: 300,
			},
			Semantic: SemanticConfig{
				Enabled:            true,
				Threshold:          0.85,
				MaxMatches:         5,
				EmbeddingTimeoutMs: 3000,
			},
			Templates: TemplatesConfig{
				UnavailableMessage: "The {{ .agent }} specialist is temporarily unavailable. Please try again in a moment.",
			},
		},
	}
}
