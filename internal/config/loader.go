package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with env > file > default
// precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are optional; a missing
// explicitly-named file is an error, not a silent default.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.agents.ttlseconds":            "server.agents.ttlSeconds",
			"server.agents.healthintervalseconds": "server.agents.healthIntervalSeconds",
			"server.cache.basettlseconds":         "server.cache.baseTtlSeconds",
			"server.cache.lookuptimeoutms":        "server.cache.lookupTimeoutMs",
			"server.cache.redis.tls.cafile":       "server.cache.redis.tls.caFile",
			"server.semantic.maxmatches":          "server.semantic.maxMatches",
			"server.semantic.embeddingurl":        "server.semantic.embeddingUrl",
			"server.semantic.embeddingtimeoutms":  "server.semantic.embeddingTimeoutMs",
			"server.templates.allowedenv":         "server.templates.allowedEnv",
			"server.templates.unavailablemessage": "server.templates.unavailableMessage",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__CACHE__BACKEND -> server.cache.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Remaining single underscores collapse so LISTEN_PORT works for
			// callers that skip the nesting convention.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"agents": map[string]any{
				"folder":                cfg.Server.Agents.Folder,
				"exclude":               cfg.Server.Agents.Exclude,
				"ttlSeconds":            cfg.Server.Agents.TTLSeconds,
				"healthIntervalSeconds": cfg.Server.Agents.HealthIntervalSeconds,
				"watch":                 cfg.Server.Agents.Watch,
			},
			"cache": map[string]any{
				"backend":         cfg.Server.Cache.Backend,
				"baseTtlSeconds":  cfg.Server.Cache.BaseTTLSeconds,
				"lookupTimeoutMs": cfg.Server.Cache.LookupTimeoutMs,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
				"sqlite": map[string]any{
					"path": cfg.Server.Cache.SQLite.Path,
				},
			},
			"semantic": map[string]any{
				"enabled":            cfg.Server.Semantic.Enabled,
				"threshold":          cfg.Server.Semantic.Threshold,
				"maxMatches":         cfg.Server.Semantic.MaxMatches,
				"embeddingUrl":       cfg.Server.Semantic.EmbeddingURL,
				"embeddingTimeoutMs": cfg.Server.Semantic.EmbeddingTimeoutMs,
				"admission":          cfg.Server.Semantic.Admission,
			},
			"templates": map[string]any{
				"allowedEnv":         cfg.Server.Templates.AllowedEnv,
				"unavailableMessage": cfg.Server.Templates.UnavailableMessage,
			},
		},
	}
}
