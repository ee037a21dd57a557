package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fitforge/agentcache/internal/agents"
	"github.com/fitforge/agentcache/internal/cache"
	"github.com/fitforge/agentcache/internal/config"
	"github.com/fitforge/agentcache/internal/embedding"
	"github.com/fitforge/agentcache/internal/expr"
	"github.com/fitforge/agentcache/internal/logging"
	"github.com/fitforge/agentcache/internal/metrics"
	"github.com/fitforge/agentcache/internal/semantic"
	"github.com/fitforge/agentcache/internal/server"
	"github.com/fitforge/agentcache/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "AGENTCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildResponseStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	sandbox, err := templates.NewSandbox(cfg.Server.Agents.Folder, allowedEnvironment(cfg.Server.Templates.AllowedEnv))
	if err != nil {
		logger.Error("agent folder setup failed", slog.String("folder", cfg.Server.Agents.Folder), slog.Any("error", err))
		os.Exit(1)
	}
	renderer := templates.NewRenderer(sandbox)

	unavailable, err := renderer.CompileInline("unavailable", cfg.Server.Templates.UnavailableMessage)
	if err != nil {
		logger.Error("unavailable message template invalid", slog.Any("error", err))
		os.Exit(1)
	}

	admission, err := buildAdmission(cfg.Server.Semantic.Admission)
	if err != nil {
		logger.Error("admission policy invalid", slog.Any("error", err))
		os.Exit(1)
	}

	var provider semantic.Provider
	if client := embedding.NewClient(cfg.Server.Semantic.EmbeddingURL, cfg.Server.Semantic.EmbeddingTimeout()); client != nil {
		provider = client
		logger.Info("embedding service configured", slog.String("url", cfg.Server.Semantic.EmbeddingURL))
	}

	semanticCache, err := semantic.New(semantic.Options{
		Store:         store,
		Matcher:       semantic.NewMatcher(provider, cfg.Server.Semantic.Threshold, cfg.Server.Semantic.MaxMatches, logger),
		Provider:      provider,
		BaseTTL:       cfg.Server.Cache.BaseTTL(),
		LookupTimeout: cfg.Server.Cache.LookupTimeout(),
		EmbedTimeout:  cfg.Server.Semantic.EmbeddingTimeout(),
		Admission:     admission,
		Logger:        logger,
		Metrics:       metricsRecorder,
	})
	if err != nil {
		logger.Error("semantic cache setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	liveness, err := agents.NewLivenessCache(agents.LivenessOptions{
		Folder:         cfg.Server.Agents.Folder,
		Exclude:        cfg.Server.Agents.Exclude,
		Registry:       agents.BuiltinRegistry(),
		Dependencies:   agents.Dependencies{Renderer: renderer, Logger: logger},
		TTL:            cfg.Server.Agents.TTL(),
		HealthInterval: cfg.Server.Agents.HealthInterval(),
		Watch:          cfg.Server.Agents.Watch,
		Logger:         logger,
		Metrics:        metricsRecorder,
	})
	if err != nil {
		logger.Error("agent liveness cache setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := liveness.Shutdown(shutdownCtx); err != nil {
			logger.Error("agent cache shutdown failed", slog.Any("error", err))
		}
	}()

	handler, err := server.NewHandler(server.HandlerOptions{
		Cache:           semanticCache,
		Agents:          liveness,
		Unavailable:     unavailable,
		SemanticDefault: cfg.Server.Semantic.Enabled,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct api handler", slog.Any("error", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, server.NewRouter(handler, metricsRecorder))
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildResponseStore selects the cache backend, falling back to memory when a
// remote backend cannot be reached at startup.
func buildResponseStore(logger *slog.Logger, cfg config.CacheConfig) cache.ResponseStore {
	ttl := cfg.BaseTTL()
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory response store", slog.Duration("baseTtl", ttl))
		return cache.NewMemory(ttl)
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return cache.NewMemory(ttl)
		}
		logger.Info("using redis response store", slog.String("address", cfg.Redis.Address))
		return store
	case "sqlite":
		store, err := cache.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite store initialization failed", slog.String("path", cfg.SQLite.Path), slog.Any("error", err))
			logger.Info("falling back to memory store")
			return cache.NewMemory(ttl)
		}
		logger.Info("using sqlite response store", slog.String("path", cfg.SQLite.Path))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(ttl)
	}
}

// buildAdmission compiles the optional CEL admission policy.
func buildAdmission(source string) (*expr.Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(source)
	if err != nil {
		return nil, err
	}
	return &program, nil
}

// allowedEnvironment resolves the configured variable names against the
// process environment. Unset variables are omitted rather than passed empty.
func allowedEnvironment(names []string) map[string]string {
	env := make(map[string]string, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}
