package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fitforge/agentcache/internal/cache"
	"github.com/fitforge/agentcache/internal/expr"
	"github.com/fitforge/agentcache/internal/metrics"
)

// Namespace is the response store namespace owned by this cache. Coarse
// invalidation clears it wholesale; see DESIGN.md for the trade-off.
const Namespace = "responses"

// Lookup classifies how a cached response was (or was not) found.
type Lookup string

const (
	// LookupExact means the exact (agent, query, context) key matched.
	LookupExact Lookup = "exact_hit"
	// LookupSemantic means a sufficiently similar cached query matched.
	LookupSemantic Lookup = "semantic_hit"
	// LookupMiss means no cached response was usable.
	LookupMiss Lookup = "miss"
)

const (
	// DefaultBaseTTL anchors the quality step function.
	DefaultBaseTTL = 30 * time.Minute
	// DefaultLookupTimeout bounds store round-trips so a slow backend never
	// stalls the primary request path.
	DefaultLookupTimeout = 300 * time.Millisecond
	// DefaultEmbedTimeout bounds embedding provider calls at write time.
	DefaultEmbedTimeout = 3 * time.Second

	promotionThreshold = 0.8
)

// Options wires the orchestrator's collaborators. Store is required; Matcher,
// Provider, Admission, and Metrics are optional.
type Options struct {
	Store         cache.ResponseStore
	Matcher       *Matcher
	Provider      Provider
	BaseTTL       time.Duration
	LookupTimeout time.Duration
	EmbedTimeout  time.Duration
	Admission     *expr.Program
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Cache is the semantic response cache: exact lookups against the store,
// similarity lookups against an in-process candidate index, quality-derived
// TTLs at write time.
type Cache struct {
	store         cache.ResponseStore
	matcher       *Matcher
	provider      Provider
	baseTTL       time.Duration
	lookupTimeout time.Duration
	embedTimeout  time.Duration
	admission     *expr.Program
	logger        *slog.Logger
	metrics       *metrics.Recorder

	mu         sync.Mutex
	index      map[string]Candidate
	hits       int64
	semantic   int64
	misses     int64
	cached     int64
	promotions int64
}

// StoreResult reports what CacheResponse decided for one response.
type StoreResult struct {
	Quality float64
	TTL     time.Duration
	Stored  bool
}

// Stats is a point-in-time snapshot of the cache's aggregate counters.
type Stats struct {
	ExactHits         int64   `json:"exactHits"`
	SemanticHits      int64   `json:"semanticHits"`
	Misses            int64   `json:"misses"`
	ResponsesCached   int64   `json:"responsesCached"`
	QualityPromotions int64   `json:"qualityPromotions"`
	HitRate           float64 `json:"hitRate"`
	SemanticHitRate   float64 `json:"semanticHitRate"`
	PromotionRate     float64 `json:"promotionRate"`
	IndexSize         int     `json:"indexSize"`
}

// New constructs the semantic cache. A nil matcher disables semantic lookups
// entirely; a nil provider disables embeddings but leaves the TF-IDF path.
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("semantic: response store required")
	}
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = DefaultBaseTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultEmbedTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:         opts.Store,
		matcher:       opts.Matcher,
		provider:      opts.Provider,
		baseTTL:       opts.BaseTTL,
		lookupTimeout: opts.LookupTimeout,
		embedTimeout:  opts.EmbedTimeout,
		admission:     opts.Admission,
		logger:        logger.With(slog.String("component", "semantic_cache")),
		metrics:       opts.Metrics,
		index:         make(map[string]Candidate),
	}, nil
}

// GetResponse resolves a query against the cache. Store failures are logged
// and reported as a miss so the primary request path never fails on cache
// trouble.
func (c *Cache) GetResponse(ctx context.Context, query, agentID string, reqCtx RequestContext, enableSemantic bool) (Response, Lookup, bool) {
	start := time.Now()
	key := c.responseKey(query, agentID, reqCtx)

	lookupCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	entry, ok, err := c.store.Get(lookupCtx, Namespace, key)
	cancel()
	if err != nil {
		c.logger.Warn("cache lookup failed", slog.String("agent", agentID), slog.Any("error", err))
		c.metrics.ObserveCacheLookup(agentID, metrics.LookupError, time.Since(start))
	}
	if err == nil && ok {
		c.touch(ctx, key, &entry)
		c.record(&c.hits)
		c.metrics.ObserveCacheLookup(agentID, metrics.LookupExactHit, time.Since(start))
		return ResponseFromMap(entry.Response), LookupExact, true
	}

	if enableSemantic && c.matcher != nil {
		if resp, ok := c.semanticLookup(ctx, query, agentID, reqCtx); ok {
			c.record(&c.semantic)
			c.metrics.ObserveCacheLookup(agentID, metrics.LookupSemanticHit, time.Since(start))
			return resp, LookupSemantic, true
		}
	}

	c.record(&c.misses)
	if err == nil {
		c.metrics.ObserveCacheLookup(agentID, metrics.LookupMiss, time.Since(start))
	}
	return Response{}, LookupMiss, false
}

func (c *Cache) semanticLookup(ctx context.Context, query, agentID string, reqCtx RequestContext) (Response, bool) {
	matches := c.matcher.FindSimilar(ctx, query, c.candidates(), Filter{AgentID: agentID, UserID: reqCtx.UserID})
	for _, match := range matches {
		lookupCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
		entry, ok, err := c.store.Get(lookupCtx, Namespace, match.Candidate.Key)
		cancel()
		if err != nil {
			c.logger.Warn("semantic candidate fetch failed", slog.Any("error", err))
			continue
		}
		if !ok {
			c.dropCandidate(match.Candidate.Key)
			continue
		}
		c.touch(ctx, match.Candidate.Key, &entry)
		c.logger.Debug("semantic cache hit",
			slog.String("agent", agentID),
			slog.Float64("similarity", match.Score),
			slog.String("cached_query", match.Candidate.Query))
		return ResponseFromMap(entry.Response), true
	}
	return Response{}, false
}

// CacheResponse evaluates quality, derives the TTL, optionally embeds the
// query, consults the admission policy, and persists the entry.
func (c *Cache) CacheResponse(ctx context.Context, query, agentID string, resp Response, reqCtx RequestContext, customTTL time.Duration) (StoreResult, error) {
	quality := Evaluate(resp)
	ttl := customTTL
	if ttl <= 0 {
		ttl = TTLForQuality(quality, c.baseTTL)
	}
	result := StoreResult{Quality: quality, TTL: ttl}

	if !c.admit(agentID, quality, resp) {
		c.metrics.ObserveCacheStore(agentID, metrics.StoreSkipped)
		return result, nil
	}

	normalized := Normalize(query)
	var embedding []float64
	if c.provider != nil {
		embedCtx, cancel := context.WithTimeout(ctx, c.embedTimeout)
		vec, err := c.provider.Embed(embedCtx, normalized)
		cancel()
		if err != nil {
			c.logger.Warn("embedding skipped", slog.String("agent", agentID), slog.Any("error", err))
		} else {
			embedding = vec
		}
	}

	now := time.Now().UTC()
	key := c.responseKey(query, agentID, reqCtx)
	entry := cache.Entry{
		Response:     resp.ToMap(),
		Query:        query,
		QueryHash:    hashString(normalized),
		AgentID:      agentID,
		UserID:       reqCtx.UserID,
		ContextHash:  hashPreferences(reqCtx.Preferences),
		StoredAt:     now,
		ExpiresAt:    now.Add(ttl),
		TTLSeconds:   int64(ttl / time.Second),
		QualityScore: quality,
		Embedding:    embedding,
		UsageCount:   0,
		LastAccessed: now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	err := c.store.Set(storeCtx, Namespace, key, entry, ttl)
	cancel()
	if err != nil {
		c.metrics.ObserveCacheStore(agentID, metrics.StoreError)
		return result, fmt.Errorf("semantic: cache response: %w", err)
	}

	c.mu.Lock()
	c.index[key] = Candidate{
		Key:       key,
		Query:     query,
		AgentID:   agentID,
		UserID:    reqCtx.UserID,
		Embedding: embedding,
		ExpiresAt: entry.ExpiresAt,
	}
	c.cached++
	if quality >= promotionThreshold {
		c.promotions++
	}
	c.mu.Unlock()

	c.metrics.ObserveCacheStore(agentID, metrics.StoreStored)
	result.Stored = true
	return result, nil
}

// admit runs the optional CEL admission policy. Policy errors fail open: a
// broken expression must not stop the cache from doing its job.
func (c *Cache) admit(agentID string, quality float64, resp Response) bool {
	if c.admission == nil {
		return true
	}
	ok, err := c.admission.EvalBool(map[string]any{
		"agent":    agentID,
		"quality":  quality,
		"response": resp.ToMap(),
	})
	if err != nil {
		c.logger.Warn("admission policy error, caching anyway",
			slog.String("policy", c.admission.Source()), slog.Any("error", err))
		return true
	}
	if !ok {
		c.logger.Debug("admission policy declined response",
			slog.String("agent", agentID), slog.Float64("quality", quality))
	}
	return ok
}

// InvalidateUserCache clears every cached response. Per-user partitions are
// not indexed at the store level, so invalidation is deliberately coarse.
func (c *Cache) InvalidateUserCache(ctx context.Context, userID string) error {
	c.logger.Info("invalidating response cache", slog.String("scope", "user"), slog.String("user", userID))
	return c.clear(ctx)
}

// InvalidateAgentCache clears every cached response. See InvalidateUserCache.
func (c *Cache) InvalidateAgentCache(ctx context.Context, agentID string) error {
	c.logger.Info("invalidating response cache", slog.String("scope", "agent"), slog.String("agent", agentID))
	return c.clear(ctx)
}

func (c *Cache) clear(ctx context.Context) error {
	if err := c.store.ClearNamespace(ctx, Namespace); err != nil {
		return fmt.Errorf("semantic: clear namespace: %w", err)
	}
	c.mu.Lock()
	c.index = make(map[string]Candidate)
	c.mu.Unlock()
	return nil
}

// GetCacheStats snapshots the aggregate counters.
func (c *Cache) GetCacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		ExactHits:         c.hits,
		SemanticHits:      c.semantic,
		Misses:            c.misses,
		ResponsesCached:   c.cached,
		QualityPromotions: c.promotions,
		IndexSize:         len(c.index),
	}
	total := stats.ExactHits + stats.SemanticHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.ExactHits) / float64(total)
		stats.SemanticHitRate = float64(stats.SemanticHits) / float64(total)
	}
	if stats.ResponsesCached > 0 {
		stats.PromotionRate = float64(stats.QualityPromotions) / float64(stats.ResponsesCached)
	}
	return stats
}

// HealthStatus reports whether the backing store is reachable.
type HealthStatus struct {
	Store   string `json:"store"`
	Entries int64  `json:"entries"`
}

// GetHealthStatus probes the store with the lookup timeout.
func (c *Cache) GetHealthStatus(ctx context.Context) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	status := HealthStatus{Store: "ok"}
	if err := c.store.HealthCheck(probeCtx); err != nil {
		status.Store = err.Error()
		return status
	}
	if size, err := c.store.Size(probeCtx); err == nil {
		status.Entries = size
	}
	return status
}

// touch bumps usage telemetry and writes the entry back with its original
// expiry intact. Write-back failures are logged only; the hit still counts.
func (c *Cache) touch(ctx context.Context, key string, entry *cache.Entry) {
	entry.UsageCount++
	entry.LastAccessed = time.Now().UTC()
	writeCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	if err := c.store.Set(writeCtx, Namespace, key, *entry, 0); err != nil {
		c.logger.Debug("usage write-back failed", slog.Any("error", err))
	}
}

func (c *Cache) candidates() []Candidate {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Candidate, 0, len(c.index))
	for key, candidate := range c.index {
		if now.After(candidate.ExpiresAt) {
			delete(c.index, key)
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func (c *Cache) dropCandidate(key string) {
	c.mu.Lock()
	delete(c.index, key)
	c.mu.Unlock()
}

func (c *Cache) record(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// responseKey builds the exact-match key from the agent, the normalized
// query, and every context component that must partition the cache.
func (c *Cache) responseKey(query, agentID string, reqCtx RequestContext) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(Normalize(query)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(reqCtx.UserID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(reqCtx.SessionID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(hashPreferences(reqCtx.Preferences)))
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashString(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// hashPreferences canonicalizes an arbitrary preference map: keys sorted,
// values JSON-encoded for a deterministic representation of nested shapes.
// Returns empty string for an empty map so absent preferences do not perturb
// the key.
func hashPreferences(prefs map[string]any) string {
	if len(prefs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(prefs))
	for key := range prefs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, key := range keys {
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte("="))
		value, err := json.Marshal(prefs[key])
		if err == nil {
			_, _ = h.Write(value)
		}
		_, _ = h.Write([]byte("|"))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
