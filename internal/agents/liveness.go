package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fitforge/agentcache/internal/metrics"
)

// HealthState tracks what the health loop last learned about an agent.
type HealthState string

const (
	// HealthUnknown is the state of a freshly loaded agent.
	HealthUnknown HealthState = "unknown"
	// HealthHealthy means the last liveness check passed.
	HealthHealthy HealthState = "healthy"
	// HealthUnhealthy means the last liveness check failed; the next access
	// reloads the agent.
	HealthUnhealthy HealthState = "unhealthy"
)

const (
	// DefaultEntryTTL is how long a loaded agent stays valid without a reload.
	DefaultEntryTTL = time.Hour
	// DefaultHealthInterval is the period of the background liveness loop.
	DefaultHealthInterval = 5 * time.Minute
)

// livenessEntry is the cached record for one loaded agent.
type livenessEntry struct {
	agent        Agent
	manifest     Manifest
	loadedAt     time.Time
	loadDuration time.Duration
	health       HealthState
	accessCount  int64
	lastAccessed time.Time
	errorCount   int64
	lastError    string
}

func (e *livenessEntry) valid(now time.Time, ttl time.Duration) bool {
	return e.health != HealthUnhealthy && now.Sub(e.loadedAt) < ttl
}

// LivenessOptions configures the cache. Folder and Registry are required.
type LivenessOptions struct {
	Folder         string
	Exclude        []string
	Registry       *Registry
	Dependencies   Dependencies
	TTL            time.Duration
	HealthInterval time.Duration
	Watch          bool
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// LivenessCache keeps constructed agents alive between requests. Entries
// expire after a TTL, go stale when the health loop marks them unhealthy, and
// are invalidated when the directory watcher sees their manifest change.
// Loads always happen outside the map lock.
type LivenessCache struct {
	folder         string
	exclude        []string
	registry       *Registry
	deps           Dependencies
	ttl            time.Duration
	healthInterval time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder
	scan           func() ([]Manifest, []ManifestSkip, error)

	mu            sync.RWMutex
	entries       map[string]*livenessEntry
	loading       map[string]chan struct{}
	loadFailures  int64
	invalidations int64

	events  chan string
	watcher *dirWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewLivenessCache validates the options, starts the invalidation drain and
// health loop goroutines, and optionally the directory watcher.
func NewLivenessCache(opts LivenessOptions) (*LivenessCache, error) {
	if opts.Folder == "" {
		return nil, fmt.Errorf("agents: liveness cache requires a manifest folder")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("agents: liveness cache requires a registry")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultEntryTTL
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LivenessCache{
		folder:         opts.Folder,
		exclude:        opts.Exclude,
		registry:       opts.Registry,
		deps:           opts.Dependencies,
		ttl:            opts.TTL,
		healthInterval: opts.HealthInterval,
		logger:         logger.With(slog.String("component", "agent_liveness")),
		metrics:        opts.Metrics,
		entries:        make(map[string]*livenessEntry),
		loading:        make(map[string]chan struct{}),
		events:         make(chan string, 64),
		cancel:         cancel,
	}
	c.scan = func() ([]Manifest, []ManifestSkip, error) {
		return DiscoverManifests(c.folder, c.exclude)
	}

	if opts.Watch {
		watcher, err := newDirWatcher(c.folder, c.exclude, c.events, c.logger)
		if err != nil {
			cancel()
			return nil, err
		}
		c.watcher = watcher
	}

	c.wg.Add(2)
	go c.drainInvalidations(ctx)
	go c.healthLoop(ctx)
	return c, nil
}

// Agent returns a live agent by id, loading it when absent, expired, or
// unhealthy. A missing manifest is an expected miss, not an error.
func (c *LivenessCache) Agent(ctx context.Context, id string) (Agent, bool) {
	if agent, ok := c.cached(id); ok {
		return agent, true
	}
	return c.load(ctx, id)
}

func (c *LivenessCache) cached(id string) (Agent, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || !entry.valid(now, c.ttl) {
		return nil, false
	}
	entry.accessCount++
	entry.lastAccessed = now
	return entry.agent, true
}

// load constructs the agent outside the map lock. Concurrent loads of the
// same id collapse onto one loader; the rest wait and re-read the map.
func (c *LivenessCache) load(ctx context.Context, id string) (Agent, bool) {
	return c.loadFrom(ctx, id, func() (Manifest, bool, error) {
		return c.findManifest(id)
	})
}

// loadFrom is load with the manifest lookup factored out, so callers that
// already hold a discovered manifest (AllAgents) skip a directory rescan.
func (c *LivenessCache) loadFrom(ctx context.Context, id string, lookup func() (Manifest, bool, error)) (Agent, bool) {
	c.mu.Lock()
	if wait, inflight := c.loading[id]; inflight {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
		return c.cached(id)
	}
	done := make(chan struct{})
	c.loading[id] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.loading, id)
		c.mu.Unlock()
		close(done)
	}()

	start := time.Now()
	manifest, ok, err := lookup()
	if err != nil {
		c.recordLoadFailure(id, err, start)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	agent, err := c.registry.Build(manifest, c.deps)
	if err != nil {
		c.recordLoadFailure(id, err, start)
		return nil, false
	}
	duration := time.Since(start)
	c.metrics.ObserveAgentLoad(metrics.LoadLoaded, duration)
	c.logger.Info("agent loaded",
		slog.String("agent", id),
		slog.String("kind", manifest.Kind),
		slog.Duration("duration", duration))

	now := time.Now()
	c.mu.Lock()
	c.entries[id] = &livenessEntry{
		agent:        agent,
		manifest:     manifest,
		loadedAt:     now,
		loadDuration: duration,
		health:       HealthUnknown,
		accessCount:  1,
		lastAccessed: now,
	}
	c.mu.Unlock()
	return agent, true
}

func (c *LivenessCache) recordLoadFailure(id string, err error, start time.Time) {
	c.metrics.ObserveAgentLoad(metrics.LoadFailed, time.Since(start))
	c.logger.Warn("agent load failed", slog.String("agent", id), slog.Any("error", err))
	c.mu.Lock()
	c.loadFailures++
	c.mu.Unlock()
}

func (c *LivenessCache) findManifest(id string) (Manifest, bool, error) {
	manifests, skips, err := c.discover()
	if err != nil {
		return Manifest{}, false, err
	}
	for _, skip := range skips {
		c.logger.Warn("manifest skipped", slog.String("path", skip.Path), slog.String("reason", skip.Reason))
	}
	for _, manifest := range manifests {
		if manifest.ID == id {
			return manifest, true, nil
		}
	}
	return Manifest{}, false, nil
}

func (c *LivenessCache) discover() ([]Manifest, []ManifestSkip, error) {
	return c.scan()
}

// AllAgents returns every live agent keyed by id, scanning the directory when
// the cache is empty or forceRefresh is set. Existing valid entries are never
// replaced by a scan.
func (c *LivenessCache) AllAgents(ctx context.Context, forceRefresh bool) map[string]Agent {
	c.mu.RLock()
	empty := len(c.entries) == 0
	c.mu.RUnlock()

	if empty || forceRefresh {
		manifests, skips, err := c.discover()
		if err != nil {
			c.logger.Warn("agent scan failed", slog.Any("error", err))
		}
		for _, skip := range skips {
			c.logger.Warn("manifest skipped", slog.String("path", skip.Path), slog.String("reason", skip.Reason))
		}
		for _, manifest := range manifests {
			if ctx.Err() != nil {
				break
			}
			if _, ok := c.cached(manifest.ID); ok {
				continue
			}
			c.loadFrom(ctx, manifest.ID, func() (Manifest, bool, error) {
				return manifest, true, nil
			})
		}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	agents := make(map[string]Agent, len(c.entries))
	for id, entry := range c.entries {
		if entry.valid(now, c.ttl) {
			agents[id] = entry.agent
		}
	}
	return agents
}

// Invalidate drops the entry for id. The next access reloads it.
func (c *LivenessCache) Invalidate(id string) {
	c.mu.Lock()
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.invalidations++
	}
	c.mu.Unlock()
	c.logger.Debug("agent invalidated", slog.String("agent", id))
}

// InvalidateFromPath maps a changed file back to its agent directory and
// queues the invalidation for the drain goroutine. Safe to call from the
// watcher; it never touches the entry map directly.
func (c *LivenessCache) InvalidateFromPath(path string) {
	dir, ok := agentDirFromPath(c.folder, path)
	if !ok {
		return
	}
	select {
	case c.events <- dir:
	default:
		// Queue full: drop rather than block the watcher; the TTL still
		// bounds staleness.
		c.logger.Warn("invalidation queue full", slog.String("dir", dir))
	}
}

// invalidateDir drops every entry whose manifest lives in the changed
// directory. Entries are keyed by manifest id, which may differ from the
// directory name, so the match goes through each entry's manifest path.
func (c *LivenessCache) invalidateDir(dir string) {
	c.mu.Lock()
	removed := 0
	for id, entry := range c.entries {
		owner, ok := agentDirFromPath(c.folder, entry.manifest.Path)
		if ok && owner == dir {
			delete(c.entries, id)
			c.invalidations++
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("agent directory invalidated", slog.String("dir", dir), slog.Int("removed", removed))
	}
}

func (c *LivenessCache) drainInvalidations(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case dir := <-c.events:
			c.invalidateDir(dir)
		}
	}
}

func (c *LivenessCache) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// checkAll probes every cached agent. Agents implementing HealthChecker get a
// real probe; the rest are live while they still report their own id.
func (c *LivenessCache) checkAll(ctx context.Context) {
	c.mu.RLock()
	snapshot := make(map[string]Agent, len(c.entries))
	for id, entry := range c.entries {
		snapshot[id] = entry.agent
	}
	c.mu.RUnlock()

	for id, agent := range snapshot {
		if ctx.Err() != nil {
			return
		}
		err := probe(ctx, id, agent)
		c.applyHealth(id, err)
	}
}

func probe(ctx context.Context, id string, agent Agent) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if checker, ok := agent.(HealthChecker); ok {
		return checker.HealthCheck(probeCtx)
	}
	if agent.ID() != id {
		return fmt.Errorf("agents: %q no longer reports its id", id)
	}
	return nil
}

func (c *LivenessCache) applyHealth(id string, probeErr error) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	state := HealthHealthy
	if probeErr != nil {
		state = HealthUnhealthy
		entry.errorCount++
		entry.lastError = probeErr.Error()
	}
	transition := entry.health != state
	entry.health = state
	c.mu.Unlock()

	c.metrics.ObserveAgentHealth(string(state))
	if transition && state == HealthUnhealthy {
		c.logger.Warn("agent unhealthy", slog.String("agent", id), slog.Any("error", probeErr))
	}
}

// Statistics is a point-in-time snapshot of the liveness cache.
type Statistics struct {
	Entries       int             `json:"entries"`
	ByHealth      map[string]int  `json:"byHealth"`
	TotalAccesses int64           `json:"totalAccesses"`
	LoadFailures  int64           `json:"loadFailures"`
	Invalidations int64           `json:"invalidations"`
	Agents        []AgentSnapshot `json:"agents"`
}

// AgentSnapshot summarizes one cached entry for diagnostics.
type AgentSnapshot struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Health       HealthState   `json:"health"`
	LoadedAt     time.Time     `json:"loadedAt"`
	LoadDuration time.Duration `json:"loadDuration"`
	AccessCount  int64         `json:"accessCount"`
	LastAccessed time.Time     `json:"lastAccessed"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
}

// Statistics snapshots the cache counters and per-agent telemetry.
func (c *LivenessCache) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Statistics{
		Entries:       len(c.entries),
		ByHealth:      map[string]int{},
		LoadFailures:  c.loadFailures,
		Invalidations: c.invalidations,
	}
	for id, entry := range c.entries {
		stats.ByHealth[string(entry.health)]++
		stats.TotalAccesses += entry.accessCount
		stats.Agents = append(stats.Agents, AgentSnapshot{
			ID:           id,
			Kind:         entry.manifest.Kind,
			Health:       entry.health,
			LoadedAt:     entry.loadedAt,
			LoadDuration: entry.loadDuration,
			AccessCount:  entry.accessCount,
			LastAccessed: entry.lastAccessed,
			ErrorCount:   entry.errorCount,
			LastError:    entry.lastError,
		})
	}
	sort.Slice(stats.Agents, func(i, j int) bool { return stats.Agents[i].ID < stats.Agents[j].ID })
	return stats
}

// CheckNow runs one synchronous health sweep, primarily for handlers and tests
// that cannot wait for the ticker.
func (c *LivenessCache) CheckNow(ctx context.Context) {
	c.checkAll(ctx)
}

// Shutdown stops the watcher, the health loop, and the invalidation drain.
func (c *LivenessCache) Shutdown(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.watcher != nil {
			err = c.watcher.Stop()
		}
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
