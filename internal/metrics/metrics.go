package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of a response cache lookup.
type LookupOutcome string

const (
	// LookupExactHit indicates the lookup matched the exact key.
	LookupExactHit LookupOutcome = "exact_hit"
	// LookupSemanticHit indicates a similar cached query satisfied the lookup.
	LookupSemanticHit LookupOutcome = "semantic_hit"
	// LookupMiss indicates no cached response was usable.
	LookupMiss LookupOutcome = "miss"
	// LookupError indicates the underlying store failed.
	LookupError LookupOutcome = "error"
)

// StoreOutcome captures the result of a response cache store attempt.
type StoreOutcome string

const (
	// StoreStored indicates the response was persisted.
	StoreStored StoreOutcome = "stored"
	// StoreSkipped indicates the admission policy declined to cache.
	StoreSkipped StoreOutcome = "skipped"
	// StoreError indicates the store operation failed.
	StoreError StoreOutcome = "error"
)

// LoadOutcome captures the result of an agent load.
type LoadOutcome string

const (
	// LoadLoaded indicates the agent instantiated successfully.
	LoadLoaded LoadOutcome = "loaded"
	// LoadFailed indicates manifest resolution or construction failed.
	LoadFailed LoadOutcome = "failed"
)

// Recorder publishes Prometheus metrics for cache and agent activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	respondRequests *prometheus.CounterVec
	respondLatency  *prometheus.HistogramVec

	cacheLookups      *prometheus.CounterVec
	cacheLookupTiming *prometheus.HistogramVec
	cacheStores       *prometheus.CounterVec

	agentLoads      *prometheus.CounterVec
	agentLoadTiming prometheus.Histogram
	agentHealth     *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	respondRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcache",
		Subsystem: "respond",
		Name:      "requests_total",
		Help:      "Total /v1/respond requests processed.",
	}, []string{"agent", "cache", "status_code"})

	respondLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentcache",
		Subsystem: "respond",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed /v1/respond requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"agent", "cache"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Response cache lookups by outcome.",
	}, []string{"agent", "result"})

	cacheLookupTiming := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentcache",
		Subsystem: "cache",
		Name:      "lookup_duration_seconds",
		Help:      "Latency distribution for response cache lookups.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"agent", "result"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcache",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Response cache store attempts by outcome.",
	}, []string{"agent", "result"})

	agentLoads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcache",
		Subsystem: "agents",
		Name:      "loads_total",
		Help:      "Agent load attempts by outcome.",
	}, []string{"result"})

	agentLoadTiming := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentcache",
		Subsystem: "agents",
		Name:      "load_duration_seconds",
		Help:      "Latency distribution for agent manifest loads.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	agentHealth := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcache",
		Subsystem: "agents",
		Name:      "health_checks_total",
		Help:      "Agent liveness check results.",
	}, []string{"status"})

	reg.MustRegister(respondRequests, respondLatency, cacheLookups, cacheLookupTiming,
		cacheStores, agentLoads, agentLoadTiming, agentHealth)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		respondRequests:   respondRequests,
		respondLatency:    respondLatency,
		cacheLookups:      cacheLookups,
		cacheLookupTiming: cacheLookupTiming,
		cacheStores:       cacheStores,
		agentLoads:        agentLoads,
		agentLoadTiming:   agentLoadTiming,
		agentHealth:       agentHealth,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRespond records the outcome and latency for a completed respond request.
func (r *Recorder) ObserveRespond(agent, cacheOutcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	agentLabel := normalizeLabel(agent)
	cacheLabel := normalizeLabel(cacheOutcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.respondRequests.WithLabelValues(agentLabel, cacheLabel, statusLabel).Inc()
	r.respondLatency.WithLabelValues(agentLabel, cacheLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a response cache lookup.
func (r *Recorder) ObserveCacheLookup(agent string, result LookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	agentLabel := normalizeLabel(agent)
	r.cacheLookups.WithLabelValues(agentLabel, resultLabel).Inc()
	r.cacheLookupTiming.WithLabelValues(agentLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveCacheStore records the result of a response cache store attempt.
func (r *Recorder) ObserveCacheStore(agent string, result StoreOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(StoreError)
	}
	r.cacheStores.WithLabelValues(normalizeLabel(agent), resultLabel).Inc()
}

// ObserveAgentLoad records an agent load attempt and its duration.
func (r *Recorder) ObserveAgentLoad(result LoadOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LoadFailed)
	}
	r.agentLoads.WithLabelValues(resultLabel).Inc()
	r.agentLoadTiming.Observe(duration.Seconds())
}

// ObserveAgentHealth records the outcome of a liveness check.
func (r *Recorder) ObserveAgentHealth(status string) {
	if r == nil {
		return
	}
	r.agentHealth.WithLabelValues(normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
