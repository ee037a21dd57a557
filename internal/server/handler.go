package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitforge/agentcache/internal/agents"
	"github.com/fitforge/agentcache/internal/metrics"
	"github.com/fitforge/agentcache/internal/semantic"
	"github.com/fitforge/agentcache/internal/templates"
)

const maxRequestBody = 1 << 20

// Handler serves the response API on top of the semantic cache and the agent
// liveness cache.
type Handler struct {
	cache           *semantic.Cache
	agents          *agents.LivenessCache
	unavailable     *templates.Template
	semanticDefault bool
	logger          *slog.Logger
	metrics         *metrics.Recorder
}

// HandlerOptions wires the handler's collaborators. Cache and Agents are
// required; Unavailable customizes the 503 message for failing specialists.
type HandlerOptions struct {
	Cache           *semantic.Cache
	Agents          *agents.LivenessCache
	Unavailable     *templates.Template
	SemanticDefault bool
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// NewHandler validates the options.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Cache == nil {
		return nil, errors.New("server: semantic cache required")
	}
	if opts.Agents == nil {
		return nil, errors.New("server: liveness cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cache:           opts.Cache,
		agents:          opts.Agents,
		unavailable:     opts.Unavailable,
		semanticDefault: opts.SemanticDefault,
		logger:          logger.With(slog.String("component", "api")),
		metrics:         opts.Metrics,
	}, nil
}

type respondRequest struct {
	Query       string         `json:"query"`
	Agent       string         `json:"agent"`
	User        string         `json:"user,omitempty"`
	Session     string         `json:"session,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Semantic    *bool          `json:"semantic,omitempty"`
}

type respondReply struct {
	Response      semantic.Response `json:"response"`
	Cache         string            `json:"cache"`
	Quality       *float64          `json:"quality,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

type errorReply struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Respond answers POST /v1/respond: cached response when possible, a fresh
// agent answer otherwise.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlation := uuid.NewString()
	logger := h.logger.With(slog.String("correlation_id", correlation))

	var req respondRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "invalid request body", CorrelationID: correlation})
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	req.Agent = strings.TrimSpace(req.Agent)
	if req.Query == "" || req.Agent == "" {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "query and agent are required", CorrelationID: correlation})
		return
	}

	reqCtx := semantic.RequestContext{
		UserID:      req.User,
		SessionID:   req.Session,
		Preferences: req.Preferences,
	}
	enableSemantic := h.semanticDefault
	if req.Semantic != nil {
		enableSemantic = *req.Semantic
	}

	if cached, outcome, ok := h.cache.GetResponse(r.Context(), req.Query, req.Agent, reqCtx, enableSemantic); ok {
		h.metrics.ObserveRespond(req.Agent, string(outcome), http.StatusOK, time.Since(start))
		writeJSON(w, http.StatusOK, respondReply{
			Response:      cached,
			Cache:         string(outcome),
			CorrelationID: correlation,
		})
		return
	}

	agent, ok := h.agents.Agent(r.Context(), req.Agent)
	if !ok {
		h.metrics.ObserveRespond(req.Agent, string(semantic.LookupMiss), http.StatusNotFound, time.Since(start))
		writeJSON(w, http.StatusNotFound, errorReply{
			Error:         "unknown agent " + req.Agent,
			CorrelationID: correlation,
		})
		return
	}

	produced, err := agent.Respond(r.Context(), req.Query, reqCtx)
	if err != nil {
		logger.Warn("agent respond failed", slog.String("agent", req.Agent), slog.Any("error", err))
		h.metrics.ObserveRespond(req.Agent, string(semantic.LookupMiss), http.StatusServiceUnavailable, time.Since(start))
		writeJSON(w, http.StatusServiceUnavailable, errorReply{
			Error:         h.unavailableMessage(req.Agent),
			CorrelationID: correlation,
		})
		return
	}

	reply := respondReply{
		Response:      produced,
		Cache:         string(semantic.LookupMiss),
		CorrelationID: correlation,
	}
	result, err := h.cache.CacheResponse(r.Context(), req.Query, req.Agent, produced, reqCtx, 0)
	if err != nil {
		// Caching trouble never fails the response itself.
		logger.Warn("cache store failed", slog.String("agent", req.Agent), slog.Any("error", err))
	}
	quality := result.Quality
	reply.Quality = &quality

	h.metrics.ObserveRespond(req.Agent, string(semantic.LookupMiss), http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, reply)
}

// unavailableMessage renders the configured 503 template, falling back to a
// plain message when the template is absent or broken.
func (h *Handler) unavailableMessage(agentID string) string {
	if h.unavailable != nil {
		if rendered, err := h.unavailable.Render(map[string]any{"agent": agentID}); err == nil {
			return rendered
		}
	}
	return "specialist " + agentID + " is temporarily unavailable"
}

type statsReply struct {
	Cache  semantic.Stats    `json:"cache"`
	Agents agents.Statistics `json:"agents"`
}

// Stats answers GET /v1/cache/stats.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsReply{
		Cache:  h.cache.GetCacheStats(),
		Agents: h.agents.Statistics(),
	})
}

type invalidateRequest struct {
	User  string `json:"user,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// Invalidate answers POST /v1/cache/invalidate with a user or agent scope.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "invalid request body"})
		return
	}
	var err error
	switch {
	case req.User != "":
		err = h.cache.InvalidateUserCache(r.Context(), req.User)
	case req.Agent != "":
		err = h.cache.InvalidateAgentCache(r.Context(), req.Agent)
		h.agents.Invalidate(req.Agent)
	default:
		writeJSON(w, http.StatusBadRequest, errorReply{Error: "user or agent scope required"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorReply{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type healthReply struct {
	Status string                `json:"status"`
	Store  semantic.HealthStatus `json:"store"`
	Agents agents.Statistics     `json:"agents"`
}

// Health answers GET /healthz with the aggregate service state. A broken
// response store degrades the status but the endpoint itself stays up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	store := h.cache.GetHealthStatus(r.Context())
	reply := healthReply{
		Status: "ok",
		Store:  store,
		Agents: h.agents.Statistics(),
	}
	status := http.StatusOK
	if store.Store != "ok" {
		reply.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, reply)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
