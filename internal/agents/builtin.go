package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fitforge/agentcache/internal/semantic"
	"github.com/fitforge/agentcache/internal/templates"
)

// builtinKind describes one of the stock coaching personalities. A manifest
// picks a kind and may override the display name, confidence, and reply
// template; everything else comes from these defaults.
type builtinKind struct {
	displayName string
	confidence  float64
	sectionKey  string
	template    string
}

var builtinKinds = map[string]builtinKind{
	"blaze": {
		displayName: "BLAZE",
		confidence:  0.85,
		sectionKey:  "plan",
		template:    "{{ .display }} here. Training focus for {{ if .user }}{{ .user }}{{ else }}you{{ end }}: {{ .query }}. Progressive overload, compound lifts first, deload every fourth week.",
	},
	"luna": {
		displayName: "LUNA",
		confidence:  0.8,
		sectionKey:  "schedule",
		template:    "{{ .display }} checking in. For {{ .query }}: align intensity with your cycle phase and keep recovery days protected.",
	},
	"nova": {
		displayName: "NOVA",
		confidence:  0.8,
		sectionKey:  "recommendations",
		template:    "{{ .display }} analysis of {{ .query }}: prioritize protein timing, micronutrient density, and consistent sleep before supplements.",
	},
	"spark": {
		displayName: "SPARK",
		confidence:  0.75,
		sectionKey:  "recommendations",
		template:    "{{ .display }} says: {{ .query | trim }} is within reach. Small daily wins compound. Show up today.",
	},
	"nexus": {
		displayName: "NEXUS",
		confidence:  0.9,
		sectionKey:  "analysis",
		template:    "{{ .display }} routing {{ .query }}: combining training, recovery, and nutrition signals into one coordinated answer.",
	},
}

// RegisterBuiltins installs the stock coaching kinds into the registry.
func RegisterBuiltins(registry *Registry) error {
	for kind := range builtinKinds {
		kind := kind
		if err := registry.Register(kind, func(manifest Manifest, deps Dependencies) (Agent, error) {
			return newTemplateAgent(kind, manifest, deps)
		}); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinRegistry returns a registry pre-populated with the stock kinds.
func BuiltinRegistry() *Registry {
	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		// Registering fixed kinds into a fresh registry cannot collide.
		panic(err)
	}
	return registry
}

// templateAgent renders a manifest-configurable reply template. It is the
// concrete shape behind every built-in kind.
type templateAgent struct {
	id          string
	kind        string
	displayName string
	confidence  float64
	sectionKey  string
	reply       *templates.Template
	logger      *slog.Logger
}

func newTemplateAgent(kind string, manifest Manifest, deps Dependencies) (*templateAgent, error) {
	defaults, ok := builtinKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown builtin kind %q", kind)
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer required for kind %q", kind)
	}

	display := manifest.DisplayName
	if display == "" {
		display = defaults.displayName
	}
	confidence := manifest.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = defaults.confidence
	}

	var (
		reply *templates.Template
		err   error
	)
	switch {
	case manifest.TemplateFile != "":
		reply, err = deps.Renderer.CompileFile(manifest.TemplateFile)
	case manifest.ReplyTemplate != "":
		reply, err = deps.Renderer.CompileInline(manifest.ID, manifest.ReplyTemplate)
	default:
		reply, err = deps.Renderer.CompileInline(kind, defaults.template)
	}
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("manifest %s: empty reply template", manifest.Path)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &templateAgent{
		id:          manifest.ID,
		kind:        kind,
		displayName: display,
		confidence:  confidence,
		sectionKey:  defaults.sectionKey,
		reply:       reply,
		logger:      logger.With(slog.String("agent", manifest.ID)),
	}, nil
}

func (a *templateAgent) ID() string { return a.id }

func (a *templateAgent) Respond(ctx context.Context, query string, reqCtx semantic.RequestContext) (semantic.Response, error) {
	if err := ctx.Err(); err != nil {
		return semantic.Response{}, err
	}
	content, err := a.reply.Render(map[string]any{
		"display":     a.displayName,
		"kind":        a.kind,
		"query":       strings.TrimSpace(query),
		"user":        reqCtx.UserID,
		"session":     reqCtx.SessionID,
		"preferences": reqCtx.Preferences,
	})
	if err != nil {
		return semantic.Response{}, fmt.Errorf("agents: render reply for %q: %w", a.id, err)
	}
	confidence := a.confidence
	return semantic.Response{
		Content:    content,
		Confidence: &confidence,
		Sections: map[string]any{
			a.sectionKey: []any{content},
		},
		Metadata: map[string]any{
			"agent": a.id,
			"kind":  a.kind,
		},
	}, nil
}

// HealthCheck reports the agent live while it still knows its own id.
func (a *templateAgent) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.id == "" || a.reply == nil {
		return fmt.Errorf("agents: %q lost its identity", a.kind)
	}
	return nil
}
