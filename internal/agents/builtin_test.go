package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fitforge/agentcache/internal/semantic"
	"github.com/fitforge/agentcache/internal/templates"
)

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	sandbox, err := templates.NewSandbox(t.TempDir(), nil)
	require.NoError(t, err)
	return Dependencies{Renderer: templates.NewRenderer(sandbox)}
}

func TestBuiltinRegistryKinds(t *testing.T) {
	registry := BuiltinRegistry()
	require.Equal(t, []string{"blaze", "luna", "nexus", "nova", "spark"}, registry.Kinds())
}

func TestRegistryRejectsDuplicatesAndUnknowns(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("blaze", func(Manifest, Dependencies) (Agent, error) { return nil, nil }))
	require.Error(t, registry.Register("blaze", func(Manifest, Dependencies) (Agent, error) { return nil, nil }))
	require.Error(t, registry.Register("", func(Manifest, Dependencies) (Agent, error) { return nil, nil }))
	require.Error(t, registry.Register("ghost", nil))

	_, err := registry.Build(Manifest{ID: "x", Kind: "unregistered"}, Dependencies{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown kind")
}

func TestTemplateAgentDefaults(t *testing.T) {
	registry := BuiltinRegistry()
	deps := testDeps(t)

	agent, err := registry.Build(Manifest{ID: "blaze", Kind: "blaze"}, deps)
	require.NoError(t, err)
	require.Equal(t, "blaze", agent.ID())

	resp, err := agent.Respond(context.Background(), "create a strength plan", semantic.RequestContext{UserID: "u1"})
	require.NoError(t, err)
	require.Contains(t, resp.Content, "BLAZE")
	require.Contains(t, resp.Content, "create a strength plan")
	require.Contains(t, resp.Content, "u1")
	require.NotNil(t, resp.Confidence)
	require.InDelta(t, 0.85, *resp.Confidence, 1e-9)
	require.Contains(t, resp.Sections, "plan")
	require.Equal(t, "blaze", resp.Metadata["agent"])
}

func TestTemplateAgentSectionKeysPerKind(t *testing.T) {
	registry := BuiltinRegistry()
	deps := testDeps(t)

	wantSections := map[string]string{
		"blaze": "plan",
		"luna":  "schedule",
		"nova":  "recommendations",
		"spark": "recommendations",
		"nexus": "analysis",
	}
	for kind, section := range wantSections {
		kind, section := kind, section
		t.Run(kind, func(t *testing.T) {
			agent, err := registry.Build(Manifest{ID: kind, Kind: kind}, deps)
			require.NoError(t, err)
			resp, err := agent.Respond(context.Background(), "weekly check-in", semantic.RequestContext{})
			require.NoError(t, err)
			require.Contains(t, resp.Sections, section)
		})
	}
}

func TestTemplateAgentManifestOverrides(t *testing.T) {
	registry := BuiltinRegistry()
	deps := testDeps(t)

	agent, err := registry.Build(Manifest{
		ID:            "coach-7",
		Kind:          "spark",
		DisplayName:   "Coach Seven",
		Confidence:    0.6,
		ReplyTemplate: "{{ .display }}: you asked about {{ .query }}",
	}, deps)
	require.NoError(t, err)

	resp, err := agent.Respond(context.Background(), "motivation", semantic.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, "Coach Seven: you asked about motivation", resp.Content)
	require.InDelta(t, 0.6, *resp.Confidence, 1e-9)
}

func TestTemplateAgentRejectsBadManifest(t *testing.T) {
	registry := BuiltinRegistry()

	_, err := registry.Build(Manifest{ID: "x", Kind: "blaze"}, Dependencies{})
	require.Error(t, err, "renderer is required")

	deps := testDeps(t)
	_, err = registry.Build(Manifest{ID: "x", Kind: "blaze", ReplyTemplate: "{{ broken"}, deps)
	require.Error(t, err)

	_, err = registry.Build(Manifest{ID: "x", Kind: "blaze", TemplateFile: "../outside.tmpl"}, deps)
	require.Error(t, err, "template file must stay in the sandbox")
}

func TestTemplateAgentRespectsContext(t *testing.T) {
	registry := BuiltinRegistry()
	agent, err := registry.Build(Manifest{ID: "blaze", Kind: "blaze"}, testDeps(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = agent.Respond(ctx, "anything", semantic.RequestContext{})
	require.Error(t, err)
}

func TestTemplateAgentHealthCheck(t *testing.T) {
	registry := BuiltinRegistry()
	agent, err := registry.Build(Manifest{ID: "blaze", Kind: "blaze"}, testDeps(t))
	require.NoError(t, err)

	checker, ok := agent.(HealthChecker)
	require.True(t, ok)
	require.NoError(t, checker.HealthCheck(context.Background()))
}
