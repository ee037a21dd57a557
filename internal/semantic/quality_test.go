package semantic

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestEvaluateDefaults(t *testing.T) {
	// Empty response: length 0, sparse structure 0.3, confidence 0.5, rating 0.7.
	score := Evaluate(Response{})
	require.InDelta(t, 0.2*0+0.3*0.3+0.3*0.5+0.2*0.7, score, 1e-9)
}

func TestEvaluateIdempotent(t *testing.T) {
	resp := Response{
		Content:    strings.Repeat("rep ", 100),
		Confidence: floatPtr(0.8),
		Sections:   map[string]any{"plan": []string{"day 1", "day 2"}},
	}
	first := Evaluate(resp)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Evaluate(resp))
	}
}

func TestEvaluateStructuredSections(t *testing.T) {
	base := Response{Content: "short"}
	sparse := Evaluate(base)

	for _, key := range []string{"plan", "recommendations", "metrics", "schedule", "analysis"} {
		rich := base
		rich.Sections = map[string]any{key: "anything"}
		require.Greater(t, Evaluate(rich), sparse, "section %q should raise the score", key)
	}

	unknown := base
	unknown.Sections = map[string]any{"chatter": true}
	require.Equal(t, sparse, Evaluate(unknown), "unknown sections earn no structure credit")
}

func TestEvaluateLengthSaturates(t *testing.T) {
	long := Evaluate(Response{Content: strings.Repeat("x", 1000)})
	longer := Evaluate(Response{Content: strings.Repeat("x", 5000)})
	require.Equal(t, long, longer)
}

func TestEvaluateClampedToOne(t *testing.T) {
	resp := Response{
		Content:    strings.Repeat("x", 2000),
		Confidence: floatPtr(1.0),
		UserRating: floatPtr(1.0),
		Sections:   map[string]any{"plan": "p", "metrics": "m"},
	}
	require.LessOrEqual(t, Evaluate(resp), 1.0)
}

func TestEvaluateNeverFails(t *testing.T) {
	// Out-of-range caller values are clamped, not rejected.
	resp := Response{Confidence: floatPtr(7.5), UserRating: floatPtr(-3)}
	score := Evaluate(resp)
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestTTLForQualitySteps(t *testing.T) {
	base := 10 * time.Minute
	cases := []struct {
		score float64
		want  time.Duration
	}{
		{0.95, 3 * base},
		{0.8, 3 * base},
		{0.79, 2 * base},
		{0.6, 2 * base},
		{0.59, base},
		{0.4, base},
		{0.39, base / 2},
		{0.0, base / 2},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TTLForQuality(tc.score, base), "score %v", tc.score)
	}
}

func TestTTLForQualityMonotone(t *testing.T) {
	base := time.Minute
	prev := time.Duration(0)
	for score := 0.0; score <= 1.0; score += 0.01 {
		ttl := TTLForQuality(score, base)
		require.GreaterOrEqual(t, ttl, prev, "ttl must not shrink as quality grows (score %v)", score)
		prev = ttl
	}
}
