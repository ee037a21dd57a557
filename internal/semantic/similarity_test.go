package semantic

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	vectors map[string][]float64
	err     error
	calls   int
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float64, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	vec, ok := p.vectors[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	return vec, nil
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Please create a strength plan", "create a strength plan"},
		{"create a strength plan", "create a strength plan"},
		{"  Could you   build me a plan, thanks  ", "build me a plan,"},
		{"THANK YOU for the metrics", "for the metrics"},
		{"I am pleased with progress", "i am pleased with progress"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func candidate(key, query, agent, user string, embedding []float64) Candidate {
	return Candidate{
		Key:       key,
		Query:     query,
		AgentID:   agent,
		UserID:    user,
		Embedding: embedding,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestFindSimilarThresholdBoundary(t *testing.T) {
	// [1,0] against [0.85, 0.5268] sits at cosine ~0.85. Pin the matcher
	// threshold to the exact computed score so the boundary case is included
	// deterministically, and verify a clearly lower candidate is excluded.
	probe := []float64{1, 0}
	atBoundary := []float64{0.85, 0.5268}
	below := []float64{0.5, math.Sqrt(0.75)}

	boundaryScore := cosineSimilarity(probe, atBoundary)
	require.Greater(t, boundaryScore, cosineSimilarity(probe, below))

	provider := &stubProvider{vectors: map[string][]float64{
		"probe query": probe,
	}}
	matcher := NewMatcher(provider, boundaryScore, 5, nil)

	matches := matcher.FindSimilar(context.Background(), "probe query", []Candidate{
		candidate("at", "boundary candidate", "", "", atBoundary),
		candidate("under", "below candidate", "", "", below),
	}, Filter{})

	require.Len(t, matches, 1, "score exactly at the threshold is included, below is not")
	require.Equal(t, "at", matches[0].Candidate.Key)
	require.InDelta(t, 0.85, matches[0].Score, 1e-3)
}

func TestFindSimilarFiltersBeforeScoring(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float64{
		"shared query": {1, 0},
	}}
	matcher := NewMatcher(provider, 0.85, 5, nil)

	pool := []Candidate{
		candidate("same", "shared query", "blaze", "u1", []float64{1, 0}),
		candidate("other-agent", "shared query", "nova", "u1", []float64{1, 0}),
		candidate("other-user", "shared query", "blaze", "u2", []float64{1, 0}),
	}
	matches := matcher.FindSimilar(context.Background(), "shared query", pool, Filter{AgentID: "blaze", UserID: "u1"})
	require.Len(t, matches, 1)
	require.Equal(t, "same", matches[0].Candidate.Key)
}

func TestFindSimilarTopFiveDescending(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float64{"q": {1, 0}}}
	matcher := NewMatcher(provider, 0.5, 5, nil)

	var pool []Candidate
	angles := []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35}
	for i, a := range angles {
		pool = append(pool, candidate(
			string(rune('a'+i)), "q variant", "", "",
			[]float64{math.Cos(a), math.Sin(a)},
		))
	}
	matches := matcher.FindSimilar(context.Background(), "q", pool, Filter{})
	require.Len(t, matches, 5)
	for i := 1; i < len(matches); i++ {
		require.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
	require.Equal(t, "a", matches[0].Candidate.Key)
}

func TestFindSimilarFallsBackToTFIDF(t *testing.T) {
	provider := &stubProvider{err: errors.New("provider down")}
	matcher := NewMatcher(provider, 0.85, 5, nil)

	pool := []Candidate{
		candidate("dup", "create a strength plan", "", "", nil),
		candidate("far", "what should i eat for breakfast today", "", "", nil),
	}
	matches := matcher.FindSimilar(context.Background(), "please create a strength plan", pool, Filter{})
	require.NotEmpty(t, matches, "tf-idf must cover for a failing provider")
	require.Equal(t, "dup", matches[0].Candidate.Key)
	require.InDelta(t, 1.0, matches[0].Score, 1e-9, "identical normalized queries score 1")
	require.Greater(t, provider.calls, 0)
}

func TestFindSimilarNilProviderUsesTFIDF(t *testing.T) {
	matcher := NewMatcher(nil, 0.85, 5, nil)
	pool := []Candidate{candidate("dup", "create a strength plan", "", "", nil)}
	matches := matcher.FindSimilar(context.Background(), "create a strength plan", pool, Filter{})
	require.Len(t, matches, 1)
}

func TestFindSimilarDegradesToEmpty(t *testing.T) {
	matcher := NewMatcher(nil, 0.85, 5, nil)

	// Stopword-only pool leaves nothing to vectorize; the matcher returns
	// no matches rather than an error.
	pool := []Candidate{candidate("stop", "the a an of", "", "", nil)}
	require.Empty(t, matcher.FindSimilar(context.Background(), "is it", pool, Filter{}))
	require.Empty(t, matcher.FindSimilar(context.Background(), "", pool, Filter{}))
	require.Empty(t, matcher.FindSimilar(context.Background(), "query", nil, Filter{}))
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	require.Equal(t, 0.0, cosineSimilarity([]float64{1}, []float64{1, 2}), "dimension mismatch scores zero")
	require.Equal(t, 0.0, cosineSimilarity([]float64{0, 0}, []float64{1, 2}), "zero vector scores zero")
}

func TestTFIDFSimilaritiesBigrams(t *testing.T) {
	// Word order distinguishes documents through bigrams.
	scores := tfidfSimilarities("strength training plan", []string{
		"strength training plan",
		"plan training strength",
	})
	require.Len(t, scores, 2)
	require.InDelta(t, 1.0, scores[0], 1e-9)
	require.Less(t, scores[1], scores[0])
	require.Greater(t, scores[1], 0.0)
}
