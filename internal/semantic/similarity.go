package semantic

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Provider produces a fixed-length embedding for a piece of text. It is
// optional: a nil provider sends every lookup down the TF-IDF path.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Candidate is a previously cached query eligible for semantic matching.
type Candidate struct {
	Key       string
	Query     string
	AgentID   string
	UserID    string
	Embedding []float64
	ExpiresAt time.Time
}

// Match pairs a candidate with its similarity score against the probe query.
type Match struct {
	Candidate Candidate
	Score     float64
}

// Filter restricts matching to compatible candidates before any scoring runs.
// Empty fields match everything.
type Filter struct {
	AgentID string
	UserID  string
}

// Matcher compares queries by embedding cosine similarity, falling back to a
// TF-IDF vector space over the candidate pool when embeddings are unavailable.
type Matcher struct {
	provider   Provider
	threshold  float64
	maxMatches int
	logger     *slog.Logger
}

const (
	// DefaultThreshold is the minimum cosine similarity for a semantic hit.
	DefaultThreshold = 0.85
	// DefaultMaxMatches caps how many candidates a lookup returns.
	DefaultMaxMatches = 5
)

// NewMatcher builds a Matcher. A nil provider is valid and disables the
// embedding path entirely.
func NewMatcher(provider Provider, threshold float64, maxMatches int, logger *slog.Logger) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if maxMatches <= 0 {
		maxMatches = DefaultMaxMatches
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{provider: provider, threshold: threshold, maxMatches: maxMatches, logger: logger}
}

// fillerPhrases are politeness noise stripped before hashing or matching so
// "please create a strength plan" keys identically to "create a strength plan".
// Removal is word-bounded: "pleased" survives.
var fillerPhrases = func() []*regexp.Regexp {
	phrases := []string{
		"please",
		"thank you",
		"thanks",
		"kindly",
		"can you",
		"could you",
		"would you",
	}
	out := make([]*regexp.Regexp, len(phrases))
	for i, phrase := range phrases {
		out[i] = regexp.MustCompile(`\b` + phrase + `\b`)
	}
	return out
}()

// Normalize lowers, trims, strips filler phrases, and collapses whitespace.
// The result feeds both the exact-match key and the similarity vectorizers.
func Normalize(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	for _, phrase := range fillerPhrases {
		normalized = phrase.ReplaceAllString(normalized, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// FindSimilar returns candidates at or above the threshold, best first, capped
// at maxMatches. Provider errors degrade to the TF-IDF path; TF-IDF over an
// unusable pool degrades to no matches. The method never returns an error.
func (m *Matcher) FindSimilar(ctx context.Context, query string, candidates []Candidate, filter Filter) []Match {
	normalized := Normalize(query)
	if normalized == "" {
		return nil
	}

	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if filter.AgentID != "" && c.AgentID != filter.AgentID {
			continue
		}
		if filter.UserID != "" && c.UserID != filter.UserID {
			continue
		}
		pool = append(pool, c)
	}
	if len(pool) == 0 {
		return nil
	}

	if matches := m.embeddingMatches(ctx, normalized, pool); len(matches) > 0 {
		return matches
	}
	return m.tfidfMatches(normalized, pool)
}

func (m *Matcher) embeddingMatches(ctx context.Context, normalized string, pool []Candidate) []Match {
	if m.provider == nil {
		return nil
	}
	probe, err := m.provider.Embed(ctx, normalized)
	if err != nil {
		m.logger.Warn("embedding provider failed, falling back to tf-idf", slog.Any("error", err))
		return nil
	}
	var matches []Match
	for _, c := range pool {
		if len(c.Embedding) == 0 || len(c.Embedding) != len(probe) {
			continue
		}
		score := cosineSimilarity(probe, c.Embedding)
		if score >= m.threshold {
			matches = append(matches, Match{Candidate: c, Score: score})
		}
	}
	return m.rank(matches)
}

func (m *Matcher) tfidfMatches(normalized string, pool []Candidate) []Match {
	docs := make([]string, len(pool))
	for i, c := range pool {
		docs[i] = Normalize(c.Query)
	}
	scores := tfidfSimilarities(normalized, docs)
	if scores == nil {
		return nil
	}
	var matches []Match
	for i, score := range scores {
		if score >= m.threshold {
			matches = append(matches, Match{Candidate: pool[i], Score: score})
		}
	}
	return m.rank(matches)
}

func (m *Matcher) rank(matches []Match) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > m.maxMatches {
		matches = matches[:m.maxMatches]
	}
	return matches
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
