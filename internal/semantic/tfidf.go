package semantic

import (
	"math"
	"sort"
	"strings"
)

// The TF-IDF fallback re-fits a small vector space over the probe query plus
// the current candidate pool on every call. Pools are capped upstream by the
// matcher, so the refit is cheap; score stability across differing pools is
// not a goal.
const maxVocabulary = 1000

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "what": {}, "when": {}, "where": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}

// tfidfSimilarities fits a 1-2 gram TF-IDF space over the query and documents
// and returns the cosine similarity of the query against each document.
// Returns nil when no usable terms survive tokenization.
func tfidfSimilarities(query string, docs []string) []float64 {
	corpus := make([][]string, 0, len(docs)+1)
	corpus = append(corpus, ngrams(query))
	for _, doc := range docs {
		corpus = append(corpus, ngrams(doc))
	}

	vocab := buildVocabulary(corpus)
	if len(vocab) == 0 {
		return nil
	}

	idf := inverseDocumentFrequencies(corpus, vocab)
	queryVec := vectorize(corpus[0], vocab, idf)
	if queryVec == nil {
		return nil
	}

	scores := make([]float64, len(docs))
	for i := range docs {
		docVec := vectorize(corpus[i+1], vocab, idf)
		if docVec == nil {
			continue
		}
		scores[i] = sparseCosine(queryVec, docVec)
	}
	return scores
}

// ngrams tokenizes a normalized string into stopword-filtered unigrams and
// bigrams.
func ngrams(text string) []string {
	var tokens []string
	for _, word := range strings.Fields(text) {
		if _, skip := stopwords[word]; skip {
			continue
		}
		tokens = append(tokens, word)
	}
	terms := make([]string, 0, len(tokens)*2)
	terms = append(terms, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		terms = append(terms, tokens[i]+" "+tokens[i+1])
	}
	return terms
}

// buildVocabulary keeps the most frequent terms across the corpus, capped so
// degenerate pools cannot blow up the vector space.
func buildVocabulary(corpus [][]string) map[string]int {
	frequency := map[string]int{}
	for _, doc := range corpus {
		seen := map[string]struct{}{}
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			frequency[term]++
		}
	}
	terms := make([]string, 0, len(frequency))
	for term := range frequency {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if frequency[terms[i]] != frequency[terms[j]] {
			return frequency[terms[i]] > frequency[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxVocabulary {
		terms = terms[:maxVocabulary]
	}
	vocab := make(map[string]int, len(terms))
	for i, term := range terms {
		vocab[term] = i
	}
	return vocab
}

func inverseDocumentFrequencies(corpus [][]string, vocab map[string]int) []float64 {
	counts := make([]int, len(vocab))
	for _, doc := range corpus {
		seen := map[int]struct{}{}
		for _, term := range doc {
			idx, ok := vocab[term]
			if !ok {
				continue
			}
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			counts[idx]++
		}
	}
	n := float64(len(corpus))
	idf := make([]float64, len(counts))
	for i, df := range counts {
		// Smoothed IDF keeps terms present in every document from zeroing out.
		idf[i] = math.Log((1+n)/(1+float64(df))) + 1
	}
	return idf
}

// vectorize produces an L2-normalized sparse TF-IDF vector. Nil means the
// document contributed no in-vocabulary terms.
func vectorize(doc []string, vocab map[string]int, idf []float64) map[int]float64 {
	if len(doc) == 0 {
		return nil
	}
	counts := map[int]float64{}
	total := 0
	for _, term := range doc {
		idx, ok := vocab[term]
		if !ok {
			continue
		}
		counts[idx]++
		total++
	}
	if total == 0 {
		return nil
	}
	var norm float64
	for idx := range counts {
		counts[idx] = counts[idx] / float64(total) * idf[idx]
		norm += counts[idx] * counts[idx]
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for idx := range counts {
		counts[idx] /= norm
	}
	return counts
}

func sparseCosine(a, b map[int]float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for idx, v := range a {
		dot += v * b[idx]
	}
	return dot
}
