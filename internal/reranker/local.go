package reranker

import (
	"context"
	"sort"
	"strings"
)

// TermOverlapReranker is a lightweight lexical reranker for deployments
// without a cross-encoder sidecar. It combines the original similarity
// score with query-term overlap, half weight each, which boosts passages
// that literally contain the query's terms without discarding the
// semantic ranking.
type TermOverlapReranker struct{}

// NewTermOverlapReranker creates a new TermOverlapReranker.
func NewTermOverlapReranker() *TermOverlapReranker {
	return &TermOverlapReranker{}
}

// Rerank re-scores passages by combined similarity and term overlap.
func (r *TermOverlapReranker) Rerank(ctx context.Context, query string, passages []Passage, topN int) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topN <= 0 || topN > len(passages) {
		topN = len(passages)
	}
	if len(passages) == 0 {
		return []Scored{}, nil
	}

	queryTokens := tokenize(query)

	scored := make([]Scored, len(passages))
	combined := make([]float32, len(passages))
	for i, p := range passages {
		overlap := termOverlap(queryTokens, tokenize(p.Content))
		scored[i] = Scored{
			Passage:      p,
			RerankScore:  overlap,
			OriginalRank: i,
		}
		combined[i] = 0.5*p.Score + 0.5*overlap
	}

	order := make([]int, len(passages))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return combined[order[i]] > combined[order[j]]
	})

	result := make([]Scored, topN)
	for i := 0; i < topN; i++ {
		result[i] = scored[order[i]]
	}
	return result, nil
}

// Close is a no-op; TermOverlapReranker holds no resources.
func (r *TermOverlapReranker) Close() error { return nil }

// tokenize splits text into lowercase alphanumeric terms, dropping
// stopwords and terms shorter than three characters.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	filtered := tokens[:0]
	for _, tok := range tokens {
		if len(tok) > 2 && !stopwords[tok] {
			filtered = append(filtered, tok)
		}
	}
	return filtered
}

// termOverlap returns the fraction of unique query terms present in the
// passage, in [0, 1].
func termOverlap(queryTokens, passageTokens []string) float32 {
	if len(queryTokens) == 0 {
		return 0
	}
	present := make(map[string]bool, len(passageTokens))
	for _, tok := range passageTokens {
		present[tok] = true
	}
	matched := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		if present[tok] {
			matched[tok] = true
		}
	}
	unique := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		unique[tok] = true
	}
	return float32(len(matched)) / float32(len(unique))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
}
