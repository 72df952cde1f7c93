// Package assembler merges, deduplicates and token-budgets ranked search
// candidates into the ordered context block handed to the generation
// pipeline.
package assembler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/ragd/internal/store"
)

// Passage is one included passage with its citation metadata. The caller
// can render citations from this without a second lookup.
type Passage struct {
	// SourceID identifies the underlying chunk or transcript.
	SourceID string `json:"source_id"`
	// Kind is "document" or "transcript".
	Kind store.CandidateKind `json:"kind"`
	// Citation is tenant-agnostic human-readable attribution.
	Citation string `json:"citation"`
	// Similarity is the score the passage was ranked with.
	Similarity float32 `json:"similarity"`
	// RerankScore is the cross-encoder score, present only when the
	// candidate set was reranked.
	RerankScore float32 `json:"rerank_score,omitempty"`
	// Text is the (possibly truncated) passage text.
	Text string `json:"text"`
	// Truncated reports whether Text was cut to the per-chunk limit.
	Truncated bool `json:"truncated,omitempty"`
}

// ContextBlock is the assembled, ordered retrieval context.
type ContextBlock struct {
	Passages []Passage `json:"passages"`
	// TokenCount is the total budget consumed.
	TokenCount int `json:"token_count"`
	// Dropped counts candidates excluded by budget or deduplication.
	Dropped int `json:"dropped"`
}

// Options bounds assembly.
type Options struct {
	// TokenBudget is the maximum total token count of the block.
	TokenBudget int
	// PerChunkCharLimit truncates each passage before budgeting. Large by
	// default: it exists to clip pathological outliers, not to split
	// ordinary chunks.
	PerChunkCharLimit int
}

// Assembler packs ranked candidates into a context block.
type Assembler struct {
	counter TokenCounter
}

// New creates an Assembler with the given token counter.
func New(counter TokenCounter) *Assembler {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Assembler{counter: counter}
}

// Assemble iterates candidates in rank order, truncating each to the
// per-chunk character limit and accumulating until the budget would be
// exceeded. A candidate that would overflow the budget is dropped whole
// rather than partially included. Candidates repeating an already-included
// (document, chunk index) pair are deduplicated; this happens when the
// document and conversation branches surface overlapping content.
func (a *Assembler) Assemble(candidates []store.Candidate, opts Options) ContextBlock {
	block := ContextBlock{Passages: make([]Passage, 0, len(candidates))}
	seen := make(map[string]bool, len(candidates))

	for _, c := range candidates {
		key := dedupeKey(c)
		if seen[key] {
			block.Dropped++
			continue
		}

		text := c.Content
		truncated := false
		if opts.PerChunkCharLimit > 0 && len(text) > opts.PerChunkCharLimit {
			text = truncateAtBoundary(text, opts.PerChunkCharLimit)
			truncated = true
		}

		cost := a.counter.Count(text)
		if opts.TokenBudget > 0 && block.TokenCount+cost > opts.TokenBudget {
			block.Dropped++
			continue
		}

		seen[key] = true
		block.TokenCount += cost
		block.Passages = append(block.Passages, Passage{
			SourceID:    c.ID,
			Kind:        c.Kind,
			Citation:    citation(c),
			Similarity:  c.Similarity,
			RerankScore: c.RerankScore,
			Text:        text,
			Truncated:   truncated,
		})
	}

	return block
}

// dedupeKey identifies a candidate's underlying content. Document chunks
// dedupe on (document, chunk index) so the same chunk surfaced by both
// search branches is included once.
func dedupeKey(c store.Candidate) string {
	if c.Kind == store.KindDocument {
		return fmt.Sprintf("doc:%s:%d", c.DocumentID, c.ChunkIndex)
	}
	return "transcript:" + c.ID
}

// citation renders tenant-agnostic attribution text.
func citation(c store.Candidate) string {
	if c.Kind == store.KindDocument {
		title := c.Title
		if title == "" {
			title = "document"
		}
		return fmt.Sprintf("%s, passage %d", title, c.ChunkIndex+1)
	}
	return fmt.Sprintf("conversation on %s", c.CreatedAt.UTC().Format("2006-01-02"))
}

// truncateAtBoundary cuts text to at most limit bytes, backing up to the
// previous word boundary when one is reasonably close so passages are not
// clipped mid-word. The cut point never splits a UTF-8 rune.
func truncateAtBoundary(text string, limit int) string {
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	cut := text[:limit]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > limit/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n")
}
