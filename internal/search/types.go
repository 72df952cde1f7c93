package search

import (
	"time"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

// Options bounds one search or retrieve call. Zero fields fall back to the
// engine's configured defaults.
type Options struct {
	// Threshold is the strict similarity lower bound.
	Threshold *float32
	// Limit bounds the merged, post-filter result count.
	Limit int
	// Deadline is the total budget for both branches together, not per
	// branch.
	Deadline time.Duration
	// TokenBudget bounds the assembled context block (Retrieve only).
	TokenBudget int
	// PerChunkCharLimit truncates individual passages (Retrieve only).
	PerChunkCharLimit int
	// DisableRerank skips reranking even when a reranker is configured.
	DisableRerank bool
}

// BranchMeta describes one search branch's outcome.
type BranchMeta struct {
	// Count is the number of candidates the branch produced.
	Count int `json:"count"`
	// Degraded is true when the branch timed out and returned a partial
	// (possibly empty) result set.
	Degraded bool `json:"degraded"`
	// Elapsed is the branch's wall time.
	Elapsed time.Duration `json:"elapsed"`
	// Skipped is true when the branch did not run (no user id in scope).
	Skipped bool `json:"skipped,omitempty"`
}

// Response is the result of a similarity search call.
type Response struct {
	// Candidates is the merged result set in its final deterministic
	// order: descending similarity, ties by chunk index / creation time.
	Candidates []store.Candidate `json:"candidates"`
	// Documents and Conversations carry per-branch degradation metadata.
	Documents     BranchMeta `json:"documents"`
	Conversations BranchMeta `json:"conversations"`
}

// RetrieveResult is the full pipeline output: embed, search, rerank,
// assemble.
type RetrieveResult struct {
	// Context is the assembled, token-budgeted context block.
	Context assembler.ContextBlock `json:"context"`
	// Response is the underlying search response with branch metadata.
	Response Response `json:"response"`
	// Reranked is false when the reranker was disabled, absent or failed;
	// candidates then keep their original similarity order.
	Reranked bool `json:"reranked"`
	// Model and Dimension identify the embedding configuration the query
	// was embedded with.
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	// ConfigVersion is the tenant configuration version used; it changes
	// when a migration completes.
	ConfigVersion uint64 `json:"config_version"`
}
