// Package reranker provides optional cross-encoder re-scoring of search
// candidates.
//
// Failure policy: unlike embedding providers, reranker failure is
// non-fatal. The search engine logs the failure, keeps the original
// similarity order and flags the response as not reranked. This is the
// one deliberate fallback in the system.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

var (
	// ErrRerankFailed indicates a provider error or timeout.
	ErrRerankFailed = errors.New("rerank failed")

	// ErrInvalidConfig indicates invalid reranker configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Passage is a candidate passed to the reranker.
type Passage struct {
	ID      string
	Content string
	// Score is the original similarity score from vector search.
	Score float32
}

// Scored is a passage with its reranker score.
type Scored struct {
	Passage
	// RerankScore is the cross-encoder relevance score.
	RerankScore float32
	// OriginalRank is the passage's position before reranking (0-indexed).
	OriginalRank int
}

// Reranker re-scores candidates against the query text.
type Reranker interface {
	// Rerank returns passages reordered by relevance to query, limited to
	// topN results (topN <= 0 means all).
	Rerank(ctx context.Context, query string, passages []Passage, topN int) ([]Scored, error)

	// Close releases any resources held by the reranker.
	Close() error
}

// NewReranker creates a reranker from configuration.
// Returns (nil, nil) for provider "none": reranking disabled.
func NewReranker(cfg config.RerankConfig, logger *logging.Logger) (Reranker, error) {
	switch cfg.Provider {
	case config.RerankProviderNone, "":
		return nil, nil
	case config.RerankProviderLocal:
		return NewTermOverlapReranker(), nil
	case config.RerankProviderRemote:
		timeout := cfg.Timeout.Duration()
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		return newHTTPReranker(cfg.BaseURL, cfg.Model, timeout, logger)
	default:
		return nil, fmt.Errorf("%w: unknown rerank provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
