// Package embeddings provides embedding generation via pluggable providers.
//
// Two providers exist: "remote" (a hosted TEI-compatible HTTP API) and
// "local" (a sidecar model server on localhost speaking the same wire
// shape). Both are pure from the caller's perspective: text in, vector
// out, no state beyond the network call.
//
// Failure policy: embedding errors are fatal for the request that
// triggered them. Callers must never substitute a zero vector, a cached
// value or an alternate provider.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates the provider returned a vector whose
	// length does not match the configured dimension. Treated as a
	// provider failure, never silently corrected.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider is the interface for embedding providers.
type Provider interface {
	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts, returned in
	// input order. The batch fails atomically on any single failure.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the configured model.
	Dimension() int

	// Model returns the configured model identifier.
	Model() string

	// Close releases resources held by the provider.
	Close() error
}

// Factory builds a provider for a tenant's active embedding target.
// Callers cache providers per target: a factory runs once per distinct
// configuration, not per request.
type Factory func(target store.EmbeddingTarget) (Provider, error)

// NewFactory derives per-tenant providers from the platform embedding
// config template, overriding provider, model and dimension per target.
func NewFactory(base config.EmbeddingConfig, logger *logging.Logger) Factory {
	return func(target store.EmbeddingTarget) (Provider, error) {
		cfg := base
		cfg.Provider = target.Provider
		cfg.Model = target.Model
		cfg.Dimension = target.Dimension
		return NewProvider(cfg, logger)
	}
}

// NewProvider creates an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingConfig, logger *logging.Logger) (Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	switch cfg.Provider {
	case config.EmbeddingProviderRemote:
		return newHTTPProvider(cfg, logger)
	case config.EmbeddingProviderLocal:
		// Local sidecars speak the same wire shape on localhost; no API
		// key, shorter default timeout.
		if cfg.Timeout == 0 {
			cfg.Timeout = config.Duration(10 * time.Second)
		}
		cfg.APIKey = ""
		return newHTTPProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
