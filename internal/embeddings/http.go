package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// embedRequest is the request body for the TEI-compatible embed endpoint.
type embedRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// httpProvider generates embeddings through a TEI-compatible HTTP API.
// Serves both the remote and local provider variants; they differ only in
// base URL, credentials and timeout.
type httpProvider struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *Metrics
}

func newHTTPProvider(cfg config.EmbeddingConfig, logger *logging.Logger) (*httpProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &httpProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
		metrics: NewMetrics(logger.Underlying()),
	}, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *httpProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.cfg.Model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors, err := p.embed(ctx, text)
	if err != nil {
		genErr = err
		return nil, genErr
	}
	if len(vectors) == 0 {
		genErr = fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		return nil, genErr
	}
	if err := p.checkDimension(vectors[0]); err != nil {
		genErr = err
		return nil, genErr
	}
	return vectors[0], nil
}

// EmbedDocuments generates embeddings for multiple texts in input order.
// Any single failure — provider error, timeout or dimension mismatch —
// fails the whole batch.
func (p *httpProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.cfg.Model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}
	for i, t := range texts {
		if t == "" {
			genErr = fmt.Errorf("%w: text %d is empty", ErrEmptyInput, i)
			return nil, genErr
		}
	}

	vectors, err := p.embed(ctx, texts)
	if err != nil {
		genErr = err
		return nil, genErr
	}
	if len(vectors) != len(texts) {
		genErr = fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
		return nil, genErr
	}
	for i, v := range vectors {
		if err := p.checkDimension(v); err != nil {
			genErr = fmt.Errorf("batch item %d: %w", i, err)
			return nil, genErr
		}
	}
	return vectors, nil
}

// embed issues one embed call. inputs is either a string or a []string;
// the response is always a list of vectors.
func (p *httpProvider) embed(ctx context.Context, inputs interface{}) ([][]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
	}

	body, err := json.Marshal(embedRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey.IsSet() {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey.Value())
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}

func (p *httpProvider) checkDimension(v []float32) error {
	if len(v) != p.cfg.Dimension {
		return fmt.Errorf("%w: provider returned %d-dim vector, want %d",
			ErrDimensionMismatch, len(v), p.cfg.Dimension)
	}
	return nil
}

// Dimension returns the configured embedding dimension.
func (p *httpProvider) Dimension() int { return p.cfg.Dimension }

// Model returns the configured model identifier.
func (p *httpProvider) Model() string { return p.cfg.Model }

// Close is a no-op for HTTP providers.
func (p *httpProvider) Close() error { return nil }
