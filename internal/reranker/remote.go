package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// rerankRequest is the request body for the TEI-compatible rerank endpoint.
type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

// rerankResult is one scored entry in the rerank response. Index refers to
// the position in the request's Texts slice.
type rerankResult struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// httpReranker re-scores passages through a cross-encoder HTTP API.
type httpReranker struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *logging.Logger
}

func newHTTPReranker(baseURL, model string, timeout time.Duration, logger *logging.Logger) (*httpReranker, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &httpReranker{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Rerank sends the query and passage texts to the cross-encoder and
// reorders passages by the returned scores.
func (r *httpReranker) Rerank(ctx context.Context, query string, passages []Passage, topN int) ([]Scored, error) {
	if len(passages) == 0 {
		return []Scored{}, nil
	}
	if topN <= 0 || topN > len(passages) {
		topN = len(passages)
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRerankFailed, resp.StatusCode, string(respBody))
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	scored := make([]Scored, 0, topN)
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(passages) {
			return nil, fmt.Errorf("%w: result index %d out of range", ErrRerankFailed, res.Index)
		}
		scored = append(scored, Scored{
			Passage:      passages[res.Index],
			RerankScore:  res.Score,
			OriginalRank: res.Index,
		})
		if len(scored) == topN {
			break
		}
	}
	if len(scored) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrRerankFailed)
	}
	return scored, nil
}

// Close is a no-op for HTTP rerankers.
func (r *httpReranker) Close() error { return nil }
