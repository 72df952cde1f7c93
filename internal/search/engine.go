// Package search executes scoped similarity queries over document chunks
// and conversation transcripts, and drives the retrieve pipeline that
// feeds the generation caller.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Engine executes scoped retrieval.
type Engine struct {
	chunks      store.ChunkStore
	transcripts store.TranscriptStore
	tenants     *tenant.Cache
	reranker    reranker.Reranker
	assembler   *assembler.Assembler
	logger      *logging.Logger
	metrics     *Metrics
	defaults    config.SearchConfig
	rerankCfg   config.RerankConfig

	factory   embeddings.Factory
	provMu    sync.Mutex
	providers map[store.EmbeddingTarget]embeddings.Provider
}

// Config wires an Engine.
type Config struct {
	Chunks      store.ChunkStore
	Transcripts store.TranscriptStore
	Tenants     *tenant.Cache
	// Reranker may be nil (reranking disabled).
	Reranker  reranker.Reranker
	Assembler *assembler.Assembler
	Factory   embeddings.Factory
	Logger    *logging.Logger
	Search    config.SearchConfig
	Rerank    config.RerankConfig
}

// NewEngine creates a search engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Chunks == nil || cfg.Transcripts == nil {
		return nil, errors.New("chunk and transcript stores are required")
	}
	if cfg.Tenants == nil {
		return nil, errors.New("tenant config cache is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("embedding provider factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Assembler == nil {
		cfg.Assembler = assembler.New(nil)
	}
	return &Engine{
		chunks:      cfg.Chunks,
		transcripts: cfg.Transcripts,
		tenants:     cfg.Tenants,
		reranker:    cfg.Reranker,
		assembler:   cfg.Assembler,
		logger:      cfg.Logger.Named("search"),
		metrics:     NewMetrics(cfg.Logger.Underlying()),
		defaults:    cfg.Search,
		rerankCfg:   cfg.Rerank,
		factory:     cfg.Factory,
		providers:   make(map[store.EmbeddingTarget]embeddings.Provider),
	}, nil
}

// branchResult carries one branch's outcome across the goroutine boundary.
type branchResult struct {
	cands   []store.Candidate
	meta    BranchMeta
	skipped bool
}

// Search fans out a scoped similarity search over document chunks and
// conversation transcripts concurrently, under a single deadline.
//
// A branch that exceeds the deadline contributes its partial (possibly
// empty) result set and is marked degraded; the call as a whole still
// succeeds. An isolation violation in either branch aborts the call
// immediately, deadline state notwithstanding.
func (e *Engine) Search(ctx context.Context, sc scope.Scope, vector []float32, opts Options) (*Response, error) {
	if err := sc.RequireDocuments(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, errors.New("query vector is empty")
	}

	threshold := e.defaults.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.defaults.Limit
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = e.defaults.Deadline.Duration()
	}

	ctx = logging.ContextWithTenant(ctx, sc.TenantID())
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	params := store.SearchParams{Vector: vector, Threshold: threshold, Limit: limit}

	var docs, convs branchResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.runBranch(gctx, &docs, func() ([]store.Candidate, error) {
			return e.chunks.SearchChunks(gctx, sc, params)
		})
	})
	g.Go(func() error {
		if !sc.HasUser() {
			convs.skipped = true
			return nil
		}
		return e.runBranch(gctx, &convs, func() ([]store.Candidate, error) {
			return e.transcripts.SearchTranscripts(gctx, sc, params)
		})
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]store.Candidate, 0, len(docs.cands)+len(convs.cands))
	merged = append(merged, docs.cands...)
	merged = append(merged, convs.cands...)
	// Re-rank centrally so the merged output is deterministic regardless
	// of branch completion order.
	merged = store.Rank(merged, threshold, limit)

	resp := &Response{
		Candidates:    merged,
		Documents:     docs.meta,
		Conversations: convs.meta,
	}
	resp.Conversations.Skipped = convs.skipped

	e.metrics.RecordSearch(ctx, len(merged), docs.meta.Degraded || convs.meta.Degraded)
	return resp, nil
}

// runBranch executes one search branch, classifying its failure mode:
// isolation violations are fatal and propagate; deadline expiry yields an
// empty, degraded branch; any other store failure is a hard error.
func (e *Engine) runBranch(ctx context.Context, out *branchResult, fn func() ([]store.Candidate, error)) error {
	start := time.Now()
	cands, err := fn()
	out.meta.Elapsed = time.Since(start)

	switch {
	case err == nil:
		out.cands = cands
		out.meta.Count = len(cands)
		return nil
	case errors.Is(err, scope.ErrIsolationViolation):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		e.logger.Warn(ctx, "search branch timed out", zap.Error(err))
		out.meta.Degraded = true
		return nil
	default:
		return fmt.Errorf("search branch failed: %w", err)
	}
}

// Retrieve runs the full pipeline: resolve the tenant's embedding
// configuration, embed the query, search both branches, optionally rerank
// and assemble the final context block.
//
// Embedding failures are fatal for the request; reranker failures fall
// back to the original similarity order with Reranked=false.
func (e *Engine) Retrieve(ctx context.Context, sc scope.Scope, query string, opts Options) (*RetrieveResult, error) {
	if query == "" {
		return nil, errors.New("query text is empty")
	}
	if err := sc.RequireDocuments(); err != nil {
		return nil, err
	}

	cfg, err := e.tenants.Get(ctx, sc.TenantID())
	if err != nil {
		return nil, err
	}

	provider, err := e.providerFor(cfg.Target)
	if err != nil {
		return nil, err
	}

	vector, err := provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	resp, err := e.Search(ctx, sc, vector, opts)
	if err != nil {
		return nil, err
	}

	reranked := false
	if e.reranker != nil && !opts.DisableRerank && len(resp.Candidates) > 0 {
		reranked = e.applyRerank(ctx, query, resp)
	}

	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = e.defaults.TokenBudget
	}
	charLimit := opts.PerChunkCharLimit
	if charLimit <= 0 {
		charLimit = e.defaults.PerChunkCharLimit
	}

	block := e.assembler.Assemble(resp.Candidates, assembler.Options{
		TokenBudget:       tokenBudget,
		PerChunkCharLimit: charLimit,
	})

	return &RetrieveResult{
		Context:       block,
		Response:      *resp,
		Reranked:      reranked,
		Model:         cfg.Target.Model,
		Dimension:     cfg.Target.Dimension,
		ConfigVersion: cfg.Version,
	}, nil
}

// applyRerank re-scores the response candidates in place. Returns false —
// leaving the original similarity order untouched — on any reranker
// failure. This is the one deliberate fallback in the system; the
// degradation is recorded in metrics and the response's Reranked flag.
func (e *Engine) applyRerank(ctx context.Context, query string, resp *Response) bool {
	timeout := e.rerankCfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	passages := make([]reranker.Passage, len(resp.Candidates))
	byID := make(map[string]store.Candidate, len(resp.Candidates))
	for i, c := range resp.Candidates {
		passages[i] = reranker.Passage{ID: c.ID, Content: c.Content, Score: c.Similarity}
		byID[c.ID] = c
	}

	topN := e.rerankCfg.TopN
	if topN <= 0 || topN > len(passages) {
		topN = len(passages)
	}

	scored, err := e.reranker.Rerank(rctx, query, passages, topN)
	if err != nil {
		e.logger.Warn(ctx, "rerank failed, keeping similarity order", zap.Error(err))
		e.metrics.RecordRerank(ctx, false)
		return false
	}

	reordered := make([]store.Candidate, 0, len(scored))
	for _, s := range scored {
		c, ok := byID[s.ID]
		if !ok {
			e.logger.Warn(ctx, "rerank returned unknown candidate, keeping similarity order",
				zap.String("id", s.ID))
			e.metrics.RecordRerank(ctx, false)
			return false
		}
		c.RerankScore = s.RerankScore
		reordered = append(reordered, c)
	}
	resp.Candidates = reordered
	e.metrics.RecordRerank(ctx, true)
	return true
}

// EmbedForTenant embeds text with the tenant's active embedding
// configuration. Used when persisting turns so transcript vectors match
// the configuration live queries are embedded with.
func (e *Engine) EmbedForTenant(ctx context.Context, tenantID, text string) ([]float32, store.EmbeddingTarget, error) {
	cfg, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, store.EmbeddingTarget{}, err
	}
	provider, err := e.providerFor(cfg.Target)
	if err != nil {
		return nil, store.EmbeddingTarget{}, err
	}
	vector, err := provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, store.EmbeddingTarget{}, fmt.Errorf("embedding turn: %w", err)
	}
	return vector, cfg.Target, nil
}

// EmbedBatchForTenant embeds a batch of texts with the tenant's active
// embedding configuration. Used by the ingestion path so chunk vectors
// match the configuration live queries are embedded with.
func (e *Engine) EmbedBatchForTenant(ctx context.Context, tenantID string, texts []string) ([][]float32, store.EmbeddingTarget, error) {
	cfg, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, store.EmbeddingTarget{}, err
	}
	provider, err := e.providerFor(cfg.Target)
	if err != nil {
		return nil, store.EmbeddingTarget{}, err
	}
	vectors, err := provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, store.EmbeddingTarget{}, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, cfg.Target, nil
}

// providerFor returns the cached provider for a target, creating it on
// first use. Providers are selected once per configuration, not
// re-resolved per call.
func (e *Engine) providerFor(target store.EmbeddingTarget) (embeddings.Provider, error) {
	e.provMu.Lock()
	defer e.provMu.Unlock()
	if p, ok := e.providers[target]; ok {
		return p, nil
	}
	p, err := e.factory(target)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider for %s/%s: %w", target.Provider, target.Model, err)
	}
	e.providers[target] = p
	return p, nil
}

// Close releases cached embedding providers and the reranker.
func (e *Engine) Close() error {
	e.provMu.Lock()
	defer e.provMu.Unlock()
	var firstErr error
	for _, p := range e.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.reranker != nil {
		if err := e.reranker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
