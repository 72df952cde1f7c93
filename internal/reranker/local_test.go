package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

func TestTermOverlapRerankBoostsLexicalMatches(t *testing.T) {
	r := NewTermOverlapReranker()
	passages := []Passage{
		{ID: "semantic", Content: "a paragraph about something unrelated entirely", Score: 0.82},
		{ID: "lexical", Content: "restarting the payment gateway after deploy", Score: 0.80},
	}

	scored, err := r.Rerank(context.Background(), "restart payment gateway", passages, 0)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	// The near-tie flips: the passage containing the query terms wins.
	assert.Equal(t, "lexical", scored[0].ID)
	assert.Equal(t, 1, scored[0].OriginalRank)
	assert.Greater(t, scored[0].RerankScore, scored[1].RerankScore)
}

func TestTermOverlapRerankTopN(t *testing.T) {
	r := NewTermOverlapReranker()
	passages := []Passage{
		{ID: "a", Content: "alpha", Score: 0.9},
		{ID: "b", Content: "beta", Score: 0.8},
		{ID: "c", Content: "gamma", Score: 0.7},
	}

	scored, err := r.Rerank(context.Background(), "query", passages, 2)
	require.NoError(t, err)
	assert.Len(t, scored, 2)

	scored, err = r.Rerank(context.Background(), "query", passages, 10)
	require.NoError(t, err)
	assert.Len(t, scored, 3)
}

func TestTermOverlapRerankEmpty(t *testing.T) {
	r := NewTermOverlapReranker()
	scored, err := r.Rerank(context.Background(), "query", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestTermOverlapRerankCancelledContext(t *testing.T) {
	r := NewTermOverlapReranker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Rerank(ctx, "query", []Passage{{ID: "a", Content: "x"}}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTermOverlapStableOnEqualScores(t *testing.T) {
	r := NewTermOverlapReranker()
	passages := []Passage{
		{ID: "first", Content: "no overlap here", Score: 0.5},
		{ID: "second", Content: "none matching either", Score: 0.5},
	}

	scored, err := r.Rerank(context.Background(), "completely different terms", passages, 0)
	require.NoError(t, err)
	// Equal combined scores keep their original order.
	assert.Equal(t, "first", scored[0].ID)
	assert.Equal(t, "second", scored[1].ID)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("The Payment-Gateway restarted, and THEN failed!")
	assert.Equal(t, []string{"payment", "gateway", "restarted", "then", "failed"}, tokens)
}

func TestNewRerankerNone(t *testing.T) {
	r, err := NewReranker(config.RerankConfig{Provider: config.RerankProviderNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = NewReranker(config.RerankConfig{Provider: "bogus"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
