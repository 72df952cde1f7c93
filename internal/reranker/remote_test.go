package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReranker(t *testing.T, handler http.HandlerFunc) Reranker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r, err := newHTTPReranker(srv.URL, "test-cross-encoder", 2*time.Second, nil)
	require.NoError(t, err)
	return r
}

func TestHTTPRerankReorders(t *testing.T) {
	r := newTestReranker(t, func(w http.ResponseWriter, req *http.Request) {
		var body rerankRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "how to restart", body.Query)
		assert.Len(t, body.Texts, 3)

		json.NewEncoder(w).Encode([]rerankResult{ //nolint:errcheck
			{Index: 2, Score: 0.97},
			{Index: 0, Score: 0.41},
			{Index: 1, Score: 0.12},
		})
	})

	passages := []Passage{
		{ID: "a", Content: "first", Score: 0.9},
		{ID: "b", Content: "second", Score: 0.8},
		{ID: "c", Content: "third", Score: 0.7},
	}
	scored, err := r.Rerank(context.Background(), "how to restart", passages, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "c", scored[0].ID)
	assert.Equal(t, float32(0.97), scored[0].RerankScore)
	assert.Equal(t, 2, scored[0].OriginalRank)
	assert.Equal(t, "a", scored[1].ID)
}

func TestHTTPRerankErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
		},
		{
			name: "index out of range",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode([]rerankResult{{Index: 9, Score: 0.5}}) //nolint:errcheck
			},
		},
		{
			name: "empty response",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode([]rerankResult{}) //nolint:errcheck
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReranker(t, tt.handler)
			_, err := r.Rerank(context.Background(), "q", []Passage{{ID: "a", Content: "x"}}, 0)
			assert.ErrorIs(t, err, ErrRerankFailed)
		})
	}
}

func TestHTTPRerankEmptyPassages(t *testing.T) {
	r := newTestReranker(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected for empty passages")
	})
	scored, err := r.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}
