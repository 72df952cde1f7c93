package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	return s
}

// ingest stores one document with a single chunk and an assignment for the
// agent. Unit basis vectors keep cosine similarity exact: 1 for the same
// direction, 0 otherwise.
func ingest(t *testing.T, s *Store, tenantID, agentSlug, docID, chunkID, content string, emb []float32, enabled bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertDocument(ctx, store.Document{
		ID: docID, TenantID: tenantID, Title: "Runbook",
	}))
	require.NoError(t, s.UpsertChunks(ctx, []store.DocumentChunk{{
		ID: chunkID, TenantID: tenantID, DocumentID: docID,
		Content: content, Embedding: emb, Dim: len(emb),
		Provider: "local", Model: "small",
	}}))
	require.NoError(t, s.AssignAgent(ctx, store.AgentDocumentAssignment{
		TenantID: tenantID, AgentSlug: agentSlug, DocumentID: docID,
		Enabled: enabled, AccessType: store.AccessRead,
	}))
}

func appendTurn(t *testing.T, s *Store, tenantID, agentSlug, userID, id, userText string, emb []float32) {
	t.Helper()
	require.NoError(t, s.AppendTranscript(context.Background(), store.ConversationTranscript{
		ID: id, TenantID: tenantID, AgentSlug: agentSlug, UserID: userID,
		SessionID: "sess-1", UserText: userText, ReplyText: "ack",
		Embedding: emb, Dim: len(emb), Provider: "local", Model: "small",
	}))
}

func TestSearchChunksIsolatesTenants(t *testing.T) {
	s := newTestStore(t)
	emb := []float32{1, 0, 0, 0}

	// Identical agent slug, document id and chunk id on both sides; only
	// the tenant differs.
	ingest(t, s, "acme", "support-bot", "d1", "c1", "acme payment runbook", emb, true)
	ingest(t, s, "globex", "support-bot", "d1", "c1", "globex payment runbook", emb, true)

	sc, err := scope.ForDocuments("acme", "support-bot")
	require.NoError(t, err)

	got, err := s.SearchChunks(context.Background(), sc, store.SearchParams{Vector: emb, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acme payment runbook", got[0].Content)
}

func TestSearchTranscriptsIsolatesTenants(t *testing.T) {
	s := newTestStore(t)
	emb := []float32{0, 1, 0, 0}

	// Same agent slug AND same user id in both tenants.
	appendTurn(t, s, "acme", "support-bot", "user-7", "t1", "how do I reset my password", emb)
	appendTurn(t, s, "globex", "support-bot", "user-7", "t1", "where is the invoice export", emb)

	sc, err := scope.ForConversation("acme", "support-bot", "user-7")
	require.NoError(t, err)

	got, err := s.SearchTranscripts(context.Background(), sc, store.SearchParams{Vector: emb, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "how do I reset my password", got[0].Content)
}

func TestSearchTranscriptsScopedToUser(t *testing.T) {
	s := newTestStore(t)
	emb := []float32{0, 1, 0, 0}

	appendTurn(t, s, "acme", "support-bot", "user-7", "t1", "turn of user seven", emb)
	appendTurn(t, s, "acme", "support-bot", "user-9", "t2", "turn of user nine", emb)

	sc, err := scope.ForConversation("acme", "support-bot", "user-7")
	require.NoError(t, err)

	got, err := s.SearchTranscripts(context.Background(), sc, store.SearchParams{Vector: emb, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "turn of user seven", got[0].Content)
}

func TestSearchChunksDisabledAssignmentInvisible(t *testing.T) {
	s := newTestStore(t)
	emb := []float32{1, 0, 0, 0}
	ingest(t, s, "acme", "support-bot", "d1", "c1", "quarantined content", emb, false)

	sc, err := scope.ForDocuments("acme", "support-bot")
	require.NoError(t, err)

	got, err := s.SearchChunks(context.Background(), sc, store.SearchParams{Vector: emb, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Re-enabling the assignment makes the same chunk visible again.
	require.NoError(t, s.AssignAgent(context.Background(), store.AgentDocumentAssignment{
		TenantID: "acme", AgentSlug: "support-bot", DocumentID: "d1",
		Enabled: true, AccessType: store.AccessRead,
	}))
	got, err = s.SearchChunks(context.Background(), sc, store.SearchParams{Vector: emb, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestSearchChunksExcludesOtherDimensions(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "acme", "support-bot", "d4", "c4", "four dim chunk", []float32{1, 0, 0, 0}, true)
	ingest(t, s, "acme", "support-bot", "d8", "c8", "eight dim chunk",
		[]float32{1, 0, 0, 0, 0, 0, 0, 0}, true)

	sc, err := scope.ForDocuments("acme", "support-bot")
	require.NoError(t, err)

	// A 4-dim query only sees 4-dim chunks; the mismatched chunk is
	// silently excluded, not an error.
	got, err := s.SearchChunks(context.Background(), sc, store.SearchParams{
		Vector: []float32{1, 0, 0, 0}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c4", got[0].ID)

	got, err = s.SearchChunks(context.Background(), sc, store.SearchParams{
		Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c8", got[0].ID)
}

func TestUpdateTranscriptEmbeddingsMovesDimensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendTurn(t, s, "acme", "support-bot", "user-7", "t1", "old dimension turn", []float32{0, 1, 0, 0})

	require.NoError(t, s.UpdateTranscriptEmbeddings(ctx, []store.ConversationTranscript{{
		ID: "t1", TenantID: "acme",
		Embedding: []float32{0, 1, 0, 0, 0, 0, 0, 0}, Dim: 8,
		Provider: "remote", Model: "big",
	}}))

	sc, err := scope.ForConversation("acme", "support-bot", "user-7")
	require.NoError(t, err)

	// Gone from the old dimension, found in the new one.
	got, err := s.SearchTranscripts(ctx, sc, store.SearchParams{Vector: []float32{0, 1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.SearchTranscripts(ctx, sc, store.SearchParams{
		Vector: []float32{0, 1, 0, 0, 0, 0, 0, 0}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old dimension turn", got[0].Content)

	// The moved row no longer needs migration.
	pending, err := s.TranscriptsNeedingMigration(ctx, "acme",
		store.EmbeddingTarget{Provider: "remote", Model: "big", Dimension: 8}, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRebuildIndexDropsEmptyStaleCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, "acme", "support-bot", "d1", "c1", "chunk", []float32{1, 0, 0, 0}, true)
	appendTurn(t, s, "acme", "support-bot", "user-7", "t1", "turn", []float32{0, 1, 0, 0})

	// Migrate both vectors to dim 8, leaving the dim-4 collections empty.
	require.NoError(t, s.UpdateChunkEmbeddings(ctx, []store.DocumentChunk{{
		ID: "c1", TenantID: "acme",
		Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Dim: 8,
		Provider: "remote", Model: "big",
	}}))
	require.NoError(t, s.UpdateTranscriptEmbeddings(ctx, []store.ConversationTranscript{{
		ID: "t1", TenantID: "acme",
		Embedding: []float32{0, 1, 0, 0, 0, 0, 0, 0}, Dim: 8,
		Provider: "remote", Model: "big",
	}}))

	require.NoError(t, s.RebuildIndex(ctx, "acme", 8))

	names := s.db.ListCollections()
	assert.NotContains(t, names, collectionName("acme", kindDoc, 4))
	assert.NotContains(t, names, collectionName("acme", kindConv, 4))
	assert.Contains(t, names, collectionName("acme", kindDoc, 8))
	assert.Contains(t, names, collectionName("acme", kindConv, 8))
}
