// Package chromem implements the store interfaces on chromem-go, an
// embedded pure-Go vector database. It serves dev and single-node
// deployments; postgres is the production backend.
//
// Layout: one chromem collection per (tenant, kind, dimension), named
// t_{tenant}_{kind}_{dim}. A query only ever opens the collection matching
// its own tenant and vector length, which gives both tenant isolation and
// dimension exclusion structurally rather than by filtering.
//
// chromem holds vectors; documents, assignments, chunk metadata, jobs and
// transcripts also live in in-process indexes guarded by one mutex, since
// chromem collections cannot be enumerated by metadata.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

const (
	kindDoc  = "doc"
	kindConv = "conv"
)

type docKey struct {
	tenantID string
	id       string
}

type assignKey struct {
	tenantID   string
	agentSlug  string
	documentID string
}

// Store is the embedded chromem-go store.
type Store struct {
	db     *chromemgo.DB
	logger *logging.Logger

	mu          sync.RWMutex
	docs        map[docKey]store.Document
	chunks      map[docKey]store.DocumentChunk // key.id is the chunk id
	assignments map[assignKey]store.AgentDocumentAssignment
	transcripts map[docKey]store.ConversationTranscript
	jobs        map[string]store.MigrationJob
}

// New opens (or creates) the persistent chromem database at cfg.Path.
func New(cfg config.ChromemConfig, logger *logging.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: chromem path is required", store.ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding chromem path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating chromem directory: %w", err)
	}
	db, err := chromemgo.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}
	return &Store{
		db:          db,
		logger:      logger.Named("chromem"),
		docs:        make(map[docKey]store.Document),
		chunks:      make(map[docKey]store.DocumentChunk),
		assignments: make(map[assignKey]store.AgentDocumentAssignment),
		transcripts: make(map[docKey]store.ConversationTranscript),
		jobs:        make(map[string]store.MigrationJob),
	}, nil
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

func collectionName(tenantID, kind string, dim int) string {
	return fmt.Sprintf("t_%s_%s_%d", tenantID, kind, dim)
}

func (s *Store) collection(tenantID, kind string, dim int) (*chromemgo.Collection, error) {
	c, err := s.db.GetOrCreateCollection(collectionName(tenantID, kind, dim), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", collectionName(tenantID, kind, dim), err)
	}
	return c, nil
}

// UpsertDocument stores a document owned by its tenant.
func (s *Store) UpsertDocument(_ context.Context, doc store.Document) error {
	if doc.ID == "" || doc.TenantID == "" {
		return errors.New("document id and tenant id are required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey{doc.TenantID, doc.ID}] = doc
	return nil
}

// UpsertChunks stores a batch of chunks. Dimension mismatches reject the
// whole batch before any write.
func (s *Store) UpsertChunks(ctx context.Context, chunks []store.DocumentChunk) error {
	if len(chunks) == 0 {
		return store.ErrEmptyBatch
	}
	for _, c := range chunks {
		if len(c.Embedding) != c.Dim {
			return fmt.Errorf("%w: chunk %s has %d values, declared %d",
				store.ErrDimensionMismatch, c.ID, len(c.Embedding), c.Dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		// Re-chunked documents replace the prior vector at the same index.
		if prev, ok := s.chunkAtLocked(c.TenantID, c.DocumentID, c.ChunkIndex); ok {
			if err := s.removeChunkVector(ctx, prev); err != nil {
				return err
			}
			delete(s.chunks, docKey{prev.TenantID, prev.ID})
		}
		if err := s.addChunkVector(ctx, c); err != nil {
			return err
		}
		s.chunks[docKey{c.TenantID, c.ID}] = c
	}
	return nil
}

func (s *Store) chunkAtLocked(tenantID, documentID string, chunkIndex int) (store.DocumentChunk, bool) {
	for _, c := range s.chunks {
		if c.TenantID == tenantID && c.DocumentID == documentID && c.ChunkIndex == chunkIndex {
			return c, true
		}
	}
	return store.DocumentChunk{}, false
}

func (s *Store) addChunkVector(ctx context.Context, c store.DocumentChunk) error {
	col, err := s.collection(c.TenantID, kindDoc, c.Dim)
	if err != nil {
		return err
	}
	doc := chromemgo.Document{
		ID:      c.ID,
		Content: c.Content,
		Metadata: map[string]string{
			"document_id": c.DocumentID,
			"chunk_index": strconv.Itoa(c.ChunkIndex),
		},
		Embedding: c.Embedding,
	}
	if err := col.AddDocuments(ctx, []chromemgo.Document{doc}, 1); err != nil {
		return fmt.Errorf("adding chunk vector: %w", err)
	}
	return nil
}

func (s *Store) removeChunkVector(ctx context.Context, c store.DocumentChunk) error {
	col, err := s.collection(c.TenantID, kindDoc, c.Dim)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, c.ID); err != nil {
		return fmt.Errorf("removing chunk vector: %w", err)
	}
	return nil
}

// AssignAgent creates or updates an agent-document assignment.
func (s *Store) AssignAgent(_ context.Context, a store.AgentDocumentAssignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignKey{a.TenantID, a.AgentSlug, a.DocumentID}] = a
	return nil
}

// SearchChunks queries the (tenant, doc, dim) collection and filters the
// hits through the assignment index. A missing collection means no stored
// chunk matches the query's dimension: an empty result, not an error.
func (s *Store) SearchChunks(ctx context.Context, sc scope.Scope, p store.SearchParams) ([]store.Candidate, error) {
	if err := sc.RequireDocuments(); err != nil {
		return nil, err
	}
	dim := len(p.Vector)
	if dim == 0 {
		return nil, errors.New("query vector is empty")
	}

	col := s.db.GetCollection(collectionName(sc.TenantID(), kindDoc, dim), nil)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	// Over-fetch before the assignment filter so disabled documents do not
	// starve the result set.
	n := col.Count()
	results, err := col.QueryEmbedding(ctx, p.Vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Candidate
	for _, r := range results {
		docID := r.Metadata["document_id"]
		a, ok := s.assignments[assignKey{sc.TenantID(), sc.AgentSlug(), docID}]
		if !ok || !a.Enabled {
			continue
		}
		chunk, ok := s.chunks[docKey{sc.TenantID(), r.ID}]
		if !ok {
			continue
		}
		title := s.docs[docKey{sc.TenantID(), docID}].Title
		out = append(out, store.Candidate{
			Kind:       store.KindDocument,
			ID:         r.ID,
			DocumentID: docID,
			ChunkIndex: chunk.ChunkIndex,
			Title:      title,
			Content:    r.Content,
			Similarity: r.Similarity,
			CreatedAt:  chunk.CreatedAt,
		})
	}
	return store.Rank(out, p.Threshold, p.Limit), nil
}

// CountChunks returns the tenant's total chunk count.
func (s *Store) CountChunks(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// ChunksNeedingMigration returns chunks not yet at the target
// configuration, ordered by (document, chunk index) so resumed runs walk a
// stable sequence.
func (s *Store) ChunksNeedingMigration(_ context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.DocumentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DocumentChunk
	for _, c := range s.chunks {
		if c.TenantID != tenantID {
			continue
		}
		if c.Provider == target.Provider && c.Model == target.Model && c.Dim == target.Dimension {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateChunkEmbeddings commits one migration batch: each vector moves
// from its old-dimension collection to the target's.
func (s *Store) UpdateChunkEmbeddings(ctx context.Context, chunks []store.DocumentChunk) error {
	if len(chunks) == 0 {
		return store.ErrEmptyBatch
	}
	for _, c := range chunks {
		if len(c.Embedding) != c.Dim {
			return fmt.Errorf("%w: chunk %s has %d values, declared %d",
				store.ErrDimensionMismatch, c.ID, len(c.Embedding), c.Dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		prev, ok := s.chunks[docKey{c.TenantID, c.ID}]
		if !ok {
			return fmt.Errorf("%w: chunk %s", store.ErrNotFound, c.ID)
		}
		if err := s.removeChunkVector(ctx, prev); err != nil {
			return err
		}
		prev.Embedding = c.Embedding
		prev.Dim = c.Dim
		prev.Provider = c.Provider
		prev.Model = c.Model
		if err := s.addChunkVector(ctx, prev); err != nil {
			return err
		}
		s.chunks[docKey{c.TenantID, c.ID}] = prev
	}
	return nil
}

// RebuildIndex drops the tenant's now-empty stale-dimension collections,
// for both chunk and transcript vectors. chromem searches are exact, so
// there is no ANN index to rebuild.
func (s *Store) RebuildIndex(_ context.Context, tenantID string, dim int) error {
	for _, kind := range []string{kindDoc, kindConv} {
		current := collectionName(tenantID, kind, dim)
		prefix := fmt.Sprintf("t_%s_%s_", tenantID, kind)
		for name, col := range s.db.ListCollections() {
			if name == current || len(name) < len(prefix) || name[:len(prefix)] != prefix {
				continue
			}
			if col.Count() != 0 {
				continue
			}
			if err := s.db.DeleteCollection(name); err != nil {
				return fmt.Errorf("dropping stale collection %s: %w", name, err)
			}
		}
	}
	return nil
}

// AppendTranscript stores one completed conversation turn.
func (s *Store) AppendTranscript(ctx context.Context, t store.ConversationTranscript) error {
	if len(t.Embedding) != t.Dim {
		return fmt.Errorf("%w: transcript %s has %d values, declared %d",
			store.ErrDimensionMismatch, t.ID, len(t.Embedding), t.Dim)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	col, err := s.collection(t.TenantID, kindConv, t.Dim)
	if err != nil {
		return err
	}
	doc := chromemgo.Document{
		ID:      t.ID,
		Content: t.UserText,
		Metadata: map[string]string{
			"agent_slug": t.AgentSlug,
			"user_id":    t.UserID,
		},
		Embedding: t.Embedding,
	}
	if err := col.AddDocuments(ctx, []chromemgo.Document{doc}, 1); err != nil {
		return fmt.Errorf("adding transcript vector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[docKey{t.TenantID, t.ID}] = t
	return nil
}

// SearchTranscripts queries the (tenant, conv, dim) collection, filtered
// to the scope's agent and user via chromem metadata.
func (s *Store) SearchTranscripts(ctx context.Context, sc scope.Scope, p store.SearchParams) ([]store.Candidate, error) {
	if err := sc.RequireConversation(); err != nil {
		return nil, err
	}
	dim := len(p.Vector)
	if dim == 0 {
		return nil, errors.New("query vector is empty")
	}

	col := s.db.GetCollection(collectionName(sc.TenantID(), kindConv, dim), nil)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	where := map[string]string{"agent_slug": sc.AgentSlug(), "user_id": sc.UserID()}
	results, err := col.QueryEmbedding(ctx, p.Vector, col.Count(), where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Candidate
	for _, r := range results {
		t, ok := s.transcripts[docKey{sc.TenantID(), r.ID}]
		if !ok {
			continue
		}
		out = append(out, store.Candidate{
			Kind:       store.KindTranscript,
			ID:         r.ID,
			Content:    t.UserText,
			Similarity: r.Similarity,
			CreatedAt:  t.CreatedAt,
		})
	}
	return store.Rank(out, p.Threshold, p.Limit), nil
}

// CountTranscripts returns the tenant's total transcript count.
func (s *Store) CountTranscripts(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.transcripts {
		if t.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// TranscriptsNeedingMigration returns transcripts not yet at the target
// configuration, ordered by creation time so resumed runs walk a stable
// sequence.
func (s *Store) TranscriptsNeedingMigration(_ context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.ConversationTranscript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ConversationTranscript
	for _, t := range s.transcripts {
		if t.TenantID != tenantID {
			continue
		}
		if t.Provider == target.Provider && t.Model == target.Model && t.Dim == target.Dimension {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateTranscriptEmbeddings commits one migration batch: each vector
// moves from its old-dimension conversation collection to the target's.
func (s *Store) UpdateTranscriptEmbeddings(ctx context.Context, transcripts []store.ConversationTranscript) error {
	if len(transcripts) == 0 {
		return store.ErrEmptyBatch
	}
	for _, t := range transcripts {
		if len(t.Embedding) != t.Dim {
			return fmt.Errorf("%w: transcript %s has %d values, declared %d",
				store.ErrDimensionMismatch, t.ID, len(t.Embedding), t.Dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range transcripts {
		prev, ok := s.transcripts[docKey{t.TenantID, t.ID}]
		if !ok {
			return fmt.Errorf("%w: transcript %s", store.ErrNotFound, t.ID)
		}
		oldCol, err := s.collection(prev.TenantID, kindConv, prev.Dim)
		if err != nil {
			return err
		}
		if err := oldCol.Delete(ctx, nil, nil, prev.ID); err != nil {
			return fmt.Errorf("removing transcript vector: %w", err)
		}
		prev.Embedding = t.Embedding
		prev.Dim = t.Dim
		prev.Provider = t.Provider
		prev.Model = t.Model
		newCol, err := s.collection(prev.TenantID, kindConv, prev.Dim)
		if err != nil {
			return err
		}
		doc := chromemgo.Document{
			ID:      prev.ID,
			Content: prev.UserText,
			Metadata: map[string]string{
				"agent_slug": prev.AgentSlug,
				"user_id":    prev.UserID,
			},
			Embedding: prev.Embedding,
		}
		if err := newCol.AddDocuments(ctx, []chromemgo.Document{doc}, 1); err != nil {
			return fmt.Errorf("adding transcript vector: %w", err)
		}
		s.transcripts[docKey{prev.TenantID, prev.ID}] = prev
	}
	return nil
}

// CreateJob persists a new migration job.
func (s *Store) CreateJob(_ context.Context, job store.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("migration job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob persists job progress and state transitions.
func (s *Store) UpdateJob(_ context.Context, job store.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("%w: migration job %s", store.ErrNotFound, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob loads a migration job by id.
func (s *Store) GetJob(_ context.Context, id string) (store.MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.MigrationJob{}, fmt.Errorf("%w: migration job %s", store.ErrNotFound, id)
	}
	return job, nil
}

// ActiveJobForTenant returns the tenant's live job, or ErrNotFound.
func (s *Store) ActiveJobForTenant(_ context.Context, tenantID string) (store.MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest store.MigrationJob
	found := false
	for _, job := range s.jobs {
		if job.TenantID != tenantID || job.State.Terminal() {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return store.MigrationJob{}, fmt.Errorf("%w: no active job for tenant", store.ErrNotFound)
	}
	return latest, nil
}

// Close is a no-op; chromem persists writes as they happen.
func (s *Store) Close() error {
	return nil
}
