package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// memStore is an in-memory chunk+transcript+job store for coordinator
// tests.
type memStore struct {
	mu          sync.Mutex
	chunks      map[string]store.DocumentChunk
	transcripts map[string]store.ConversationTranscript
	jobs        map[string]store.MigrationJob
	updates     int // committed migration batches
	rebuilt     int
	failUpd     error
	commitGate  chan struct{} // when set, UpdateChunkEmbeddings blocks on it
}

func newMemStore(tenantID string, n int, target store.EmbeddingTarget) *memStore {
	m := &memStore{
		chunks:      make(map[string]store.DocumentChunk),
		transcripts: make(map[string]store.ConversationTranscript),
		jobs:        make(map[string]store.MigrationJob),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("chunk-%03d", i)
		m.chunks[id] = store.DocumentChunk{
			ID: id, TenantID: tenantID, DocumentID: "doc-1", ChunkIndex: i,
			Content:   fmt.Sprintf("passage %d", i),
			Embedding: make([]float32, target.Dimension),
			Dim:       target.Dimension,
			Provider:  target.Provider,
			Model:     target.Model,
		}
	}
	return m
}

func (m *memStore) UpsertDocument(context.Context, store.Document) error      { return nil }
func (m *memStore) UpsertChunks(context.Context, []store.DocumentChunk) error { return nil }
func (m *memStore) AssignAgent(context.Context, store.AgentDocumentAssignment) error {
	return nil
}
func (m *memStore) SearchChunks(context.Context, scope.Scope, store.SearchParams) ([]store.Candidate, error) {
	return nil, nil
}

func (m *memStore) CountChunks(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.chunks {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ChunksNeedingMigration(_ context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.DocumentChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DocumentChunk
	for _, c := range m.chunks {
		if c.TenantID != tenantID {
			continue
		}
		if c.Provider == target.Provider && c.Model == target.Model && c.Dim == target.Dimension {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateChunkEmbeddings(ctx context.Context, chunks []store.DocumentChunk) error {
	if m.commitGate != nil {
		select {
		case <-m.commitGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpd != nil {
		return m.failUpd
	}
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	m.updates++
	return nil
}

func (m *memStore) CountTranscripts(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.transcripts {
		if t.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) TranscriptsNeedingMigration(_ context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.ConversationTranscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ConversationTranscript
	for _, t := range m.transcripts {
		if t.TenantID != tenantID {
			continue
		}
		if t.Provider == target.Provider && t.Model == target.Model && t.Dim == target.Dimension {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateTranscriptEmbeddings(_ context.Context, rows []store.ConversationTranscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range rows {
		m.transcripts[t.ID] = t
	}
	m.updates++
	return nil
}

func (m *memStore) RebuildIndex(context.Context, string, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilt++
	return nil
}

func (m *memStore) CreateJob(_ context.Context, job store.MigrationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) UpdateJob(_ context.Context, job store.MigrationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: migration job %s", store.ErrNotFound, job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (store.MigrationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.MigrationJob{}, fmt.Errorf("%w: migration job %s", store.ErrNotFound, id)
	}
	return job, nil
}

func (m *memStore) ActiveJobForTenant(_ context.Context, tenantID string) (store.MigrationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.TenantID == tenantID && !job.State.Terminal() {
			return job, nil
		}
	}
	return store.MigrationJob{}, fmt.Errorf("%w: no active job", store.ErrNotFound)
}

func (m *memStore) counts(target store.EmbeddingTarget) (migrated, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		total++
		if c.Provider == target.Provider && c.Model == target.Model && c.Dim == target.Dimension {
			migrated++
		}
	}
	return migrated, total
}

// blockingProvider embeds successfully but can be paused to hold a job
// mid-flight.
type blockingProvider struct {
	dim   int
	gate  chan struct{} // nil means never block
	err   error
	calls int
	mu    sync.Mutex
}

func (p *blockingProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return make([]float32, p.dim), nil
}

func (p *blockingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, p.dim)
	}
	return out, nil
}

func (p *blockingProvider) Dimension() int { return p.dim }
func (p *blockingProvider) Model() string  { return "fake" }
func (p *blockingProvider) Close() error   { return nil }

var (
	oldTarget = store.EmbeddingTarget{Provider: "local", Model: "small", Dimension: 4}
	newTarget = store.EmbeddingTarget{Provider: "remote", Model: "big", Dimension: 8}
)

func testCoordinator(t *testing.T, ms *memStore, provider *blockingProvider, batchSize int) (*Coordinator, *tenant.Cache) {
	t.Helper()
	tenants := tenant.NewCache(tenant.NewMemoryConfigStore(), oldTarget)
	factory := func(target store.EmbeddingTarget) (embeddings.Provider, error) {
		provider.dim = target.Dimension
		return provider, nil
	}
	c, err := NewCoordinator(Config{
		Chunks:      ms,
		Transcripts: ms,
		Jobs:        ms,
		Tenants:     tenants,
		Factory:     factory,
		BatchSize:   batchSize,
		MaxRetries:  2,
	})
	require.NoError(t, err)
	return c, tenants
}

func waitTerminal(t *testing.T, c *Coordinator, jobID string) store.MigrationJob {
	t.Helper()
	var job store.MigrationJob
	require.Eventually(t, func() bool {
		var err error
		job, err = c.Status(context.Background(), jobID)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestMigrationCompletesAndSwapsConfig(t *testing.T) {
	ms := newMemStore("acme", 23, oldTarget)
	c, tenants := testCoordinator(t, ms, &blockingProvider{}, 10)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)
	assert.Equal(t, 23, job.Total)
	assert.Equal(t, oldTarget, job.From)

	done := waitTerminal(t, c, job.ID)
	assert.Equal(t, store.MigrationCompleted, done.State)
	assert.Equal(t, 23, done.Processed)

	migrated, total := ms.counts(newTarget)
	assert.Equal(t, total, migrated)
	assert.Equal(t, 1, ms.rebuilt)

	// Active config switched only after completion.
	v, err := tenants.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, newTarget, v.Target)
}

func TestMigrationRerunIsIdempotent(t *testing.T) {
	ms := newMemStore("acme", 15, oldTarget)
	provider := &blockingProvider{}
	c, _ := testCoordinator(t, ms, provider, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)
	waitTerminal(t, c, job.ID)
	firstCalls := provider.calls

	// A second run finds nothing left to convert: zero embed calls.
	job2, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)
	done := waitTerminal(t, c, job2.ID)
	assert.Equal(t, store.MigrationCompleted, done.State)
	assert.Equal(t, 0, done.Processed)
	assert.Equal(t, firstCalls, provider.calls)
}

func TestMigrationRejectsConcurrentForSameTenant(t *testing.T) {
	ms := newMemStore("acme", 10, oldTarget)
	gate := make(chan struct{})
	c, _ := testCoordinator(t, ms, &blockingProvider{gate: gate}, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)

	_, err = c.Create(ctx, "acme", newTarget)
	assert.ErrorIs(t, err, ErrMigrationInProgress)

	close(gate)
	waitTerminal(t, c, job.ID)
}

func TestMigrationCancelRetainsProgress(t *testing.T) {
	ms := newMemStore("acme", 20, oldTarget)
	gate := make(chan struct{}, 1)
	c, _ := testCoordinator(t, ms, &blockingProvider{gate: gate}, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)

	// Let exactly one batch through, then cancel while the second blocks.
	gate <- struct{}{}
	require.Eventually(t, func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.updates >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Cancel(ctx, job.ID))

	done := waitTerminal(t, c, job.ID)
	assert.Equal(t, store.MigrationCancelled, done.State)

	migrated, total := ms.counts(newTarget)
	assert.Equal(t, 5, migrated)
	assert.Equal(t, 20, total)
	// Cancelled jobs are immutable.
	assert.ErrorIs(t, c.Cancel(ctx, job.ID), ErrJobTerminal)
}

func TestMigrationFailureRetainsProgressAndOldConfig(t *testing.T) {
	ms := newMemStore("acme", 10, oldTarget)
	ms.failUpd = errors.New("disk full")
	c, tenants := testCoordinator(t, ms, &blockingProvider{}, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)

	done := waitTerminal(t, c, job.ID)
	assert.Equal(t, store.MigrationFailed, done.State)
	assert.Contains(t, done.Error, "disk full")

	// The active configuration never switched.
	v, err := tenants.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, oldTarget, v.Target)
}

func TestMigrationMigratesTranscriptsToo(t *testing.T) {
	ms := newMemStore("acme", 5, oldTarget)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("turn-%03d", i)
		ms.transcripts[id] = store.ConversationTranscript{
			ID: id, TenantID: "acme", AgentSlug: "support-bot", UserID: "user-7",
			UserText: fmt.Sprintf("question %d", i), ReplyText: "answer",
			Embedding: make([]float32, oldTarget.Dimension),
			Dim:       oldTarget.Dimension,
			Provider:  oldTarget.Provider,
			Model:     oldTarget.Model,
		}
	}
	c, _ := testCoordinator(t, ms, &blockingProvider{}, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)
	assert.Equal(t, 8, job.Total)

	done := waitTerminal(t, c, job.ID)
	assert.Equal(t, store.MigrationCompleted, done.State)
	assert.Equal(t, 8, done.Processed)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, tr := range ms.transcripts {
		assert.Equal(t, newTarget.Dimension, tr.Dim)
		assert.Equal(t, newTarget.Model, tr.Model)
		assert.Len(t, tr.Embedding, newTarget.Dimension)
	}
}

func TestMigrationCancelDuringCommitIsCancelled(t *testing.T) {
	ms := newMemStore("acme", 10, oldTarget)
	ms.commitGate = make(chan struct{})
	c, tenants := testCoordinator(t, ms, &blockingProvider{}, 5)
	ctx := context.Background()

	job, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)

	// Cancel while the first batch commit is in flight; the commit
	// returns the context error, not a store failure.
	require.Eventually(t, func() bool {
		got, err := c.Status(ctx, job.ID)
		return err == nil && got.State == store.MigrationInProgress
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Cancel(ctx, job.ID))

	done := waitTerminal(t, c, job.ID)
	assert.Equal(t, store.MigrationCancelled, done.State)
	assert.Empty(t, done.Error)

	// No batch committed and the active configuration never switched.
	migrated, _ := ms.counts(newTarget)
	assert.Equal(t, 0, migrated)
	v, err := tenants.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, oldTarget, v.Target)
}

func TestMigrationValidatesTarget(t *testing.T) {
	ms := newMemStore("acme", 5, oldTarget)
	c, _ := testCoordinator(t, ms, &blockingProvider{}, 5)

	_, err := c.Create(context.Background(), "acme", store.EmbeddingTarget{Provider: "remote"})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = c.Create(context.Background(), "", newTarget)
	assert.Error(t, err)
}

func TestMigrationAllowsDifferentTenantsConcurrently(t *testing.T) {
	msA := newMemStore("acme", 5, oldTarget)
	// Same backing store for both tenants.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("globex-%03d", i)
		msA.chunks[id] = store.DocumentChunk{
			ID: id, TenantID: "globex", DocumentID: "doc-9", ChunkIndex: i,
			Content: "x", Embedding: make([]float32, 4), Dim: 4,
			Provider: oldTarget.Provider, Model: oldTarget.Model,
		}
	}
	c, _ := testCoordinator(t, msA, &blockingProvider{}, 5)
	ctx := context.Background()

	jobA, err := c.Create(ctx, "acme", newTarget)
	require.NoError(t, err)
	jobB, err := c.Create(ctx, "globex", newTarget)
	require.NoError(t, err)

	assert.Equal(t, store.MigrationCompleted, waitTerminal(t, c, jobA.ID).State)
	assert.Equal(t, store.MigrationCompleted, waitTerminal(t, c, jobB.ID).State)
}
