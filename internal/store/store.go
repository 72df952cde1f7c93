// Package store defines the persistence interfaces and data model for the
// retrieval engine: documents, chunks, agent assignments, conversation
// transcripts and migration jobs.
//
// Two backends implement these interfaces:
//   - postgres: pgvector-backed, ANN-indexed, the production path
//   - chromem: embedded chromem-go store for dev and single-node deployments
//
// Every read path takes an explicit scope.Scope. Implementations must
// treat the scope as mandatory: queries are constructed from its fields
// only, and there is no API to search a tenant's data without one.
package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/ragd/internal/scope"
)

// Sentinel errors shared by store backends.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyBatch indicates an empty or nil batch write.
	ErrEmptyBatch = errors.New("empty or nil batch")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// its declared dimension. Writes reject it; searches never see it
	// because mismatched candidates are excluded from the comparison set.
	ErrDimensionMismatch = errors.New("vector length does not match declared dimension")
)

// SearchParams bounds a similarity search.
type SearchParams struct {
	// Vector is the query embedding; its length determines which stored
	// candidates are comparable (dimension exclusion).
	Vector []float32
	// Threshold is the strict lower bound: only candidates with
	// similarity > Threshold are returned.
	Threshold float32
	// Limit bounds the result count after threshold filtering.
	Limit int
}

// ChunkStore persists documents, chunks and agent assignments, and serves
// scoped similarity search over chunks.
type ChunkStore interface {
	// UpsertDocument stores a document owned by its tenant.
	UpsertDocument(ctx context.Context, doc Document) error

	// UpsertChunks stores chunks for a document, replacing prior chunks
	// with the same (document, chunk_index). Fails the whole batch on any
	// dimension mismatch.
	UpsertChunks(ctx context.Context, chunks []DocumentChunk) error

	// AssignAgent creates or updates an agent-document assignment.
	AssignAgent(ctx context.Context, a AgentDocumentAssignment) error

	// SearchChunks returns chunks visible to the scope's agent, ordered by
	// descending similarity with ties broken by ascending chunk index.
	// Candidates whose stored dimension differs from len(p.Vector) are
	// excluded, not errors.
	SearchChunks(ctx context.Context, sc scope.Scope, p SearchParams) ([]Candidate, error)

	// CountChunks returns the tenant's total chunk count.
	CountChunks(ctx context.Context, tenantID string) (int, error)

	// ChunksNeedingMigration returns up to limit chunks whose embedding
	// configuration differs from target. Used for idempotent, resumable
	// migration: already-converted rows are never returned.
	ChunksNeedingMigration(ctx context.Context, tenantID string, target EmbeddingTarget, limit int) ([]DocumentChunk, error)

	// UpdateChunkEmbeddings commits one migration batch: each chunk's new
	// vector, dimension and provider/model, atomically per batch.
	UpdateChunkEmbeddings(ctx context.Context, chunks []DocumentChunk) error

	// RebuildIndex rebuilds the ANN index for a tenant at the given
	// dimension. Called by the migration coordinator after completion.
	RebuildIndex(ctx context.Context, tenantID string, dim int) error
}

// TranscriptStore persists conversation transcripts and serves scoped
// similarity search over them.
type TranscriptStore interface {
	// AppendTranscript stores one completed user/assistant turn.
	// Transcripts are append-only.
	AppendTranscript(ctx context.Context, t ConversationTranscript) error

	// SearchTranscripts returns transcripts for the scope's (tenant,
	// agent, user), ordered by descending similarity with ties broken by
	// ascending creation time. Dimension exclusion as for chunks.
	SearchTranscripts(ctx context.Context, sc scope.Scope, p SearchParams) ([]Candidate, error)
}

// TranscriptMigrator is the migration surface over transcripts. Backends
// implement it alongside TranscriptStore so a completed migration leaves
// no old-dimension transcripts behind, invisible to recall.
type TranscriptMigrator interface {
	// CountTranscripts returns the tenant's total transcript count.
	CountTranscripts(ctx context.Context, tenantID string) (int, error)

	// TranscriptsNeedingMigration returns up to limit transcripts whose
	// embedding configuration differs from target, in a stable order.
	// Already-converted rows are never returned.
	TranscriptsNeedingMigration(ctx context.Context, tenantID string, target EmbeddingTarget, limit int) ([]ConversationTranscript, error)

	// UpdateTranscriptEmbeddings commits one migration batch of
	// transcript vectors, atomically per batch.
	UpdateTranscriptEmbeddings(ctx context.Context, rows []ConversationTranscript) error
}

// JobStore persists embedding migration jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job MigrationJob) error
	UpdateJob(ctx context.Context, job MigrationJob) error
	GetJob(ctx context.Context, id string) (MigrationJob, error)
	// ActiveJobForTenant returns the tenant's pending or in-progress job,
	// or ErrNotFound.
	ActiveJobForTenant(ctx context.Context, tenantID string) (MigrationJob, error)
}

// Store aggregates the persistence surfaces a backend provides.
type Store interface {
	ChunkStore
	TranscriptStore
	TranscriptMigrator
	JobStore

	// Close releases backend resources.
	Close() error
}
