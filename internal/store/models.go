package store

import "time"

// Document is an ingested source unit, owned by exactly one tenant.
// Immutable once chunked except through re-ingestion.
type Document struct {
	ID        string
	TenantID  string
	Title     string
	Content   string
	CreatedAt time.Time
}

// DocumentChunk is a contiguous slice of a document's text plus its
// embedding vector.
//
// Invariants:
//   - len(Embedding) == Dim
//   - ChunkIndex is unique within a document and is the tie-break key
//     for equal-similarity results.
type DocumentChunk struct {
	ID         string
	TenantID   string
	DocumentID string
	ChunkIndex int
	Content    string
	Embedding  []float32
	Dim        int
	// Provider and Model identify the embedding configuration that
	// produced the vector; migration resumption keys off these.
	Provider  string
	Model     string
	CreatedAt time.Time
}

// AccessType enumerates how an agent may use an assigned document.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessCite  AccessType = "cite"
	AccessTrain AccessType = "train"
)

// AgentDocumentAssignment links an agent to a document.
// A chunk is visible to an agent only through an enabled assignment;
// queries always join through this relation, never by tenant alone.
type AgentDocumentAssignment struct {
	TenantID   string
	AgentSlug  string
	DocumentID string
	Enabled    bool
	AccessType AccessType
	CreatedAt  time.Time
}

// ConversationTranscript is one user/assistant message pair, scoped by
// (tenant, agent, user). Never mutated after creation.
type ConversationTranscript struct {
	ID        string
	TenantID  string
	AgentSlug string
	UserID    string
	SessionID string
	UserText  string
	ReplyText string
	// Embedding is the vector of the user message, for future recall.
	Embedding []float32
	Dim       int
	Provider  string
	Model     string
	CreatedAt time.Time
}

// CandidateKind identifies which logical store a candidate came from.
type CandidateKind string

const (
	KindDocument   CandidateKind = "document"
	KindTranscript CandidateKind = "transcript"
)

// Candidate is a similarity-search hit from either logical store.
type Candidate struct {
	Kind       CandidateKind
	ID         string
	DocumentID string
	ChunkIndex int
	Title      string
	Content    string
	Similarity float32
	// RerankScore is the cross-encoder relevance score; set only when the
	// result set was reranked, zero otherwise.
	RerankScore float32
	CreatedAt   time.Time
}

// MigrationState enumerates the migration job state machine.
type MigrationState string

const (
	MigrationPending    MigrationState = "pending"
	MigrationInProgress MigrationState = "in_progress"
	MigrationCompleted  MigrationState = "completed"
	MigrationFailed     MigrationState = "failed"
	MigrationCancelled  MigrationState = "cancelled"
)

// Terminal reports whether the state is immutable.
func (s MigrationState) Terminal() bool {
	switch s {
	case MigrationCompleted, MigrationFailed, MigrationCancelled:
		return true
	}
	return false
}

// EmbeddingTarget identifies an embedding configuration a corpus is
// embedded with (or migrating to).
type EmbeddingTarget struct {
	Provider  string
	Model     string
	Dimension int
}

// MigrationJob tracks a tenant's transition between embedding configurations.
type MigrationJob struct {
	ID         string
	TenantID   string
	From       EmbeddingTarget
	To         EmbeddingTarget
	Total      int
	Processed  int
	State      MigrationState
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}
