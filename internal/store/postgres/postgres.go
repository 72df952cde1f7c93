// Package postgres implements the store interfaces on PostgreSQL with
// pgvector. This is the production backend: scoped searches run the
// assignment join and dimension filter inside SQL, and ANN indexes are
// partial HNSW indexes per embedding dimension.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

// Store is the pgvector-backed store.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, cfg config.PostgresConfig, logger *logging.Logger) (*Store, error) {
	if cfg.DSN.Value() == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", store.ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{pool: pool, logger: logger.Named("postgres")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// UpsertDocument stores a document owned by its tenant.
func (s *Store) UpsertDocument(ctx context.Context, doc store.Document) error {
	if doc.ID == "" || doc.TenantID == "" {
		return errors.New("document id and tenant id are required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, title, content, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, 'epoch'::timestamptz), NOW()))
		 ON CONFLICT (tenant_id, id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content`,
		doc.ID, doc.TenantID, doc.Title, doc.Content, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}
	return nil
}

// UpsertChunks stores a batch of chunks. Any vector whose length differs
// from its declared dimension rejects the whole batch before any write.
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

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO document_chunks (id, tenant_id, document_id, chunk_index, content, embedding, dim, provider, model, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			 ON CONFLICT (tenant_id, document_id, chunk_index) DO UPDATE
			 SET content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			     dim = EXCLUDED.dim, provider = EXCLUDED.provider, model = EXCLUDED.model`,
			c.ID, c.TenantID, c.DocumentID, c.ChunkIndex, c.Content,
			pgvector.NewVector(c.Embedding), c.Dim, c.Provider, c.Model,
		)
	}
	return s.sendBatch(ctx, batch, "upserting chunks")
}

// AssignAgent creates or updates an agent-document assignment.
func (s *Store) AssignAgent(ctx context.Context, a store.AgentDocumentAssignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_documents (tenant_id, agent_slug, document_id, enabled, access_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (tenant_id, agent_slug, document_id) DO UPDATE
		 SET enabled = EXCLUDED.enabled, access_type = EXCLUDED.access_type`,
		a.TenantID, a.AgentSlug, a.DocumentID, a.Enabled, string(a.AccessType),
	)
	if err != nil {
		return fmt.Errorf("assigning agent: %w", err)
	}
	return nil
}

// SearchChunks runs the scoped similarity search. Visibility requires an
// enabled assignment for the scope's agent; there is no tenant-only path.
// Chunks stored at a different dimension than the query vector are
// filtered out by the dim predicate, never compared.
func (s *Store) SearchChunks(ctx context.Context, sc scope.Scope, p store.SearchParams) ([]store.Candidate, error) {
	if err := sc.RequireDocuments(); err != nil {
		return nil, err
	}
	dim := len(p.Vector)
	if dim == 0 {
		return nil, errors.New("query vector is empty")
	}

	// The cast pins the operator to the query's dimension; the dim
	// predicate guarantees every compared row matches it.
	q := fmt.Sprintf(
		`SELECT c.id, c.document_id, c.chunk_index, d.title, c.content,
		        1 - (c.embedding::vector(%d) <=> $1) AS similarity, c.created_at
		 FROM document_chunks c
		 JOIN documents d ON d.tenant_id = c.tenant_id AND d.id = c.document_id
		 JOIN agent_documents a ON a.tenant_id = c.tenant_id AND a.document_id = c.document_id
		 WHERE c.tenant_id = $2 AND a.agent_slug = $3 AND a.enabled
		   AND c.dim = $4
		   AND 1 - (c.embedding::vector(%d) <=> $1) > $5
		 ORDER BY similarity DESC, c.document_id ASC, c.chunk_index ASC
		 LIMIT $6`, dim, dim)

	rows, err := s.pool.Query(ctx, q,
		pgvector.NewVector(p.Vector), sc.TenantID(), sc.AgentSlug(), dim, p.Threshold, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var out []store.Candidate
	for rows.Next() {
		c := store.Candidate{Kind: store.KindDocument}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Title, &c.Content, &c.Similarity, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChunks returns the tenant's total chunk count.
func (s *Store) CountChunks(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// ChunksNeedingMigration returns chunks not yet at the target embedding
// configuration, in a stable order so resumed runs walk the same sequence.
func (s *Store) ChunksNeedingMigration(ctx context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.DocumentChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, document_id, chunk_index, content, dim, provider, model, created_at
		 FROM document_chunks
		 WHERE tenant_id = $1 AND (provider <> $2 OR model <> $3 OR dim <> $4)
		 ORDER BY document_id ASC, chunk_index ASC
		 LIMIT $5`,
		tenantID, target.Provider, target.Model, target.Dimension, limit)
	if err != nil {
		return nil, fmt.Errorf("loading migration batch: %w", err)
	}
	defer rows.Close()

	var out []store.DocumentChunk
	for rows.Next() {
		var c store.DocumentChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.Dim, &c.Provider, &c.Model, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChunkEmbeddings commits one migration batch in a transaction.
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

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`UPDATE document_chunks
			 SET embedding = $1, dim = $2, provider = $3, model = $4
			 WHERE tenant_id = $5 AND id = $6`,
			pgvector.NewVector(c.Embedding), c.Dim, c.Provider, c.Model, c.TenantID, c.ID,
		)
	}
	return s.sendBatch(ctx, batch, "updating chunk embeddings")
}

// RebuildIndex drops the tenant-agnostic partial HNSW indexes for stale
// dimensions and builds one for dim. Partial indexes keyed on the dim
// column keep the typed vector cast valid per index.
func (s *Store) RebuildIndex(ctx context.Context, tenantID string, dim int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT indexname FROM pg_indexes
		 WHERE tablename = 'document_chunks' AND indexname LIKE 'document_chunks_hnsw_%'`)
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}
	var stale []string
	current := fmt.Sprintf("document_chunks_hnsw_%d", dim)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scanning index name: %w", err)
		}
		if name != current {
			stale = append(stale, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON document_chunks
		 USING hnsw ((embedding::vector(%d)) vector_cosine_ops)
		 WHERE dim = %d`, current, dim, dim)); err != nil {
		return fmt.Errorf("creating hnsw index for dim %d: %w", dim, err)
	}

	for _, name := range stale {
		// Another tenant may still be on the old dimension; only drop
		// indexes no remaining row can use.
		var inUse bool
		dimOf := 0
		if _, err := fmt.Sscanf(name, "document_chunks_hnsw_%d", &dimOf); err != nil {
			continue
		}
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE dim = $1)`, dimOf).Scan(&inUse); err != nil {
			return fmt.Errorf("checking index usage: %w", err)
		}
		if inUse {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("dropping stale index %s: %w", name, err)
		}
		s.logger.Info(ctx, "dropped stale hnsw index", zap.String("index", name))
	}
	return nil
}

// AppendTranscript stores one completed conversation turn.
func (s *Store) AppendTranscript(ctx context.Context, t store.ConversationTranscript) error {
	if len(t.Embedding) != t.Dim {
		return fmt.Errorf("%w: transcript %s has %d values, declared %d",
			store.ErrDimensionMismatch, t.ID, len(t.Embedding), t.Dim)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_transcripts
		 (id, tenant_id, agent_slug, user_id, session_id, user_text, reply_text, embedding, dim, provider, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		t.ID, t.TenantID, t.AgentSlug, t.UserID, t.SessionID, t.UserText, t.ReplyText,
		pgvector.NewVector(t.Embedding), t.Dim, t.Provider, t.Model,
	)
	if err != nil {
		return fmt.Errorf("appending transcript: %w", err)
	}
	return nil
}

// SearchTranscripts runs the scoped transcript search. The scope must
// carry a user; transcripts are private to their (tenant, agent, user).
func (s *Store) SearchTranscripts(ctx context.Context, sc scope.Scope, p store.SearchParams) ([]store.Candidate, error) {
	if err := sc.RequireConversation(); err != nil {
		return nil, err
	}
	dim := len(p.Vector)
	if dim == 0 {
		return nil, errors.New("query vector is empty")
	}

	q := fmt.Sprintf(
		`SELECT id, user_text, 1 - (embedding::vector(%d) <=> $1) AS similarity, created_at
		 FROM conversation_transcripts
		 WHERE tenant_id = $2 AND agent_slug = $3 AND user_id = $4
		   AND dim = $5
		   AND 1 - (embedding::vector(%d) <=> $1) > $6
		 ORDER BY similarity DESC, created_at ASC
		 LIMIT $7`, dim, dim)

	rows, err := s.pool.Query(ctx, q,
		pgvector.NewVector(p.Vector), sc.TenantID(), sc.AgentSlug(), sc.UserID(), dim, p.Threshold, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching transcripts: %w", err)
	}
	defer rows.Close()

	var out []store.Candidate
	for rows.Next() {
		c := store.Candidate{Kind: store.KindTranscript}
		if err := rows.Scan(&c.ID, &c.Content, &c.Similarity, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transcript candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountTranscripts returns the tenant's total transcript count.
func (s *Store) CountTranscripts(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_transcripts WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting transcripts: %w", err)
	}
	return n, nil
}

// TranscriptsNeedingMigration returns transcripts not yet at the target
// embedding configuration, in a stable order so resumed runs walk the
// same sequence.
func (s *Store) TranscriptsNeedingMigration(ctx context.Context, tenantID string, target store.EmbeddingTarget, limit int) ([]store.ConversationTranscript, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, agent_slug, user_id, session_id, user_text, reply_text, dim, provider, model, created_at
		 FROM conversation_transcripts
		 WHERE tenant_id = $1 AND (provider <> $2 OR model <> $3 OR dim <> $4)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5`,
		tenantID, target.Provider, target.Model, target.Dimension, limit)
	if err != nil {
		return nil, fmt.Errorf("loading transcript migration batch: %w", err)
	}
	defer rows.Close()

	var out []store.ConversationTranscript
	for rows.Next() {
		var t store.ConversationTranscript
		if err := rows.Scan(&t.ID, &t.TenantID, &t.AgentSlug, &t.UserID, &t.SessionID,
			&t.UserText, &t.ReplyText, &t.Dim, &t.Provider, &t.Model, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTranscriptEmbeddings commits one migration batch in a transaction.
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

	batch := &pgx.Batch{}
	for _, t := range transcripts {
		batch.Queue(
			`UPDATE conversation_transcripts
			 SET embedding = $1, dim = $2, provider = $3, model = $4
			 WHERE tenant_id = $5 AND id = $6`,
			pgvector.NewVector(t.Embedding), t.Dim, t.Provider, t.Model, t.TenantID, t.ID,
		)
	}
	return s.sendBatch(ctx, batch, "updating transcript embeddings")
}

// CreateJob persists a new migration job.
func (s *Store) CreateJob(ctx context.Context, job store.MigrationJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_jobs
		 (id, tenant_id, from_provider, from_model, from_dim, to_provider, to_model, to_dim,
		  total, processed, state, error, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.TenantID,
		job.From.Provider, job.From.Model, job.From.Dimension,
		job.To.Provider, job.To.Model, job.To.Dimension,
		job.Total, job.Processed, string(job.State), job.Error,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("creating migration job: %w", err)
	}
	return nil
}

// UpdateJob persists job progress and state transitions.
func (s *Store) UpdateJob(ctx context.Context, job store.MigrationJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE migration_jobs
		 SET processed = $1, state = $2, error = $3, started_at = $4, finished_at = $5
		 WHERE id = $6`,
		job.Processed, string(job.State), job.Error, job.StartedAt, job.FinishedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating migration job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: migration job %s", store.ErrNotFound, job.ID)
	}
	return nil
}

// GetJob loads a migration job by id.
func (s *Store) GetJob(ctx context.Context, id string) (store.MigrationJob, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, from_provider, from_model, from_dim, to_provider, to_model, to_dim,
		        total, processed, state, error, created_at, started_at, finished_at
		 FROM migration_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.MigrationJob{}, fmt.Errorf("%w: migration job %s", store.ErrNotFound, id)
	}
	return job, err
}

// ActiveJobForTenant returns the tenant's live job, or ErrNotFound.
func (s *Store) ActiveJobForTenant(ctx context.Context, tenantID string) (store.MigrationJob, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, from_provider, from_model, from_dim, to_provider, to_model, to_dim,
		        total, processed, state, error, created_at, started_at, finished_at
		 FROM migration_jobs
		 WHERE tenant_id = $1 AND state IN ('pending', 'in_progress')
		 ORDER BY created_at DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.MigrationJob{}, fmt.Errorf("%w: no active job for tenant", store.ErrNotFound)
	}
	return job, err
}

func (s *Store) scanJob(row pgx.Row) (store.MigrationJob, error) {
	var job store.MigrationJob
	var state string
	err := row.Scan(&job.ID, &job.TenantID,
		&job.From.Provider, &job.From.Model, &job.From.Dimension,
		&job.To.Provider, &job.To.Model, &job.To.Dimension,
		&job.Total, &job.Processed, &state, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return store.MigrationJob{}, err
	}
	job.State = store.MigrationState(state)
	return job, nil
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: beginning transaction: %w", op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: statement %d: %w", op, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s: closing batch: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: committing: %w", op, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
