package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. The embedding column is
// untyped vector so one table can hold multiple dimensions during a
// migration; searches pin the dimension with a cast plus dim predicate.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS documents (
		id         TEXT NOT NULL,
		tenant_id  TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS document_chunks (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		document_id TEXT NOT NULL,
		chunk_index INT  NOT NULL,
		content     TEXT NOT NULL,
		embedding   vector NOT NULL,
		dim         INT  NOT NULL,
		provider    TEXT NOT NULL,
		model       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id),
		UNIQUE (tenant_id, document_id, chunk_index)
	)`,

	`CREATE INDEX IF NOT EXISTS document_chunks_tenant_dim_idx
		ON document_chunks (tenant_id, dim)`,

	`CREATE INDEX IF NOT EXISTS document_chunks_migration_idx
		ON document_chunks (tenant_id, provider, model, dim)`,

	`CREATE TABLE IF NOT EXISTS agent_documents (
		tenant_id   TEXT NOT NULL,
		agent_slug  TEXT NOT NULL,
		document_id TEXT NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		access_type TEXT NOT NULL DEFAULT 'read',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, agent_slug, document_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_transcripts (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		agent_slug TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		user_text  TEXT NOT NULL,
		reply_text TEXT NOT NULL,
		embedding  vector NOT NULL,
		dim        INT  NOT NULL,
		provider   TEXT NOT NULL,
		model      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS conversation_transcripts_scope_idx
		ON conversation_transcripts (tenant_id, agent_slug, user_id, dim)`,

	`CREATE TABLE IF NOT EXISTS migration_jobs (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		from_provider TEXT NOT NULL,
		from_model    TEXT NOT NULL,
		from_dim      INT  NOT NULL,
		to_provider   TEXT NOT NULL,
		to_model      TEXT NOT NULL,
		to_dim        INT  NOT NULL,
		total         INT  NOT NULL,
		processed     INT  NOT NULL DEFAULT 0,
		state         TEXT NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		finished_at   TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	)`,

	`CREATE INDEX IF NOT EXISTS migration_jobs_tenant_state_idx
		ON migration_jobs (tenant_id, state)`,

	`CREATE TABLE IF NOT EXISTS tenant_embedding_configs (
		tenant_id  TEXT PRIMARY KEY,
		provider   TEXT NOT NULL,
		model      TEXT NOT NULL,
		dim        INT  NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
