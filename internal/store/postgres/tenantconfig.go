package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fyrsmithlabs/ragd/internal/store"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// GetTenantEmbedding loads a tenant's active embedding configuration.
func (s *Store) GetTenantEmbedding(ctx context.Context, tenantID string) (store.EmbeddingTarget, error) {
	var t store.EmbeddingTarget
	err := s.pool.QueryRow(ctx,
		`SELECT provider, model, dim FROM tenant_embedding_configs WHERE tenant_id = $1`,
		tenantID).Scan(&t.Provider, &t.Model, &t.Dimension)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.EmbeddingTarget{}, tenant.ErrTenantNotFound
	}
	if err != nil {
		return store.EmbeddingTarget{}, fmt.Errorf("loading tenant embedding config: %w", err)
	}
	return t, nil
}

// SetTenantEmbedding persists a tenant's active embedding configuration.
// This is the atomic switch at the end of a migration: a single row
// update, so readers see either the old configuration or the new one.
func (s *Store) SetTenantEmbedding(ctx context.Context, tenantID string, target store.EmbeddingTarget) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_embedding_configs (tenant_id, provider, model, dim, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET provider = EXCLUDED.provider, model = EXCLUDED.model, dim = EXCLUDED.dim, updated_at = NOW()`,
		tenantID, target.Provider, target.Model, target.Dimension,
	)
	if err != nil {
		return fmt.Errorf("persisting tenant embedding config: %w", err)
	}
	return nil
}
