// Package tenant provides the per-tenant embedding configuration cache.
//
// The cache is the only cross-request shared mutable state on the read
// path. It is explicit, versioned and tenant-keyed; the sole writer of an
// existing entry is the migration coordinator's atomic Swap when a
// migration completes. No other call site mutates it.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/ragd/internal/store"
)

// ErrTenantNotFound indicates the tenant has no stored configuration.
var ErrTenantNotFound = errors.New("tenant configuration not found")

// ConfigStore persists per-tenant embedding configuration.
type ConfigStore interface {
	// GetTenantEmbedding returns the tenant's active embedding
	// configuration, or ErrTenantNotFound.
	GetTenantEmbedding(ctx context.Context, tenantID string) (store.EmbeddingTarget, error)

	// SetTenantEmbedding persists the tenant's active configuration.
	SetTenantEmbedding(ctx context.Context, tenantID string, target store.EmbeddingTarget) error
}

// Versioned is a cached configuration with its monotonic version. The
// version changes exactly when the configuration is swapped, so callers
// can detect a mid-request migration completion.
type Versioned struct {
	Target  store.EmbeddingTarget
	Version uint64
}

// Cache is the tenant-keyed embedding configuration cache.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]Versioned
	store    ConfigStore
	fallback store.EmbeddingTarget
}

// NewCache creates a cache over the given config store. Tenants with no
// stored configuration resolve to fallback (the platform default).
func NewCache(cs ConfigStore, fallback store.EmbeddingTarget) *Cache {
	return &Cache{
		entries:  make(map[string]Versioned),
		store:    cs,
		fallback: fallback,
	}
}

// Get returns the tenant's active embedding configuration, loading it from
// the config store on a cache miss.
func (c *Cache) Get(ctx context.Context, tenantID string) (Versioned, error) {
	c.mu.RLock()
	v, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	target, err := c.store.GetTenantEmbedding(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		target = c.fallback
	} else if err != nil {
		return Versioned{}, fmt.Errorf("loading tenant config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another request may have populated (or swapped) the entry while we
	// were loading; keep the existing entry in that case.
	if existing, ok := c.entries[tenantID]; ok {
		return existing, nil
	}
	v = Versioned{Target: target, Version: 1}
	c.entries[tenantID] = v
	return v, nil
}

// Swap atomically replaces the tenant's active configuration, persisting
// it first and bumping the version. Called by the migration coordinator
// only after 100% of the tenant's corpus is migrated: queries never see a
// configuration pointing at a dimension the corpus has not reached.
func (c *Cache) Swap(ctx context.Context, tenantID string, target store.EmbeddingTarget) error {
	if err := c.store.SetTenantEmbedding(ctx, tenantID, target); err != nil {
		return fmt.Errorf("persisting tenant config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.entries[tenantID]
	c.entries[tenantID] = Versioned{Target: target, Version: prev.Version + 1}
	return nil
}

// Invalidate drops the tenant's cached entry; the next Get reloads it.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// MemoryConfigStore is an in-process ConfigStore for the embedded backend
// and tests.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	targets map[string]store.EmbeddingTarget
}

// NewMemoryConfigStore creates an empty MemoryConfigStore.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{targets: make(map[string]store.EmbeddingTarget)}
}

// GetTenantEmbedding returns the stored target or ErrTenantNotFound.
func (m *MemoryConfigStore) GetTenantEmbedding(_ context.Context, tenantID string) (store.EmbeddingTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[tenantID]
	if !ok {
		return store.EmbeddingTarget{}, ErrTenantNotFound
	}
	return target, nil
}

// SetTenantEmbedding stores the target.
func (m *MemoryConfigStore) SetTenantEmbedding(_ context.Context, tenantID string, target store.EmbeddingTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[tenantID] = target
	return nil
}
