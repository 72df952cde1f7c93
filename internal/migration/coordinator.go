// Package migration re-embeds a tenant's corpus when its embedding
// configuration changes, without blocking live queries.
//
// The coordinator processes fixed-size batches, each committed
// independently, so a crash leaves a resumable checkpoint: a re-run skips
// rows already matching the target configuration instead of restarting
// from zero. The tenant's active configuration is switched atomically only
// after the whole corpus is converted — queries never see a mixed state.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/store"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

var (
	// ErrMigrationInProgress indicates the tenant already has a live
	// migration. Concurrent requests are rejected, never queued silently.
	ErrMigrationInProgress = errors.New("migration already in progress for tenant")

	// ErrJobTerminal indicates an operation on a job in a terminal state.
	// Terminal jobs are immutable.
	ErrJobTerminal = errors.New("migration job is in a terminal state")

	// ErrInvalidTarget indicates an incomplete embedding target.
	ErrInvalidTarget = errors.New("invalid embedding target")
)

// Coordinator drives embedding migrations.
type Coordinator struct {
	chunks      store.ChunkStore
	transcripts store.TranscriptMigrator
	jobs        store.JobStore
	tenants     *tenant.Cache
	factory     embeddings.Factory
	logger      *logging.Logger

	batchSize  int
	maxRetries int

	mu     sync.Mutex
	active map[string]context.CancelFunc // tenant id -> cancel, the per-tenant migration lock
	byJob  map[string]string            // job id -> tenant id, for Cancel

	wg sync.WaitGroup
}

// Config wires a Coordinator.
type Config struct {
	Chunks      store.ChunkStore
	Transcripts store.TranscriptMigrator
	Jobs        store.JobStore
	Tenants     *tenant.Cache
	Factory     embeddings.Factory
	Logger      *logging.Logger
	// BatchSize is the number of chunks per committed batch (default 500).
	BatchSize int
	// MaxRetries bounds embedding retries per batch before the job fails.
	MaxRetries int
}

// NewCoordinator creates a migration coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Chunks == nil || cfg.Jobs == nil {
		return nil, errors.New("chunk and job stores are required")
	}
	if cfg.Transcripts == nil {
		return nil, errors.New("transcript migrator is required")
	}
	if cfg.Tenants == nil {
		return nil, errors.New("tenant config cache is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("embedding provider factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Coordinator{
		chunks:      cfg.Chunks,
		transcripts: cfg.Transcripts,
		jobs:        cfg.Jobs,
		tenants:     cfg.Tenants,
		factory:     cfg.Factory,
		logger:      cfg.Logger.Named("migration"),
		batchSize:   cfg.BatchSize,
		maxRetries:  cfg.MaxRetries,
		active:      make(map[string]context.CancelFunc),
		byJob:       make(map[string]string),
	}, nil
}

// Create starts a migration of tenantID's corpus to target. It acquires
// the per-tenant migration lock; a second request while one is live
// returns ErrMigrationInProgress. The returned job is already Pending and
// processing begins immediately in the background.
func (c *Coordinator) Create(ctx context.Context, tenantID string, target store.EmbeddingTarget) (store.MigrationJob, error) {
	if tenantID == "" {
		return store.MigrationJob{}, errors.New("tenant id is required")
	}
	if target.Provider == "" || target.Model == "" || target.Dimension <= 0 {
		return store.MigrationJob{}, fmt.Errorf("%w: provider, model and dimension are required", ErrInvalidTarget)
	}

	current, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return store.MigrationJob{}, err
	}

	chunkCount, err := c.chunks.CountChunks(ctx, tenantID)
	if err != nil {
		return store.MigrationJob{}, fmt.Errorf("counting corpus: %w", err)
	}
	transcriptCount, err := c.transcripts.CountTranscripts(ctx, tenantID)
	if err != nil {
		return store.MigrationJob{}, fmt.Errorf("counting transcripts: %w", err)
	}
	total := chunkCount + transcriptCount

	c.mu.Lock()
	if _, live := c.active[tenantID]; live {
		c.mu.Unlock()
		return store.MigrationJob{}, ErrMigrationInProgress
	}

	// A non-terminal job left by a crashed process is superseded: batch
	// commits make resumption idempotent, so the new job picks up where
	// the old one stopped.
	if stale, err := c.jobs.ActiveJobForTenant(ctx, tenantID); err == nil {
		stale.State = store.MigrationFailed
		stale.Error = "superseded by a new migration after interruption"
		stale.FinishedAt = time.Now()
		if uerr := c.jobs.UpdateJob(ctx, stale); uerr != nil {
			c.mu.Unlock()
			return store.MigrationJob{}, fmt.Errorf("superseding stale job: %w", uerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.mu.Unlock()
		return store.MigrationJob{}, fmt.Errorf("checking active jobs: %w", err)
	}

	job := store.MigrationJob{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		From:      current.Target,
		To:        target,
		Total:     total,
		State:     store.MigrationPending,
		CreatedAt: time.Now(),
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		c.mu.Unlock()
		return store.MigrationJob{}, fmt.Errorf("creating job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	c.active[tenantID] = cancel
	c.byJob[job.ID] = tenantID
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(tenantID)
		c.run(jobCtx, job)
	}()

	return job, nil
}

// Status returns the job's current state and progress.
func (c *Coordinator) Status(ctx context.Context, jobID string) (store.MigrationJob, error) {
	return c.jobs.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation of a live job. Cancelling a
// terminal job fails with ErrJobTerminal; partial progress is retained
// either way and the tenant's active configuration is untouched.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobTerminal
	}

	c.mu.Lock()
	tenantID, ok := c.byJob[jobID]
	var cancel context.CancelFunc
	if ok {
		cancel = c.active[tenantID]
	}
	c.mu.Unlock()

	if cancel == nil {
		// Not running in this process (crashed owner); mark it directly.
		job.State = store.MigrationCancelled
		job.FinishedAt = time.Now()
		return c.jobs.UpdateJob(ctx, job)
	}
	cancel()
	return nil
}

// Wait blocks until all background migrations finish. For shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels all live migrations and waits for them to stop at a
// batch boundary. Cancelled jobs retain their progress and are superseded
// on the next Create.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	for _, cancel := range c.active {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) release(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, tenantID)
	for id, t := range c.byJob {
		if t == tenantID {
			delete(c.byJob, id)
		}
	}
}

// run executes the migration loop for one job.
func (c *Coordinator) run(ctx context.Context, job store.MigrationJob) {
	lctx := logging.ContextWithTenant(context.Background(), job.TenantID)
	log := c.logger.With(zap.String("job_id", job.ID))

	job.State = store.MigrationInProgress
	job.StartedAt = time.Now()
	if err := c.jobs.UpdateJob(context.Background(), job); err != nil {
		log.Error(lctx, "failed to mark job in progress", zap.Error(err))
		return
	}

	provider, err := c.factory(job.To)
	if err != nil {
		c.fail(lctx, log, job, fmt.Errorf("creating target provider: %w", err))
		return
	}
	defer provider.Close()

	log.Info(lctx, "migration started",
		zap.String("from_model", job.From.Model), zap.Int("from_dim", job.From.Dimension),
		zap.String("to_model", job.To.Model), zap.Int("to_dim", job.To.Dimension),
		zap.Int("total", job.Total))

	// Chunks first, then transcripts, each in independently committed
	// batches. Rows already matching the target are never returned, which
	// is what makes resumption idempotent.
	done, err := c.migrateChunks(ctx, provider, &job)
	if err == nil && done {
		done, err = c.migrateTranscripts(ctx, provider, &job)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.cancelled(lctx, log, job)
			return
		}
		c.fail(lctx, log, job, err)
		return
	}
	if !done {
		c.cancelled(lctx, log, job)
		return
	}

	// The corpus is fully converted; only now is the tenant's active
	// configuration switched, atomically, and the ANN index rebuilt.
	// Finalization runs on a background context so a cancel that races
	// the last batch cannot leave the config half-switched.
	fctx := context.Background()
	if err := c.tenants.Swap(fctx, job.TenantID, job.To); err != nil {
		c.fail(lctx, log, job, fmt.Errorf("switching tenant config: %w", err))
		return
	}
	if err := c.chunks.RebuildIndex(fctx, job.TenantID, job.To.Dimension); err != nil {
		// The config is already switched and correct; an index rebuild
		// failure degrades performance, not correctness.
		log.Warn(lctx, "index rebuild failed after migration", zap.Error(err))
	}

	job.State = store.MigrationCompleted
	job.FinishedAt = time.Now()
	if err := c.jobs.UpdateJob(fctx, job); err != nil {
		log.Error(lctx, "failed to mark job completed", zap.Error(err))
		return
	}
	log.Info(lctx, "migration completed", zap.Int("processed", job.Processed))
}

// migrateChunks walks the tenant's chunks in batches until none need
// migration. Returns done=false with a nil error when the context was
// cancelled between batches.
func (c *Coordinator) migrateChunks(ctx context.Context, provider embeddings.Provider, job *store.MigrationJob) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		batch, err := c.chunks.ChunksNeedingMigration(ctx, job.TenantID, job.To, c.batchSize)
		if err != nil {
			return false, fmt.Errorf("loading batch: %w", err)
		}
		if len(batch) == 0 {
			return true, nil
		}

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Content
		}
		vectors, err := c.embedTexts(ctx, provider, texts)
		if err != nil {
			return false, err
		}

		for i := range batch {
			batch[i].Embedding = vectors[i]
			batch[i].Dim = job.To.Dimension
			batch[i].Provider = job.To.Provider
			batch[i].Model = job.To.Model
		}

		// Each batch commits independently: the resumable checkpoint. A
		// cancel racing the commit is a cancellation, not a failure.
		if err := c.chunks.UpdateChunkEmbeddings(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return false, err
			}
			return false, fmt.Errorf("committing batch: %w", err)
		}

		c.advance(ctx, job, len(batch))
	}
}

// migrateTranscripts is the transcript phase of a migration; without it a
// completed migration would leave old-dimension transcripts invisible to
// recall. Transcript vectors embed the user message, matching the write
// path.
func (c *Coordinator) migrateTranscripts(ctx context.Context, provider embeddings.Provider, job *store.MigrationJob) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		batch, err := c.transcripts.TranscriptsNeedingMigration(ctx, job.TenantID, job.To, c.batchSize)
		if err != nil {
			return false, fmt.Errorf("loading transcript batch: %w", err)
		}
		if len(batch) == 0 {
			return true, nil
		}

		texts := make([]string, len(batch))
		for i, t := range batch {
			texts[i] = t.UserText
		}
		vectors, err := c.embedTexts(ctx, provider, texts)
		if err != nil {
			return false, err
		}

		for i := range batch {
			batch[i].Embedding = vectors[i]
			batch[i].Dim = job.To.Dimension
			batch[i].Provider = job.To.Provider
			batch[i].Model = job.To.Model
		}

		if err := c.transcripts.UpdateTranscriptEmbeddings(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return false, err
			}
			return false, fmt.Errorf("committing transcript batch: %w", err)
		}

		c.advance(ctx, job, len(batch))
	}
}

// advance records batch progress; a progress write failure is not fatal.
func (c *Coordinator) advance(ctx context.Context, job *store.MigrationJob, n int) {
	job.Processed += n
	if err := c.jobs.UpdateJob(context.Background(), *job); err != nil {
		c.logger.Warn(ctx, "failed to update job progress", zap.Error(err))
	}
}

// embedTexts embeds one batch with bounded retries and linear backoff.
func (c *Coordinator) embedTexts(ctx context.Context, provider embeddings.Provider, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		vectors, err := provider.EmbedDocuments(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("embedding batch after %d attempts: %w", c.maxRetries, lastErr)
}

// fail halts the job with its partial progress retained. The tenant's
// active configuration is not switched; live queries continue against the
// old configuration.
func (c *Coordinator) fail(ctx context.Context, log *logging.Logger, job store.MigrationJob, cause error) {
	job.State = store.MigrationFailed
	job.Error = cause.Error()
	job.FinishedAt = time.Now()
	if err := c.jobs.UpdateJob(context.Background(), job); err != nil {
		log.Error(ctx, "failed to mark job failed", zap.Error(err))
	}
	log.Error(ctx, "migration failed", zap.Error(cause), zap.Int("processed", job.Processed))
}

// cancelled halts the job with the same retained-progress semantics as
// fail, but records no error.
func (c *Coordinator) cancelled(ctx context.Context, log *logging.Logger, job store.MigrationJob) {
	job.State = store.MigrationCancelled
	job.FinishedAt = time.Now()
	if err := c.jobs.UpdateJob(context.Background(), job); err != nil {
		log.Error(ctx, "failed to mark job cancelled", zap.Error(err))
	}
	log.Info(ctx, "migration cancelled", zap.Int("processed", job.Processed))
}
