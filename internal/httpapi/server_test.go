package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/migration"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/store"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

func testContext(headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestScopeFromHeaders(t *testing.T) {
	t.Run("document scope without user", func(t *testing.T) {
		c, _ := testContext(map[string]string{
			HeaderTenantID:  "acme",
			HeaderAgentSlug: "support-bot",
		})
		sc, err := scopeFromHeaders(c)
		require.NoError(t, err)
		assert.Equal(t, "acme", sc.TenantID())
		assert.Equal(t, "support-bot", sc.AgentSlug())
		assert.False(t, sc.HasUser())
	})

	t.Run("conversation scope with user", func(t *testing.T) {
		c, _ := testContext(map[string]string{
			HeaderTenantID:  "acme",
			HeaderAgentSlug: "support-bot",
			HeaderUserID:    "user-7",
		})
		sc, err := scopeFromHeaders(c)
		require.NoError(t, err)
		assert.Equal(t, "user-7", sc.UserID())
	})

	t.Run("missing tenant is an isolation violation", func(t *testing.T) {
		c, _ := testContext(map[string]string{HeaderAgentSlug: "support-bot"})
		_, err := scopeFromHeaders(c)
		assert.ErrorIs(t, err, scope.ErrIsolationViolation)
	})
}

func TestHTTPErrorMapping(t *testing.T) {
	s := &Server{logger: logging.NewNop()}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"isolation violation", scope.ErrIsolationViolation, http.StatusForbidden},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"migration in progress", migration.ErrMigrationInProgress, http.StatusConflict},
		{"terminal job", migration.ErrJobTerminal, http.StatusBadRequest},
		{"invalid target", migration.ErrInvalidTarget, http.StatusBadRequest},
		{"incomplete turn", session.ErrIncompleteTurn, http.StatusBadRequest},
		{"dimension mismatch", store.ErrDimensionMismatch, http.StatusBadRequest},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testContext(nil)
			err := s.httpError(c, tt.err)
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.status, he.Code)
		})
	}

	t.Run("wrapped errors map the same", func(t *testing.T) {
		c, _ := testContext(nil)
		wrapped := errors.Join(errors.New("search failed"), scope.ErrIsolationViolation)
		var he *echo.HTTPError
		require.ErrorAs(t, s.httpError(c, wrapped), &he)
		assert.Equal(t, http.StatusForbidden, he.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	s := &Server{logger: logging.NewNop()}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, s.handleHealth(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(config.ServerConfig{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestParseDeadline(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means server default", raw: "", want: 0},
		{name: "millis", raw: "500ms", want: 500 * time.Millisecond},
		{name: "seconds", raw: "2s", want: 2 * time.Second},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "negative", raw: "-1s", wantErr: true},
		{name: "zero", raw: "0s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDeadline(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// stubBackend satisfies the coordinator's store interfaces with a bare
// job map; migration handlers only read and transition jobs.
type stubBackend struct {
	mu   sync.Mutex
	jobs map[string]store.MigrationJob
}

func (b *stubBackend) UpsertDocument(context.Context, store.Document) error      { return nil }
func (b *stubBackend) UpsertChunks(context.Context, []store.DocumentChunk) error { return nil }
func (b *stubBackend) AssignAgent(context.Context, store.AgentDocumentAssignment) error {
	return nil
}
func (b *stubBackend) SearchChunks(context.Context, scope.Scope, store.SearchParams) ([]store.Candidate, error) {
	return nil, nil
}
func (b *stubBackend) CountChunks(context.Context, string) (int, error) { return 0, nil }
func (b *stubBackend) ChunksNeedingMigration(context.Context, string, store.EmbeddingTarget, int) ([]store.DocumentChunk, error) {
	return nil, nil
}
func (b *stubBackend) UpdateChunkEmbeddings(context.Context, []store.DocumentChunk) error {
	return nil
}
func (b *stubBackend) RebuildIndex(context.Context, string, int) error       { return nil }
func (b *stubBackend) CountTranscripts(context.Context, string) (int, error) { return 0, nil }
func (b *stubBackend) TranscriptsNeedingMigration(context.Context, string, store.EmbeddingTarget, int) ([]store.ConversationTranscript, error) {
	return nil, nil
}
func (b *stubBackend) UpdateTranscriptEmbeddings(context.Context, []store.ConversationTranscript) error {
	return nil
}

func (b *stubBackend) CreateJob(_ context.Context, job store.MigrationJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.ID] = job
	return nil
}

func (b *stubBackend) UpdateJob(_ context.Context, job store.MigrationJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	b.jobs[job.ID] = job
	return nil
}

func (b *stubBackend) GetJob(_ context.Context, id string) (store.MigrationJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return store.MigrationJob{}, store.ErrNotFound
	}
	return job, nil
}

func (b *stubBackend) ActiveJobForTenant(context.Context, string) (store.MigrationJob, error) {
	return store.MigrationJob{}, store.ErrNotFound
}

func migrationTestServer(t *testing.T, jobs ...store.MigrationJob) (*Server, *stubBackend) {
	t.Helper()
	backend := &stubBackend{jobs: make(map[string]store.MigrationJob)}
	for _, job := range jobs {
		backend.jobs[job.ID] = job
	}
	tenants := tenant.NewCache(tenant.NewMemoryConfigStore(),
		store.EmbeddingTarget{Provider: "local", Model: "fake", Dimension: 4})
	migrator, err := migration.NewCoordinator(migration.Config{
		Chunks:      backend,
		Transcripts: backend,
		Jobs:        backend,
		Tenants:     tenants,
		Factory: func(store.EmbeddingTarget) (embeddings.Provider, error) {
			return nil, errors.New("not used")
		},
	})
	require.NoError(t, err)
	return &Server{migrator: migrator, logger: logging.NewNop()}, backend
}

func migrationContext(method, tenantID, jobID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/api/v1/migrations/"+jobID, nil)
	req.Header.Set(HeaderTenantID, tenantID)
	req.Header.Set(HeaderAgentSlug, "support-bot")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(jobID)
	return c, rec
}

func TestMigrationHandlersScopeJobsToTenant(t *testing.T) {
	job := store.MigrationJob{ID: "job-1", TenantID: "acme", State: store.MigrationInProgress}
	s, backend := migrationTestServer(t, job)

	t.Run("status for another tenant reads as not found", func(t *testing.T) {
		c, _ := migrationContext(http.MethodGet, "globex", "job-1")
		err := s.handleMigrationStatus(c)
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusNotFound, he.Code)
	})

	t.Run("status for the owning tenant succeeds", func(t *testing.T) {
		c, rec := migrationContext(http.MethodGet, "acme", "job-1")
		require.NoError(t, s.handleMigrationStatus(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var body MigrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "acme", body.TenantID)
	})

	t.Run("cancel for another tenant reads as not found", func(t *testing.T) {
		c, _ := migrationContext(http.MethodDelete, "globex", "job-1")
		err := s.handleCancelMigration(c)
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusNotFound, he.Code)

		// The job was not touched.
		got, err2 := backend.GetJob(context.Background(), "job-1")
		require.NoError(t, err2)
		assert.Equal(t, store.MigrationInProgress, got.State)
	})

	t.Run("cancel for the owning tenant succeeds", func(t *testing.T) {
		c, rec := migrationContext(http.MethodDelete, "acme", "job-1")
		require.NoError(t, s.handleCancelMigration(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		got, err := backend.GetJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, store.MigrationCancelled, got.State)
	})
}
