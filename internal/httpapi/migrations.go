package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/store"
)

// MigrationRequest is the request body for POST /api/v1/migrations.
type MigrationRequest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// MigrationResponse describes a migration job.
type MigrationResponse struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	From       targetBody `json:"from"`
	To         targetBody `json:"to"`
	State      string     `json:"state"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type targetBody struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

func migrationResponse(job store.MigrationJob) MigrationResponse {
	resp := MigrationResponse{
		ID:        job.ID,
		TenantID:  job.TenantID,
		From:      targetBody{job.From.Provider, job.From.Model, job.From.Dimension},
		To:        targetBody{job.To.Provider, job.To.Model, job.To.Dimension},
		State:     string(job.State),
		Total:     job.Total,
		Processed: job.Processed,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		resp.StartedAt = &t
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

func (s *Server) handleCreateMigration(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}

	var req MigrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	job, err := s.migrator.Create(c.Request().Context(), sc.TenantID(), store.EmbeddingTarget{
		Provider:  req.Provider,
		Model:     req.Model,
		Dimension: req.Dimension,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, migrationResponse(job))
}

// jobForScope loads a job and verifies it belongs to the request's
// tenant. A job owned by another tenant reads as not found rather than
// confirming the id exists.
func (s *Server) jobForScope(c echo.Context) (store.MigrationJob, error) {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return store.MigrationJob{}, err
	}
	id := c.Param("id")
	job, err := s.migrator.Status(c.Request().Context(), id)
	if err != nil {
		return store.MigrationJob{}, err
	}
	if job.TenantID != sc.TenantID() {
		return store.MigrationJob{}, fmt.Errorf("%w: migration job %s", store.ErrNotFound, id)
	}
	return job, nil
}

func (s *Server) handleMigrationStatus(c echo.Context) error {
	job, err := s.jobForScope(c)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, migrationResponse(job))
}

func (s *Server) handleCancelMigration(c echo.Context) error {
	job, err := s.jobForScope(c)
	if err != nil {
		return s.httpError(c, err)
	}
	if err := s.migrator.Cancel(c.Request().Context(), job.ID); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}
