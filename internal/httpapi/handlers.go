package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	// Vector is a pre-computed query embedding. When empty, Query is
	// embedded with the tenant's active configuration.
	Vector    []float32 `json:"vector,omitempty"`
	Query     string    `json:"query,omitempty"`
	Threshold *float32  `json:"threshold,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	// Deadline is the total budget for both search branches, as a
	// duration string ("500ms", "2s"). Empty means the server default.
	Deadline string `json:"deadline,omitempty"`
}

// parseDeadline parses an optional request deadline. Empty means "use the
// server default" and parses to zero.
func parseDeadline(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid deadline %q", raw)
	}
	return d, nil
}

func (s *Server) handleSearch(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	deadline, err := parseDeadline(req.Deadline)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	vector := req.Vector
	if len(vector) == 0 {
		if req.Query == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "vector or query is required")
		}
		vector, _, err = s.engine.EmbedForTenant(ctx, sc.TenantID(), req.Query)
		if err != nil {
			return s.httpError(c, err)
		}
	}

	resp, err := s.engine.Search(ctx, sc, vector, search.Options{
		Threshold: req.Threshold,
		Limit:     req.Limit,
		Deadline:  deadline,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RetrieveRequest is the request body for POST /api/v1/retrieve.
type RetrieveRequest struct {
	Query         string   `json:"query"`
	Threshold     *float32 `json:"threshold,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Deadline      string   `json:"deadline,omitempty"`
	TokenBudget   int      `json:"token_budget,omitempty"`
	DisableRerank bool     `json:"disable_rerank,omitempty"`
}

func (s *Server) handleRetrieve(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}

	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	deadline, err := parseDeadline(req.Deadline)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.engine.Retrieve(c.Request().Context(), sc, req.Query, search.Options{
		Threshold:     req.Threshold,
		Limit:         req.Limit,
		Deadline:      deadline,
		TokenBudget:   req.TokenBudget,
		DisableRerank: req.DisableRerank,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// IngestRequest is the request body for POST /api/v1/documents: one
// document with pre-split chunks. Chunk vectors are computed server-side
// with the tenant's active embedding configuration.
type IngestRequest struct {
	DocumentID string   `json:"document_id,omitempty"`
	Title      string   `json:"title"`
	Content    string   `json:"content,omitempty"`
	Chunks     []string `json:"chunks"`
}

// IngestResponse is the response body for POST /api/v1/documents.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
}

func (s *Server) handleIngest(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Chunks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chunks are required")
	}

	ctx := c.Request().Context()
	vectors, target, err := s.engine.EmbedBatchForTenant(ctx, sc.TenantID(), req.Chunks)
	if err != nil {
		return s.httpError(c, err)
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	now := time.Now()
	if err := s.chunks.UpsertDocument(ctx, store.Document{
		ID:        docID,
		TenantID:  sc.TenantID(),
		Title:     req.Title,
		Content:   req.Content,
		CreatedAt: now,
	}); err != nil {
		return s.httpError(c, err)
	}

	chunks := make([]store.DocumentChunk, len(req.Chunks))
	for i, text := range req.Chunks {
		chunks[i] = store.DocumentChunk{
			ID:         uuid.NewString(),
			TenantID:   sc.TenantID(),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    text,
			Embedding:  vectors[i],
			Dim:        target.Dimension,
			Provider:   target.Provider,
			Model:      target.Model,
			CreatedAt:  now,
		}
	}
	if err := s.chunks.UpsertChunks(ctx, chunks); err != nil {
		return s.httpError(c, err)
	}

	return c.JSON(http.StatusCreated, IngestResponse{
		DocumentID: docID,
		Chunks:     len(chunks),
		Model:      target.Model,
		Dimension:  target.Dimension,
	})
}

// AssignRequest is the request body for POST /api/v1/assignments.
type AssignRequest struct {
	DocumentID string `json:"document_id"`
	Enabled    *bool  `json:"enabled,omitempty"`
	AccessType string `json:"access_type,omitempty"`
}

func (s *Server) handleAssign(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}

	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DocumentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	accessType := store.AccessType(req.AccessType)
	if accessType == "" {
		accessType = store.AccessRead
	}

	if err := s.chunks.AssignAgent(c.Request().Context(), store.AgentDocumentAssignment{
		TenantID:   sc.TenantID(),
		AgentSlug:  sc.AgentSlug(),
		DocumentID: req.DocumentID,
		Enabled:    enabled,
		AccessType: accessType,
		CreatedAt:  time.Now(),
	}); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TurnRequest is the request body for POST /api/v1/turns: one completed
// user/assistant exchange. Both sides are required.
type TurnRequest struct {
	UserText  string `json:"user_text"`
	ReplyText string `json:"reply_text"`
}

// TurnResponse is the response body for POST /api/v1/turns.
type TurnResponse struct {
	SessionID string `json:"session_id"`
	Turns     int    `json:"turns"`
}

func (s *Server) handleTurn(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}
	if err := sc.RequireConversation(); err != nil {
		return s.httpError(c, err)
	}

	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserText == "" || req.ReplyText == "" {
		return s.httpError(c, session.ErrIncompleteTurn)
	}

	ctx := c.Request().Context()
	vector, target, err := s.engine.EmbedForTenant(ctx, sc.TenantID(), req.UserText)
	if err != nil {
		return s.httpError(c, err)
	}

	sess, err := s.sessions.RecordTurn(ctx, sc, session.Turn{
		UserText:  req.UserText,
		ReplyText: req.ReplyText,
		Embedding: vector,
		Provider:  target.Provider,
		Model:     target.Model,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, TurnResponse{SessionID: sess.ID, Turns: sess.Turns})
}

func (s *Server) handleEndSession(c echo.Context) error {
	sc, err := scopeFromHeaders(c)
	if err != nil {
		return s.httpError(c, err)
	}
	if err := s.sessions.End(c.Request().Context(), sc); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
