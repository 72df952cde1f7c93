package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/scope"
	"github.com/fyrsmithlabs/ragd/internal/store"
)

// Turn is one completed user/assistant exchange ready to persist.
type Turn struct {
	UserText  string
	ReplyText string
	// Embedding is the vector of the user message, with the configuration
	// that produced it, for future conversation recall.
	Embedding []float32
	Provider  string
	Model     string
}

// Manager implements the session state machine:
//
//	Inactive -> Active  on first message for a key with no open session
//	Active   -> Active  on each message inside the inactivity window
//	Active   -> Closed  by sweep after the window, or by explicit End
//
// Closing discards the session object; persisted transcripts remain.
type Manager struct {
	sessions    Store
	transcripts store.TranscriptStore
	window      time.Duration
	logger      *logging.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a session manager. window is the inactivity window
// after which idle sessions close (default 60s).
func NewManager(sessions Store, transcripts store.TranscriptStore, window time.Duration, logger *logging.Logger) *Manager {
	if window <= 0 {
		window = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		sessions:    sessions,
		transcripts: transcripts,
		window:      window,
		logger:      logger.Named("session"),
	}
}

// Touch attaches the scope's conversation to its open session, creating
// one if none exists. Returns the session and whether it was created by
// this call.
func (m *Manager) Touch(ctx context.Context, sc scope.Scope) (*Session, bool, error) {
	if err := sc.RequireConversation(); err != nil {
		return nil, false, err
	}
	key := keyFromScope(sc)

	now := time.Now()
	s, err := m.sessions.Get(ctx, key)
	switch {
	case err == nil:
		s.LastActivity = now
		if err := m.sessions.Put(ctx, s, m.window); err != nil {
			return nil, false, fmt.Errorf("refreshing session: %w", err)
		}
		return s, false, nil
	case err == ErrNoSession:
		s = &Session{
			ID:           uuid.NewString(),
			Key:          key,
			StartedAt:    now,
			LastActivity: now,
		}
		if err := m.sessions.Put(ctx, s, m.window); err != nil {
			return nil, false, fmt.Errorf("creating session: %w", err)
		}
		m.logger.Debug(ctx, "session opened",
			zap.String("session_id", s.ID),
			zap.String("agent", key.AgentSlug))
		return s, true, nil
	default:
		return nil, false, fmt.Errorf("loading session: %w", err)
	}
}

// End closes the scope's session on an explicit end-of-session signal from
// the transport layer. Ending an absent session is not an error.
func (m *Manager) End(ctx context.Context, sc scope.Scope) error {
	if err := sc.RequireConversation(); err != nil {
		return err
	}
	key := keyFromScope(sc)
	if err := m.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	m.logger.Debug(ctx, "session closed", zap.String("agent", key.AgentSlug))
	return nil
}

// RecordTurn persists one completed turn as a ConversationTranscript row
// and refreshes the session. A turn missing either side fails with
// ErrIncompleteTurn — a crash between user message and reply must surface
// to the caller, never be stored as a half-row or silently completed.
func (m *Manager) RecordTurn(ctx context.Context, sc scope.Scope, turn Turn) (*Session, error) {
	if turn.UserText == "" || turn.ReplyText == "" {
		return nil, ErrIncompleteTurn
	}

	s, _, err := m.Touch(ctx, sc)
	if err != nil {
		return nil, err
	}

	t := store.ConversationTranscript{
		ID:        uuid.NewString(),
		TenantID:  sc.TenantID(),
		AgentSlug: sc.AgentSlug(),
		UserID:    sc.UserID(),
		SessionID: s.ID,
		UserText:  turn.UserText,
		ReplyText: turn.ReplyText,
		Embedding: turn.Embedding,
		Dim:       len(turn.Embedding),
		Provider:  turn.Provider,
		Model:     turn.Model,
		CreatedAt: time.Now(),
	}
	if err := m.transcripts.AppendTranscript(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting transcript: %w", err)
	}

	s.Turns++
	s.LastActivity = time.Now()
	if err := m.sessions.Put(ctx, s, m.window); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return s, nil
}

// StartSweeper launches the periodic sweep that closes idle sessions.
// Call StopSweeper on shutdown.
func (m *Manager) StartSweeper() {
	if m.sweepStop != nil {
		return
	}
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})

	interval := m.window / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				closed, err := m.sessions.Sweep(ctx, m.window)
				cancel()
				if err != nil {
					m.logger.Warn(context.Background(), "session sweep failed", zap.Error(err))
				} else if closed > 0 {
					m.logger.Debug(context.Background(), "session sweep", zap.Int("closed", closed))
				}
			case <-m.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper stops the periodic sweep and waits for it to exit.
func (m *Manager) StopSweeper() {
	if m.sweepStop == nil {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone
	m.sweepStop = nil
	m.sweepDone = nil
}

func keyFromScope(sc scope.Scope) Key {
	return Key{TenantID: sc.TenantID(), AgentSlug: sc.AgentSlug(), UserID: sc.UserID()}
}
