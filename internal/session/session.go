// Package session tracks per-(tenant, agent, user) conversation state.
//
// Sessions are ephemeral: they exist to group turns while a conversation
// is live and are discarded when it goes idle. The durable record of a
// conversation is its ConversationTranscript rows, persisted through the
// transcript store one completed turn at a time.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSession indicates no open session exists for the key.
	ErrNoSession = errors.New("no open session")

	// ErrIncompleteTurn indicates an attempt to persist a turn without
	// both the user message and the assistant reply. Partial turns are
	// never stored as half-rows; the caller retries or surfaces the error.
	ErrIncompleteTurn = errors.New("incomplete turn: user message and assistant reply both required")
)

// Key identifies a conversation: one session per (tenant, agent, user).
type Key struct {
	TenantID  string
	AgentSlug string
	UserID    string
}

// State enumerates the session lifecycle.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateClosed   State = "closed"
)

// Session is the ephemeral per-conversation state.
type Session struct {
	ID           string    `json:"id"`
	Key          Key       `json:"key"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Turns        int       `json:"turns"`
}

// Store holds live session state. The memory backend is the default; the
// redis backend shares state across replicas and lets redis TTLs do the
// expiry.
type Store interface {
	// Get returns the open session for key, or ErrNoSession.
	Get(ctx context.Context, key Key) (*Session, error)

	// Put stores or refreshes a session with the given time-to-live.
	Put(ctx context.Context, s *Session, ttl time.Duration) error

	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, key Key) error

	// Sweep closes sessions idle longer than window and returns how many
	// it closed. Backends with native expiry (redis) return 0.
	Sweep(ctx context.Context, window time.Duration) (int, error)
}
