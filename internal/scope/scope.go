// Package scope provides mandatory tenant/agent/user scoping for all
// retrieval queries.
//
// Every similarity query in ragd is constructed through a Scope. The type
// has unexported fields and no unscoped constructor: the only ways to
// obtain one are ForDocuments and ForConversation, both of which validate
// their identifiers. A query path that cannot produce a valid Scope cannot
// reach a store.
//
// Security: all failures are ErrIsolationViolation — fatal, non-retryable,
// never caught and widened into a broader search.
package scope

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrIsolationViolation indicates a query was attempted without complete
// tenant/agent/user scoping. Fail closed: callers must surface this error,
// never substitute a wider scope.
var ErrIsolationViolation = errors.New("isolation violation: incomplete query scope")

const maxIdentifierLen = 128

// identifierPattern allows alphanumeric, hyphen, underscore and dot.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Scope is an immutable, fully-populated query scope.
//
// Document scopes carry (tenant, agent); conversation scopes additionally
// carry the user. Agent slugs are matched by exact equality against the
// assignment relation — never substring, never coalesce-to-all.
type Scope struct {
	tenantID  string
	agentSlug string
	userID    string
}

// ForDocuments builds a scope for document-chunk queries.
// Both tenant id and agent slug are mandatory.
func ForDocuments(tenantID, agentSlug string) (Scope, error) {
	if err := validateIdentifier(tenantID, "tenant id"); err != nil {
		return Scope{}, err
	}
	if err := validateIdentifier(agentSlug, "agent slug"); err != nil {
		return Scope{}, err
	}
	return Scope{tenantID: tenantID, agentSlug: agentSlug}, nil
}

// ForConversation builds a scope for conversation-transcript queries.
// Tenant id, agent slug and user id are all mandatory.
func ForConversation(tenantID, agentSlug, userID string) (Scope, error) {
	sc, err := ForDocuments(tenantID, agentSlug)
	if err != nil {
		return Scope{}, err
	}
	if err := validateIdentifier(userID, "user id"); err != nil {
		return Scope{}, err
	}
	sc.userID = userID
	return sc, nil
}

func validateIdentifier(v, name string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is empty", ErrIsolationViolation, name)
	}
	if len(v) > maxIdentifierLen {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrIsolationViolation, name, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(v) {
		return fmt.Errorf("%w: %s contains invalid characters", ErrIsolationViolation, name)
	}
	return nil
}

// TenantID returns the tenant identifier.
func (s Scope) TenantID() string { return s.tenantID }

// AgentSlug returns the agent slug (exact-match key into the assignment relation).
func (s Scope) AgentSlug() string { return s.agentSlug }

// UserID returns the user identifier, or "" for document-only scopes.
func (s Scope) UserID() string { return s.userID }

// HasUser reports whether this scope carries a user id.
func (s Scope) HasUser() bool { return s.userID != "" }

// IsZero reports whether the scope was never constructed through a
// validating constructor.
func (s Scope) IsZero() bool { return s.tenantID == "" }

// RequireDocuments verifies the scope is usable for document queries.
func (s Scope) RequireDocuments() error {
	if s.tenantID == "" || s.agentSlug == "" {
		return fmt.Errorf("%w: document query requires tenant and agent", ErrIsolationViolation)
	}
	return nil
}

// RequireConversation verifies the scope is usable for transcript queries.
func (s Scope) RequireConversation() error {
	if err := s.RequireDocuments(); err != nil {
		return err
	}
	if s.userID == "" {
		return fmt.Errorf("%w: conversation query requires user id", ErrIsolationViolation)
	}
	return nil
}

// Filter renders the mandatory metadata filter for payload-filtering stores.
func (s Scope) Filter() map[string]string {
	f := map[string]string{
		"tenant_id":  s.tenantID,
		"agent_slug": s.agentSlug,
	}
	if s.userID != "" {
		f["user_id"] = s.userID
	}
	return f
}

type scopeCtxKey struct{}

// ContextWithScope attaches a scope to a context.
func ContextWithScope(ctx context.Context, sc Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, sc)
}

// FromContext extracts the scope from a context.
// Returns ErrIsolationViolation if absent or zero — fail closed.
func FromContext(ctx context.Context) (Scope, error) {
	sc, ok := ctx.Value(scopeCtxKey{}).(Scope)
	if !ok || sc.IsZero() {
		return Scope{}, fmt.Errorf("%w: scope missing from context", ErrIsolationViolation)
	}
	return sc, nil
}
