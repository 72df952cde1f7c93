package scope

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForDocuments(t *testing.T) {
	tests := []struct {
		name      string
		tenantID  string
		agentSlug string
		wantErr   bool
	}{
		{name: "valid", tenantID: "acme", agentSlug: "support-bot"},
		{name: "valid with dots and underscores", tenantID: "acme.prod", agentSlug: "bot_v2"},
		{name: "empty tenant", tenantID: "", agentSlug: "support-bot", wantErr: true},
		{name: "empty agent", tenantID: "acme", agentSlug: "", wantErr: true},
		{name: "tenant with spaces", tenantID: "acme corp", agentSlug: "bot", wantErr: true},
		{name: "sql metacharacters", tenantID: "acme'; DROP TABLE", agentSlug: "bot", wantErr: true},
		{name: "leading hyphen", tenantID: "-acme", agentSlug: "bot", wantErr: true},
		{name: "overlong tenant", tenantID: strings.Repeat("a", 129), agentSlug: "bot", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := ForDocuments(tt.tenantID, tt.agentSlug)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIsolationViolation)
				assert.True(t, sc.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tenantID, sc.TenantID())
			assert.Equal(t, tt.agentSlug, sc.AgentSlug())
			assert.False(t, sc.HasUser())
			assert.NoError(t, sc.RequireDocuments())
			assert.ErrorIs(t, sc.RequireConversation(), ErrIsolationViolation)
		})
	}
}

func TestForConversation(t *testing.T) {
	sc, err := ForConversation("acme", "support-bot", "user-7")
	require.NoError(t, err)
	assert.True(t, sc.HasUser())
	assert.Equal(t, "user-7", sc.UserID())
	assert.NoError(t, sc.RequireConversation())

	_, err = ForConversation("acme", "support-bot", "")
	assert.ErrorIs(t, err, ErrIsolationViolation)

	_, err = ForConversation("", "support-bot", "user-7")
	assert.ErrorIs(t, err, ErrIsolationViolation)
}

func TestZeroScopeFailsClosed(t *testing.T) {
	var sc Scope
	assert.True(t, sc.IsZero())
	assert.ErrorIs(t, sc.RequireDocuments(), ErrIsolationViolation)
	assert.ErrorIs(t, sc.RequireConversation(), ErrIsolationViolation)
}

func TestFilter(t *testing.T) {
	sc, err := ForConversation("acme", "support-bot", "user-7")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"tenant_id":  "acme",
		"agent_slug": "support-bot",
		"user_id":    "user-7",
	}, sc.Filter())

	docSc, err := ForDocuments("acme", "support-bot")
	require.NoError(t, err)
	f := docSc.Filter()
	assert.NotContains(t, f, "user_id")
	assert.Equal(t, "acme", f["tenant_id"])
}

func TestContextRoundTrip(t *testing.T) {
	sc, err := ForDocuments("acme", "support-bot")
	require.NoError(t, err)

	ctx := ContextWithScope(context.Background(), sc)
	got, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, sc, got)

	// Absent and zero scopes both fail closed.
	_, err = FromContext(context.Background())
	assert.ErrorIs(t, err, ErrIsolationViolation)

	_, err = FromContext(ContextWithScope(context.Background(), Scope{}))
	assert.ErrorIs(t, err, ErrIsolationViolation)
}
