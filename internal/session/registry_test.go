package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t)

	sess, runCtx := r.Register(context.Background(), "42", "claude")
	require.NotEmpty(t, sess.ServerID)
	assert.Equal(t, StatePending, sess.State)
	assert.NoError(t, runCtx.Err())

	got, err := r.Get(sess.ServerID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = r.Get("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBindAgentIDRoutesBothKeys(t *testing.T) {
	r := testRegistry(t)
	sess, _ := r.Register(context.Background(), "42", "claude")

	require.NoError(t, r.Activate(sess.ServerID, "c-1"))
	require.NoError(t, r.BindAgentID(sess.ServerID, "ag-abc"))

	byAgent, err := r.Get("ag-abc")
	require.NoError(t, err)
	assert.Same(t, sess, byAgent)

	// The server id keeps routing after the rebind
	byServer, err := r.Get(sess.ServerID)
	require.NoError(t, err)
	assert.Same(t, sess, byServer)

	// Rebinding the same id is a no-op
	require.NoError(t, r.BindAgentID(sess.ServerID, "ag-abc"))
}

func TestAbortCancelsRunContext(t *testing.T) {
	r := testRegistry(t)
	sess, runCtx := r.Register(context.Background(), "42", "codex")
	require.NoError(t, r.Activate(sess.ServerID, "c-1"))

	require.NoError(t, r.Abort(sess.ServerID))

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled by abort")
	}

	// Abort does not change state; the executor does that on observing
	// the cancelled context.
	assert.Equal(t, StateActive, sess.State)
}

func TestMarkTerminalIdempotent(t *testing.T) {
	r := testRegistry(t)
	sess, _ := r.Register(context.Background(), "42", "claude")
	require.NoError(t, r.Activate(sess.ServerID, "c-1"))
	require.NoError(t, r.BindAgentID(sess.ServerID, "ag-1"))

	require.NoError(t, r.MarkTerminal("ag-1", StateCompleted))
	assert.Equal(t, StateCompleted, sess.State)
	assert.False(t, sess.EndedAt.IsZero())

	// A later failed transition loses
	require.NoError(t, r.MarkTerminal(sess.ServerID, StateFailed))
	assert.Equal(t, StateCompleted, sess.State)

	assert.Error(t, r.MarkTerminal(sess.ServerID, StateActive))
	assert.Error(t, r.Abort(sess.ServerID))
}

func TestListForUserAndLiveness(t *testing.T) {
	r := testRegistry(t)
	a, _ := r.Register(context.Background(), "42", "claude")
	b, _ := r.Register(context.Background(), "42", "codex")
	r.Register(context.Background(), "7", "claude")

	assert.Len(t, r.ListForUser("42"), 2)
	assert.True(t, r.HasLiveSessions("42"))

	require.NoError(t, r.MarkTerminal(a.ServerID, StateCompleted))
	require.NoError(t, r.MarkTerminal(b.ServerID, StateAborted))

	// Terminal sessions linger in the listing until swept
	assert.Len(t, r.ListForUser("42"), 2)
	assert.False(t, r.HasLiveSessions("42"))
}

func TestSweepTerminal(t *testing.T) {
	r := testRegistry(t)
	old, _ := r.Register(context.Background(), "42", "claude")
	live, _ := r.Register(context.Background(), "42", "claude")
	require.NoError(t, r.BindAgentID(old.ServerID, "ag-old"))
	require.NoError(t, r.MarkTerminal(old.ServerID, StateCompleted))
	old.EndedAt = time.Now().UTC().Add(-time.Hour)

	removed := r.SweepTerminal(time.Now().UTC().Add(-30 * time.Minute))
	assert.Equal(t, 1, removed)

	_, err := r.Get(old.ServerID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = r.Get("ag-old")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = r.Get(live.ServerID)
	assert.NoError(t, err)
}
