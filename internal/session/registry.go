// Package session keeps the in-process catalog of live agent executions,
// keyed by both server-assigned and agent-assigned session ids.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// Session states
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state ends the session.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Session is one live (or recently terminal) agent execution. The cancel
// function is shared with the executor: the registry resolves it on
// abort, the executor on self-termination.
type Session struct {
	ServerID    string
	AgentID     string
	UserID      string
	AgentType   string
	ContainerID string
	State       State
	CreatedAt   time.Time
	EndedAt     time.Time

	cancel context.CancelFunc
}

// Registry indexes sessions by server id and by agent id. A single mutex
// protects both maps; every operation is O(1).
type Registry struct {
	mu         sync.RWMutex
	byServerID map[string]*Session
	byAgentID  map[string]*Session
	logger     *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byServerID: make(map[string]*Session),
		byAgentID:  make(map[string]*Session),
		logger:     log,
	}
}

// Register creates a pending session for a user and returns it. The
// returned context is cancelled when the session is aborted.
func (r *Registry) Register(ctx context.Context, userID, agentType string) (*Session, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	sess := &Session{
		ServerID:  "s-" + uuid.New().String(),
		UserID:    userID,
		AgentType: agentType,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	r.mu.Lock()
	r.byServerID[sess.ServerID] = sess
	r.mu.Unlock()

	r.logger.Debug("Session registered",
		zap.String("server_id", sess.ServerID),
		zap.String("user_id", userID),
		zap.String("agent", agentType))

	return sess, runCtx
}

// Activate transitions a pending session to active and records its
// container.
func (r *Registry) Activate(serverID, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byServerID[serverID]
	if !ok {
		return apperrors.NotFound("session", serverID)
	}
	if sess.State.IsTerminal() {
		return apperrors.InvalidArgument("session already terminal")
	}
	sess.State = StateActive
	sess.ContainerID = containerID
	return nil
}

// BindAgentID installs the agent-assigned id as a secondary key. The
// server id stays valid until the session is swept, so messages addressed
// by either id keep routing. Idempotent for the same id.
func (r *Registry) BindAgentID(serverID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byServerID[serverID]
	if !ok {
		return apperrors.NotFound("session", serverID)
	}
	if sess.AgentID == agentID {
		return nil
	}
	if sess.AgentID != "" {
		delete(r.byAgentID, sess.AgentID)
	}
	sess.AgentID = agentID
	r.byAgentID[agentID] = sess

	r.logger.Debug("Session rebound",
		zap.String("server_id", serverID),
		zap.String("agent_id", agentID))
	return nil
}

// Get looks up a session by server id or agent id.
func (r *Registry) Get(anyID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sess, ok := r.byServerID[anyID]; ok {
		return sess, nil
	}
	if sess, ok := r.byAgentID[anyID]; ok {
		return sess, nil
	}
	return nil, apperrors.NotFound("session", anyID)
}

// ListForUser returns all sessions (including lingering terminal ones)
// belonging to a user.
func (r *Registry) ListForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, sess := range r.byServerID {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// HasLiveSessions reports whether the user has any non-terminal session.
// The gateway consults this before forwarding disruptive list refreshes.
func (r *Registry) HasLiveSessions(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.byServerID {
		if sess.UserID == userID && !sess.State.IsTerminal() {
			return true
		}
	}
	return false
}

// Abort resolves the session's cancellation handle. The executor observes
// the cancelled context, terminates the in-container process, and marks
// the session terminal; Abort itself does not change state.
func (r *Registry) Abort(anyID string) error {
	sess, err := r.Get(anyID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	terminal := sess.State.IsTerminal()
	cancel := sess.cancel
	r.mu.RUnlock()

	if terminal {
		return apperrors.InvalidArgument("session already terminal")
	}

	r.logger.Info("Session abort requested",
		zap.String("server_id", sess.ServerID),
		zap.String("user_id", sess.UserID))

	if cancel != nil {
		cancel()
	}
	return nil
}

// MarkTerminal moves a session into a terminal state. Idempotent: once
// terminal, later calls are ignored so exactly one transition wins.
func (r *Registry) MarkTerminal(anyID string, state State) error {
	if !state.IsTerminal() {
		return apperrors.InvalidArgument("state is not terminal")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byServerID[anyID]
	if !ok {
		sess, ok = r.byAgentID[anyID]
	}
	if !ok {
		return apperrors.NotFound("session", anyID)
	}
	if sess.State.IsTerminal() {
		return nil
	}

	sess.State = state
	sess.EndedAt = time.Now().UTC()
	if sess.cancel != nil {
		sess.cancel()
	}

	r.logger.Debug("Session terminal",
		zap.String("server_id", sess.ServerID),
		zap.String("state", string(state)))
	return nil
}

// SweepTerminal removes terminal sessions that ended before the cutoff.
// Returns the number of sessions removed.
func (r *Registry) SweepTerminal(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, sess := range r.byServerID {
		if !sess.State.IsTerminal() || sess.EndedAt.After(olderThan) {
			continue
		}
		delete(r.byServerID, id)
		if sess.AgentID != "" {
			delete(r.byAgentID, sess.AgentID)
		}
		removed++
	}

	if removed > 0 {
		r.logger.Debug("Swept terminal sessions", zap.Int("count", removed))
	}
	return removed
}

// Snapshot returns a copy of the session's externally visible fields.
// Callers must not retain the *Session across registry mutations.
func (s *Session) Snapshot() SessionInfo {
	return SessionInfo{
		ServerID:    s.ServerID,
		AgentID:     s.AgentID,
		UserID:      s.UserID,
		AgentType:   s.AgentType,
		ContainerID: s.ContainerID,
		State:       s.State,
		CreatedAt:   s.CreatedAt,
		EndedAt:     s.EndedAt,
	}
}

// SessionInfo is the read-only view handed to the gateway.
type SessionInfo struct {
	ServerID    string    `json:"server_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	UserID      string    `json:"user_id"`
	AgentType   string    `json:"agent_type"`
	ContainerID string    `json:"container_id,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}
