package agent

import (
	"context"
	"encoding/json"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// Supported agent CLIs. The set is closed: adding an agent means adding
// an adapter, not configuration.
const (
	AgentClaude = "claude"
	AgentCursor = "cursor"
	AgentCodex  = "codex"
)

// Options carries the per-run knobs forwarded to the agent CLI.
type Options struct {
	Model           string            `json:"model,omitempty"`
	PermissionMode  string            `json:"permission_mode,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	DisallowedTools []string          `json:"disallowed_tools,omitempty"`
	MCPConfig       string            `json:"mcp_config,omitempty"` // JSON document for agents that accept one
	Resume          string            `json:"resume,omitempty"`     // prior agent session id to continue
	Images          []ImageAttachment `json:"images,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// ImageAttachment is an image staged into the container before the run.
type ImageAttachment struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// ParsedLine is one normalized line of agent output. The meta field
// retains the agent-specific decoded form for the Extract helpers.
type ParsedLine struct {
	Kind    string
	Payload json.RawMessage

	meta any
}

// Adapter translates between one agent CLI's conventions and the
// normalized execution stream.
type Adapter interface {
	// Name returns the agent identifier ("claude", "cursor", "codex").
	Name() string
	// Binary returns the executable name, used for in-container signalling.
	Binary() string
	// BuildArgv composes the CLI invocation for a command.
	BuildArgv(command string, opts Options) []string
	// ParseLine decodes one stdout line. The second return is false for
	// lines that produce no message.
	ParseLine(line []byte) (*ParsedLine, bool)
	// ExtractSessionID returns the agent-assigned session id when the
	// line carries one, empty otherwise.
	ExtractSessionID(pl *ParsedLine) string
	// ExtractTokenUsage returns normalized token usage when the line
	// carries any, nil otherwise.
	ExtractTokenUsage(pl *ParsedLine) *TokenUsage
}

// SessionRecoverer is implemented by adapters whose CLI reveals its
// session id only out of band, after the process exits.
type SessionRecoverer interface {
	RecoverSessionID(ctx context.Context, runner Runner, containerID string) (string, error)
}

// ForAgent returns the adapter for an agent type.
func ForAgent(agentType string) (Adapter, error) {
	switch agentType {
	case AgentClaude:
		return &claudeAdapter{}, nil
	case AgentCursor:
		return &cursorAdapter{}, nil
	case AgentCodex:
		return &codexAdapter{}, nil
	default:
		return nil, apperrors.InvalidArgument("unknown agent type: " + agentType)
	}
}
