package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForAgentKnownTypes(t *testing.T) {
	for _, name := range []string{AgentClaude, AgentCursor, AgentCodex} {
		a, err := ForAgent(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}

	_, err := ForAgent("copilot")
	assert.Error(t, err)
}

func TestClaudeBuildArgv(t *testing.T) {
	a := &claudeAdapter{}

	argv := a.BuildArgv("fix the tests", Options{
		Model:           "claude-sonnet-4-5",
		PermissionMode:  "acceptEdits",
		AllowedTools:    []string{"Bash", "Edit"},
		DisallowedTools: []string{"WebSearch"},
		Resume:          "prev-session",
	})

	assert.Equal(t, []string{
		"claude", "-p", "fix the tests",
		"--output-format", "stream-json", "--verbose",
		"--model", "claude-sonnet-4-5",
		"--permission-mode", "acceptEdits",
		"--allowedTools", "Bash,Edit",
		"--disallowedTools", "WebSearch",
		"--resume", "prev-session",
	}, argv)
}

func TestClaudeParseLine(t *testing.T) {
	a := &claudeAdapter{}

	tests := []struct {
		name string
		line string
		kind string
	}{
		{"system init", `{"type":"system","subtype":"init","session_id":"sess-1"}`, KindSystem},
		{"assistant text", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`, KindAssistant},
		{"assistant tool use", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash"}]}}`, KindToolUse},
		{"tool result", `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1"}]}}`, KindToolResult},
		{"result", `{"type":"result","usage":{"input_tokens":10,"output_tokens":5}}`, KindTokenUsage},
		{"plain text", `not json at all`, KindStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl, ok := a.ParseLine([]byte(tt.line))
			require.True(t, ok)
			assert.Equal(t, tt.kind, pl.Kind)
		})
	}
}

func TestClaudeExtractSessionID(t *testing.T) {
	a := &claudeAdapter{}

	pl, ok := a.ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-1"}`))
	require.True(t, ok)
	assert.Equal(t, "sess-1", a.ExtractSessionID(pl))

	pl, ok = a.ParseLine([]byte(`{"type":"assistant","message":{"role":"assistant"}}`))
	require.True(t, ok)
	assert.Empty(t, a.ExtractSessionID(pl))
}

func TestClaudeExtractTokenUsage(t *testing.T) {
	a := &claudeAdapter{}

	line := `{"type":"result","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":30},` +
		`"model_usage":{"claude-sonnet-4-5":{"context_window":200000}}}`
	pl, ok := a.ParseLine([]byte(line))
	require.True(t, ok)

	usage := a.ExtractTokenUsage(pl)
	require.NotNil(t, usage)
	assert.Equal(t, int64(100), usage.InputTokens)
	assert.Equal(t, int64(50), usage.OutputTokens)
	assert.Equal(t, int64(30), usage.CachedTokens)
	assert.Equal(t, int64(180), usage.TotalTokens)
	assert.Equal(t, int64(200000), usage.ContextWindow)
}

func TestCodexBuildArgv(t *testing.T) {
	a := &codexAdapter{}

	argv := a.BuildArgv("add a test", Options{Model: "gpt-5-codex"})
	assert.Equal(t, []string{
		"codex", "exec", "--json", "--skip-git-repo-check",
		"--model", "gpt-5-codex",
		"add a test",
	}, argv)

	argv = a.BuildArgv("continue", Options{Resume: "sess-9"})
	assert.Equal(t, "resume", argv[2])
	assert.Equal(t, "sess-9", argv[3])
}

func TestCodexParseLine(t *testing.T) {
	a := &codexAdapter{}

	tests := []struct {
		name string
		line string
		kind string
		skip bool
	}{
		{"session meta", `{"type":"session_meta","payload":{"id":"sess-2"}}`, KindSystem, false},
		{"command started", `{"type":"item.started","item":{"id":"i1","item_type":"command_execution","command":"ls"}}`, KindToolUse, false},
		{"command completed", `{"type":"item.completed","item":{"id":"i1","item_type":"command_execution","exit_code":0}}`, KindToolResult, false},
		{"agent message", `{"type":"item.completed","item":{"id":"i2","item_type":"agent_message","text":"done"}}`, KindAssistant, false},
		{"reasoning", `{"type":"item.completed","item":{"id":"i3","item_type":"reasoning","text":"thinking"}}`, KindStatus, false},
		{"token count", `{"type":"token_count","info":{"total_token_usage":{"total_tokens":42}}}`, KindTokenUsage, false},
		{"turn failed", `{"type":"turn.failed","error":{"message":"boom"}}`, KindError, false},
		{"delta skipped", `{"type":"item.agent_message.delta","delta":"par"}`, "", true},
		{"turn completed skipped", `{"type":"turn.completed"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl, ok := a.ParseLine([]byte(tt.line))
			if tt.skip {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.kind, pl.Kind)
		})
	}
}

func TestCodexExtractTokenUsage(t *testing.T) {
	a := &codexAdapter{}

	line := `{"type":"token_count","info":{"total_token_usage":` +
		`{"input_tokens":200,"cached_input_tokens":80,"output_tokens":60,"total_tokens":340},"model_context_window":272000}}`
	pl, ok := a.ParseLine([]byte(line))
	require.True(t, ok)

	usage := a.ExtractTokenUsage(pl)
	require.NotNil(t, usage)
	assert.Equal(t, int64(200), usage.InputTokens)
	assert.Equal(t, int64(80), usage.CachedTokens)
	assert.Equal(t, int64(340), usage.TotalTokens)
	assert.Equal(t, int64(272000), usage.ContextWindow)
}

func TestCursorAdapter(t *testing.T) {
	a := &cursorAdapter{}

	argv := a.BuildArgv("refactor this", Options{Model: "composer"})
	assert.Equal(t, []string{"cursor-agent", "-p", "refactor this", "--output-format", "text", "--model", "composer"}, argv)

	pl, ok := a.ParseLine([]byte("working on it"))
	require.True(t, ok)
	assert.Equal(t, KindAssistant, pl.Kind)

	var payload TextPayload
	require.NoError(t, json.Unmarshal(pl.Payload, &payload))
	assert.Equal(t, "working on it", payload.Text)

	_, ok = a.ParseLine(nil)
	assert.False(t, ok)

	assert.Empty(t, a.ExtractSessionID(pl))
	assert.Nil(t, a.ExtractTokenUsage(pl))
}
