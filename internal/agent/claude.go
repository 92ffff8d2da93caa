package agent

import (
	"strings"

	"github.com/agentdock/agentdock/pkg/claude"
)

// claudeAdapter drives the Claude CLI in stream-json mode. Each stdout
// line is a JSON object; the first system line carries the session id
// and the final result line carries token usage.
type claudeAdapter struct{}

func (a *claudeAdapter) Name() string   { return AgentClaude }
func (a *claudeAdapter) Binary() string { return "claude" }

func (a *claudeAdapter) BuildArgv(command string, opts Options) []string {
	argv := []string{"claude", "-p", command, "--output-format", "stream-json", "--verbose"}

	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		argv = append(argv, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		argv = append(argv, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.MCPConfig != "" {
		argv = append(argv, "--mcp-config", opts.MCPConfig)
	}
	if opts.Resume != "" {
		argv = append(argv, "--resume", opts.Resume)
	}
	return argv
}

func (a *claudeAdapter) ParseLine(line []byte) (*ParsedLine, bool) {
	sl, err := claude.ParseLine(line)
	if err != nil {
		// Not JSON: surface as a status line rather than dropping it
		return &ParsedLine{
			Kind:    KindStatus,
			Payload: mustJSON(TextPayload{Text: string(line)}),
		}, true
	}

	pl := &ParsedLine{Payload: line, meta: sl}
	switch sl.Type {
	case claude.LineTypeSystem:
		pl.Kind = KindSystem
	case claude.LineTypeAssistant:
		pl.Kind = KindAssistant
		if hasToolUse(sl) {
			pl.Kind = KindToolUse
		}
	case claude.LineTypeUser:
		pl.Kind = KindToolResult
	case claude.LineTypeResult:
		// The exit future emits the terminal message; the result line
		// contributes usage only.
		pl.Kind = KindTokenUsage
	default:
		return nil, false
	}
	return pl, true
}

func (a *claudeAdapter) ExtractSessionID(pl *ParsedLine) string {
	sl, ok := pl.meta.(*claude.StreamLine)
	if !ok || !sl.IsInit() {
		return ""
	}
	return sl.SessionID
}

func (a *claudeAdapter) ExtractTokenUsage(pl *ParsedLine) *TokenUsage {
	sl, ok := pl.meta.(*claude.StreamLine)
	if !ok || sl.Type != claude.LineTypeResult || sl.Usage == nil {
		return nil
	}

	usage := &TokenUsage{
		InputTokens:  sl.Usage.InputTokens,
		OutputTokens: sl.Usage.OutputTokens,
		CachedTokens: sl.Usage.CacheReadInputTokens,
		TotalTokens:  sl.Usage.InputTokens + sl.Usage.OutputTokens + sl.Usage.CacheReadInputTokens + sl.Usage.CacheCreationInputTokens,
	}
	for _, mu := range sl.ModelUsage {
		if mu.ContextWindow != nil && *mu.ContextWindow > usage.ContextWindow {
			usage.ContextWindow = *mu.ContextWindow
		}
	}
	return usage
}

func hasToolUse(sl *claude.StreamLine) bool {
	if sl.Message == nil {
		return false
	}
	for _, block := range sl.Message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}
