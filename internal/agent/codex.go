package agent

import (
	"github.com/agentdock/agentdock/pkg/codex"
)

// codexAdapter drives the Codex CLI in JSONL mode. The first line is a
// session_meta header with the session id; token usage arrives on
// token_count events.
type codexAdapter struct{}

func (a *codexAdapter) Name() string   { return AgentCodex }
func (a *codexAdapter) Binary() string { return "codex" }

func (a *codexAdapter) BuildArgv(command string, opts Options) []string {
	argv := []string{"codex", "exec"}
	if opts.Resume != "" {
		argv = append(argv, "resume", opts.Resume)
	}
	argv = append(argv, "--json", "--skip-git-repo-check")

	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		argv = append(argv, "--sandbox", opts.PermissionMode)
	}
	return append(argv, command)
}

func (a *codexAdapter) ParseLine(line []byte) (*ParsedLine, bool) {
	ev, err := codex.ParseEvent(line)
	if err != nil {
		return &ParsedLine{
			Kind:    KindStatus,
			Payload: mustJSON(TextPayload{Text: string(line)}),
		}, true
	}

	pl := &ParsedLine{Payload: line, meta: ev}
	switch ev.Type {
	case codex.EventSessionMeta:
		pl.Kind = KindSystem
	case codex.EventItemStarted:
		if ev.Item == nil {
			return nil, false
		}
		switch ev.Item.Type {
		case codex.ItemCommandExecution, codex.ItemFileChange, codex.ItemMCPToolCall:
			pl.Kind = KindToolUse
		default:
			return nil, false
		}
	case codex.EventItemCompleted:
		if ev.Item == nil {
			return nil, false
		}
		switch ev.Item.Type {
		case codex.ItemAgentMessage:
			pl.Kind = KindAssistant
		case codex.ItemReasoning:
			pl.Kind = KindStatus
		case codex.ItemCommandExecution, codex.ItemFileChange, codex.ItemMCPToolCall:
			pl.Kind = KindToolResult
		default:
			return nil, false
		}
	case codex.EventTokenCount:
		pl.Kind = KindTokenUsage
	case codex.EventTurnFailed, codex.EventError:
		pl.Kind = KindError
	default:
		// Deltas duplicate the completed item; turn.completed is covered
		// by the exit future.
		return nil, false
	}
	return pl, true
}

func (a *codexAdapter) ExtractSessionID(pl *ParsedLine) string {
	ev, ok := pl.meta.(*codex.Event)
	if !ok {
		return ""
	}
	return ev.SessionID()
}

func (a *codexAdapter) ExtractTokenUsage(pl *ParsedLine) *TokenUsage {
	ev, ok := pl.meta.(*codex.Event)
	if !ok || ev.Type != codex.EventTokenCount || ev.Usage == nil || ev.Usage.TotalTokenUsage == nil {
		return nil
	}

	total := ev.Usage.TotalTokenUsage
	usage := &TokenUsage{
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
		CachedTokens: total.CachedInputTokens,
		TotalTokens:  total.TotalTokens,
	}
	if ev.Usage.ModelContextWindow != nil {
		usage.ContextWindow = *ev.Usage.ModelContextWindow
	}
	return usage
}
