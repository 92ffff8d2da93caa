package agent

import (
	"bufio"
	"context"
	"io"
	"path"
	"strings"

	"github.com/agentdock/agentdock/internal/container/docker"
)

// cursorAdapter drives the Cursor CLI in plain-text mode. The CLI prints
// response text line by line and never surfaces a session id on stdout;
// the id is read back from its chat store once the run ends.
type cursorAdapter struct{}

func (a *cursorAdapter) Name() string   { return AgentCursor }
func (a *cursorAdapter) Binary() string { return "cursor-agent" }

func (a *cursorAdapter) BuildArgv(command string, opts Options) []string {
	argv := []string{"cursor-agent", "-p", command, "--output-format", "text"}

	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.Resume != "" {
		argv = append(argv, "--resume", opts.Resume)
	}
	return argv
}

func (a *cursorAdapter) ParseLine(line []byte) (*ParsedLine, bool) {
	if len(line) == 0 {
		return nil, false
	}
	return &ParsedLine{
		Kind:    KindAssistant,
		Payload: mustJSON(TextPayload{Text: string(line)}),
	}, true
}

func (a *cursorAdapter) ExtractSessionID(*ParsedLine) string { return "" }

func (a *cursorAdapter) ExtractTokenUsage(*ParsedLine) *TokenUsage { return nil }

// RecoverSessionID reads the chat id cursor-agent wrote to its store
// under ~/.cursor/chats. The newest chat directory belongs to the run
// that just finished; its base name is the resumable session id.
func (a *cursorAdapter) RecoverSessionID(ctx context.Context, runner Runner, containerID string) (string, error) {
	proc, err := runner.Exec(ctx, containerID, docker.ExecOptions{
		Argv: []string{"sh", "-c", `ls -td "$HOME"/.cursor/chats/*/* 2>/dev/null | head -1`},
	})
	if err != nil {
		return "", err
	}
	defer proc.Close()

	line, _ := bufio.NewReader(proc.Stdout()).ReadString('\n')
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
	if _, err := proc.Wait(ctx); err != nil {
		return "", err
	}

	dir := strings.TrimRight(strings.TrimSpace(line), "/")
	if dir == "" {
		return "", nil
	}
	return path.Base(dir), nil
}
