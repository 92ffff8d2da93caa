package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/session"
)

type fakeProcess struct {
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	waitErr  error
	exited   chan struct{}
}

func newFakeProcess(stdout, stderr string, exitCode int) *fakeProcess {
	p := &fakeProcess{
		stdout:   strings.NewReader(stdout),
		stderr:   strings.NewReader(stderr),
		exitCode: exitCode,
		exited:   make(chan struct{}),
	}
	close(p.exited)
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, apperrors.Timeout("waiting for fake process")
	}
}

func (p *fakeProcess) Close() {}

// fakeRunner returns a scripted process for agent invocations and
// records signal and cleanup execs.
type fakeRunner struct {
	mu         sync.Mutex
	proc       *fakeProcess
	execErr    error
	signals    []string
	cleanups   [][]string
	copyDsts   []string
	agentCmd   []string
	recoverOut string // stdout for the session id recovery exec
	onSignal   func(sig string)
}

func (f *fakeRunner) Exec(_ context.Context, _ string, opts docker.ExecOptions) (Process, error) {
	if len(opts.Argv) > 0 && opts.Argv[0] == "sh" {
		f.mu.Lock()
		out := f.recoverOut
		f.mu.Unlock()
		return newFakeProcess(out, "", 0), nil
	}
	if len(opts.Argv) > 0 && (opts.Argv[0] == "pkill" || opts.Argv[0] == "rm") {
		f.mu.Lock()
		if opts.Argv[0] == "pkill" {
			sig := strings.TrimPrefix(opts.Argv[1], "-")
			f.signals = append(f.signals, sig)
			cb := f.onSignal
			f.mu.Unlock()
			if cb != nil {
				cb(sig)
			}
		} else {
			f.cleanups = append(f.cleanups, opts.Argv)
			f.mu.Unlock()
		}
		return newFakeProcess("", "", 0), nil
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.mu.Lock()
	f.agentCmd = opts.Argv
	f.mu.Unlock()
	return f.proc, nil
}

func (f *fakeRunner) CopyIn(_ context.Context, _ string, destPath string, _ io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyDsts = append(f.copyDsts, destPath)
	return nil
}

func (f *fakeRunner) sentSignals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signals...)
}

type fakeFailures struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeFailures) HandleContainerFailure(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

func testExecutor(t *testing.T, runner Runner, failures FailureHandler) (*Executor, *session.Registry) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg := session.NewRegistry(log)
	return NewExecutor(runner, reg, failures, config.ExecutorConfig{AbortGrace: 1}, log), reg
}

func collect(t *testing.T, msgs <-chan Message) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("timed out waiting for message stream to close")
		}
	}
}

func kinds(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestRunStreamsClaudeOutput(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"agent-1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}`,
		`{"type":"result","usage":{"input_tokens":10,"output_tokens":5}}`,
	}, "\n") + "\n"

	runner := &fakeRunner{proc: newFakeProcess(stdout, "", 0)}
	e, reg := testExecutor(t, runner, nil)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	require.NoError(t, err)

	out := collect(t, msgs)
	assert.Equal(t, []string{KindSessionCreated, KindSystem, KindAssistant, KindTokenUsage, KindComplete}, kinds(out))

	// The agent id routes after binding
	bound, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ServerID, bound.ServerID)
	assert.Equal(t, session.StateCompleted, bound.State)

	// Messages after the bind carry the agent id
	assert.Equal(t, "agent-1", out[len(out)-1].AgentSessionID)

	var complete CompletePayload
	require.NoError(t, json.Unmarshal(out[len(out)-1].Payload, &complete))
	assert.Equal(t, 0, complete.ExitCode)
	require.NotNil(t, complete.TokenUsage)
	assert.Equal(t, int64(10), complete.TokenUsage.InputTokens)
}

func TestRunAbortSignalsProcess(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &fakeProcess{
		stdout:   stdoutR,
		stderr:   stderrR,
		exitCode: 130,
		exited:   make(chan struct{}),
	}
	runner := &fakeRunner{proc: proc}
	runner.onSignal = func(sig string) {
		if sig == "INT" {
			_ = stdoutW.Close()
			_ = stderrW.Close()
			close(proc.exited)
		}
	}

	e, reg := testExecutor(t, runner, nil)
	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "long task", Options{})
	require.NoError(t, err)

	require.NoError(t, reg.Abort(sess.ServerID))

	out := collect(t, msgs)
	require.NotEmpty(t, out)

	last := out[len(out)-1]
	assert.Equal(t, KindError, last.Kind)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errPayload))
	assert.Equal(t, string(apperrors.KindAborted), errPayload.Kind)

	assert.Contains(t, runner.sentSignals(), "INT")

	got, err := reg.Get(sess.ServerID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAborted, got.State)
}

func TestRunSuppressesOutputAfterAbort(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &fakeProcess{
		stdout:   stdoutR,
		stderr:   stderrR,
		exitCode: 130,
		exited:   make(chan struct{}),
	}
	runner := &fakeRunner{proc: proc}
	runner.onSignal = func(sig string) {
		if sig == "INT" {
			_ = stdoutW.Close()
			_ = stderrW.Close()
			close(proc.exited)
		}
	}

	e, reg := testExecutor(t, runner, nil)
	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "long task", Options{})
	require.NoError(t, err)

	// One line flows before the abort.
	_, err = stdoutW.Write([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working"}]}}` + "\n"))
	require.NoError(t, err)
	first := <-msgs
	assert.Equal(t, KindAssistant, first.Kind)

	require.NoError(t, reg.Abort(sess.ServerID))

	// Output racing the kill is drained, never forwarded.
	_, _ = stdoutW.Write([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"late"}]}}` + "\n"))

	out := collect(t, msgs)
	require.Len(t, out, 1, "only the terminal message may follow an abort")
	assert.Equal(t, KindError, out[0].Kind)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(out[0].Payload, &errPayload))
	assert.Equal(t, string(apperrors.KindAborted), errPayload.Kind)
}

func TestRunRecoversCursorSessionID(t *testing.T) {
	runner := &fakeRunner{
		proc:       newFakeProcess("All done.\n", "", 0),
		recoverOut: "/root/.cursor/chats/9f8a/chat-77/\n",
	}
	e, reg := testExecutor(t, runner, nil)

	sess, runCtx := reg.Register(context.Background(), "42", AgentCursor)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "tidy up", Options{})
	require.NoError(t, err)

	out := collect(t, msgs)
	assert.Equal(t, []string{KindAssistant, KindSessionCreated, KindComplete}, kinds(out))

	// The recovered id routes and resumes
	bound, err := reg.Get("chat-77")
	require.NoError(t, err)
	assert.Equal(t, sess.ServerID, bound.ServerID)
}

func TestRunFatalStderrFailsExecution(t *testing.T) {
	runner := &fakeRunner{proc: newFakeProcess("", "claude: Cannot allocate memory\n", 1)}
	e, reg := testExecutor(t, runner, nil)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	require.NoError(t, err)

	out := collect(t, msgs)
	require.NotEmpty(t, out)

	last := out[len(out)-1]
	assert.Equal(t, KindError, last.Kind)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errPayload))
	assert.Equal(t, string(apperrors.KindExecutionFailed), errPayload.Kind)
	assert.Contains(t, errPayload.Message, "Cannot allocate memory")
}

func TestRunNonZeroExitFailsExecution(t *testing.T) {
	runner := &fakeRunner{proc: newFakeProcess("", "", 2)}
	e, reg := testExecutor(t, runner, nil)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	require.NoError(t, err)

	out := collect(t, msgs)
	last := out[len(out)-1]
	assert.Equal(t, KindError, last.Kind)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errPayload))
	assert.Equal(t, 2, errPayload.ExitCode)

	got, err := reg.Get(sess.ServerID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, got.State)
}

func TestRunContainerLostNotifiesPool(t *testing.T) {
	proc := newFakeProcess("", "", 0)
	proc.waitErr = apperrors.ContainerUnavailable("container gone", nil)

	failures := &fakeFailures{}
	runner := &fakeRunner{proc: proc}
	e, reg := testExecutor(t, runner, failures)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	require.NoError(t, err)

	out := collect(t, msgs)
	last := out[len(out)-1]
	assert.Equal(t, KindError, last.Kind)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errPayload))
	assert.Equal(t, string(apperrors.KindContainerUnavailable), errPayload.Kind)

	failures.mu.Lock()
	defer failures.mu.Unlock()
	assert.Equal(t, []string{"42"}, failures.users)
}

func TestRunExecErrorMarksSessionFailed(t *testing.T) {
	failures := &fakeFailures{}
	runner := &fakeRunner{execErr: apperrors.ContainerUnavailable("no such container", nil)}
	e, reg := testExecutor(t, runner, failures)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	_, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	require.Error(t, err)

	got, err := reg.Get(sess.ServerID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, got.State)

	failures.mu.Lock()
	defer failures.mu.Unlock()
	assert.Equal(t, []string{"42"}, failures.users)
}

func TestRunStagesAndCleansAttachments(t *testing.T) {
	runner := &fakeRunner{proc: newFakeProcess("", "", 0)}
	e, reg := testExecutor(t, runner, nil)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "describe this", Options{
		Images: []ImageAttachment{{Name: "shot.png", Data: []byte{1, 2, 3}}},
	})
	require.NoError(t, err)
	collect(t, msgs)

	runner.mu.Lock()
	defer runner.mu.Unlock()

	// Staged into a per-session directory referenced in the prompt
	require.Len(t, runner.copyDsts, 1)
	stageDir := runner.copyDsts[0]
	assert.Contains(t, stageDir, sess.ServerID)
	require.NotEmpty(t, runner.agentCmd)
	assert.Contains(t, runner.agentCmd[2], stageDir+"/shot.png")

	// Removed once the run ends
	require.Len(t, runner.cleanups, 1)
	assert.Equal(t, []string{"rm", "-rf", stageDir}, runner.cleanups[0])
}

func TestRunEmitsStatusWhileSilent(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	proc := &fakeProcess{
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	runner := &fakeRunner{proc: proc}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	reg := session.NewRegistry(log)
	e := NewExecutor(runner, reg, nil, config.ExecutorConfig{AbortGrace: 1, HeartbeatInterval: 1}, log)

	sess, runCtx := reg.Register(context.Background(), "42", AgentClaude)
	require.NoError(t, reg.Activate(sess.ServerID, "c-1"))

	msgs, err := e.Run(runCtx, sess, "c-1", "quiet task", Options{})
	require.NoError(t, err)

	// Stay silent past the heartbeat interval, then finish cleanly.
	time.Sleep(2500 * time.Millisecond)
	_ = stdoutW.Close()
	_ = stderrW.Close()
	close(proc.exited)

	out := collect(t, msgs)
	require.NotEmpty(t, out)
	assert.Contains(t, kinds(out[:len(out)-1]), KindStatus)
	assert.Equal(t, KindComplete, out[len(out)-1].Kind)
}

func TestRunUnknownAgent(t *testing.T) {
	e, reg := testExecutor(t, &fakeRunner{}, nil)

	sess, runCtx := reg.Register(context.Background(), "42", "copilot")
	_, err := e.Run(runCtx, sess, "c-1", "do it", Options{})
	assert.Error(t, err)
}
