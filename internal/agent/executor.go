package agent

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/session"
)

const (
	// workspaceDir is where agent CLIs run inside the container.
	workspaceDir = "/workspace"
	// attachmentRoot holds per-session staged image attachments.
	attachmentRoot = "/tmp/agentdock-attachments"
	// maxLineSize bounds a single agent output line (tool results can be
	// large).
	maxLineSize = 10 * 1024 * 1024
)

// Stderr lines matching these substrings abort the run as fatal instead
// of being discarded.
var fatalStderrPatterns = []string{
	"permission denied",
	"cannot allocate memory",
	"no space left on device",
}

// FailureHandler is notified when a run fails because the container is
// gone; satisfied by the pool.
type FailureHandler interface {
	HandleContainerFailure(ctx context.Context, userID string)
}

// Executor runs agent CLI commands inside user containers and turns
// their output into ordered execution message streams.
type Executor struct {
	runner   Runner
	registry *session.Registry
	failures FailureHandler
	cfg      config.ExecutorConfig
	logger   *logger.Logger
}

// NewExecutor creates an executor.
func NewExecutor(runner Runner, registry *session.Registry, failures FailureHandler, cfg config.ExecutorConfig, log *logger.Logger) *Executor {
	return &Executor{
		runner:   runner,
		registry: registry,
		failures: failures,
		cfg:      cfg,
		logger:   log,
	}
}

// Run starts a command for an active session and returns its message
// stream. The stream is finite and ends with exactly one complete or
// error message, after which the channel is closed and the session is
// terminal. runCtx is the cancellation handle shared with the registry:
// cancelling it aborts the run.
func (e *Executor) Run(runCtx context.Context, sess *session.Session, containerID, command string, opts Options) (<-chan Message, error) {
	adapter, err := ForAgent(sess.AgentType)
	if err != nil {
		return nil, err
	}

	if opts.Model == "" {
		opts.Model = e.cfg.Model
	}

	// The exec lifetime is independent of runCtx: on abort the process
	// is signalled inside the container rather than by tearing down the
	// attach connection.
	execCtx := context.Background()
	var cancelExec context.CancelFunc = func() {}
	if timeout := e.cfg.ExecutionTimeoutDuration(); timeout > 0 {
		execCtx, cancelExec = context.WithTimeout(execCtx, timeout)
	}

	stageDir, command, err := e.stageAttachments(execCtx, sess, containerID, command, opts.Images)
	if err != nil {
		cancelExec()
		return nil, err
	}

	proc, err := e.runner.Exec(execCtx, containerID, docker.ExecOptions{
		Argv: adapter.BuildArgv(command, opts),
		Env:  e.execEnv(opts),
		Cwd:  workspaceDir,
	})
	if err != nil {
		cancelExec()
		e.handleExecError(sess, err)
		return nil, err
	}

	log := e.logger.WithUserID(sess.UserID).WithSessionID(sess.ServerID).WithContainerID(containerID)
	log.Info("Agent execution started",
		zap.String("agent", sess.AgentType),
		zap.String("model", opts.Model))

	out := make(chan Message, 64)
	run := &execution{
		executor:  e,
		adapter:   adapter,
		session:   sess,
		proc:      proc,
		out:       out,
		log:       log,
		stageDir:  stageDir,
		container: containerID,
		runCtx:    runCtx,
		done:      make(chan struct{}),
	}
	go run.pump(runCtx, execCtx, cancelExec)

	return out, nil
}

// execution tracks one in-flight run.
type execution struct {
	executor  *Executor
	adapter   Adapter
	session   *session.Session
	proc      Process
	out       chan Message
	log       *logger.Logger
	stageDir  string
	container string
	runCtx    context.Context

	mu        sync.Mutex
	agentID   string
	lastUsage *TokenUsage
	fatalErr  string
	aborted   bool
	lastEmit  time.Time

	done chan struct{}
}

// pump drives the run to completion: it drains both streams, watches
// for abort, waits for the exit code, and emits the single terminal
// message.
func (x *execution) pump(runCtx, execCtx context.Context, cancelExec context.CancelFunc) {
	defer cancelExec()
	defer close(x.out)
	defer x.proc.Close()

	x.mu.Lock()
	x.lastEmit = time.Now()
	x.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		x.readStdout()
	}()
	go func() {
		defer wg.Done()
		x.readStderr()
	}()
	go func() {
		defer wg.Done()
		x.keepAlive()
	}()

	// Abort watcher: SIGINT, grace, then SIGKILL.
	go x.watchAbort(runCtx)

	exitCode, waitErr := x.proc.Wait(execCtx)
	close(x.done)
	wg.Wait()

	x.recoverSessionID()
	x.cleanupAttachments()
	x.finish(exitCode, waitErr, execCtx.Err() != nil)
}

func (x *execution) readStdout() {
	scanner := bufio.NewScanner(x.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// Output racing the kill is drained but not forwarded: once an
		// abort is requested only the terminal message may follow.
		if x.muted() {
			continue
		}

		pl, ok := x.adapter.ParseLine(line)
		if !ok {
			continue
		}

		if id := x.adapter.ExtractSessionID(pl); id != "" {
			x.bindAgentID(id)
		}
		if usage := x.adapter.ExtractTokenUsage(pl); usage != nil {
			x.mu.Lock()
			x.lastUsage = usage
			x.mu.Unlock()
		}

		x.emit(pl.Kind, pl.Payload)
	}
	if err := scanner.Err(); err != nil {
		x.log.Debug("Stdout stream ended", zap.Error(err))
	}
}

// readStderr discards agent chatter but promotes known-fatal lines so
// the terminal message names the real cause.
func (x *execution) readStderr() {
	scanner := bufio.NewScanner(x.proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, pattern := range fatalStderrPatterns {
			if strings.Contains(lower, pattern) {
				x.mu.Lock()
				if x.fatalErr == "" {
					x.fatalErr = line
				}
				x.mu.Unlock()
				break
			}
		}
		x.log.Debug("Agent stderr", zap.String("line", line))
	}
}

// bindAgentID installs the agent-assigned id exactly once and announces
// it before any subsequent content message.
func (x *execution) bindAgentID(agentID string) {
	x.mu.Lock()
	if x.agentID != "" {
		x.mu.Unlock()
		return
	}
	x.agentID = agentID
	x.mu.Unlock()

	if err := x.executor.registry.BindAgentID(x.session.ServerID, agentID); err != nil {
		x.log.Warn("Failed to bind agent session id", zap.Error(err))
	}

	x.emit(KindSessionCreated, mustJSON(SessionCreatedPayload{
		ServerID: x.session.ServerID,
		AgentID:  agentID,
	}))
}

// recoverSessionID asks the adapter for an out-of-band session id when
// the stream never carried one (cursor keeps it in its chat store).
// Skipped after abort so only the terminal message follows.
func (x *execution) recoverSessionID() {
	x.mu.Lock()
	have := x.agentID != ""
	x.mu.Unlock()
	if have || x.muted() {
		return
	}

	rec, ok := x.adapter.(SessionRecoverer)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := rec.RecoverSessionID(ctx, x.executor.runner, x.container)
	if err != nil {
		x.log.Debug("Session id recovery failed", zap.Error(err))
		return
	}
	if id != "" {
		x.bindAgentID(id)
	}
}

// muted reports whether stream emission is suspended because an abort
// has been requested. The run context is cancelled synchronously by the
// registry, so callers of abort never see another non-terminal message.
func (x *execution) muted() bool {
	if x.runCtx.Err() != nil {
		return true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.aborted
}

// keepAlive emits a status tick when the agent has been silent for a
// heartbeat interval, so clients can keep their run timers advancing.
func (x *execution) keepAlive() {
	interval := x.executor.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-x.done:
			return
		case <-ticker.C:
		}

		x.mu.Lock()
		idle := time.Since(x.lastEmit) >= interval
		x.mu.Unlock()
		if idle && !x.muted() {
			x.emit(KindStatus, mustJSON(TextPayload{Text: "running"}))
		}
	}
}

// watchAbort waits for the run context to be cancelled and terminates
// the in-container process: interrupt first, force-kill after the grace
// period.
func (x *execution) watchAbort(runCtx context.Context) {
	select {
	case <-x.done:
		return
	case <-runCtx.Done():
	}

	x.mu.Lock()
	x.aborted = true
	x.mu.Unlock()

	x.log.Info("Aborting agent execution")
	x.signal("INT")

	grace := x.executor.cfg.AbortGraceDuration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-x.done:
		return
	case <-time.After(grace):
	}

	x.log.Warn("Agent ignored interrupt, force killing")
	x.signal("KILL")
}

// signal sends sig to the agent process inside the container.
func (x *execution) signal(sig string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := x.executor.runner.Exec(ctx, x.container, docker.ExecOptions{
		Argv: []string{"pkill", "-" + sig, "-f", x.adapter.Binary()},
	})
	if err != nil {
		x.log.Debug("Signal exec failed", zap.String("signal", sig), zap.Error(err))
		return
	}
	defer proc.Close()
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
	_, _ = proc.Wait(ctx)
}

// finish emits the single terminal message and marks the session
// terminal.
func (x *execution) finish(exitCode int, waitErr error, timedOut bool) {
	x.mu.Lock()
	aborted := x.aborted || x.runCtx.Err() != nil
	fatalErr := x.fatalErr
	usage := x.lastUsage
	x.mu.Unlock()

	switch {
	case aborted:
		x.terminal(session.StateAborted, KindError, mustJSON(ErrorPayload{
			Kind:    string(apperrors.KindAborted),
			Message: "execution aborted",
		}))

	case waitErr != nil && apperrors.IsKind(waitErr, apperrors.KindContainerUnavailable):
		x.log.Warn("Container lost during execution", zap.Error(waitErr))
		if x.executor.failures != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			x.executor.failures.HandleContainerFailure(ctx, x.session.UserID)
			cancel()
		}
		x.terminal(session.StateFailed, KindError, mustJSON(ErrorPayload{
			Kind:    string(apperrors.KindContainerUnavailable),
			Message: "container lost during execution",
		}))

	case timedOut:
		x.terminal(session.StateFailed, KindError, mustJSON(ErrorPayload{
			Kind:    string(apperrors.KindTimeout),
			Message: "execution timed out",
		}))

	case waitErr != nil:
		x.terminal(session.StateFailed, KindError, mustJSON(ErrorPayload{
			Kind:    string(apperrors.KindExecutionFailed),
			Message: waitErr.Error(),
		}))

	case fatalErr != "":
		x.terminal(session.StateFailed, KindError, mustJSON(ErrorPayload{
			Kind:     string(apperrors.KindExecutionFailed),
			Message:  fatalErr,
			ExitCode: exitCode,
		}))

	case exitCode != 0:
		x.terminal(session.StateFailed, KindError, mustJSON(ErrorPayload{
			Kind:     string(apperrors.KindExecutionFailed),
			Message:  fmt.Sprintf("agent exited with code %d", exitCode),
			ExitCode: exitCode,
		}))

	default:
		x.terminal(session.StateCompleted, KindComplete, mustJSON(CompletePayload{
			ExitCode:   exitCode,
			TokenUsage: usage,
		}))
	}
}

func (x *execution) terminal(state session.State, kind string, payload []byte) {
	if err := x.executor.registry.MarkTerminal(x.session.ServerID, state); err != nil {
		x.log.Warn("Failed to mark session terminal", zap.Error(err))
	}
	x.emit(kind, payload)
	x.log.Info("Agent execution finished", zap.String("state", string(state)))
}

func (x *execution) emit(kind string, payload []byte) {
	x.mu.Lock()
	agentID := x.agentID
	x.lastEmit = time.Now()
	x.mu.Unlock()

	x.out <- Message{
		Kind:            kind,
		Payload:         payload,
		EmittedAt:       time.Now().UTC(),
		ServerSessionID: x.session.ServerID,
		AgentSessionID:  agentID,
	}
}

func (x *execution) cleanupAttachments() {
	if x.stageDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := x.executor.runner.Exec(ctx, x.container, docker.ExecOptions{
		Argv: []string{"rm", "-rf", x.stageDir},
	})
	if err != nil {
		return
	}
	defer proc.Close()
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
	_, _ = proc.Wait(ctx)
}

// handleExecError notifies the pool and marks the session failed when a
// run cannot even start.
func (e *Executor) handleExecError(sess *session.Session, err error) {
	if apperrors.IsKind(err, apperrors.KindContainerUnavailable) && e.failures != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		e.failures.HandleContainerFailure(ctx, sess.UserID)
		cancel()
	}
	_ = e.registry.MarkTerminal(sess.ServerID, session.StateFailed)
}

// stageAttachments copies image attachments into a per-session temp
// directory and appends the staged paths to the command so the agent can
// reference them.
func (e *Executor) stageAttachments(ctx context.Context, sess *session.Session, containerID, command string, images []ImageAttachment) (string, string, error) {
	if len(images) == 0 {
		return "", command, nil
	}

	stageDir := path.Join(attachmentRoot, sess.ServerID)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var paths []string
	for i, img := range images {
		name := img.Name
		if name == "" {
			name = "image-" + strconv.Itoa(i+1) + ".png"
		}
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(img.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", "", apperrors.Internal("failed to stage attachment", err)
		}
		if _, err := tw.Write(img.Data); err != nil {
			return "", "", apperrors.Internal("failed to stage attachment", err)
		}
		paths = append(paths, path.Join(stageDir, name))
	}
	if err := tw.Close(); err != nil {
		return "", "", apperrors.Internal("failed to stage attachments", err)
	}

	if err := e.runner.CopyIn(ctx, containerID, stageDir, &buf); err != nil {
		return "", "", err
	}

	var sb strings.Builder
	sb.WriteString(command)
	sb.WriteString("\n\nAttached images:\n")
	for _, p := range paths {
		sb.WriteString("- ")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return stageDir, sb.String(), nil
}

// execEnv builds the environment injected into agent processes.
func (e *Executor) execEnv(opts Options) []string {
	var env []string
	if e.cfg.APIBaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+e.cfg.APIBaseURL)
	}
	if e.cfg.APIToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+e.cfg.APIToken)
	}
	if opts.Model != "" {
		env = append(env, "AGENT_MODEL="+opts.Model)
	}
	if e.cfg.ContextWindow > 0 {
		env = append(env, "AGENT_CONTEXT_WINDOW="+strconv.Itoa(e.cfg.ContextWindow))
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}
