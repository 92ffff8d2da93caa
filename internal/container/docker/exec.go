package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// ExecOptions configures a command run inside a container.
type ExecOptions struct {
	Argv  []string
	Env   []string
	Cwd   string
	Stdin io.Reader
	User  string
}

// ExecResult exposes the streams of a running exec. Stdout and Stderr are
// independently readable; Wait blocks until the process exits and returns
// its exit code.
type ExecResult struct {
	ExecID string
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	gw         *Gateway
	streamDone <-chan error
	closeConn  func()
}

// Exec starts argv inside a running container and returns its streams.
func (g *Gateway) Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	execCfg := container.ExecOptions{
		Cmd:          opts.Argv,
		Env:          opts.Env,
		WorkingDir:   opts.Cwd,
		User:         opts.User,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	resp, err := g.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to create exec in container %s", containerID))
	}

	attachResp, err := g.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to attach exec %s", resp.ID))
	}

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(attachResp.Conn, opts.Stdin)
			_ = attachResp.CloseWrite()
		}()
	}

	stdout, stderr, done := demux(attachResp.Reader)

	g.logger.Debug("Exec started",
		zap.String("container_id", containerID),
		zap.String("exec_id", resp.ID),
		zap.Strings("argv", opts.Argv))

	return &ExecResult{
		ExecID:     resp.ID,
		Stdout:     stdout,
		Stderr:     stderr,
		gw:         g,
		streamDone: done,
		closeConn:  attachResp.Close,
	}, nil
}

// Wait blocks until the exec'd process exits and returns its exit code.
// It must be called after the streams have been drained (or concurrently
// with draining them); the exit code is read from the runtime once the
// attach stream ends.
func (r *ExecResult) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.streamDone:
	case <-ctx.Done():
		return -1, apperrors.Timeout("waiting for exec stream")
	}

	// The attach stream can end slightly before the runtime records the
	// exit code; poll briefly.
	for {
		inspect, err := r.gw.cli.ContainerExecInspect(ctx, r.ExecID)
		if err != nil {
			return -1, classify(err, fmt.Sprintf("failed to inspect exec %s", r.ExecID))
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return -1, apperrors.Timeout("waiting for exec exit code")
		}
	}
}

// Close releases the attach connection and both stream pipes.
func (r *ExecResult) Close() {
	if r.closeConn != nil {
		r.closeConn()
	}
	_ = r.Stdout.Close()
	_ = r.Stderr.Close()
}

// ExecProbe runs argv and waits for completion, returning the exit code.
// Used for readiness checks.
func (g *Gateway) ExecProbe(ctx context.Context, containerID string, argv []string) (int, error) {
	result, err := g.Exec(ctx, containerID, ExecOptions{Argv: argv})
	if err != nil {
		return -1, err
	}
	defer result.Close()

	go func() { _, _ = io.Copy(io.Discard, result.Stdout) }()
	go func() { _, _ = io.Copy(io.Discard, result.Stderr) }()

	return result.Wait(ctx)
}
