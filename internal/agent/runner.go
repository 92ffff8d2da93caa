package agent

import (
	"context"
	"io"

	"github.com/agentdock/agentdock/internal/container/docker"
)

// Process is a command running inside a container.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	Close()
}

// Runner starts processes inside containers; satisfied by the Docker
// gateway via GatewayRunner.
type Runner interface {
	Exec(ctx context.Context, containerID string, opts docker.ExecOptions) (Process, error)
	CopyIn(ctx context.Context, containerID, destPath string, content io.Reader) error
}

// GatewayRunner adapts the Docker gateway to the Runner interface.
type GatewayRunner struct {
	gw *docker.Gateway
}

// NewGatewayRunner wraps a Docker gateway.
func NewGatewayRunner(gw *docker.Gateway) *GatewayRunner {
	return &GatewayRunner{gw: gw}
}

func (r *GatewayRunner) Exec(ctx context.Context, containerID string, opts docker.ExecOptions) (Process, error) {
	result, err := r.gw.Exec(ctx, containerID, opts)
	if err != nil {
		return nil, err
	}
	return &gatewayProcess{result: result}, nil
}

func (r *GatewayRunner) CopyIn(ctx context.Context, containerID, destPath string, content io.Reader) error {
	return r.gw.CopyIn(ctx, containerID, destPath, content)
}

type gatewayProcess struct {
	result *docker.ExecResult
}

func (p *gatewayProcess) Stdout() io.Reader { return p.result.Stdout }
func (p *gatewayProcess) Stderr() io.Reader { return p.result.Stderr }

func (p *gatewayProcess) Wait(ctx context.Context) (int, error) {
	return p.result.Wait(ctx)
}

func (p *gatewayProcess) Close() { p.result.Close() }
