// Package docker wraps the Docker SDK behind the ten verbs the rest of
// the engine speaks. Higher layers never import the SDK directly, so the
// runtime can be swapped without propagating churn.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

const (
	// retryAttempts bounds retries of daemon calls that failed transiently
	retryAttempts = 3
	retryBaseWait = 500 * time.Millisecond
)

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// CreateOptions holds everything needed to create a container.
type CreateOptions struct {
	Name        string
	Image       string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string

	// Resource limits and security options, resolved by the policy layer.
	MemoryBytes  int64
	NanoCPUs     int64
	PidsLimit    int64
	SecurityOpts []string
	CapDrop      []string
}

// ContainerInfo is the inspect result the engine cares about.
type ContainerInfo struct {
	ID         string
	Name       string
	State      string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Gateway wraps the Docker client. All daemon access in the engine goes
// through it; a weighted semaphore bounds concurrent daemon calls so exec
// fan-out cannot overwhelm the runtime.
type Gateway struct {
	cli    *client.Client
	sem    *semaphore.Weighted
	logger *logger.Logger
	config config.DockerConfig
}

// NewGateway creates a Docker gateway from the runtime configuration.
func NewGateway(cfg config.DockerConfig, log *logger.Logger) (*Gateway, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperrors.ContainerUnavailable("failed to create docker client", err)
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 16
	}

	log.Info("Docker gateway created",
		zap.String("host", cfg.Host),
		zap.Int("max_concurrency", maxConcurrency),
	)

	return &Gateway{
		cli:    cli,
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the underlying Docker client.
func (g *Gateway) Close() error {
	return g.cli.Close()
}

// Ping checks daemon reachability.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.cli.Ping(ctx); err != nil {
		return classify(err, "docker ping failed")
	}
	return nil
}

func (g *Gateway) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return apperrors.Timeout("waiting for docker slot")
	}
	return nil
}

// withRetry runs fn up to retryAttempts times, backing off between
// transient failures.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !apperrors.IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		wait := retryBaseWait * time.Duration(1<<(attempt-1))
		g.logger.Warn("Transient docker error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return apperrors.Timeout(op)
		}
	}
	return err
}

// Create creates a container and returns its id.
func (g *Gateway) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if err := g.acquire(ctx); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
		Labels:     opts.Labels,
		// Keep PID 1 alive; all work happens through exec.
		Cmd: []string{"sleep", "infinity"},
	}

	var pidsLimit *int64
	if opts.PidsLimit > 0 {
		pidsLimit = &opts.PidsLimit
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(opts.NetworkMode),
		SecurityOpt: opts.SecurityOpts,
		CapDrop:     opts.CapDrop,
		Resources: container.Resources{
			Memory:    opts.MemoryBytes,
			NanoCPUs:  opts.NanoCPUs,
			PidsLimit: pidsLimit,
		},
	}

	var containerID string
	err := g.withRetry(ctx, "create", func() error {
		resp, err := g.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
		if err != nil {
			return classify(err, fmt.Sprintf("failed to create container %s", opts.Name))
		}
		containerID = resp.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	g.logger.Info("Container created",
		zap.String("container_id", containerID),
		zap.String("name", opts.Name))
	return containerID, nil
}

// Start starts a container.
func (g *Gateway) Start(ctx context.Context, containerID string) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	return g.withRetry(ctx, "start", func() error {
		if err := g.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return classify(err, fmt.Sprintf("failed to start container %s", containerID))
		}
		return nil
	})
}

// Stop stops a container with the given timeout. Stopping a container
// that is already gone is not an error.
func (g *Gateway) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	timeoutSeconds := int(timeout.Seconds())
	err := g.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err, fmt.Sprintf("failed to stop container %s", containerID))
	}
	return nil
}

// Remove removes a container. Removing a container that is already gone
// or already being removed is not an error.
func (g *Gateway) Remove(ctx context.Context, containerID string, force bool) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	err := g.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return classify(err, fmt.Sprintf("failed to remove container %s", containerID))
	}

	g.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

// Inspect returns the state of a container.
func (g *Gateway) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := g.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to inspect container %s", containerID))
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		State:    inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}

	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		info.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		info.FinishedAt = t
	}

	return info, nil
}

// CopyIn untars a stream into the container at destPath.
func (g *Gateway) CopyIn(ctx context.Context, containerID, destPath string, tarStream io.Reader) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	err := g.cli.CopyToContainer(ctx, containerID, destPath, tarStream, container.CopyToContainerOptions{})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to copy into container %s", containerID))
	}
	return nil
}

// EnsureNetwork creates the bridge network if it doesn't exist and
// returns its id. Idempotent.
func (g *Gateway) EnsureNetwork(ctx context.Context, name string) (string, error) {
	networks, err := g.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", classify(err, "failed to list networks")
	}

	for _, nw := range networks {
		if nw.Name == name {
			return nw.ID, nil
		}
	}

	resp, err := g.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		// Lost a race with another creator
		if errdefs.IsConflict(err) {
			return g.EnsureNetwork(ctx, name)
		}
		return "", classify(err, fmt.Sprintf("failed to create network %s", name))
	}

	g.logger.Info("Network created", zap.String("network", name), zap.String("network_id", resp.ID))
	return resp.ID, nil
}

// EnsureImage pulls the image if it is not present locally. Idempotent.
func (g *Gateway) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := g.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return classify(err, fmt.Sprintf("failed to inspect image %s", ref))
	}

	g.logger.Info("Pulling image", zap.String("image", ref))

	reader, err := g.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to pull image %s", ref))
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classify(err, fmt.Sprintf("error reading pull output for %s", ref))
	}

	g.logger.Info("Image pulled", zap.String("image", ref))
	return nil
}

// ListByLabel lists containers (including stopped ones) carrying the
// given labels.
func (g *Gateway) ListByLabel(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := g.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, classify(err, "failed to list containers")
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			State:   ctr.State,
			Running: ctr.State == "running",
		})
	}
	return infos, nil
}

// stdcopy demultiplexes the attach stream into independent stdout and
// stderr pipes so callers can read them without deadlock.
func demux(reader io.Reader) (stdout, stderr io.ReadCloser, done <-chan error) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	doneCh := make(chan error, 1)

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		doneCh <- err
	}()

	return stdoutR, stderrR, doneCh
}

// classify maps SDK errors onto the engine's error taxonomy.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return apperrors.ContainerUnavailable(msg+": not found", err)
	case errdefs.IsConflict(err) || errdefs.IsInvalidArgument(err):
		return apperrors.ContainerUnavailable(msg, err)
	case client.IsErrConnectionFailed(err):
		return apperrors.ContainerUnavailableTransient(msg+": daemon unreachable", err)
	case errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err):
		return apperrors.ContainerUnavailableTransient(msg, err)
	default:
		return apperrors.ContainerUnavailable(msg, err)
	}
}
