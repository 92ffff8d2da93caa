// Package pool owns per-user container lifecycle: at most one active
// container per user, created lazily on first use and reaped when idle.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/container/policy"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/extensions"
	"github.com/agentdock/agentdock/internal/store"
)

// Runtime is the subset of the Docker gateway the pool uses.
type Runtime interface {
	Create(ctx context.Context, opts docker.CreateOptions) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	CopyIn(ctx context.Context, containerID, destPath string, tarStream io.Reader) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
	EnsureImage(ctx context.Context, ref string) error
	ExecProbe(ctx context.Context, containerID string, argv []string) (int, error)
}

// Fixed mount points inside the container.
const (
	WorkspaceMount = "/workspace"
	ConfigMount    = "/workspace/.claude"
)

const (
	labelManaged = "agentdock.managed"
	labelUserID  = "agentdock.user_id"

	stopTimeout = 10 * time.Second
)

// Handle is the pool's view of one user's container.
type Handle struct {
	UserID      string    `json:"user_id"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Pool manages one container per user. A registry mutex guards the
// handle map and the per-user mutex map; the per-user mutex serializes
// creation so concurrent commands from one user produce one container
// while creations for different users proceed in parallel.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*Handle
	userMus map[string]*sync.Mutex

	runtime   Runtime
	policy    *policy.Policy
	users     store.UserProvider
	store     store.Store
	syncer    *extensions.Syncer
	bus       bus.EventBus
	dockerCfg config.DockerConfig
	poolCfg   config.PoolConfig
	execCfg   config.ExecutorConfig
	logger    *logger.Logger
}

// NewPool creates a container pool.
func NewPool(
	runtime Runtime,
	pol *policy.Policy,
	users store.UserProvider,
	st store.Store,
	syncer *extensions.Syncer,
	eventBus bus.EventBus,
	dockerCfg config.DockerConfig,
	poolCfg config.PoolConfig,
	execCfg config.ExecutorConfig,
	log *logger.Logger,
) *Pool {
	return &Pool{
		handles:   make(map[string]*Handle),
		userMus:   make(map[string]*sync.Mutex),
		runtime:   runtime,
		policy:    pol,
		users:     users,
		store:     st,
		syncer:    syncer,
		bus:       eventBus,
		dockerCfg: dockerCfg,
		poolCfg:   poolCfg,
		execCfg:   execCfg,
		logger:    log,
	}
}

// ContainerName returns the deterministic runtime name for a user.
func ContainerName(userID string) string {
	return "agentdock-user-" + userID
}

// userMutex returns the per-user mutex, creating it under the registry
// mutex if needed.
func (p *Pool) userMutex(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.userMus[userID]
	if !ok {
		mu = &sync.Mutex{}
		p.userMus[userID] = mu
	}
	return mu
}

func (p *Pool) getHandle(userID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[userID]
	return h, ok
}

// GetOrCreate returns a running container for the user, creating one if
// none exists. Double-checked: the handle map is read first; on miss the
// per-user mutex is taken, the map re-checked, and only then is a
// container created. The registry mutex is never held across a blocking
// runtime call.
func (p *Pool) GetOrCreate(ctx context.Context, userID string) (*Handle, error) {
	if h, ok := p.getHandle(userID); ok && h.Status == store.StatusRunning {
		return h, nil
	}

	mu := p.userMutex(userID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check: another command may have created it while we waited.
	if h, ok := p.getHandle(userID); ok && h.Status == store.StatusRunning {
		return h, nil
	}

	h, err := p.create(ctx, userID)
	if err != nil && apperrors.IsTransient(err) && ctx.Err() == nil {
		p.logger.Warn("Transient create failure, retrying once",
			zap.String("user_id", userID), zap.Error(err))
		h, err = p.create(ctx, userID)
	}
	return h, err
}

// create runs the full creation procedure. The caller holds the user
// mutex.
func (p *Pool) create(ctx context.Context, userID string) (*Handle, error) {
	log := p.logger.WithUserID(userID)

	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load user")
	}
	bundle, err := p.policy.Resolve(user)
	if err != nil {
		return nil, err
	}

	name := ContainerName(userID)

	// A dead or stopped container from a previous life may still hold
	// the deterministic name; remove it so the create below cannot hit a
	// name conflict.
	if info, ierr := p.runtime.Inspect(ctx, name); ierr == nil {
		log.Info("Removing stale container holding user name",
			zap.String("container_id", info.ID))
		if err := p.runtime.Remove(ctx, info.ID, true); err != nil {
			return nil, err
		}
	}

	if _, err := p.runtime.EnsureNetwork(ctx, p.dockerCfg.Network); err != nil {
		return nil, err
	}
	if err := p.runtime.EnsureImage(ctx, p.dockerCfg.Image); err != nil {
		return nil, err
	}

	workspace, configDir, err := p.prepareWorkspace(userID)
	if err != nil {
		return nil, apperrors.Internal("failed to prepare workspace", err)
	}

	containerID, err := p.runtime.Create(ctx, docker.CreateOptions{
		Name:       name,
		Image:      p.dockerCfg.Image,
		WorkingDir: WorkspaceMount,
		Env:        p.containerEnv(),
		Mounts: []docker.MountConfig{
			{Source: workspace, Target: WorkspaceMount},
			{Source: configDir, Target: ConfigMount},
		},
		NetworkMode: p.dockerCfg.Network,
		Labels: map[string]string{
			labelManaged: "true",
			labelUserID:  userID,
		},
		MemoryBytes:  bundle.MemoryBytes,
		NanoCPUs:     bundle.NanoCPUs(),
		PidsLimit:    bundle.PidsLimit,
		SecurityOpts: bundle.SecurityOpts,
		CapDrop:      bundle.CapDrop,
	})
	if err != nil {
		p.publishEvent(ctx, events.ContainerFailed, userID, "", err.Error())
		return nil, err
	}

	cleanup := func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.runtime.Remove(removeCtx, containerID, true); err != nil {
			log.Warn("Failed to remove container after create failure", zap.Error(err))
		}
	}

	if err := p.runtime.Start(ctx, containerID); err != nil {
		cleanup()
		p.publishEvent(ctx, events.ContainerFailed, userID, containerID, err.Error())
		return nil, err
	}

	if err := p.awaitReady(ctx, containerID); err != nil {
		cleanup()
		p.publishEvent(ctx, events.ContainerFailed, userID, containerID, err.Error())
		return nil, err
	}

	// Extension sync failures are reported but non-fatal: the container
	// is usable without extensions.
	if err := p.syncExtensions(ctx, userID, containerID); err != nil {
		log.Warn("Extension sync failed", zap.Error(err))
	}

	now := time.Now().UTC()
	handle := &Handle{
		UserID:      userID,
		ContainerID: containerID,
		Name:        name,
		Status:      store.StatusRunning,
		CreatedAt:   now,
		LastActive:  now,
	}

	if err := p.store.SaveContainer(ctx, &store.ContainerRecord{
		UserID:        userID,
		ContainerID:   containerID,
		ContainerName: name,
		Status:        store.StatusRunning,
		CreatedAt:     now,
		LastActive:    now,
		ResourceUsage: map[string]string{
			"tier":         bundle.Tier,
			"memory_bytes": fmt.Sprintf("%d", bundle.MemoryBytes),
			"cpus":         fmt.Sprintf("%g", bundle.CPUs),
		},
	}); err != nil {
		cleanup()
		return nil, apperrors.Wrap(err, "failed to persist container record")
	}

	p.mu.Lock()
	p.handles[userID] = handle
	p.mu.Unlock()

	p.saveSnapshot(ctx, handle)
	p.publishEvent(ctx, events.ContainerCreated, userID, containerID, "")

	log.Info("Container created",
		zap.String("container_id", containerID),
		zap.String("tier", bundle.Tier))
	return handle, nil
}

// prepareWorkspace creates the per-user host directories bind-mounted
// into the container.
func (p *Pool) prepareWorkspace(userID string) (workspace, configDir string, err error) {
	userRoot := filepath.Join(p.dockerCfg.DataRoot, "users", "user_"+userID)
	workspace = filepath.Join(userRoot, "workspace")
	configDir = filepath.Join(workspace, ".claude")

	for _, dir := range []string{workspace, configDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", "", err
		}
	}
	return workspace, configDir, nil
}

func (p *Pool) containerEnv() []string {
	env := []string{}
	if p.execCfg.APIBaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+p.execCfg.APIBaseURL)
	}
	if p.execCfg.APIToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+p.execCfg.APIToken)
	}
	if p.execCfg.Model != "" {
		env = append(env, "AGENT_MODEL="+p.execCfg.Model)
	}
	if p.execCfg.ContextWindow > 0 {
		env = append(env, fmt.Sprintf("AGENT_CONTEXT_WINDOW=%d", p.execCfg.ContextWindow))
	}
	return env
}

// awaitReady polls an exec probe until it succeeds or the readiness
// deadline elapses.
func (p *Pool) awaitReady(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(p.poolCfg.ReadinessTimeoutDuration())

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		code, err := p.runtime.ExecProbe(probeCtx, containerID, []string{"echo", "ready"})
		cancel()
		if err == nil && code == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return apperrors.Timeout("container readiness probe")
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return apperrors.Timeout("container readiness probe")
		}
	}
}

func (p *Pool) syncExtensions(ctx context.Context, userID, containerID string) error {
	if p.syncer == nil {
		return nil
	}
	b, err := p.syncer.BuildBundle(userID)
	if err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	return p.runtime.CopyIn(ctx, containerID, ConfigMount, b.Reader())
}

// MarkActive touches the handle's last-active timestamp. Called on every
// inbound command; persistence is best-effort.
func (p *Pool) MarkActive(ctx context.Context, userID string) {
	now := time.Now().UTC()

	p.mu.Lock()
	h, ok := p.handles[userID]
	if ok {
		h.LastActive = now
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.store.TouchContainer(ctx, userID, now); err != nil {
		p.logger.Warn("Failed to persist last_active",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// Stop stops the user's container. Idempotent.
func (p *Pool) Stop(ctx context.Context, userID string) error {
	h, ok := p.getHandle(userID)
	if !ok {
		return nil
	}

	p.setStatus(ctx, h, store.StatusStopping)
	if err := p.runtime.Stop(ctx, h.ContainerID, stopTimeout); err != nil {
		return err
	}
	p.setStatus(ctx, h, store.StatusStopped)
	return nil
}

// Remove stops and removes the user's container and forgets its record.
// Idempotent.
func (p *Pool) Remove(ctx context.Context, userID string) error {
	h, ok := p.getHandle(userID)
	if !ok {
		return nil
	}

	p.setStatus(ctx, h, store.StatusStopping)
	if err := p.runtime.Stop(ctx, h.ContainerID, stopTimeout); err != nil {
		p.logger.Warn("Stop before remove failed",
			zap.String("container_id", h.ContainerID), zap.Error(err))
	}
	if err := p.runtime.Remove(ctx, h.ContainerID, true); err != nil {
		return err
	}

	p.forget(ctx, userID, h.ContainerID)
	p.publishEvent(ctx, events.ContainerRemoved, userID, h.ContainerID, "")
	return nil
}

// HandleContainerFailure transitions the record to failed and forgets the
// handle so the next GetOrCreate re-creates. Called when an exec reports
// the container is gone.
func (p *Pool) HandleContainerFailure(ctx context.Context, userID string) {
	h, ok := p.getHandle(userID)
	if !ok {
		return
	}

	if err := p.store.UpdateContainerStatus(ctx, h.ContainerID, store.StatusFailed); err != nil && !apperrors.IsNotFound(err) {
		p.logger.Warn("Failed to persist failed status", zap.Error(err))
	}
	// The dead container still holds the user's deterministic name;
	// remove it so the next create can reuse the name.
	if err := p.runtime.Remove(ctx, h.ContainerID, true); err != nil {
		p.logger.Warn("Failed to remove lost container",
			zap.String("container_id", h.ContainerID), zap.Error(err))
	}
	p.forget(ctx, userID, h.ContainerID)
	p.publishEvent(ctx, events.ContainerFailed, userID, h.ContainerID, "runtime lost container")

	p.logger.Warn("Container lost, record demoted to failed",
		zap.String("user_id", userID),
		zap.String("container_id", h.ContainerID))
}

// ListActive returns snapshots of all pooled handles.
func (p *Pool) ListActive() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, *h)
	}
	return out
}

// IdleCandidates returns handles whose last activity is older than the
// threshold. The janitor cross-checks live sessions before reaping.
func (p *Pool) IdleCandidates(threshold time.Duration) []Handle {
	cutoff := time.Now().UTC().Add(-threshold)

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Handle
	for _, h := range p.handles {
		if h.LastActive.Before(cutoff) {
			out = append(out, *h)
		}
	}
	return out
}

// RestoreFromPersistence reconciles persisted records with the actual
// runtime state on boot. Records whose container no longer exists are
// purged; running containers with a running record are re-adopted.
// Runtime containers without records are left alone: the pool is
// authoritative only about its own creations.
func (p *Pool) RestoreFromPersistence(ctx context.Context) error {
	records, err := p.store.ListContainers(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to list persisted containers")
	}

	restored, purged := 0, 0
	for _, rec := range records {
		info, err := p.runtime.Inspect(ctx, rec.ContainerID)
		if err != nil || !info.Running {
			if err := p.store.DeleteContainer(ctx, rec.ContainerID); err != nil {
				p.logger.Warn("Failed to purge stale record", zap.Error(err))
			}
			if err := p.store.DeleteState(ctx, rec.UserID); err != nil && !apperrors.IsNotFound(err) {
				p.logger.Warn("Failed to purge stale snapshot", zap.Error(err))
			}
			purged++
			continue
		}

		handle := &Handle{
			UserID:      rec.UserID,
			ContainerID: rec.ContainerID,
			Name:        rec.ContainerName,
			Status:      store.StatusRunning,
			CreatedAt:   rec.CreatedAt,
			LastActive:  rec.LastActive,
		}
		p.mu.Lock()
		p.handles[rec.UserID] = handle
		p.mu.Unlock()
		restored++
	}

	p.logger.Info("Pool restored from persistence",
		zap.Int("restored", restored),
		zap.Int("purged", purged))
	return nil
}

func (p *Pool) setStatus(ctx context.Context, h *Handle, status string) {
	p.mu.Lock()
	h.Status = status
	p.mu.Unlock()

	if err := p.store.UpdateContainerStatus(ctx, h.ContainerID, status); err != nil && !apperrors.IsNotFound(err) {
		p.logger.Warn("Failed to persist container status",
			zap.String("container_id", h.ContainerID),
			zap.String("status", status),
			zap.Error(err))
	}
	p.saveSnapshot(ctx, h)
}

func (p *Pool) forget(ctx context.Context, userID, containerID string) {
	p.mu.Lock()
	delete(p.handles, userID)
	p.mu.Unlock()

	if err := p.store.DeleteContainer(ctx, containerID); err != nil {
		p.logger.Warn("Failed to delete container record", zap.Error(err))
	}
	if err := p.store.DeleteState(ctx, userID); err != nil && !apperrors.IsNotFound(err) {
		p.logger.Warn("Failed to delete state snapshot", zap.Error(err))
	}
}

// saveSnapshot persists the serialized handle for restart recovery.
func (p *Pool) saveSnapshot(ctx context.Context, h *Handle) {
	p.mu.Lock()
	data, err := json.Marshal(h)
	p.mu.Unlock()
	if err != nil {
		return
	}
	if err := p.store.SaveState(ctx, h.UserID, data); err != nil {
		p.logger.Warn("Failed to persist state snapshot",
			zap.String("user_id", h.UserID), zap.Error(err))
	}
}

func (p *Pool) publishEvent(ctx context.Context, eventType, userID, containerID, detail string) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{"user_id": userID}
	if containerID != "" {
		data["container_id"] = containerID
	}
	if detail != "" {
		data["detail"] = detail
	}
	if err := p.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "pool", data)); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
