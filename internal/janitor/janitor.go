// Package janitor runs the periodic background sweeps: reaping idle
// containers, removing lingering terminal sessions, and pruning old
// metrics. Every sweep is idempotent, so overlapping or restarted
// sweeps are harmless.
package janitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/store"
)

// ContainerPool is the slice of the pool the janitor needs.
type ContainerPool interface {
	IdleCandidates(threshold time.Duration) []pool.Handle
	Remove(ctx context.Context, userID string) error
}

// SessionRegistry is the slice of the registry the janitor needs.
type SessionRegistry interface {
	HasLiveSessions(userID string) bool
	SweepTerminal(olderThan time.Time) int
}

// Janitor owns the engine's background sweeps.
type Janitor struct {
	pool     ContainerPool
	registry SessionRegistry
	store    store.Store
	eventBus bus.EventBus

	poolCfg    config.PoolConfig
	sessionCfg config.SessionConfig
	metricsCfg config.MetricsConfig

	logger *logger.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a janitor.
func New(p ContainerPool, registry SessionRegistry, st store.Store, eventBus bus.EventBus,
	poolCfg config.PoolConfig, sessionCfg config.SessionConfig, metricsCfg config.MetricsConfig,
	log *logger.Logger) *Janitor {
	return &Janitor{
		pool:       p,
		registry:   registry,
		store:      st,
		eventBus:   eventBus,
		poolCfg:    poolCfg,
		sessionCfg: sessionCfg,
		metricsCfg: metricsCfg,
		logger:     log.WithFields(zap.String("component", "janitor")),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the three sweep loops.
func (j *Janitor) Start(ctx context.Context) {
	j.loop(ctx, j.poolCfg.SweepIntervalDuration(), j.SweepContainers)
	j.loop(ctx, j.sessionCfg.SweepIntervalDuration(), j.SweepSessions)
	j.loop(ctx, j.metricsCfg.PruneIntervalDuration(), j.PruneMetrics)
}

// Stop terminates all sweep loops and waits for them.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	if interval <= 0 {
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sweep(ctx)
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SweepContainers removes containers idle past the threshold. A
// container with any live session is never reaped, no matter how old
// its idle clock is.
func (j *Janitor) SweepContainers(ctx context.Context) {
	reaped := 0
	for _, h := range j.pool.IdleCandidates(j.poolCfg.IdleThresholdDuration()) {
		if j.registry.HasLiveSessions(h.UserID) {
			continue
		}
		if err := j.pool.Remove(ctx, h.UserID); err != nil {
			j.logger.Warn("Failed to reap idle container",
				zap.String("user_id", h.UserID),
				zap.String("container_id", h.ContainerID),
				zap.Error(err))
			continue
		}
		reaped++
		j.logger.Info("Reaped idle container",
			zap.String("user_id", h.UserID),
			zap.String("container_id", h.ContainerID))
	}

	if reaped > 0 {
		j.publish(ctx, events.ContainersReaped, map[string]interface{}{"count": reaped})
	}
}

// SweepSessions removes terminal sessions that outlived the completion
// grace period.
func (j *Janitor) SweepSessions(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.sessionCfg.CompletionGraceDuration())
	removed := j.registry.SweepTerminal(cutoff)
	if removed > 0 {
		j.logger.Info("Swept terminal sessions", zap.Int("count", removed))
		j.publish(ctx, events.SessionsSwept, map[string]interface{}{"count": removed})
	}
}

// PruneMetrics deletes metrics rows older than the retention window.
func (j *Janitor) PruneMetrics(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.metricsCfg.RetentionDuration())
	pruned, err := j.store.PruneMetrics(ctx, cutoff)
	if err != nil {
		j.logger.Warn("Failed to prune metrics", zap.Error(err))
		return
	}
	if pruned > 0 {
		j.logger.Debug("Pruned metrics", zap.Int64("count", pruned))
		j.publish(ctx, events.MetricsPruned, map[string]interface{}{"count": pruned})
	}
}

func (j *Janitor) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if j.eventBus == nil {
		return
	}
	if err := j.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "janitor", data)); err != nil {
		j.logger.Debug("Failed to publish janitor event", zap.Error(err))
	}
}
