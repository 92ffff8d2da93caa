// Package metrics periodically samples resource usage of pooled
// containers into the container_metrics table.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/store"
)

// Sampler provides stats streams; satisfied by the Docker gateway.
type Sampler interface {
	Stats(ctx context.Context, containerID string) (<-chan docker.StatsSample, error)
}

// ContainerLister provides the set of containers to sample; satisfied by
// the pool.
type ContainerLister interface {
	ListActive() []pool.Handle
}

// Collector samples container stats on a fixed interval.
type Collector struct {
	sampler  Sampler
	pool     ContainerLister
	store    store.Store
	interval time.Duration
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a metrics collector.
func NewCollector(sampler Sampler, lister ContainerLister, st store.Store, cfg config.MetricsConfig, log *logger.Logger) *Collector {
	return &Collector{
		sampler:  sampler,
		pool:     lister,
		store:    st,
		interval: cfg.SampleIntervalDuration(),
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectOnce(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// collectOnce takes one sample from every running container.
func (c *Collector) collectOnce(ctx context.Context) {
	for _, h := range c.pool.ListActive() {
		if h.Status != store.StatusRunning {
			continue
		}
		if err := c.sampleContainer(ctx, h.ContainerID); err != nil {
			c.logger.Debug("Stats sample failed",
				zap.String("container_id", h.ContainerID),
				zap.Error(err))
		}
	}
}

func (c *Collector) sampleContainer(ctx context.Context, containerID string) error {
	sampleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ch, err := c.sampler.Stats(sampleCtx, containerID)
	if err != nil {
		return err
	}

	sample, ok := <-ch
	// Cancel the stream before draining the rest
	cancel()
	for range ch {
	}
	if !ok {
		return nil
	}

	return c.store.InsertMetrics(ctx, &store.MetricsSample{
		ContainerID:   sample.ContainerID,
		CPUPercent:    sample.CPUPercent,
		MemoryUsed:    sample.MemoryUsed,
		MemoryLimit:   sample.MemoryLimit,
		MemoryPercent: sample.MemoryPercent,
		NetworkRx:     sample.NetworkRx,
		NetworkTx:     sample.NetworkTx,
		RecordedAt:    sample.ReadAt,
	})
}
