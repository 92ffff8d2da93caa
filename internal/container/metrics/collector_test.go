package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/store"
)

type fakeSampler struct {
	samples map[string]docker.StatsSample
	fail    bool
}

func (f *fakeSampler) Stats(_ context.Context, containerID string) (<-chan docker.StatsSample, error) {
	if f.fail {
		return nil, apperrors.ContainerUnavailable("gone", nil)
	}
	ch := make(chan docker.StatsSample, 1)
	if s, ok := f.samples[containerID]; ok {
		ch <- s
	}
	close(ch)
	return ch, nil
}

type fakeLister struct {
	handles []pool.Handle
}

func (f *fakeLister) ListActive() []pool.Handle { return f.handles }

func testCollector(t *testing.T, sampler Sampler, lister ContainerLister, st store.Store) *Collector {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewCollector(sampler, lister, st, config.MetricsConfig{SampleInterval: 60}, log)
}

func TestCollectOnceRecordsRunningContainers(t *testing.T) {
	st := store.NewMemoryStore()
	sampler := &fakeSampler{samples: map[string]docker.StatsSample{
		"c-1": {ContainerID: "c-1", CPUPercent: 42, MemoryUsed: 256 << 20, MemoryLimit: 1 << 30, MemoryPercent: 25, ReadAt: time.Now().UTC()},
	}}
	lister := &fakeLister{handles: []pool.Handle{
		{UserID: "1", ContainerID: "c-1", Status: store.StatusRunning},
		{UserID: "2", ContainerID: "c-2", Status: store.StatusStopped},
	}}

	c := testCollector(t, sampler, lister, st)
	c.collectOnce(context.Background())

	samples, err := st.ListMetrics(context.Background(), "c-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, float64(42), samples[0].CPUPercent)

	// Stopped containers are skipped
	samples, err = st.ListMetrics(context.Background(), "c-2", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCollectOnceToleratesSamplerErrors(t *testing.T) {
	st := store.NewMemoryStore()
	sampler := &fakeSampler{fail: true}
	lister := &fakeLister{handles: []pool.Handle{{UserID: "1", ContainerID: "c-1", Status: store.StatusRunning}}}

	c := testCollector(t, sampler, lister, st)
	c.collectOnce(context.Background())

	samples, err := st.ListMetrics(context.Background(), "c-1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCollectorStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	c := testCollector(t, &fakeSampler{}, &fakeLister{}, st)

	c.Start(context.Background())
	c.Stop()
}
