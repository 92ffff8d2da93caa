package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/store"
)

type fakePool struct {
	candidates []pool.Handle
	removed    []string
	removeErr  error
}

func (f *fakePool) IdleCandidates(time.Duration) []pool.Handle { return f.candidates }

func (f *fakePool) Remove(_ context.Context, userID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, userID)
	return nil
}

type fakeRegistry struct {
	live  map[string]bool
	swept int
}

func (f *fakeRegistry) HasLiveSessions(userID string) bool { return f.live[userID] }
func (f *fakeRegistry) SweepTerminal(time.Time) int        { return f.swept }

func testJanitor(t *testing.T, p ContainerPool, reg SessionRegistry, st store.Store) *Janitor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	return New(p, reg, st, nil,
		config.PoolConfig{IdleThreshold: 7200, SweepInterval: 1800},
		config.SessionConfig{CompletionGrace: 1800, SweepInterval: 300},
		config.MetricsConfig{Retention: 86400, PruneInterval: 3600},
		log)
}

func TestSweepContainersSkipsLiveSessions(t *testing.T) {
	p := &fakePool{candidates: []pool.Handle{
		{UserID: "1", ContainerID: "c-1"},
		{UserID: "2", ContainerID: "c-2"},
	}}
	reg := &fakeRegistry{live: map[string]bool{"2": true}}

	j := testJanitor(t, p, reg, store.NewMemoryStore())
	j.SweepContainers(context.Background())

	assert.Equal(t, []string{"1"}, p.removed)
}

func TestSweepContainersToleratesRemoveErrors(t *testing.T) {
	p := &fakePool{
		candidates: []pool.Handle{{UserID: "1", ContainerID: "c-1"}},
		removeErr:  assert.AnError,
	}
	j := testJanitor(t, p, &fakeRegistry{}, store.NewMemoryStore())

	// Must not panic; the container is retried on the next sweep
	j.SweepContainers(context.Background())
	assert.Empty(t, p.removed)
}

func TestSweepSessions(t *testing.T) {
	reg := &fakeRegistry{swept: 3}
	j := testJanitor(t, &fakePool{}, reg, store.NewMemoryStore())

	// Just exercises the path; the registry owns the cutoff arithmetic
	j.SweepSessions(context.Background())
}

func TestPruneMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	old := &store.MetricsSample{ContainerID: "c-1", CPUPercent: 1, RecordedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &store.MetricsSample{ContainerID: "c-1", CPUPercent: 2, RecordedAt: time.Now().UTC()}
	require.NoError(t, st.InsertMetrics(ctx, old))
	require.NoError(t, st.InsertMetrics(ctx, fresh))

	j := testJanitor(t, &fakePool{}, &fakeRegistry{}, st)
	j.PruneMetrics(ctx)

	samples, err := st.ListMetrics(ctx, "c-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, float64(2), samples[0].CPUPercent)
}

func TestStartStop(t *testing.T) {
	j := testJanitor(t, &fakePool{}, &fakeRegistry{}, store.NewMemoryStore())
	j.Start(context.Background())
	j.Stop()
}
