package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// storeUnderTest runs the shared suite against both backends that do not
// need an external server.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestContainerRecordLifecycle(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := &ContainerRecord{
				UserID:        "42",
				ContainerID:   "c-abc",
				ContainerName: "agentdock-user-42",
				Status:        StatusCreating,
			}
			require.NoError(t, s.SaveContainer(ctx, rec))
			assert.NotEmpty(t, rec.ID)

			got, err := s.GetContainerByUser(ctx, "42")
			require.NoError(t, err)
			assert.Equal(t, "agentdock-user-42", got.ContainerName)
			assert.Equal(t, StatusCreating, got.Status)

			require.NoError(t, s.UpdateContainerStatus(ctx, "c-abc", StatusRunning))
			got, err = s.GetContainerByUser(ctx, "42")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)

			touch := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
			require.NoError(t, s.TouchContainer(ctx, "42", touch))
			got, err = s.GetContainerByUser(ctx, "42")
			require.NoError(t, err)
			assert.WithinDuration(t, touch, got.LastActive, time.Second)

			all, err := s.ListContainers(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, s.DeleteContainer(ctx, "c-abc"))
			_, err = s.GetContainerByUser(ctx, "42")
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestSaveContainerUpsertsByContainerID(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := &ContainerRecord{UserID: "7", ContainerID: "c-1", ContainerName: "agentdock-user-7", Status: StatusRunning}
			require.NoError(t, s.SaveContainer(ctx, rec))

			rec.Status = StatusStopped
			require.NoError(t, s.SaveContainer(ctx, rec))

			all, err := s.ListContainers(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, StatusStopped, all[0].Status)
		})
	}
}

func TestUpdateStatusUnknownContainer(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			err := s.UpdateContainerStatus(context.Background(), "missing", StatusFailed)
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestMetricsInsertListPrune(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			old := &MetricsSample{ContainerID: "c-1", CPUPercent: 12.5, MemoryUsed: 1 << 28, MemoryLimit: 1 << 30, MemoryPercent: 25, RecordedAt: now.Add(-2 * time.Hour)}
			recent := &MetricsSample{ContainerID: "c-1", CPUPercent: 50, MemoryUsed: 1 << 29, MemoryLimit: 1 << 30, MemoryPercent: 50, RecordedAt: now}
			require.NoError(t, s.InsertMetrics(ctx, old))
			require.NoError(t, s.InsertMetrics(ctx, recent))

			samples, err := s.ListMetrics(ctx, "c-1", now.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, samples, 1)
			assert.Equal(t, float64(50), samples[0].CPUPercent)

			pruned, err := s.PruneMetrics(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), pruned)

			samples, err = s.ListMetrics(ctx, "c-1", time.Time{})
			require.NoError(t, err)
			assert.Len(t, samples, 1)
		})
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SaveState(ctx, "42", []byte(`{"status":"running"}`)))
			require.NoError(t, s.SaveState(ctx, "42", []byte(`{"status":"stopped"}`)))

			snap, err := s.GetState(ctx, "42")
			require.NoError(t, err)
			assert.JSONEq(t, `{"status":"stopped"}`, string(snap.StateData))

			require.NoError(t, s.DeleteState(ctx, "42"))
			_, err = s.GetState(ctx, "42")
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestStaticUserProvider(t *testing.T) {
	p := &StaticUserProvider{}
	u, err := p.GetUser(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "free", u.Tier)

	p.Tier = "pro"
	u, err = p.GetUser(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "pro", u.Tier)
}
