package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// MemoryStore provides in-memory persistence for tests and development
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]*ContainerRecord // keyed by container_id
	metrics    []*MetricsSample
	states     map[string]*StateSnapshot // keyed by user_id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]*ContainerRecord),
		states:     make(map[string]*StateSnapshot),
	}
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *ContainerRecord) *ContainerRecord {
	out := *rec
	if rec.ResourceUsage != nil {
		out.ResourceUsage = make(map[string]string, len(rec.ResourceUsage))
		for k, v := range rec.ResourceUsage {
			out.ResourceUsage[k] = v
		}
	}
	return &out
}

// SaveContainer inserts or replaces the container record for a user
func (s *MemoryStore) SaveContainer(_ context.Context, rec *ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastActive.IsZero() {
		rec.LastActive = rec.CreatedAt
	}

	s.containers[rec.ContainerID] = copyRecord(rec)
	return nil
}

// GetContainerByUser returns the most recent container record for a user
func (s *MemoryStore) GetContainerByUser(_ context.Context, userID string) (*ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *ContainerRecord
	for _, rec := range s.containers {
		if rec.UserID != userID {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("container", userID)
	}
	return copyRecord(latest), nil
}

// ListContainers returns all container records
func (s *MemoryStore) ListContainers(_ context.Context) ([]*ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ContainerRecord, 0, len(s.containers))
	for _, rec := range s.containers {
		result = append(result, copyRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateContainerStatus sets the status of a container record
func (s *MemoryStore) UpdateContainerStatus(_ context.Context, containerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.containers[containerID]
	if !ok {
		return apperrors.NotFound("container", containerID)
	}
	rec.Status = status
	return nil
}

// TouchContainer updates last_active for a user's container
func (s *MemoryStore) TouchContainer(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.containers {
		if rec.UserID == userID {
			rec.LastActive = at.UTC()
		}
	}
	return nil
}

// DeleteContainer removes a container record
func (s *MemoryStore) DeleteContainer(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.containers, containerID)
	return nil
}

// InsertMetrics records one metrics sample
func (s *MemoryStore) InsertMetrics(_ context.Context, sample *MetricsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	cp := *sample
	s.metrics = append(s.metrics, &cp)
	return nil
}

// ListMetrics returns samples for a container recorded after since
func (s *MemoryStore) ListMetrics(_ context.Context, containerID string, since time.Time) ([]*MetricsSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*MetricsSample
	for _, sample := range s.metrics {
		if sample.ContainerID != containerID || sample.RecordedAt.Before(since) {
			continue
		}
		cp := *sample
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})
	return result, nil
}

// PruneMetrics deletes samples recorded before the cutoff
func (s *MemoryStore) PruneMetrics(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	var pruned int64
	for _, sample := range s.metrics {
		if sample.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, sample)
	}
	s.metrics = kept
	return pruned, nil
}

// SaveState upserts the pool state snapshot for a user
func (s *MemoryStore) SaveState(_ context.Context, userID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.states[userID] = &StateSnapshot{
		UserID:    userID,
		StateData: cp,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// GetState returns the pool state snapshot for a user
func (s *MemoryStore) GetState(_ context.Context, userID string) (*StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.states[userID]
	if !ok {
		return nil, apperrors.NotFound("state", userID)
	}
	cp := *snap
	return &cp, nil
}

// DeleteState removes the pool state snapshot for a user
func (s *MemoryStore) DeleteState(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, userID)
	return nil
}
