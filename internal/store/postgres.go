package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// PostgresStore provides PostgreSQL-based persistence for multi-replica
// deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Internal("failed to connect to postgres", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Internal("failed to ping postgres", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Internal("failed to initialize schema", err)
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_containers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		container_id TEXT NOT NULL UNIQUE,
		container_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_active TIMESTAMPTZ NOT NULL,
		resource_usage JSONB DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS container_metrics (
		id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL,
		cpu_percent DOUBLE PRECISION NOT NULL,
		memory_used BIGINT NOT NULL,
		memory_limit BIGINT NOT NULL,
		memory_percent DOUBLE PRECISION NOT NULL,
		disk_used BIGINT DEFAULT 0,
		network_rx BIGINT DEFAULT 0,
		network_tx BIGINT DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS container_states (
		user_id TEXT PRIMARY KEY,
		state_data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_containers_user_id ON user_containers(user_id);
	CREATE INDEX IF NOT EXISTS idx_container_metrics_container_id ON container_metrics(container_id);
	CREATE INDEX IF NOT EXISTS idx_container_metrics_recorded_at ON container_metrics(recorded_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveContainer inserts or replaces the container record for a user
func (s *PostgresStore) SaveContainer(ctx context.Context, rec *ContainerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastActive.IsZero() {
		rec.LastActive = rec.CreatedAt
	}

	usage, err := json.Marshal(rec.ResourceUsage)
	if err != nil {
		usage = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_containers (id, user_id, container_id, container_name, status, created_at, last_active, resource_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (container_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_active = EXCLUDED.last_active,
			resource_usage = EXCLUDED.resource_usage
	`, rec.ID, rec.UserID, rec.ContainerID, rec.ContainerName, rec.Status, rec.CreatedAt, rec.LastActive, usage)

	return err
}

// GetContainerByUser returns the most recent container record for a user
func (s *PostgresStore) GetContainerByUser(ctx context.Context, userID string) (*ContainerRecord, error) {
	rec := &ContainerRecord{}
	var usage []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, container_id, container_name, status, created_at, last_active, resource_usage
		FROM user_containers WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&rec.ID, &rec.UserID, &rec.ContainerID, &rec.ContainerName, &rec.Status, &rec.CreatedAt, &rec.LastActive, &usage)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("container", userID)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(usage, &rec.ResourceUsage)
	return rec, nil
}

// ListContainers returns all container records
func (s *PostgresStore) ListContainers(ctx context.Context) ([]*ContainerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, container_id, container_name, status, created_at, last_active, resource_usage
		FROM user_containers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ContainerRecord
	for rows.Next() {
		rec := &ContainerRecord{}
		var usage []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ContainerID, &rec.ContainerName, &rec.Status, &rec.CreatedAt, &rec.LastActive, &usage); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(usage, &rec.ResourceUsage)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// UpdateContainerStatus sets the status of a container record
func (s *PostgresStore) UpdateContainerStatus(ctx context.Context, containerID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_containers SET status = $1 WHERE container_id = $2
	`, status, containerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("container", containerID)
	}
	return nil
}

// TouchContainer updates last_active for a user's container
func (s *PostgresStore) TouchContainer(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_containers SET last_active = $1 WHERE user_id = $2
	`, at.UTC(), userID)
	return err
}

// DeleteContainer removes a container record
func (s *PostgresStore) DeleteContainer(ctx context.Context, containerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_containers WHERE container_id = $1`, containerID)
	return err
}

// InsertMetrics records one metrics sample
func (s *PostgresStore) InsertMetrics(ctx context.Context, sample *MetricsSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO container_metrics (id, container_id, cpu_percent, memory_used, memory_limit, memory_percent, disk_used, network_rx, network_tx, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sample.ID, sample.ContainerID, sample.CPUPercent, sample.MemoryUsed, sample.MemoryLimit, sample.MemoryPercent, sample.DiskUsed, sample.NetworkRx, sample.NetworkTx, sample.RecordedAt)

	return err
}

// ListMetrics returns samples for a container recorded after since
func (s *PostgresStore) ListMetrics(ctx context.Context, containerID string, since time.Time) ([]*MetricsSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, container_id, cpu_percent, memory_used, memory_limit, memory_percent, disk_used, network_rx, network_tx, recorded_at
		FROM container_metrics WHERE container_id = $1 AND recorded_at >= $2 ORDER BY recorded_at
	`, containerID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MetricsSample
	for rows.Next() {
		sample := &MetricsSample{}
		if err := rows.Scan(&sample.ID, &sample.ContainerID, &sample.CPUPercent, &sample.MemoryUsed, &sample.MemoryLimit, &sample.MemoryPercent, &sample.DiskUsed, &sample.NetworkRx, &sample.NetworkTx, &sample.RecordedAt); err != nil {
			return nil, err
		}
		result = append(result, sample)
	}
	return result, rows.Err()
}

// PruneMetrics deletes samples recorded before the cutoff
func (s *PostgresStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM container_metrics WHERE recorded_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SaveState upserts the pool state snapshot for a user
func (s *PostgresStore) SaveState(ctx context.Context, userID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO container_states (user_id, state_data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at
	`, userID, data, time.Now().UTC())
	return err
}

// GetState returns the pool state snapshot for a user
func (s *PostgresStore) GetState(ctx context.Context, userID string) (*StateSnapshot, error) {
	snap := &StateSnapshot{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, state_data, updated_at FROM container_states WHERE user_id = $1
	`, userID).Scan(&snap.UserID, &snap.StateData, &snap.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("state", userID)
	}
	return snap, err
}

// DeleteState removes the pool state snapshot for a user
func (s *PostgresStore) DeleteState(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM container_states WHERE user_id = $1`, userID)
	return err
}
