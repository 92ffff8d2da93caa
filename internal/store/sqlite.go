package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// SQLiteStore provides SQLite-based persistence
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Internal("failed to open database", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Internal("failed to initialize schema", err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_containers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		container_id TEXT NOT NULL UNIQUE,
		container_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_active DATETIME NOT NULL,
		resource_usage TEXT DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS container_metrics (
		id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_used INTEGER NOT NULL,
		memory_limit INTEGER NOT NULL,
		memory_percent REAL NOT NULL,
		disk_used INTEGER DEFAULT 0,
		network_rx INTEGER DEFAULT 0,
		network_tx INTEGER DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS container_states (
		user_id TEXT PRIMARY KEY,
		state_data BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_containers_user_id ON user_containers(user_id);
	CREATE INDEX IF NOT EXISTS idx_container_metrics_container_id ON container_metrics(container_id);
	CREATE INDEX IF NOT EXISTS idx_container_metrics_recorded_at ON container_metrics(recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveContainer inserts or replaces the container record for a user
func (s *SQLiteStore) SaveContainer(ctx context.Context, rec *ContainerRecord) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_containers (id, user_id, container_id, container_name, status, created_at, last_active, resource_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			status = excluded.status,
			last_active = excluded.last_active,
			resource_usage = excluded.resource_usage
	`, rec.ID, rec.UserID, rec.ContainerID, rec.ContainerName, rec.Status, rec.CreatedAt, rec.LastActive, string(usage))

	return err
}

// GetContainerByUser returns the most recent container record for a user
func (s *SQLiteStore) GetContainerByUser(ctx context.Context, userID string) (*ContainerRecord, error) {
	rec := &ContainerRecord{}
	var usage string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, container_id, container_name, status, created_at, last_active, resource_usage
		FROM user_containers WHERE user_id = ? ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&rec.ID, &rec.UserID, &rec.ContainerID, &rec.ContainerName, &rec.Status, &rec.CreatedAt, &rec.LastActive, &usage)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("container", userID)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(usage), &rec.ResourceUsage)
	return rec, nil
}

// ListContainers returns all container records
func (s *SQLiteStore) ListContainers(ctx context.Context) ([]*ContainerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var usage string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ContainerID, &rec.ContainerName, &rec.Status, &rec.CreatedAt, &rec.LastActive, &usage); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(usage), &rec.ResourceUsage)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// UpdateContainerStatus sets the status of a container record
func (s *SQLiteStore) UpdateContainerStatus(ctx context.Context, containerID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_containers SET status = ? WHERE container_id = ?
	`, status, containerID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("container", containerID)
	}
	return nil
}

// TouchContainer updates last_active for a user's container
func (s *SQLiteStore) TouchContainer(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_containers SET last_active = ? WHERE user_id = ?
	`, at.UTC(), userID)
	return err
}

// DeleteContainer removes a container record
func (s *SQLiteStore) DeleteContainer(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_containers WHERE container_id = ?`, containerID)
	return err
}

// InsertMetrics records one metrics sample
func (s *SQLiteStore) InsertMetrics(ctx context.Context, sample *MetricsSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_metrics (id, container_id, cpu_percent, memory_used, memory_limit, memory_percent, disk_used, network_rx, network_tx, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sample.ID, sample.ContainerID, sample.CPUPercent, sample.MemoryUsed, sample.MemoryLimit, sample.MemoryPercent, sample.DiskUsed, sample.NetworkRx, sample.NetworkTx, sample.RecordedAt)

	return err
}

// ListMetrics returns samples for a container recorded after since
func (s *SQLiteStore) ListMetrics(ctx context.Context, containerID string, since time.Time) ([]*MetricsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, container_id, cpu_percent, memory_used, memory_limit, memory_percent, disk_used, network_rx, network_tx, recorded_at
		FROM container_metrics WHERE container_id = ? AND recorded_at >= ? ORDER BY recorded_at
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
func (s *SQLiteStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM container_metrics WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveState upserts the pool state snapshot for a user
func (s *SQLiteStore) SaveState(ctx context.Context, userID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_states (user_id, state_data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state_data = excluded.state_data,
			updated_at = excluded.updated_at
	`, userID, data, time.Now().UTC())
	return err
}

// GetState returns the pool state snapshot for a user
func (s *SQLiteStore) GetState(ctx context.Context, userID string) (*StateSnapshot, error) {
	snap := &StateSnapshot{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, state_data, updated_at FROM container_states WHERE user_id = ?
	`, userID).Scan(&snap.UserID, &snap.StateData, &snap.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("state", userID)
	}
	return snap, err
}

// DeleteState removes the pool state snapshot for a user
func (s *SQLiteStore) DeleteState(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM container_states WHERE user_id = ?`, userID)
	return err
}
