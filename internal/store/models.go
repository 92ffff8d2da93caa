// Package store provides persistence for container records, metrics
// samples, and pool state snapshots.
package store

import "time"

// Container statuses
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// ContainerRecord is the persisted view of a user's container.
type ContainerRecord struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActive    time.Time         `json:"last_active"`
	ResourceUsage map[string]string `json:"resource_usage,omitempty"`
}

// MetricsSample is one point of container resource usage.
type MetricsSample struct {
	ID            string    `json:"id"`
	ContainerID   string    `json:"container_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryLimit   uint64    `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskUsed      uint64    `json:"disk_used"`
	NetworkRx     uint64    `json:"network_rx"`
	NetworkTx     uint64    `json:"network_tx"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// StateSnapshot is a serialized pool state blob used for restart recovery.
type StateSnapshot struct {
	UserID    string    `json:"user_id"`
	StateData []byte    `json:"state_data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is the read-only view of a user the engine needs for resource
// resolution. The engine never writes users; they belong to the outer
// application.
type User struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`

	// Overrides may narrow the tier's limits. Zero values mean no override.
	MemoryLimitOverride uint64  `json:"memory_limit_override,omitempty"`
	CPULimitOverride    float64 `json:"cpu_limit_override,omitempty"`
}
