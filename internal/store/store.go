package store

import (
	"context"
	"fmt"
	"time"
)

// Store defines the persistence operations used by the engine.
type Store interface {
	// Container records
	SaveContainer(ctx context.Context, rec *ContainerRecord) error
	GetContainerByUser(ctx context.Context, userID string) (*ContainerRecord, error)
	ListContainers(ctx context.Context) ([]*ContainerRecord, error)
	UpdateContainerStatus(ctx context.Context, containerID, status string) error
	TouchContainer(ctx context.Context, userID string, at time.Time) error
	DeleteContainer(ctx context.Context, containerID string) error

	// Metrics samples
	InsertMetrics(ctx context.Context, sample *MetricsSample) error
	ListMetrics(ctx context.Context, containerID string, since time.Time) ([]*MetricsSample, error)
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)

	// Pool state snapshots
	SaveState(ctx context.Context, userID string, data []byte) error
	GetState(ctx context.Context, userID string) (*StateSnapshot, error)
	DeleteState(ctx context.Context, userID string) error

	// Close closes the underlying database connection
	Close() error
}

// UserProvider resolves users for resource policy decisions. The default
// implementation returns a fixed tier; deployments embedded in a larger
// application supply their own.
type UserProvider interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// StaticUserProvider resolves every user to the same tier.
type StaticUserProvider struct {
	Tier string
}

// GetUser implements UserProvider.
func (p *StaticUserProvider) GetUser(_ context.Context, userID string) (*User, error) {
	tier := p.Tier
	if tier == "" {
		tier = "free"
	}
	return &User{ID: userID, Tier: tier}, nil
}

// Config selects and configures a Store backend.
type Config struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite database path
	DSN    string // postgres connection string
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}
