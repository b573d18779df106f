package store

import (
	"context"

	"github.com/branchmonkey/bridge/internal/models"
)

// Store defines the persistence interface for the bridge node. The only
// durable state is the dev-server registry, which lets the node re-adopt
// still-running servers after a restart.
type Store interface {
	SaveDevServer(ctx context.Context, rec *models.DevServerRecord) error
	GetDevServer(ctx context.Context, runID string) (*models.DevServerRecord, error)
	ListDevServers(ctx context.Context) ([]*models.DevServerRecord, error)
	DeleteDevServer(ctx context.Context, runID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
