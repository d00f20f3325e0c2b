package repository

import (
	"context"

	"github.com/pgip-dev/pgip/internal/domain"
)

// PluginRepository persists published manifests. Published records are
// immutable: there is no update or delete, only the superseded flag.
type PluginRepository interface {
	// InsertPlugin stores a new record. Returns ErrConflict when the
	// (name, version) key already exists; the insert must be atomic
	// and conflict-detecting under concurrent publishes.
	InsertPlugin(ctx context.Context, record *domain.PluginRecord) error
	GetPlugin(ctx context.Context, name, version string) (*domain.PluginRecord, error)
	ListPluginVersions(ctx context.Context, name string) ([]domain.PluginRecord, error)
	ListPlugins(ctx context.Context, filter domain.PluginFilter) ([]domain.PluginRecord, error)
	MarkSuperseded(ctx context.Context, name, version string) error
}

// RunRepository is the append-only audit trail of execution runs.
type RunRepository interface {
	// InsertRun appends a sealed run. Returns ErrConflict for a
	// duplicate run ID; entries are never edited or deleted.
	InsertRun(ctx context.Context, run *domain.ExecutionRun) error
	ListRunsByPlugin(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]domain.ExecutionRun, error)
}
