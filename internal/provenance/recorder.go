// Package provenance maintains the append-only trail of executed runs.
// Every run that started a container lands here regardless of outcome;
// entries are never rewritten.
package provenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/repository"
)

// Recorder appends sealed runs and serves provenance queries.
type Recorder struct {
	runs    repository.RunRepository
	archive *Archive
	logger  *slog.Logger
}

// NewRecorder constructs a Recorder. archive may be nil when no object
// store is configured.
func NewRecorder(runs repository.RunRepository, archive *Archive, logger *slog.Logger) *Recorder {
	return &Recorder{runs: runs, archive: archive, logger: logger}
}

// Record appends a sealed run to the trail. Non-terminal runs and
// duplicate run ids are rejected; both indicate a caller bug rather
// than a recoverable condition.
func (r *Recorder) Record(ctx context.Context, run domain.ExecutionRun) error {
	if !run.State.Terminal() {
		return fmt.Errorf("run %s is in non-terminal state %q", run.RunID, run.State)
	}
	if run.State == domain.RunPreconditionFailed {
		return fmt.Errorf("run %s failed preconditions and has no provenance", run.RunID)
	}
	if run.FinishedAt == nil {
		return fmt.Errorf("run %s has no finish time", run.RunID)
	}
	if err := r.runs.InsertRun(ctx, &run); err != nil {
		return fmt.Errorf("append run %s: %w", run.RunID, err)
	}
	r.logger.Info("run recorded",
		"run_id", run.RunID,
		"plugin", run.PluginName,
		"version", run.PluginVersion,
		"state", string(run.State),
	)

	// Archival is best effort: a missing archive never loses the entry.
	if r.archive != nil {
		if err := r.archive.StoreOutputs(ctx, run); err != nil {
			r.logger.Warn("output archival failed", "run_id", run.RunID, "error", err)
		}
	}
	return nil
}

// ListByManifest returns the recorded runs of one plugin version,
// newest first.
func (r *Recorder) ListByManifest(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error) {
	return r.runs.ListRunsByPlugin(ctx, name, version, limit)
}

// Recent returns the newest recorded runs across all plugins.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	return r.runs.ListRecentRuns(ctx, limit)
}
