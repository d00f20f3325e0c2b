package provenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/repository"
	"github.com/pgip-dev/pgip/internal/repository/memory"
)

func sealedRun(id string, state domain.RunState) domain.ExecutionRun {
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	return domain.ExecutionRun{
		RunID:         id,
		PluginName:    "frequency-aggregator",
		PluginVersion: "0.1.0",
		State:         state,
		StartedAt:     started,
		FinishedAt:    &finished,
	}
}

func newTestRecorder() *Recorder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(memory.New(), nil, logger)
}

func TestRecordAndList(t *testing.T) {
	rec := newTestRecorder()
	ctx := context.Background()

	if err := rec.Record(ctx, sealedRun("run-1", domain.RunSucceeded)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.Record(ctx, sealedRun("run-2", domain.RunFailed)); err != nil {
		t.Fatalf("record: %v", err)
	}

	runs, err := rec.ListByManifest(ctx, "frequency-aggregator", "0.1.0", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}

	recent, err := rec.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("got %d recent runs, want 1", len(recent))
	}
}

func TestRecordRejectsNonTerminal(t *testing.T) {
	rec := newTestRecorder()
	run := sealedRun("run-1", domain.RunRunning)
	if err := rec.Record(context.Background(), run); err == nil {
		t.Fatal("non-terminal run accepted")
	}
	runs, _ := rec.ListByManifest(context.Background(), run.PluginName, run.PluginVersion, 0)
	if len(runs) != 0 {
		t.Errorf("non-terminal run stored: %+v", runs)
	}
}

func TestRecordRejectsPreconditionFailure(t *testing.T) {
	rec := newTestRecorder()
	if err := rec.Record(context.Background(), sealedRun("run-1", domain.RunPreconditionFailed)); err == nil {
		t.Fatal("precondition failure accepted into the trail")
	}
}

func TestRecordRejectsUnsealed(t *testing.T) {
	rec := newTestRecorder()
	run := sealedRun("run-1", domain.RunSucceeded)
	run.FinishedAt = nil
	if err := rec.Record(context.Background(), run); err == nil {
		t.Fatal("run without finish time accepted")
	}
}

func TestRecordRejectsDuplicateRunID(t *testing.T) {
	rec := newTestRecorder()
	ctx := context.Background()
	if err := rec.Record(ctx, sealedRun("run-1", domain.RunSucceeded)); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := rec.Record(ctx, sealedRun("run-1", domain.RunFailed))
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}
