// Package benchmark runs registered plugins against curated reference
// datasets on a schedule and reports per-pair outcomes.
package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/orchestrator"
)

// Dataset pairs one plugin with the reference inputs it is measured
// against. MinOutputs attaches reference metrics: the minimum artifact
// count expected on each output port.
type Dataset struct {
	Name           string            `yaml:"name"`
	Plugin         string            `yaml:"plugin"`
	Version        string            `yaml:"version,omitempty"`
	Inputs         map[string]string `yaml:"inputs"`
	Parameters     map[string]any    `yaml:"parameters,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	MinOutputs     map[string]int    `yaml:"min_outputs,omitempty"`
}

// Per-pair statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the outcome of one plugin/dataset pair.
type Result struct {
	Dataset      string          `json:"dataset"`
	Plugin       string          `json:"plugin"`
	Version      string          `json:"version"`
	Status       string          `json:"status"`
	RunID        string          `json:"run_id,omitempty"`
	State        domain.RunState `json:"state,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
	OutputCounts map[string]int  `json:"output_counts,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Resolver looks up manifests by name and version. An empty version
// selects the highest published one.
type Resolver interface {
	Get(ctx context.Context, name, version string) (*domain.PluginRecord, error)
}

// Executor runs a manifest against concrete artifacts.
type Executor interface {
	Execute(ctx context.Context, m domain.Manifest, inputs map[string]string, params map[string]any, opts orchestrator.Options) (domain.ExecutionRun, error)
}

// LoadDatasets parses the benchmark dataset catalog.
func LoadDatasets(path string) ([]Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset catalog: %w", err)
	}
	var catalog struct {
		Datasets []Dataset `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse dataset catalog: %w", err)
	}
	for i, d := range catalog.Datasets {
		if d.Name == "" || d.Plugin == "" {
			return nil, fmt.Errorf("dataset %d: name and plugin are required", i)
		}
	}
	return catalog.Datasets, nil
}

// Harness drives benchmark sweeps.
type Harness struct {
	registry Resolver
	exec     Executor
	logger   *slog.Logger
	datasets []Dataset
	interval time.Duration
	now      func() time.Time
}

// New constructs a Harness. interval <= 0 disables the periodic loop;
// RunSuite can still be invoked directly.
func New(registry Resolver, exec Executor, logger *slog.Logger, datasets []Dataset, interval time.Duration) *Harness {
	return &Harness{
		registry: registry,
		exec:     exec,
		logger:   logger,
		datasets: datasets,
		interval: interval,
		now:      time.Now,
	}
}

// RunSuite executes every configured pair once. A failing pair never
// aborts the sweep; its failure is captured in its Result.
func (h *Harness) RunSuite(ctx context.Context) []Result {
	results := make([]Result, 0, len(h.datasets))
	for _, d := range h.datasets {
		if ctx.Err() != nil {
			break
		}
		results = append(results, h.runPair(ctx, d))
	}
	return results
}

func (h *Harness) runPair(ctx context.Context, d Dataset) Result {
	res := Result{Dataset: d.Name, Plugin: d.Plugin, Version: d.Version}
	start := h.now()

	record, err := h.registry.Get(ctx, d.Plugin, d.Version)
	if err != nil {
		res.Duration = h.now().Sub(start)
		res.Status = StatusSkipped
		res.Error = fmt.Sprintf("resolve plugin: %v", err)
		h.logger.Warn("benchmark pair skipped", "dataset", d.Name, "plugin", d.Plugin, "error", res.Error)
		return res
	}
	res.Version = record.Manifest.Version

	var opts orchestrator.Options
	if d.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(d.TimeoutSeconds) * time.Second
	}
	run, err := h.exec.Execute(ctx, record.Manifest, d.Inputs, d.Parameters, opts)
	res.Duration = h.now().Sub(start)
	res.RunID = run.RunID
	res.State = run.State
	res.OutputCounts = make(map[string]int, len(record.Manifest.Outputs))
	for _, port := range record.Manifest.Outputs {
		res.OutputCounts[port.Name] = len(run.OutputArtifacts[port.Name])
	}

	switch {
	case err != nil:
		res.Status = StatusFailed
		res.Error = err.Error()
	case run.State != domain.RunSucceeded:
		res.Status = StatusFailed
		res.Error = run.Reason
	default:
		res.Status = StatusPassed
		if reason := conformance(record.Manifest, d, res.OutputCounts); reason != "" {
			res.Status = StatusFailed
			res.Error = reason
		}
	}

	h.logger.Info("benchmark pair finished",
		"dataset", d.Name,
		"plugin", d.Plugin,
		"version", res.Version,
		"status", res.Status,
		"state", string(run.State),
		"duration", res.Duration,
	)
	return res
}

// conformance checks collected outputs against the declared ports and
// the dataset's reference metrics. Every declared output port must
// produce at least one artifact; min_outputs tightens that floor.
func conformance(m domain.Manifest, d Dataset, counts map[string]int) string {
	for _, port := range m.Outputs {
		if counts[port.Name] == 0 {
			return fmt.Sprintf("output port %q produced no artifacts", port.Name)
		}
	}
	for port, min := range d.MinOutputs {
		if counts[port] < min {
			return fmt.Sprintf("output port %q produced %d artifacts, expected at least %d", port, counts[port], min)
		}
	}
	return ""
}

// Start runs sweeps on the configured interval until ctx is cancelled.
// The first sweep fires immediately.
func (h *Harness) Start(ctx context.Context) {
	if h.interval <= 0 || len(h.datasets) == 0 {
		return
	}
	h.logger.Info("benchmark harness started", "interval", h.interval, "datasets", len(h.datasets))
	h.RunSuite(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("benchmark harness stopped")
			return
		case <-ticker.C:
			h.RunSuite(ctx)
		}
	}
}
