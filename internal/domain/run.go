package domain

import "time"

// RunState tracks an ExecutionRun through its lifecycle.
type RunState string

const (
	RunPending            RunState = "pending"
	RunRunning            RunState = "running"
	RunSucceeded          RunState = "succeeded"
	RunFailed             RunState = "failed"
	RunTimedOut           RunState = "timed_out"
	RunPreconditionFailed RunState = "precondition_failed"
)

// Terminal reports whether the state seals the run against mutation.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunPreconditionFailed:
		return true
	}
	return false
}

// ExecutionRun is one execution instance of a manifest against concrete
// input artifacts. The orchestrator mutates it while running; once a
// terminal state is reached it is sealed and owned by the provenance
// recorder.
type ExecutionRun struct {
	RunID           string              `json:"run_id"`
	PluginName      string              `json:"plugin_name"`
	PluginVersion   string              `json:"plugin_version"`
	State           RunState            `json:"state"`
	Reason          string              `json:"reason,omitempty"`
	Violations      []string            `json:"violations,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	ExitCode        *int64              `json:"exit_code,omitempty"`
	ParameterValues map[string]any      `json:"parameter_values,omitempty"`
	InputArtifacts  map[string]string   `json:"input_artifacts,omitempty"`
	OutputArtifacts map[string][]string `json:"output_artifacts,omitempty"`
	LogLocation     string              `json:"log_location,omitempty"`
}
