// Package orchestrator stages sandboxed plugin executions. Requests are
// checked against the plugin contract before any container starts, and
// every run that starts comes back as a sealed ExecutionRun carrying
// whatever outputs and logs the container produced.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pgip-dev/pgip/internal/docker"
	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/manifest"
	"github.com/pgip-dev/pgip/internal/workspace"
)

// ContainerRoot is the fixed mount point for the working root inside
// the plugin container.
const ContainerRoot = "/pgip"

// Environment variable names of the container runtime contract.
const (
	EnvRunID      = "PGIP_RUN_ID"
	EnvCallback   = "PGIP_CALLBACK_URL"
	EnvRunToken   = "PGIP_RUN_TOKEN"
	EnvParameters = "PGIP_PARAMETERS"
)

const logCollectTimeout = 15 * time.Second

// Runner abstracts the container backend.
type Runner interface {
	RunJob(ctx context.Context, spec docker.JobSpec) (string, error)
	WaitForStop(ctx context.Context, containerID string) (int64, error)
	Logs(ctx context.Context, containerID string, w io.Writer) error
	RemoveContainer(ctx context.Context, name string) error
}

// Recorder persists sealed runs to the provenance trail.
type Recorder interface {
	Record(ctx context.Context, run domain.ExecutionRun) error
}

// EventSink receives run lifecycle notifications. Optional.
type EventSink interface {
	RunEvent(run domain.ExecutionRun, stage string)
}

// Options tunes a single execution request.
type Options struct {
	// Timeout overrides the configured per-run wall clock budget.
	Timeout time.Duration
}

// Config holds orchestrator settings consumed once at construction.
type Config struct {
	DefaultTimeout  time.Duration
	CallbackBaseURL string
	TokenSecret     string
	TokenTTL        time.Duration
}

// Service executes manifests against concrete input artifacts.
type Service struct {
	runner    Runner
	workspace *workspace.Manager
	recorder  Recorder
	events    EventSink
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	newRunID  func() string
}

// New constructs the orchestrator.
func New(runner Runner, ws *workspace.Manager, recorder Recorder, events EventSink, logger *slog.Logger, cfg Config) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	return &Service{
		runner:    runner,
		workspace: ws,
		recorder:  recorder,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
}

// Execute runs one plugin container and returns the sealed run. The
// returned run is always terminal; execution failures are captured in
// the run itself, not surfaced as errors. An error is returned only
// for infrastructure faults such as a rejected provenance append.
//
// Cancelling ctx forcibly terminates the container; the run is sealed
// as Failed with a cancellation reason and partial outputs preserved.
func (s *Service) Execute(ctx context.Context, m domain.Manifest, inputs map[string]string, params map[string]any, opts Options) (domain.ExecutionRun, error) {
	run := domain.ExecutionRun{
		RunID:          s.newRunID(),
		PluginName:     m.Name,
		PluginVersion:  m.Version,
		State:          domain.RunPending,
		StartedAt:      s.now().UTC(),
		InputArtifacts: inputs,
	}

	resolved, violations := resolveRequest(m, inputs, params)
	if len(violations) > 0 {
		// No container is started and nothing reaches the recorder:
		// the attempt leaves no provenance entry.
		run.State = domain.RunPreconditionFailed
		run.Reason = "execution preconditions not met"
		run.Violations = violations
		s.seal(&run)
		s.notify(run, "preconditions")
		return run, nil
	}
	run.ParameterValues = resolved

	workdir, err := s.workspace.Prepare(run.RunID, portNames(m.Inputs), portNames(m.Outputs))
	if err != nil {
		return s.fail(ctx, run, "", fmt.Sprintf("prepare workspace: %v", err))
	}
	for port, artifact := range inputs {
		if _, err := s.workspace.Materialize(workdir, port, artifact); err != nil {
			return s.fail(ctx, run, "", fmt.Sprintf("stage input %q: %v", port, err))
		}
	}

	entrypoint, err := parseCommand(m.Entrypoint)
	if err != nil {
		return s.fail(ctx, run, "", fmt.Sprintf("parse entrypoint: %v", err))
	}
	env, err := s.runEnv(run.RunID, resolved)
	if err != nil {
		return s.fail(ctx, run, "", fmt.Sprintf("build environment: %v", err))
	}

	spec := docker.JobSpec{
		Name:  "pgip-run-" + run.RunID,
		Image: pinnedImageRef(m.Provenance),
		Cmd:   entrypoint,
		Env:   env,
		Binds: []string{workdir + ":" + ContainerRoot},
	}
	if m.Resources != nil {
		spec.CPU = m.Resources.CPU
		spec.Memory = m.Resources.Memory
	}

	containerID, err := s.runner.RunJob(ctx, spec)
	if err != nil {
		return s.sealAndRecord(ctx, run, workdir, "", domain.RunFailed, fmt.Sprintf("start container: %v", err))
	}
	run.State = domain.RunRunning
	s.notify(run, "running")
	s.logger.Info("run started",
		"run_id", run.RunID,
		"plugin", m.Name,
		"version", m.Version,
		"container_id", containerID,
	)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()

	exitCode, waitErr := s.runner.WaitForStop(waitCtx, containerID)
	switch {
	case waitErr == nil:
		run.ExitCode = &exitCode
		if exitCode == 0 {
			return s.sealAndRecord(ctx, run, workdir, containerID, domain.RunSucceeded, "")
		}
		return s.sealAndRecord(ctx, run, workdir, containerID, domain.RunFailed, fmt.Sprintf("container exited with status %d", exitCode))
	case errors.Is(waitErr, context.DeadlineExceeded) && ctx.Err() == nil:
		return s.sealAndRecord(ctx, run, workdir, containerID, domain.RunTimedOut, fmt.Sprintf("wall clock budget of %s exceeded", timeout))
	case ctx.Err() != nil:
		return s.sealAndRecord(ctx, run, workdir, containerID, domain.RunFailed, "cancelled by request")
	default:
		return s.sealAndRecord(ctx, run, workdir, containerID, domain.RunFailed, fmt.Sprintf("wait for container: %v", waitErr))
	}
}

// fail seals a run that never reached a container.
func (s *Service) fail(ctx context.Context, run domain.ExecutionRun, workdir, reason string) (domain.ExecutionRun, error) {
	return s.sealAndRecord(ctx, run, workdir, "", domain.RunFailed, reason)
}

// sealAndRecord collects whatever the run produced, seals it in a
// terminal state and appends it to the provenance trail. Partial
// outputs from failed and timed-out runs are preserved identically to
// successful ones.
func (s *Service) sealAndRecord(ctx context.Context, run domain.ExecutionRun, workdir, containerID string, state domain.RunState, reason string) (domain.ExecutionRun, error) {
	// Collection happens on a background context: the caller's context
	// may already be cancelled or expired.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), logCollectTimeout)
	defer cancel()

	if containerID != "" {
		logPath := s.workspace.LogPath(workdir)
		if f, err := os.Create(logPath); err == nil {
			if err := s.runner.Logs(cleanupCtx, containerID, f); err != nil {
				s.logger.Warn("log collection failed", "run_id", run.RunID, "error", err)
			}
			f.Close()
			run.LogLocation = logPath
		}
		if err := s.runner.RemoveContainer(cleanupCtx, containerID); err != nil {
			s.logger.Warn("container cleanup failed", "run_id", run.RunID, "container_id", containerID, "error", err)
		}
	}
	if workdir != "" {
		run.OutputArtifacts = s.workspace.Collect(workdir, outputPorts(workdir))
	}

	run.State = state
	run.Reason = reason
	s.seal(&run)
	s.notify(run, string(state))
	s.logger.Info("run sealed", "run_id", run.RunID, "state", string(state), "reason", reason)

	if err := s.recorder.Record(cleanupCtx, run); err != nil {
		return run, fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return run, nil
}

func (s *Service) seal(run *domain.ExecutionRun) {
	finished := s.now().UTC()
	run.FinishedAt = &finished
}

func (s *Service) notify(run domain.ExecutionRun, stage string) {
	if s.events != nil {
		s.events.RunEvent(run, stage)
	}
}

// runEnv builds the contract environment for the container.
func (s *Service) runEnv(runID string, params map[string]any) ([]string, error) {
	serialized, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("serialize parameters: %w", err)
	}
	env := []string{
		EnvRunID + "=" + runID,
		EnvCallback + "=" + strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/api/v1/runs/" + runID + "/events",
		EnvParameters + "=" + string(serialized),
	}
	if s.cfg.TokenSecret != "" {
		token, err := MintRunToken(runID, s.cfg.TokenSecret, s.cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("mint run token: %w", err)
		}
		env = append(env, EnvRunToken+"="+token)
	}
	return env, nil
}

// resolveRequest checks every precondition and resolves the effective
// parameter values. All violations are reported together.
func resolveRequest(m domain.Manifest, inputs map[string]string, params map[string]any) (map[string]any, []string) {
	var violations []string

	for _, port := range m.Inputs {
		if port.Optional {
			continue
		}
		if _, ok := inputs[port.Name]; !ok {
			violations = append(violations, fmt.Sprintf("missing required input %q", port.Name))
		}
	}
	for name := range inputs {
		if _, ok := m.Input(name); !ok {
			violations = append(violations, fmt.Sprintf("unknown input port %q", name))
		}
	}

	resolved := make(map[string]any)
	for _, p := range m.Parameters {
		if p.Default != nil {
			if v, err := manifest.ConvertValue(p.Type, p.Default); err == nil {
				resolved[p.Name] = v
			}
		}
	}
	for name, value := range params {
		decl, ok := m.Parameter(name)
		if !ok {
			violations = append(violations, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		converted, err := manifest.ConvertValue(decl.Type, value)
		if err != nil {
			violations = append(violations, fmt.Sprintf("parameter %q: %v", name, err))
			continue
		}
		resolved[name] = converted
	}

	sort.Strings(violations)
	if len(violations) > 0 {
		return nil, violations
	}
	return resolved, nil
}

// pinnedImageRef renders the image reference at its frozen digest.
func pinnedImageRef(p domain.Provenance) string {
	if p.ContainerDigest == "" {
		return p.ContainerImage
	}
	image := p.ContainerImage
	// Strip a trailing tag so the digest reference is unambiguous.
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		image = image[:idx]
	}
	return image + "@" + p.ContainerDigest.String()
}

func portNames(ports []domain.IOPort) []string {
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return names
}

// outputPorts lists the output directories present in the workdir.
// The manifest is not threaded through sealing, so the layout on disk
// is authoritative; Prepare created exactly the declared ports.
func outputPorts(workdir string) []string {
	entries, err := os.ReadDir(filepath.Join(workdir, "output"))
	if err != nil {
		return nil
	}
	ports := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ports = append(ports, entry.Name())
		}
	}
	return ports
}

// parseCommand tokenizes an entrypoint command line with shell-style
// quoting but without shell evaluation.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
	)

	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == '\'':
			if !inDouble {
				inSingle = !inSingle
				continue
			}
			current.WriteRune(r)
		case r == '"':
			if !inSingle {
				inDouble = !inDouble
				continue
			}
			current.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", command)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}
