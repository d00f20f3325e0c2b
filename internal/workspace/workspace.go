package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manager owns per-run working roots under a common directory. Each
// root follows the container runtime contract layout:
//
//	<root>/input/<port-name>/   staged input artifacts
//	<root>/output/<port-name>/  written by the container
//	<root>/logs/                optional structured logs
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates an isolated working root for a run with one input
// directory per staged port and one empty output directory per
// declared output port.
func (m *Manager) Prepare(runID string, inputPorts, outputPorts []string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run identifier cannot be empty")
	}
	dir := filepath.Join(m.root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	for _, port := range inputPorts {
		if err := os.MkdirAll(filepath.Join(dir, "input", port), 0o755); err != nil {
			return "", fmt.Errorf("create input dir for port %s: %w", port, err)
		}
	}
	for _, port := range outputPorts {
		if err := os.MkdirAll(filepath.Join(dir, "output", port), 0o777); err != nil {
			return "", fmt.Errorf("create output dir for port %s: %w", port, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o777); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	return dir, nil
}

// Materialize copies an input artifact into the port's input directory.
func (m *Manager) Materialize(workdir, port, artifactPath string) (string, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return "", fmt.Errorf("stat artifact %s: %w", artifactPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("artifact %s is a directory", artifactPath)
	}
	dest := filepath.Join(workdir, "input", port, filepath.Base(artifactPath))
	src, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create staged artifact: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	return dest, nil
}

// Collect lists the files present under each output port directory.
// Partial results are returned even when some ports are empty.
func (m *Manager) Collect(workdir string, outputPorts []string) map[string][]string {
	collected := make(map[string][]string, len(outputPorts))
	for _, port := range outputPorts {
		var files []string
		portDir := filepath.Join(workdir, "output", port)
		_ = filepath.WalkDir(portDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			files = append(files, path)
			return nil
		})
		sort.Strings(files)
		collected[port] = files
	}
	return collected
}

// LogPath returns the location for the run's captured container log.
func (m *Manager) LogPath(workdir string) string {
	return filepath.Join(workdir, "logs", "container.log")
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided run.
func (m *Manager) CleanupByID(runID string) error {
	if runID == "" {
		return fmt.Errorf("run identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, runID))
}
