// Package memory provides an in-process store used when the registry
// runs without Postgres (demo mode) and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/repository"
)

// Store implements the repository interfaces with mutex-guarded maps.
// InsertPlugin is linearizable per (name, version) key: the conflict
// check and the insert happen under one lock.
type Store struct {
	mu      sync.RWMutex
	plugins map[string]domain.PluginRecord
	runs    []domain.ExecutionRun
	runIDs  map[string]struct{}
}

var (
	_ repository.PluginRepository = (*Store)(nil)
	_ repository.RunRepository    = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		plugins: make(map[string]domain.PluginRecord),
		runIDs:  make(map[string]struct{}),
	}
}

func key(name, version string) string { return name + "@" + version }

// InsertPlugin stores a record, rejecting duplicate keys.
func (s *Store) InsertPlugin(ctx context.Context, record *domain.PluginRecord) error {
	if record == nil {
		return fmt.Errorf("nil record")
	}
	k := key(record.Manifest.Name, record.Manifest.Version)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[k]; ok {
		return repository.ErrConflict
	}
	s.plugins[k] = *record
	return nil
}

// GetPlugin returns the record for an exact (name, version) key.
func (s *Store) GetPlugin(ctx context.Context, name, version string) (*domain.PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.plugins[key(name, version)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &record, nil
}

// ListPluginVersions returns every published version of a plugin.
func (s *Store) ListPluginVersions(ctx context.Context, name string) ([]domain.PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.PluginRecord, 0)
	for _, record := range s.plugins {
		if record.Manifest.Name == name {
			records = append(records, record)
		}
	}
	if len(records) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Manifest.Version < records[j].Manifest.Version
	})
	return records, nil
}

// ListPlugins returns records matching the filter, ordered by name.
func (s *Store) ListPlugins(ctx context.Context, filter domain.PluginFilter) ([]domain.PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.PluginRecord, 0, len(s.plugins))
	for _, record := range s.plugins {
		if matches(record, filter) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Manifest.Name != records[j].Manifest.Name {
			return records[i].Manifest.Name < records[j].Manifest.Name
		}
		return records[i].Manifest.Version < records[j].Manifest.Version
	})
	return records, nil
}

func matches(record domain.PluginRecord, filter domain.PluginFilter) bool {
	m := record.Manifest
	if filter.Tag != "" {
		found := false
		for _, tag := range m.Tags {
			if tag == filter.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Author != "" {
		found := false
		for _, author := range m.Authors {
			if strings.EqualFold(author, filter.Author) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Text != "" {
		text := strings.ToLower(filter.Text)
		haystack := strings.ToLower(m.Name + " " + m.Summary + " " + m.LongDescription)
		if !strings.Contains(haystack, text) {
			return false
		}
	}
	return true
}

// MarkSuperseded flags a record without mutating its manifest.
func (s *Store) MarkSuperseded(ctx context.Context, name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(name, version)
	record, ok := s.plugins[k]
	if !ok {
		return repository.ErrNotFound
	}
	record.Superseded = true
	s.plugins[k] = record
	return nil
}

// InsertRun appends a run entry, rejecting duplicate run IDs.
func (s *Store) InsertRun(ctx context.Context, run *domain.ExecutionRun) error {
	if run == nil {
		return fmt.Errorf("nil run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runIDs[run.RunID]; ok {
		return repository.ErrConflict
	}
	s.runIDs[run.RunID] = struct{}{}
	s.runs = append(s.runs, *run)
	return nil
}

// ListRunsByPlugin returns runs for a manifest version ordered by start time.
func (s *Store) ListRunsByPlugin(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.ExecutionRun, 0)
	for _, run := range s.runs {
		if run.PluginName == name && (version == "" || run.PluginVersion == version) {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	return clip(runs, limit), nil
}

// ListRecentRuns returns the most recent runs across all plugins.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := append([]domain.ExecutionRun(nil), s.runs...)
	sortRuns(runs)
	return clip(runs, limit), nil
}

func sortRuns(runs []domain.ExecutionRun) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func clip(runs []domain.ExecutionRun, limit int) []domain.ExecutionRun {
	if limit > 0 && len(runs) > limit {
		return runs[:limit]
	}
	return runs
}
