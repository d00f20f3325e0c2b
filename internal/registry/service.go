// Package registry implements the durable catalog of published plugin
// manifests: publication with validation and digest freezing, lookup,
// search, aggregate stats and the ingest/execution history feed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/semver"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/manifest"
	"github.com/pgip-dev/pgip/internal/mediatype"
	"github.com/pgip-dev/pgip/internal/repository"
)

// DigestResolver resolves a mutable image reference to a content
// digest. Called exactly once per publish, at freeze time.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, imageRef string) (digest.Digest, error)
}

// ValidationError carries the full violation list for a rejected manifest.
type ValidationError struct {
	Result manifest.Result
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		parts = append(parts, v.FieldPath+": "+v.Reason)
	}
	return "manifest validation failed: " + strings.Join(parts, "; ")
}

// Service is the plugin registry store.
type Service struct {
	plugins  repository.PluginRepository
	runs     repository.RunRepository
	types    *mediatype.Registry
	resolver DigestResolver
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs the registry service. The resolver may be nil; then
// every published manifest must carry its digest already.
func New(plugins repository.PluginRepository, runs repository.RunRepository, types *mediatype.Registry, resolver DigestResolver, logger *slog.Logger) *Service {
	return &Service{
		plugins:  plugins,
		runs:     runs,
		types:    types,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// MediaTypes exposes the media type registry consulted at validation.
func (s *Service) MediaTypes() *mediatype.Registry { return s.types }

// Publish validates the manifest, freezes its container digest and
// stores it immutably. Races on the same (name, version) key yield
// exactly one success; the losers observe repository.ErrConflict.
func (s *Service) Publish(ctx context.Context, m domain.Manifest) (*domain.PluginRecord, error) {
	if res := manifest.Validate(m, s.types); !res.Valid() {
		return nil, &ValidationError{Result: res}
	}

	if m.Provenance.ContainerDigest == "" {
		if s.resolver == nil {
			return nil, fmt.Errorf("publish %s@%s: no container digest and no resolver configured", m.Name, m.Version)
		}
		resolved, err := s.resolver.ResolveDigest(ctx, m.Provenance.ContainerImage)
		if err != nil {
			return nil, fmt.Errorf("freeze digest for %s: %w", m.Provenance.ContainerImage, err)
		}
		m.Provenance.ContainerDigest = resolved
	}
	if err := m.Provenance.ContainerDigest.Validate(); err != nil {
		return nil, fmt.Errorf("container digest %q: %w", m.Provenance.ContainerDigest, err)
	}

	record := domain.PluginRecord{
		Manifest:    m,
		PublishedAt: s.now().UTC(),
	}
	if err := s.plugins.InsertPlugin(ctx, &record); err != nil {
		return nil, err
	}

	// A published manifest pins its media types for good.
	for _, p := range m.Inputs {
		s.types.Pin(p.MediaType)
	}
	for _, p := range m.Outputs {
		s.types.Pin(p.MediaType)
	}

	s.logger.Info("plugin published",
		"name", m.Name,
		"version", m.Version,
		"digest", m.Provenance.ContainerDigest.String(),
	)
	return &record, nil
}

// Get fetches a plugin. An empty version resolves to the highest
// published semantic version for that name.
func (s *Service) Get(ctx context.Context, name, version string) (*domain.PluginRecord, error) {
	if version != "" {
		return s.plugins.GetPlugin(ctx, name, version)
	}
	records, err := s.plugins.ListPluginVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	best := records[0]
	for _, record := range records[1:] {
		if semverCompare(record.Manifest.Version, best.Manifest.Version) > 0 {
			best = record
		}
	}
	return &best, nil
}

// Versions lists every published version of one plugin, highest first.
func (s *Service) Versions(ctx context.Context, name string) ([]domain.PluginRecord, error) {
	records, err := s.plugins.ListPluginVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return semverCompare(records[i].Manifest.Version, records[j].Manifest.Version) > 0
	})
	return records, nil
}

// List returns manifest summaries matching the filter, ordered by name
// ascending then version descending.
func (s *Service) List(ctx context.Context, filter domain.PluginFilter) ([]domain.PluginSummary, error) {
	records, err := s.plugins.ListPlugins(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Manifest.Name != records[j].Manifest.Name {
			return records[i].Manifest.Name < records[j].Manifest.Name
		}
		return semverCompare(records[i].Manifest.Version, records[j].Manifest.Version) > 0
	})

	summaries := make([]domain.PluginSummary, 0, len(records))
	for _, record := range records {
		summary := domain.PluginSummary{
			Name:       record.Manifest.Name,
			Version:    record.Manifest.Version,
			Summary:    record.Manifest.Summary,
			Tags:       record.Manifest.Tags,
			Superseded: record.Superseded,
		}
		if runs, err := s.runs.ListRunsByPlugin(ctx, record.Manifest.Name, record.Manifest.Version, 1); err == nil && len(runs) > 0 {
			started := runs[0].StartedAt
			summary.LatestRunAt = &started
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

const topTagCount = 5

// Stats recomputes aggregate registry statistics from the currently
// published manifest set. Derived on demand, never cached.
func (s *Service) Stats(ctx context.Context) (domain.RegistryStats, error) {
	records, err := s.plugins.ListPlugins(ctx, domain.PluginFilter{})
	if err != nil {
		return domain.RegistryStats{}, err
	}

	stats := domain.RegistryStats{TotalPlugins: len(records), TopTags: []domain.TagCount{}}
	tagCounts := make(map[string]int)
	authors := make(map[string]struct{})
	var mostRecent time.Time
	for _, record := range records {
		for _, tag := range record.Manifest.Tags {
			tagCounts[tag]++
		}
		for _, author := range record.Manifest.Authors {
			authors[author] = struct{}{}
		}
		if record.Manifest.UpdatedAt.After(mostRecent) {
			mostRecent = record.Manifest.UpdatedAt
		}
	}
	stats.UniqueAuthors = len(authors)
	stats.UniqueTags = len(tagCounts)
	if !mostRecent.IsZero() {
		stats.MostRecentUpdate = &mostRecent
	}

	for tag, count := range tagCounts {
		stats.TopTags = append(stats.TopTags, domain.TagCount{Tag: tag, UsageCount: count})
	}
	sort.Slice(stats.TopTags, func(i, j int) bool {
		if stats.TopTags[i].UsageCount != stats.TopTags[j].UsageCount {
			return stats.TopTags[i].UsageCount > stats.TopTags[j].UsageCount
		}
		return stats.TopTags[i].Tag < stats.TopTags[j].Tag
	})
	if len(stats.TopTags) > topTagCount {
		stats.TopTags = stats.TopTags[:topTagCount]
	}
	return stats, nil
}

// Supersede marks a published version as superseded. Deprecation never
// removes a record, so provenance for prior runs stays intact.
func (s *Service) Supersede(ctx context.Context, name, version string) error {
	if err := s.plugins.MarkSuperseded(ctx, name, version); err != nil {
		return err
	}
	s.logger.Info("plugin superseded", "name", name, "version", version)
	return nil
}

// Runs lists recorded executions for a plugin.
func (s *Service) Runs(ctx context.Context, name, version string, limit int) ([]domain.ExecutionRun, error) {
	return s.runs.ListRunsByPlugin(ctx, name, version, limit)
}

// History returns the most recent publishes and runs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries := make([]domain.HistoryEntry, 0, limit*2)

	records, err := s.plugins.ListPlugins(ctx, domain.PluginFilter{})
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		entries = append(entries, domain.HistoryEntry{
			Kind:       "publish",
			Name:       record.Manifest.Name,
			Version:    record.Manifest.Version,
			Detail:     record.Manifest.Summary,
			OccurredAt: record.PublishedAt,
		})
	}

	runs, err := s.runs.ListRecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		entries = append(entries, domain.HistoryEntry{
			Kind:       "run",
			Name:       run.PluginName,
			Version:    run.PluginVersion,
			Detail:     string(run.State),
			OccurredAt: run.StartedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SeedFromDir publishes manifest documents from a directory when the
// registry is empty. Called once at startup when seeding is configured.
func (s *Service) SeedFromDir(ctx context.Context, dir string) (int, error) {
	existing, err := s.plugins.ListPlugins(ctx, domain.PluginFilter{})
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read seed dir: %w", err)
	}
	inserted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := manifest.LoadFile(path)
		if err != nil {
			s.logger.Error("failed to load seed manifest", "path", path, "error", err)
			continue
		}
		if _, err := s.Publish(ctx, m); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			s.logger.Error("failed to seed manifest", "path", path, "error", err)
			continue
		}
		inserted++
	}
	return inserted, nil
}

// semverCompare orders two MAJOR.MINOR.PATCH versions.
func semverCompare(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}
