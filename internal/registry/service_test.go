package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/mediatype"
	"github.com/pgip-dev/pgip/internal/repository"
	"github.com/pgip-dev/pgip/internal/repository/memory"
)

type stubResolver struct {
	calls  atomic.Int64
	digest digest.Digest
	err    error
}

func (r *stubResolver) ResolveDigest(ctx context.Context, imageRef string) (digest.Digest, error) {
	r.calls.Add(1)
	return r.digest, r.err
}

const testDigest = digest.Digest("sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")

func testManifest(name, version string) domain.Manifest {
	now := time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)
	return domain.Manifest{
		Name:       name,
		Version:    version,
		Summary:    "Annotates variants with population allele frequencies.",
		Entrypoint: "python -m pgip_plugins.frequency_aggregator",
		CreatedAt:  now,
		UpdatedAt:  now,
		Authors:    []string{"PGIP Core Team"},
		Tags:       []string{"frequency", "baseline"},
		Inputs: []domain.IOPort{
			{Name: "variants", Description: "VCF slice", MediaType: mediatype.TypeVCF},
		},
		Outputs: []domain.IOPort{
			{Name: "annotations", Description: "JSONL annotations", MediaType: mediatype.TypeAnnotationJSONL},
		},
		Provenance: domain.Provenance{
			ContainerImage: "ghcr.io/pgip/" + name + ":" + version,
		},
	}
}

func newTestService(resolver DigestResolver) (*Service, *memory.Store) {
	store := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, mediatype.NewRegistry(), resolver, log), store
}

func TestPublishFreezesDigestOnce(t *testing.T) {
	resolver := &stubResolver{digest: testDigest}
	svc, _ := newTestService(resolver)

	record, err := svc.Publish(context.Background(), testManifest("frequency-aggregator", "0.1.0"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if record.Manifest.Provenance.ContainerDigest != testDigest {
		t.Fatalf("digest not frozen: %s", record.Manifest.Provenance.ContainerDigest)
	}
	if resolver.calls.Load() != 1 {
		t.Fatalf("expected exactly one resolver call, got %d", resolver.calls.Load())
	}
}

func TestPublishKeepsSuppliedDigest(t *testing.T) {
	resolver := &stubResolver{digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000"}
	svc, _ := newTestService(resolver)

	m := testManifest("frequency-aggregator", "0.1.0")
	m.Provenance.ContainerDigest = testDigest
	record, err := svc.Publish(context.Background(), m)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if record.Manifest.Provenance.ContainerDigest != testDigest {
		t.Fatalf("supplied digest must never be recomputed")
	}
	if resolver.calls.Load() != 0 {
		t.Fatalf("resolver must not be called when digest is supplied")
	}
}

func TestPublishRejectsInvalidManifest(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	m := testManifest("Bad_Name", "0.1.0")
	m.Entrypoint = ""
	_, err := svc.Publish(context.Background(), m)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Result.Violations) == 0 {
		t.Fatalf("expected violation list")
	}
}

func TestPublishConflict(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()
	if _, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0"))
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The original record must be unchanged.
	record, err := svc.Get(ctx, "frequency-aggregator", "0.1.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Manifest.Provenance.ContainerDigest != testDigest {
		t.Fatalf("stored manifest mutated by conflicting publish")
	}
}

func TestConcurrentPublishYieldsOneWinner(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	var successes, conflicts atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0"))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, repository.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected publish error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one winning publish, got %d", successes.Load())
	}
	if conflicts.Load() != attempts-1 {
		t.Fatalf("expected %d conflicts, got %d", attempts-1, conflicts.Load())
	}
}

func TestGetResolvesHighestVersion(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()
	for _, v := range []string{"0.1.0", "0.10.0", "0.2.0", "0.10.0-rc.1"} {
		if _, err := svc.Publish(ctx, testManifest("frequency-aggregator", v)); err != nil {
			t.Fatalf("publish %s: %v", v, err)
		}
	}
	record, err := svc.Get(ctx, "frequency-aggregator", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Manifest.Version != "0.10.0" {
		t.Fatalf("expected 0.10.0 (semver order, release above pre-release), got %s", record.Manifest.Version)
	}

	if _, err := svc.Get(ctx, "missing-plugin", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()
	a := testManifest("allele-counter", "1.0.0")
	a.Tags = []string{"counting"}
	for _, m := range []domain.Manifest{
		testManifest("frequency-aggregator", "0.1.0"),
		testManifest("frequency-aggregator", "0.2.0"),
		a,
	} {
		if _, err := svc.Publish(ctx, m); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	all, err := svc.List(ctx, domain.PluginFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(all))
	}
	if all[0].Name != "allele-counter" {
		t.Fatalf("expected name-ascending order, got %s first", all[0].Name)
	}
	if all[1].Version != "0.2.0" || all[2].Version != "0.1.0" {
		t.Fatalf("expected version-descending order within a name: %+v", all[1:])
	}

	tagged, err := svc.List(ctx, domain.PluginFilter{Tag: "counting"})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(tagged) != 1 || tagged[0].Name != "allele-counter" {
		t.Fatalf("tag filter failed: %+v", tagged)
	}
}

func TestStatsReflectsPublishedSet(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()

	if _, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	before, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	next := testManifest("allele-counter", "1.0.0")
	next.Tags = []string{"counting", "coverage"}
	if _, err := svc.Publish(ctx, next); err != nil {
		t.Fatalf("publish: %v", err)
	}
	after, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if after.TotalPlugins != before.TotalPlugins+1 {
		t.Fatalf("total plugins: got %d, want %d", after.TotalPlugins, before.TotalPlugins+1)
	}
	if after.UniqueTags != before.UniqueTags+2 {
		t.Fatalf("unique tags: got %d, want %d", after.UniqueTags, before.UniqueTags+2)
	}
	if after.MostRecentUpdate == nil {
		t.Fatalf("most recent update missing")
	}
}

func TestSupersedeMarksWithoutRemoving(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()
	if _, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := svc.Supersede(ctx, "frequency-aggregator", "0.1.0"); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	record, err := svc.Get(ctx, "frequency-aggregator", "0.1.0")
	if err != nil {
		t.Fatalf("superseded record must remain fetchable: %v", err)
	}
	if !record.Superseded {
		t.Fatalf("record not marked superseded")
	}
	if err := svc.Supersede(ctx, "frequency-aggregator", "9.9.9"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishPinsMediaTypes(t *testing.T) {
	svc, _ := newTestService(&stubResolver{digest: testDigest})
	if _, err := svc.Publish(context.Background(), testManifest("frequency-aggregator", "0.1.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := svc.MediaTypes().Remove(mediatype.TypeVCF); !errors.Is(err, mediatype.ErrPinned) {
		t.Fatalf("publication-backed media type must be pinned, got %v", err)
	}
}

func TestHistoryMergesPublishesAndRuns(t *testing.T) {
	svc, store := newTestService(&stubResolver{digest: testDigest})
	ctx := context.Background()
	if _, err := svc.Publish(ctx, testManifest("frequency-aggregator", "0.1.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	finished := time.Now().UTC()
	run := domain.ExecutionRun{
		RunID:         "run-1",
		PluginName:    "frequency-aggregator",
		PluginVersion: "0.1.0",
		State:         domain.RunSucceeded,
		StartedAt:     finished.Add(-time.Minute),
		FinishedAt:    &finished,
	}
	if err := store.InsertRun(ctx, &run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	entries, err := svc.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := make(map[string]int)
	for _, entry := range entries {
		kinds[entry.Kind]++
	}
	if kinds["publish"] != 1 || kinds["run"] != 1 {
		t.Fatalf("unexpected history contents: %+v", entries)
	}
}
