package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/mediatype"
	"github.com/pgip-dev/pgip/internal/orchestrator"
	"github.com/pgip-dev/pgip/internal/registry"
	"github.com/pgip-dev/pgip/internal/repository/memory"
)

const testDigest = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func manifestJSON(name, version string) []byte {
	m := domain.Manifest{
		Name:       name,
		Version:    version,
		Summary:    "Aggregates allele frequencies.",
		Entrypoint: "/usr/local/bin/aggregate",
		Authors:    []string{"Platform Team"},
		Tags:       []string{"frequency"},
		Inputs: []domain.IOPort{
			{Name: "graph", MediaType: mediatype.TypeGFA},
		},
		Outputs: []domain.IOPort{
			{Name: "table", MediaType: mediatype.TypeAnnotationJSONL},
		},
		Provenance: domain.Provenance{
			ContainerImage:  "ghcr.io/pgip/" + name + ":" + version,
			ContainerDigest: testDigest,
		},
	}
	data, _ := json.Marshal(m)
	return data
}

type stubExecutor struct {
	run domain.ExecutionRun
	err error
}

func (s *stubExecutor) Execute(_ context.Context, m domain.Manifest, _ map[string]string, _ map[string]any, _ orchestrator.Options) (domain.ExecutionRun, error) {
	run := s.run
	run.PluginName = m.Name
	run.PluginVersion = m.Version
	return run, s.err
}

func newTestRouter(t *testing.T, executor Executor) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	svc := registry.New(store, store, mediatype.NewRegistry(), nil, logger)
	router := NewRouter(logger, svc, executor, nil, nil, nil, 0, 0, "test-secret", nil)
	t.Cleanup(router.Close)
	return router
}

func doJSON(t *testing.T, router *Router, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func publish(t *testing.T, router *Router, name, version string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins", manifestJSON(name, version))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish %s@%s: status %d: %s", name, version, rec.Code, rec.Body.String())
	}
}

func TestPublishAndGet(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/plugins/frequency-aggregator/0.1.0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var record domain.PluginRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Manifest.Name != "frequency-aggregator" {
		t.Errorf("name = %q", record.Manifest.Name)
	}
	if record.Manifest.Provenance.ContainerDigest.String() != testDigest {
		t.Errorf("digest = %q", record.Manifest.Provenance.ContainerDigest)
	}
}

func TestPublishDuplicateConflicts(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins", manifestJSON("frequency-aggregator", "0.1.0"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate publish: status %d, want 409", rec.Code)
	}
}

func TestPublishInvalidManifest(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins",
		[]byte(`{"name":"Bad_Name","version":"0.1.0"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid manifest: status %d, want 422", rec.Code)
	}
	var payload struct {
		Violations []struct {
			FieldPath string `json:"field_path"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Violations) == 0 {
		t.Error("no violations in response body")
	}
}

func TestPublishAcceptsYAML(t *testing.T) {
	router := newTestRouter(t, nil)
	doc := `name: path-annotator
version: 1.2.0
summary: Annotates graph paths.
entrypoint: /usr/bin/annotate
authors:
  - Platform Team
inputs:
  - name: graph
    media_type: application/vnd.pgip.gfa
outputs:
  - name: table
    media_type: application/vnd.pgip.annotation+jsonl
provenance:
  container_image: ghcr.io/pgip/path-annotator:1.2.0
  container_digest: ` + testDigest + `
`
	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins", []byte(doc))
	if rec.Code != http.StatusCreated {
		t.Fatalf("yaml publish: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetLatestVersion(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")
	publish(t, router, "frequency-aggregator", "0.10.0")
	publish(t, router, "frequency-aggregator", "0.2.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/plugins/frequency-aggregator", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get latest: status %d", rec.Code)
	}
	var record domain.PluginRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Manifest.Version != "0.10.0" {
		t.Errorf("latest = %q, want 0.10.0", record.Manifest.Version)
	}
}

func TestVersionsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")
	publish(t, router, "frequency-aggregator", "0.2.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/plugins/frequency-aggregator/versions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions: status %d", rec.Code)
	}
	var records []domain.PluginRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 || records[0].Manifest.Version != "0.2.0" {
		t.Errorf("records = %+v", records)
	}
}

func TestGetMissingPlugin(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/plugins/nope/1.0.0", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing plugin: status %d, want 404", rec.Code)
	}
}

func TestListWithTagFilter(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/plugins?tag=frequency", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var summaries []domain.PluginSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %+v", summaries)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/plugins?tag=unrelated", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("unexpected matches: %+v", summaries)
	}
}

func TestSupersedeKeepsRecord(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins/frequency-aggregator/0.1.0/supersede", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("supersede: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/plugins/frequency-aggregator/0.1.0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get after supersede: status %d", rec.Code)
	}
	var record domain.PluginRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !record.Superseded {
		t.Error("record not marked superseded")
	}
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats domain.RegistryStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalPlugins != 1 || stats.UniqueAuthors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	exitCode := int64(0)
	executor := &stubExecutor{run: domain.ExecutionRun{
		RunID:    "run-1",
		State:    domain.RunSucceeded,
		ExitCode: &exitCode,
	}}
	router := newTestRouter(t, executor)
	publish(t, router, "frequency-aggregator", "0.1.0")

	body := []byte(`{"inputs":{"graph":"/data/chr20.gfa"},"parameters":{"min_frequency":0.05}}`)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins/frequency-aggregator/0.1.0/runs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: status %d: %s", rec.Code, rec.Body.String())
	}
	var run domain.ExecutionRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.State != domain.RunSucceeded || run.PluginName != "frequency-aggregator" {
		t.Errorf("run = %+v", run)
	}
}

func TestExecutePreconditionFailureMapsTo422(t *testing.T) {
	executor := &stubExecutor{run: domain.ExecutionRun{
		RunID:      "run-1",
		State:      domain.RunPreconditionFailed,
		Violations: []string{`missing required input "graph"`},
	}}
	router := newTestRouter(t, executor)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins/frequency-aggregator/0.1.0/runs", []byte(`{}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("precondition failure: status %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing required input") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestExecuteWithoutBackend(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/plugins/frequency-aggregator/0.1.0/runs", []byte(`{}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no backend: status %d, want 503", rec.Code)
	}
}

func TestMediaTypeEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/media-types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list media types: status %d", rec.Code)
	}
	var infos []mediatype.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) < 4 {
		t.Errorf("builtins missing: %+v", infos)
	}

	payload := []byte(`{"media_type":"application/vnd.pgip.alignment+bam","parsing_hint":"BAM alignment records"}`)
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/media-types", payload); rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/media-types", payload); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status %d, want 409", rec.Code)
	}

	// A type referenced by a published manifest cannot be removed.
	publish(t, router, "frequency-aggregator", "0.1.0")
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/media-types?type=application%2Fvnd.pgip.gfa", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete pinned: status %d, want 409", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/media-types?type=application%2Fvnd.pgip.alignment%2Bbam", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete unpinned: status %d", rec.Code)
	}
}

func TestRunCallbackAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	token, err := orchestrator.MintRunToken("run-1", "test-secret", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/events",
		strings.NewReader(`{"stage":"aggregate","message":"halfway"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("callback: status %d: %s", rec.Code, rec.Body.String())
	}

	// Token scoped to another run is rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-2/events",
		strings.NewReader(`{"stage":"aggregate"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-run callback: status %d, want 401", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	publish(t, router, "frequency-aggregator", "0.1.0")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/history?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d", rec.Code)
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "publish" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
