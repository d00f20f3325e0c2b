// Package client provides typed access to the PGIP registry API for
// pipeline tooling and interactive use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the registry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// IOPort declares a named, typed input or output slot on a manifest.
type IOPort struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MediaType   string `json:"media_type"`
	Optional    bool   `json:"optional,omitempty"`
}

// Provenance pins a manifest to the container image backing it.
type Provenance struct {
	ContainerImage  string `json:"container_image"`
	ContainerDigest string `json:"container_digest,omitempty"`
	RepositoryURL   string `json:"repository_url,omitempty"`
	Reference       string `json:"reference,omitempty"`
}

// ResourceSpec carries advisory resource requests for a run.
type ResourceSpec struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
	GPU    bool   `json:"gpu,omitempty"`
}

// Parameter declares a tunable runtime value with an optional default.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// ComplianceEntry is informational licensing metadata.
type ComplianceEntry struct {
	License string `json:"license"`
	URL     string `json:"url,omitempty"`
}

// Manifest is the wire form of a plugin manifest document.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Summary         string            `json:"summary"`
	LongDescription string            `json:"long_description,omitempty"`
	Entrypoint      string            `json:"entrypoint"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Authors         []string          `json:"authors"`
	Tags            []string          `json:"tags"`
	Inputs          []IOPort          `json:"inputs"`
	Outputs         []IOPort          `json:"outputs"`
	Provenance      Provenance        `json:"provenance"`
	Resources       *ResourceSpec     `json:"resources,omitempty"`
	Parameters      []Parameter       `json:"parameters,omitempty"`
	Compliance      []ComplianceEntry `json:"compliance,omitempty"`
}

// PluginRecord is a published manifest with registry-owned state.
type PluginRecord struct {
	Manifest    Manifest  `json:"manifest"`
	Superseded  bool      `json:"superseded"`
	PublishedAt time.Time `json:"published_at"`
}

// PluginSummary is the list/search projection of a published manifest.
type PluginSummary struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Summary     string     `json:"summary"`
	Tags        []string   `json:"tags"`
	Superseded  bool       `json:"superseded"`
	LatestRunAt *time.Time `json:"latest_run_at,omitempty"`
}

// Run is one recorded plugin execution.
type Run struct {
	RunID           string              `json:"run_id"`
	PluginName      string              `json:"plugin_name"`
	PluginVersion   string              `json:"plugin_version"`
	State           string              `json:"state"`
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

// TagCount pairs a tag with its usage count.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats is the aggregate registry statistics payload.
type Stats struct {
	TotalPlugins     int        `json:"total_plugins"`
	UniqueAuthors    int        `json:"unique_authors"`
	UniqueTags       int        `json:"unique_tags"`
	MostRecentUpdate *time.Time `json:"most_recent_update,omitempty"`
	TopTags          []TagCount `json:"top_tags"`
}

// HistoryEntry is one row of the recent ingest/execution feed.
type HistoryEntry struct {
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publish submits a manifest document for publication.
func (c *Client) Publish(ctx context.Context, m Manifest) (PluginRecord, error) {
	var record PluginRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/plugins", m, &record); err != nil {
		return PluginRecord{}, err
	}
	return record, nil
}

// ListPlugins returns plugin summaries, optionally filtered.
func (c *Client) ListPlugins(ctx context.Context, tag, author, query string) ([]PluginSummary, error) {
	values := url.Values{}
	if tag != "" {
		values.Set("tag", tag)
	}
	if author != "" {
		values.Set("author", author)
	}
	if query != "" {
		values.Set("q", query)
	}
	path := "/api/v1/plugins"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var summaries []PluginSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// GetPlugin fetches one published record. An empty version resolves to
// the highest published one.
func (c *Client) GetPlugin(ctx context.Context, name, version string) (PluginRecord, error) {
	path := "/api/v1/plugins/" + url.PathEscape(name)
	if version != "" {
		path += "/" + url.PathEscape(version)
	}
	var record PluginRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &record); err != nil {
		return PluginRecord{}, err
	}
	return record, nil
}

// Versions lists every published version of one plugin, highest first.
func (c *Client) Versions(ctx context.Context, name string) ([]PluginRecord, error) {
	path := fmt.Sprintf("/api/v1/plugins/%s/versions", url.PathEscape(name))
	var records []PluginRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Supersede marks a published version as superseded.
func (c *Client) Supersede(ctx context.Context, name, version string) error {
	path := fmt.Sprintf("/api/v1/plugins/%s/%s/supersede", url.PathEscape(name), url.PathEscape(version))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ExecuteInput captures an execution request.
type ExecuteInput struct {
	Inputs         map[string]string `json:"inputs"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Execute runs a plugin version and returns the sealed run.
func (c *Client) Execute(ctx context.Context, name, version string, input ExecuteInput) (Run, error) {
	path := fmt.Sprintf("/api/v1/plugins/%s/%s/runs", url.PathEscape(name), url.PathEscape(version))
	var run Run
	if err := c.do(ctx, http.MethodPost, path, input, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Runs lists recorded executions of one plugin version.
func (c *Client) Runs(ctx context.Context, name, version string, limit int) ([]Run, error) {
	path := fmt.Sprintf("/api/v1/plugins/%s/%s/runs", url.PathEscape(name), url.PathEscape(version))
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RecentRuns lists the newest runs across all plugins.
func (c *Client) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	path := "/api/v1/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns aggregate registry statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// History returns the recent ingest/execution feed.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var entries []HistoryEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
