package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// ParamType enumerates the closed set of parameter value types.
type ParamType string

const (
	ParamFloat  ParamType = "float"
	ParamInt    ParamType = "int"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// Manifest is the declarative description of a plugin: identity, I/O
// contract, provenance and runtime hints. Once published under a
// (name, version) key it is immutable.
type Manifest struct {
	Name            string            `json:"name" yaml:"name"`
	Version         string            `json:"version" yaml:"version"`
	Summary         string            `json:"summary" yaml:"summary"`
	LongDescription string            `json:"long_description,omitempty" yaml:"long_description,omitempty"`
	Entrypoint      string            `json:"entrypoint" yaml:"entrypoint"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
	Authors         []string          `json:"authors" yaml:"authors"`
	Tags            []string          `json:"tags" yaml:"tags"`
	Inputs          []IOPort          `json:"inputs" yaml:"inputs"`
	Outputs         []IOPort          `json:"outputs" yaml:"outputs"`
	Provenance      Provenance        `json:"provenance" yaml:"provenance"`
	Resources       *ResourceSpec     `json:"resources,omitempty" yaml:"resources,omitempty"`
	Parameters      []Parameter       `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Compliance      []ComplianceEntry `json:"compliance,omitempty" yaml:"compliance,omitempty"`
}

// IOPort declares a named, typed input or output slot.
type IOPort struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	MediaType   string `json:"media_type" yaml:"media_type"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Provenance pins a manifest to the exact container backing it. The
// digest is frozen at publication and never recomputed.
type Provenance struct {
	ContainerImage  string        `json:"container_image" yaml:"container_image"`
	ContainerDigest digest.Digest `json:"container_digest,omitempty" yaml:"container_digest,omitempty"`
	RepositoryURL   string        `json:"repository_url,omitempty" yaml:"repository_url,omitempty"`
	Reference       string        `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// ResourceSpec carries advisory resource requests for a run.
type ResourceSpec struct {
	CPU    string `json:"cpu" yaml:"cpu"`
	Memory string `json:"memory" yaml:"memory"`
	GPU    bool   `json:"gpu,omitempty" yaml:"gpu,omitempty"`
}

// Parameter declares a tunable runtime value with an optional default.
type Parameter struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Description string    `json:"description" yaml:"description"`
}

// ComplianceEntry is informational licensing metadata.
type ComplianceEntry struct {
	License string `json:"license" yaml:"license"`
	URL     string `json:"url" yaml:"url"`
}

// Input returns the declared input port with the given name.
func (m Manifest) Input(name string) (IOPort, bool) {
	for _, p := range m.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return IOPort{}, false
}

// Parameter returns the declared parameter with the given name.
func (m Manifest) Parameter(name string) (Parameter, bool) {
	for _, p := range m.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// PluginRecord is a published manifest together with registry-owned state.
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

// PluginFilter narrows List results. Empty fields match everything.
type PluginFilter struct {
	Tag    string
	Author string
	Text   string
}

// TagCount pairs a tag with its usage frequency.
type TagCount struct {
	Tag        string `json:"tag"`
	UsageCount int    `json:"usage_count"`
}

// RegistryStats is a derived read over the published manifest set.
type RegistryStats struct {
	TotalPlugins     int        `json:"total_plugins"`
	UniqueAuthors    int        `json:"unique_authors"`
	UniqueTags       int        `json:"unique_tags"`
	MostRecentUpdate *time.Time `json:"most_recent_update,omitempty"`
	TopTags          []TagCount `json:"top_tags"`
}

// HistoryEntry is one row of the recent ingest/execution feed.
type HistoryEntry struct {
	Kind       string    `json:"kind"` // "publish" or "run"
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}
