package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/mediatype"
)

func validManifest() domain.Manifest {
	now := time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)
	return domain.Manifest{
		Name:       "frequency-aggregator",
		Version:    "0.1.0",
		Summary:    "Annotates variants with population allele frequencies.",
		Entrypoint: "python -m pgip_plugins.frequency_aggregator",
		CreatedAt:  now,
		UpdatedAt:  now,
		Authors:    []string{"PGIP Core Team"},
		Tags:       []string{"frequency", "baseline"},
		Inputs: []domain.IOPort{
			{Name: "variants", Description: "VCF slice to annotate", MediaType: mediatype.TypeVCF},
		},
		Outputs: []domain.IOPort{
			{Name: "annotations", Description: "Annotation records", MediaType: mediatype.TypeAnnotationJSONL},
		},
		Provenance: domain.Provenance{
			ContainerImage: "ghcr.io/pgip/frequency-aggregator:0.1.0",
			RepositoryURL:  "https://github.com/pgip-dev/plugins",
			Reference:      "main",
		},
		Resources: &domain.ResourceSpec{CPU: "2", Memory: "4Gi"},
		Parameters: []domain.Parameter{
			{Name: "min-af", Type: domain.ParamFloat, Default: 0.01, Description: "minimum allele frequency"},
		},
	}
}

func TestValidManifestPasses(t *testing.T) {
	res := Validate(validManifest(), mediatype.NewRegistry())
	if !res.Valid() {
		t.Fatalf("expected valid manifest, got violations: %+v", res.Violations)
	}
}

func TestMissingRequiredFieldsAccumulate(t *testing.T) {
	m := validManifest()
	m.Name = ""
	m.Entrypoint = ""
	m.Outputs = nil
	res := Validate(m, mediatype.NewRegistry())
	if res.Valid() {
		t.Fatalf("expected violations")
	}
	if len(res.Violations) != 3 {
		t.Fatalf("expected 3 violations in the required-field category, got %d: %+v", len(res.Violations), res.Violations)
	}
	paths := make(map[string]bool)
	for _, v := range res.Violations {
		paths[v.FieldPath] = true
	}
	for _, want := range []string{"name", "entrypoint", "outputs"} {
		if !paths[want] {
			t.Errorf("missing violation for %s", want)
		}
	}
}

func TestRequiredFieldsShortCircuitLaterCategories(t *testing.T) {
	m := validManifest()
	m.Name = ""
	m.Version = "not-semver" // would fail category 3, must not be reported
	res := Validate(m, mediatype.NewRegistry())
	for _, v := range res.Violations {
		if v.FieldPath == "version" && strings.Contains(v.Reason, "MAJOR") {
			t.Fatalf("semver category should not run when required fields are missing: %+v", res.Violations)
		}
	}
}

func TestSlugFormat(t *testing.T) {
	for _, name := range []string{"Frequency", "freq_agg", "-freq", "freq-", "freq--agg", "freq agg"} {
		m := validManifest()
		m.Name = name
		if res := Validate(m, mediatype.NewRegistry()); res.Valid() {
			t.Errorf("expected slug violation for %q", name)
		}
	}
	for _, name := range []string{"freq", "freq-agg", "freq-agg-2", "0alpha"} {
		m := validManifest()
		m.Name = name
		if res := Validate(m, mediatype.NewRegistry()); !res.Valid() {
			t.Errorf("expected %q to be a valid slug: %+v", name, res.Violations)
		}
	}
}

func TestSemverFormat(t *testing.T) {
	for _, v := range []string{"1", "1.2", "v1.2.3", "1.2.3.4", "01.2.3", "1.2.3-"} {
		m := validManifest()
		m.Version = v
		if res := Validate(m, mediatype.NewRegistry()); res.Valid() {
			t.Errorf("expected semver violation for %q", v)
		}
	}
	for _, v := range []string{"0.1.0", "1.2.3", "10.0.1-rc.1", "1.0.0-alpha"} {
		m := validManifest()
		m.Version = v
		if res := Validate(m, mediatype.NewRegistry()); !res.Valid() {
			t.Errorf("expected %q to be a valid version: %+v", v, res.Violations)
		}
	}
}

func TestUnknownCustomMediaTypeRejected(t *testing.T) {
	m := validManifest()
	m.Inputs[0].MediaType = "application/vnd.pgip.nonexistent"
	res := Validate(m, mediatype.NewRegistry())
	if res.Valid() {
		t.Fatalf("expected violation for unregistered custom type")
	}
	if res.Violations[0].FieldPath != "inputs[0].media_type" {
		t.Fatalf("unexpected field path: %s", res.Violations[0].FieldPath)
	}
}

func TestStandardMediaTypeSyntax(t *testing.T) {
	m := validManifest()
	m.Outputs[0].MediaType = "notamediatype"
	if res := Validate(m, mediatype.NewRegistry()); res.Valid() {
		t.Fatalf("expected violation for malformed media type")
	}
	m.Outputs[0].MediaType = "text/tab-separated-values"
	if res := Validate(m, mediatype.NewRegistry()); !res.Valid() {
		t.Fatalf("standard MIME type should pass: %+v", res.Violations)
	}
}

func TestDuplicatePortNamesWithinDirection(t *testing.T) {
	m := validManifest()
	m.Inputs = append(m.Inputs, domain.IOPort{Name: "variants", Description: "dup", MediaType: mediatype.TypeVCF})
	res := Validate(m, mediatype.NewRegistry())
	if res.Valid() {
		t.Fatalf("expected duplicate port violation")
	}
}

func TestSameNameAcrossDirectionsAllowed(t *testing.T) {
	m := validManifest()
	m.Outputs[0].Name = "variants" // same as the input port
	if res := Validate(m, mediatype.NewRegistry()); !res.Valid() {
		t.Fatalf("port names are only unique per direction: %+v", res.Violations)
	}
}

func TestParameterDefaultConsistency(t *testing.T) {
	m := validManifest()
	m.Parameters = []domain.Parameter{
		{Name: "threshold", Type: domain.ParamInt, Default: 2.5},
	}
	res := Validate(m, mediatype.NewRegistry())
	if res.Valid() {
		t.Fatalf("expected violation for lossy int default")
	}

	m.Parameters = []domain.Parameter{
		{Name: "threshold", Type: domain.ParamInt, Default: float64(3)},
		{Name: "label", Type: domain.ParamString, Default: "x"},
		{Name: "strict", Type: domain.ParamBool, Default: true},
		{Name: "cutoff", Type: domain.ParamFloat, Default: 7},
	}
	if res := Validate(m, mediatype.NewRegistry()); !res.Valid() {
		t.Fatalf("expected lossless defaults to pass: %+v", res.Violations)
	}
}

func TestConvertValue(t *testing.T) {
	if _, err := ConvertValue(domain.ParamInt, "5"); err == nil {
		t.Fatalf("string should not convert to int")
	}
	got, err := ConvertValue(domain.ParamInt, float64(5))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.(int64) != 5 {
		t.Fatalf("unexpected conversion result: %v", got)
	}
	if _, err := ConvertValue(domain.ParamBool, 1); err == nil {
		t.Fatalf("int should not convert to bool")
	}
}
