package manifest

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/pgip-dev/pgip/internal/domain"
	"github.com/pgip-dev/pgip/internal/mediatype"
)

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?$`)
)

// Violation points at a manifest field that failed validation.
type Violation struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

// Result collects validation violations. An empty result is valid.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Valid reports whether the manifest passed every check.
func (r Result) Valid() bool { return len(r.Violations) == 0 }

func (r *Result) add(path, reason string) {
	r.Violations = append(r.Violations, Violation{FieldPath: path, Reason: reason})
}

// Validate runs structural and semantic checks over the manifest.
// Checks run in fixed categories; the first failing category
// short-circuits the rest, but all errors within a category are
// accumulated. The manifest is never mutated.
func Validate(m domain.Manifest, types *mediatype.Registry) Result {
	var res Result

	// Category 1: required-field presence.
	if strings.TrimSpace(m.Name) == "" {
		res.add("name", "required")
	}
	if strings.TrimSpace(m.Version) == "" {
		res.add("version", "required")
	}
	if strings.TrimSpace(m.Entrypoint) == "" {
		res.add("entrypoint", "required")
	}
	if len(m.Inputs) == 0 {
		res.add("inputs", "at least one input port is required")
	}
	if len(m.Outputs) == 0 {
		res.add("outputs", "at least one output port is required")
	}
	if strings.TrimSpace(m.Provenance.ContainerImage) == "" {
		res.add("provenance.container_image", "required")
	}
	if !res.Valid() {
		return res
	}

	// Category 2: slug format.
	if !slugPattern.MatchString(m.Name) {
		res.add("name", "must be a lowercase hyphen-separated slug")
		return res
	}

	// Category 3: semantic version format.
	if !semverPattern.MatchString(m.Version) {
		res.add("version", "must be MAJOR.MINOR.PATCH with optional pre-release suffix")
		return res
	}

	// Category 4: media types.
	for i, p := range m.Inputs {
		checkMediaType(&res, fmt.Sprintf("inputs[%d].media_type", i), p.MediaType, types)
	}
	for i, p := range m.Outputs {
		checkMediaType(&res, fmt.Sprintf("outputs[%d].media_type", i), p.MediaType, types)
	}
	if !res.Valid() {
		return res
	}

	// Category 5: port name uniqueness within each direction.
	checkPortNames(&res, "inputs", m.Inputs)
	checkPortNames(&res, "outputs", m.Outputs)
	if !res.Valid() {
		return res
	}

	// Category 6: parameter type/default consistency.
	for i, p := range m.Parameters {
		path := fmt.Sprintf("parameters[%d]", i)
		switch p.Type {
		case domain.ParamFloat, domain.ParamInt, domain.ParamString, domain.ParamBool:
		default:
			res.add(path+".type", fmt.Sprintf("unknown parameter type %q", p.Type))
			continue
		}
		if p.Default == nil {
			continue
		}
		if _, err := ConvertValue(p.Type, p.Default); err != nil {
			res.add(path+".default", err.Error())
		}
	}
	return res
}

func checkMediaType(res *Result, path, mt string, types *mediatype.Registry) {
	if strings.TrimSpace(mt) == "" {
		res.add(path, "required")
		return
	}
	if mediatype.IsCustom(mt) {
		if types == nil || !types.IsKnown(mt) {
			res.add(path, fmt.Sprintf("custom media type %q is not registered", mt))
		}
		return
	}
	if !mediatype.IsWellFormed(mt) {
		res.add(path, fmt.Sprintf("%q is not a valid type/subtype media type", mt))
	}
}

func checkPortNames(res *Result, direction string, ports []domain.IOPort) {
	seen := make(map[string]struct{}, len(ports))
	for i, p := range ports {
		name := p.Name
		if strings.TrimSpace(name) == "" {
			res.add(fmt.Sprintf("%s[%d].name", direction, i), "required")
			continue
		}
		if _, ok := seen[name]; ok {
			res.add(fmt.Sprintf("%s[%d].name", direction, i), fmt.Sprintf("duplicate port name %q", name))
			continue
		}
		seen[name] = struct{}{}
	}
}

// ConvertValue coerces a dynamic value to the declared parameter type
// without loss, or reports why it cannot.
func ConvertValue(t domain.ParamType, v any) (any, error) {
	switch t {
	case domain.ParamFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case domain.ParamInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
			return nil, fmt.Errorf("value %v is not an integer", n)
		}
	case domain.ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case domain.ParamBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
	return nil, fmt.Errorf("value %v (%T) is not convertible to %s", v, v, t)
}
