package mediatype

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// CustomPrefix namespaces PGIP-owned media types.
const CustomPrefix = "application/vnd.pgip."

// Built-in custom types shipped with the platform.
const (
	TypeVCF            = "application/vnd.pgip.vcf"
	TypeGFA            = "application/vnd.pgip.gfa"
	TypeGraphSelection = "application/vnd.pgip.graph-selection+json"
	TypeAnnotationJSONL = "application/vnd.pgip.annotation+jsonl"
)

// ErrAlreadyRegistered indicates a duplicate Register call.
var ErrAlreadyRegistered = errors.New("mediatype: already registered")

// ErrPinned indicates the type backs a published manifest and cannot be removed.
var ErrPinned = errors.New("mediatype: type is pinned by a published manifest")

// ErrUnknown indicates a lookup for an unregistered type.
var ErrUnknown = errors.New("mediatype: unknown type")

type entry struct {
	parsingHint string
	pinned      bool
}

// Registry maps custom media types to their documented parsing
// expectations. Lookups are O(1); pinned types are append-only.
type Registry struct {
	mu    sync.RWMutex
	types map[string]entry
}

// NewRegistry returns a registry seeded with the built-in PGIP types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]entry)}
	r.types[TypeVCF] = entry{parsingHint: "VCF 4.x variant records, optionally bgzip-compressed"}
	r.types[TypeGFA] = entry{parsingHint: "GFA 1.x pangenome graph segments and links"}
	r.types[TypeGraphSelection] = entry{parsingHint: "JSON object selecting graph nodes/walks by identifier"}
	r.types[TypeAnnotationJSONL] = entry{parsingHint: "one JSON annotation record per line"}
	return r
}

// IsKnown reports whether the type has been registered.
func (r *Registry) IsKnown(mediaType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[mediaType]
	return ok
}

// Hint returns the documented parsing expectation for a registered type.
func (r *Registry) Hint(mediaType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[mediaType]
	if !ok {
		return "", ErrUnknown
	}
	return e.parsingHint, nil
}

// Register adds a custom type. New types require a documented parsing
// expectation before acceptance.
func (r *Registry) Register(mediaType, parsingHint string) error {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return errors.New("mediatype: empty type")
	}
	if strings.TrimSpace(parsingHint) == "" {
		return errors.New("mediatype: parsing hint required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[mediaType]; ok {
		return ErrAlreadyRegistered
	}
	r.types[mediaType] = entry{parsingHint: parsingHint}
	return nil
}

// Pin marks a type as backing a published manifest. Pinned types can
// never be removed, so historical outputs stay decodable.
func (r *Registry) Pin(mediaType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.types[mediaType]; ok {
		e.pinned = true
		r.types[mediaType] = e
	}
}

// Remove deletes an unpinned type.
func (r *Registry) Remove(mediaType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.types[mediaType]
	if !ok {
		return ErrUnknown
	}
	if e.pinned {
		return ErrPinned
	}
	delete(r.types, mediaType)
	return nil
}

// Info describes one registered type.
type Info struct {
	MediaType   string `json:"media_type"`
	ParsingHint string `json:"parsing_hint"`
	Pinned      bool   `json:"pinned"`
}

// Known lists every registered type sorted by name.
func (r *Registry) Known() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.types))
	for mt, e := range r.types {
		infos = append(infos, Info{MediaType: mt, ParsingHint: e.parsingHint, Pinned: e.pinned})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MediaType < infos[j].MediaType })
	return infos
}

// IsCustom reports whether the type lives in the PGIP namespace.
func IsCustom(mediaType string) bool {
	return strings.HasPrefix(mediaType, CustomPrefix)
}

// IsWellFormed reports whether the type is syntactically a valid
// standard MIME type (type/subtype, single slash, no whitespace).
func IsWellFormed(mediaType string) bool {
	parts := strings.Split(mediaType, "/")
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, " \t") {
			return false
		}
	}
	return true
}
