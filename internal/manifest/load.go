package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pgip-dev/pgip/internal/domain"
)

// Load parses a manifest document. JSON and YAML are accepted; the
// format is sniffed from the payload.
func Load(data []byte) (domain.Manifest, error) {
	var m domain.Manifest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return m, fmt.Errorf("empty manifest document")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return domain.Manifest{}, fmt.Errorf("parse manifest json: %w", err)
		}
		return m, nil
	}
	if err := yaml.Unmarshal(trimmed, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("parse manifest yaml: %w", err)
	}
	return m, nil
}

// LoadFile reads and parses a manifest document from disk.
func LoadFile(path string) (domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m domain.Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return domain.Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		return m, nil
	default:
		m, err := Load(data)
		if err != nil {
			return domain.Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		return m, nil
	}
}

// Marshal renders the manifest back to its canonical JSON document form.
func Marshal(m domain.Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
