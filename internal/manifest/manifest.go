// Package manifest parses and validates the artifact manifests that
// drive content distribution. A manifest names a course release and
// lists the artifacts (images, ISOs, definitions) it deploys.
package manifest

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ID identifies a loaded manifest: "{name}-{version}".
type ID string

// ArtifactRef is one artifact declared by a manifest.
type ArtifactRef struct {
	Filename  string `yaml:"filename"`
	Checksum  string `yaml:"checksum"`
	Size      int64  `yaml:"size"`
	TargetDir string `yaml:"target_directory"`
}

// Key returns the cache uniqueness key for the referenced artifact.
// Two refs with the same filename but different checksums address
// distinct artifact versions.
func (r ArtifactRef) Key() string {
	return r.Filename + "@" + r.Checksum
}

// Manifest is an immutable, validated artifact manifest.
type Manifest struct {
	Name      string        `yaml:"name"`
	Version   string        `yaml:"version"`
	Artifacts []ArtifactRef `yaml:"artifacts"`
}

// ID returns the manifest identity.
func (m *Manifest) ID() ID {
	return ID(m.Name + "-" + m.Version)
}

// SchemaError reports a malformed manifest document.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("manifest schema: %s: %s", e.Field, e.Reason)
}

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Parse decodes and validates a manifest document. Any missing or
// malformed required field fails with *SchemaError.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &SchemaError{Field: "document", Reason: err.Error()}
	}
	if m.Name == "" {
		return nil, &SchemaError{Field: "name", Reason: "missing or blank"}
	}
	if m.Version == "" {
		return nil, &SchemaError{Field: "version", Reason: "missing or blank"}
	}
	if len(m.Artifacts) == 0 {
		return nil, &SchemaError{Field: "artifacts", Reason: "no artifacts in manifest"}
	}
	for i, a := range m.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		if a.Filename == "" {
			return nil, &SchemaError{Field: field + ".filename", Reason: "missing or blank"}
		}
		if a.Checksum == "" {
			return nil, &SchemaError{Field: field + ".checksum", Reason: "missing or blank"}
		}
		if !checksumPattern.MatchString(a.Checksum) {
			return nil, &SchemaError{Field: field + ".checksum", Reason: "not a hex md5 digest"}
		}
		if a.Size < 0 {
			return nil, &SchemaError{Field: field + ".size", Reason: "negative"}
		}
	}
	// A manifest must be internally consistent: one checksum per
	// filename, each declared once.
	seen := make(map[string]string, len(m.Artifacts))
	for i, a := range m.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		prev, ok := seen[a.Filename]
		switch {
		case ok && prev == a.Checksum:
			return nil, &SchemaError{Field: field, Reason: a.Key() + " declared twice"}
		case ok:
			return nil, &SchemaError{Field: field, Reason: a.Filename + " declared with conflicting checksums"}
		}
		seen[a.Filename] = a.Checksum
	}
	return &m, nil
}

// ParseFile reads and parses a manifest file.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}
