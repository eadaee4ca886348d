// Package testutil provides common test helpers for labkit tests.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Logger returns a logger that discards all output.
func Logger() *log.Logger {
	return log.New(io.Discard)
}

// MD5 returns the hex md5 digest of data.
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// WriteFile writes a file under dir, creating parent directories.
// Returns the full path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// ManifestArtifact describes one artifact for WriteManifest.
type ManifestArtifact struct {
	Filename  string `yaml:"filename"`
	Checksum  string `yaml:"checksum"`
	Size      int64  `yaml:"size"`
	TargetDir string `yaml:"target_directory"`
}

// ManifestDoc is a manifest document for WriteManifest.
type ManifestDoc struct {
	Name      string             `yaml:"name"`
	Version   string             `yaml:"version"`
	Artifacts []ManifestArtifact `yaml:"artifacts"`
}

// WriteManifest writes a manifest YAML document and returns its path.
func WriteManifest(t *testing.T, dir string, doc ManifestDoc) string {
	t.Helper()

	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest %s: %v", doc.Name, err)
	}
	return WriteFile(t, dir, doc.Name+"-"+doc.Version+".yml", data)
}

// ArtifactFor builds a ManifestArtifact describing content and writes
// the content into storeDir so the artifact actually exists there.
func ArtifactFor(t *testing.T, storeDir, filename string, content []byte) ManifestArtifact {
	t.Helper()

	WriteFile(t, storeDir, filename, content)
	return ManifestArtifact{
		Filename:  filename,
		Checksum:  MD5(content),
		Size:      int64(len(content)),
		TargetDir: ".",
	}
}
