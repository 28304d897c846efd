// Package archive builds and reads loadable image archives: a plain tar
// holding one directory per layer, a config JSON file and a manifest.json
// descriptor in the layout consumed by container tooling.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ManifestFile is the descriptor file name at the archive root.
const ManifestFile = "manifest.json"

var (
	// ErrNoManifest is returned when an archive has no manifest.json.
	ErrNoManifest = errors.New("archive: manifest.json not found")

	// ErrInvalidManifest is returned when manifest.json cannot be used.
	ErrInvalidManifest = errors.New("archive: invalid manifest.json")

	// ErrUnsafePath is returned for entries that would escape the destination.
	ErrUnsafePath = errors.New("archive: unsafe path")
)

// ManifestEntry is one element of the manifest.json array. Paths are
// relative to the archive root.
type ManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// ConfigPath returns the archive path of the config blob with digest d.
func ConfigPath(d digest.Digest) string {
	return d.Encoded() + ".json"
}

// LayerPath returns the archive path of the layer blob with digest d.
func LayerPath(d digest.Digest) string {
	return d.Encoded() + "/layer.tar"
}

// Validate checks that every path the entry references exists under dir.
func (m ManifestEntry) Validate(dir string) error {
	if m.Config == "" {
		return fmt.Errorf("%w: missing Config", ErrInvalidManifest)
	}
	paths := append([]string{m.Config}, m.Layers...)
	for _, p := range paths {
		full, err := Join(dir, p)
		if err != nil {
			return err
		}
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, p, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrInvalidManifest, p)
		}
	}
	return nil
}

// WriteManifest writes entries as dir/manifest.json.
func WriteManifest(dir string, entries []ManifestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

// ReadManifestFile parses a manifest.json and returns its first entry.
func ReadManifestFile(path string) (ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ManifestEntry{}, ErrNoManifest
		}
		return ManifestEntry{}, err
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(entries) == 0 {
		return ManifestEntry{}, fmt.Errorf("%w: no entries", ErrInvalidManifest)
	}
	return entries[0], nil
}
