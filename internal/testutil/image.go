package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Gariton/ArtifactFetcher/archive"
)

// Docker media types used by fixtures.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Image is a single-platform image fixture.
type Image struct {
	Platform   ocispec.Platform
	Config     []byte
	Layers     [][]byte
	ConfigDesc ocispec.Descriptor
	LayerDescs []ocispec.Descriptor
	Manifest   []byte
}

// NewImage builds an OCI image fixture for platform with the given layers.
func NewImage(tb testing.TB, platform ocispec.Platform, layers ...[]byte) Image {
	tb.Helper()
	config, err := json.Marshal(ocispec.Image{Platform: platform})
	if err != nil {
		tb.Fatalf("marshal config: %v", err)
	}
	img := Image{
		Platform:   platform,
		Config:     config,
		Layers:     layers,
		ConfigDesc: descriptor(ocispec.MediaTypeImageConfig, config),
	}
	for _, l := range layers {
		img.LayerDescs = append(img.LayerDescs, descriptor(ocispec.MediaTypeImageLayer, l))
	}
	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    img.ConfigDesc,
		Layers:    img.LayerDescs,
	}
	if img.LayerDescs == nil {
		m.Layers = []ocispec.Descriptor{}
	}
	img.Manifest, err = json.Marshal(m)
	if err != nil {
		tb.Fatalf("marshal manifest: %v", err)
	}
	return img
}

// Digest returns the manifest digest.
func (img Image) Digest() digest.Digest {
	return digest.FromBytes(img.Manifest)
}

func descriptor(mediaType string, data []byte) ocispec.Descriptor {
	return ocispec.Descriptor{MediaType: mediaType, Digest: digest.FromBytes(data), Size: int64(len(data))}
}

// AddImage stores the blobs and manifest of img as repo:tag.
func (r *Registry) AddImage(repo, tag string, img Image) digest.Digest {
	r.PutBlob(repo, img.Config)
	for _, l := range img.Layers {
		r.PutBlob(repo, l)
	}
	return r.PutManifest(repo, tag, ocispec.MediaTypeImageManifest, img.Manifest)
}

// AddIndex stores every image and an index of them, in the given order, as
// repo:tag. mediaType selects an OCI index or a Docker manifest list.
func (r *Registry) AddIndex(tb testing.TB, repo, tag, mediaType string, imgs ...Image) digest.Digest {
	tb.Helper()
	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType,
	}
	for _, img := range imgs {
		d := r.AddImage(repo, img.Digest().String(), img)
		platform := img.Platform
		index.Manifests = append(index.Manifests, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    d,
			Size:      int64(len(img.Manifest)),
			Platform:  &platform,
		})
	}
	body, err := json.Marshal(index)
	if err != nil {
		tb.Fatalf("marshal index: %v", err)
	}
	return r.PutManifest(repo, tag, mediaType, body)
}

// WriteLayout writes img as a loadable layout into dir.
func WriteLayout(tb testing.TB, dir string, img Image, repoTags ...string) archive.ManifestEntry {
	tb.Helper()
	write := func(rel string, data []byte) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			tb.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			tb.Fatalf("write %s: %v", rel, err)
		}
	}

	entry := archive.ManifestEntry{
		Config:   archive.ConfigPath(img.ConfigDesc.Digest),
		RepoTags: repoTags,
		Layers:   []string{},
	}
	write(entry.Config, img.Config)
	for i, l := range img.Layers {
		rel := archive.LayerPath(img.LayerDescs[i].Digest)
		write(rel, l)
		entry.Layers = append(entry.Layers, rel)
	}
	if err := archive.WriteManifest(dir, []archive.ManifestEntry{entry}); err != nil {
		tb.Fatalf("write manifest: %v", err)
	}
	return entry
}

// WriteArchive writes img as a loadable tar named name in a temporary
// directory and returns its path.
func WriteArchive(tb testing.TB, name string, img Image, repoTags ...string) string {
	tb.Helper()
	work := tb.TempDir()
	WriteLayout(tb, work, img, repoTags...)
	out := filepath.Join(tb.TempDir(), name)
	if err := archive.Build(work, out); err != nil {
		tb.Fatalf("build archive: %v", err)
	}
	return out
}
