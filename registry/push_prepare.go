package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/internal/fileops"
)

// blobFile is a local blob with its recomputed descriptor.
type blobFile struct {
	path string
	desc ocispec.Descriptor
}

// preparedImage is an image ready to upload: local blobs plus the manifest
// that references them.
type preparedImage struct {
	entry    archive.ManifestEntry
	config   blobFile
	layers   []blobFile
	manifest []byte
}

func (p *preparedImage) layerDescriptors() []ocispec.Descriptor {
	out := make([]ocispec.Descriptor, len(p.layers))
	for i, l := range p.layers {
		out[i] = l.desc
	}
	return out
}

// materialize returns a directory holding the loadable layout of source.
// An archive is extracted into a scratch directory that cleanup removes.
func (p *Pusher) materialize(source string) (dir string, cleanup func(), err error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return source, func() {}, nil
	}
	dir, err = os.MkdirTemp(p.scratchDir, "push-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }
	if err := archive.Extract(source, dir); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

// readEntry loads the first manifest.json entry of dir and checks that
// every path it references exists.
func readEntry(dir string) (archive.ManifestEntry, error) {
	entry, err := archive.ReadManifestFile(filepath.Join(dir, archive.ManifestFile))
	if err != nil {
		return archive.ManifestEntry{}, err
	}
	if err := entry.Validate(dir); err != nil {
		return archive.ManifestEntry{}, err
	}
	return entry, nil
}

// hashImage recomputes every blob digest locally; digests found in the
// archive are never trusted. Files are hashed concurrently.
func (p *Pusher) hashImage(ctx context.Context, dir string, entry archive.ManifestEntry) (*preparedImage, error) {
	img := &preparedImage{
		entry:  entry,
		layers: make([]blobFile, len(entry.Layers)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.hashConcurrency)

	g.Go(func() error {
		bf, err := describe(ctx, filepath.Join(dir, entry.Config), MediaTypeDockerConfig)
		img.config = bf
		return err
	})
	for i, rel := range entry.Layers {
		g.Go(func() error {
			path := filepath.Join(dir, rel)
			gz, err := archive.IsGzip(path)
			if err != nil {
				return err
			}
			mt := MediaTypeDockerLayer
			if gz {
				mt = MediaTypeDockerLayerGzip
			}
			bf, err := describe(ctx, path, mt)
			img.layers[i] = bf
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: MediaTypeDockerManifest,
		Config:    img.config.desc,
		Layers:    img.layerDescriptors(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	img.manifest = data
	return img, nil
}

func describe(ctx context.Context, path, mediaType string) (blobFile, error) {
	if err := ctx.Err(); err != nil {
		return blobFile{}, err
	}
	d, size, err := fileops.DigestFile(path)
	if err != nil {
		return blobFile{}, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return blobFile{
		path: path,
		desc: ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: size},
	}, nil
}
