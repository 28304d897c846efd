package registry

import (
	"mime"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types. OCI media types come from ocispec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

var (
	// manifestAccept negotiates any manifest, index or list.
	manifestAccept = strings.Join([]string{
		ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifestList,
		ocispec.MediaTypeImageManifest,
		MediaTypeDockerManifest,
	}, ", ")

	// concreteManifestAccept negotiates single-platform manifests only.
	concreteManifestAccept = strings.Join([]string{
		ocispec.MediaTypeImageManifest,
		MediaTypeDockerManifest,
	}, ", ")
)

func isIndexMediaType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == MediaTypeDockerManifestList
}

// baseMediaType strips parameters from a Content-Type value.
func baseMediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.TrimSpace(mt)
	}
	return mt
}
