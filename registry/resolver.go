package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Resolve returns the single-platform manifest for ref.
//
// When the registry answers with an index or manifest list, the entry whose
// os and architecture (and variant, when requested) equal the wanted
// platform is fetched again by digest and its body verified. There is no
// closest-match fallback. A concrete manifest is returned unchanged.
func (c *Client) Resolve(ctx context.Context, ref Reference, token string) (ocispec.Manifest, error) {
	log := c.log().With("repository", ref.Repository, "reference", ref.Reference())

	body, mediaType, err := c.fetchManifest(ctx, ref.Repository, ref.Reference(), manifestAccept, token)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	if ref.Digest != "" {
		if err := verifyContent(ref.Digest, body); err != nil {
			return ocispec.Manifest{}, err
		}
	}

	var probe struct {
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if !isIndexMediaType(mediaType) && probe.Manifests == nil {
		log.Debug("resolved single-platform manifest", "mediaType", mediaType)
		return decodeManifest(body)
	}

	var index ocispec.Index
	if err := json.Unmarshal(body, &index); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: index: %v", ErrManifestInvalid, err)
	}
	want := c.defaultPlatform
	if ref.Platform != nil {
		want = *ref.Platform
	}
	desc, err := selectPlatform(index, want)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	log.Debug("selected platform manifest", "platform", FormatPlatform(&want), "digest", desc.Digest)

	body, _, err = c.fetchManifest(ctx, ref.Repository, desc.Digest.String(), concreteManifestAccept, token)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	if err := verifyContent(desc.Digest, body); err != nil {
		return ocispec.Manifest{}, err
	}
	return decodeManifest(body)
}

// selectPlatform returns the first index entry that exactly matches want.
func selectPlatform(index ocispec.Index, want ocispec.Platform) (ocispec.Descriptor, error) {
	for _, m := range index.Manifests {
		p := m.Platform
		if p == nil || p.OS != want.OS || p.Architecture != want.Architecture {
			continue
		}
		if want.Variant != "" && p.Variant != want.Variant {
			continue
		}
		if err := m.Digest.Validate(); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("%w: index entry digest: %v", ErrManifestInvalid, err)
		}
		return m, nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrPlatformNotFound, FormatPlatform(&want))
}

// decodeManifest parses a concrete manifest and checks it names a config
// and a layers list.
func decodeManifest(body []byte) (ocispec.Manifest, error) {
	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if m.Config.Digest == "" {
		return ocispec.Manifest{}, fmt.Errorf("%w: missing config", ErrManifestInvalid)
	}
	if m.Layers == nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: missing layers", ErrManifestInvalid)
	}
	for _, d := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		if err := d.Digest.Validate(); err != nil {
			return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
	}
	return m, nil
}

func verifyContent(want digest.Digest, body []byte) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if got := want.Algorithm().FromBytes(body); got != want {
		return fmt.Errorf("%w: manifest expected %s, got %s", ErrDigestMismatch, want, got)
	}
	return nil
}

// fetchManifest GETs a manifest and returns its body and base media type.
func (c *Client) fetchManifest(ctx context.Context, repository, reference, accept, token string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/v2/%s/manifests/%s", repository, reference), token)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", transportError("fetch manifest", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken(repository)
		}
		return nil, "", statusError(resp, nil)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, "", transportError("read manifest", err)
	}
	if n > maxManifestSize {
		return nil, "", fmt.Errorf("%w: manifest exceeds %d bytes", ErrManifestInvalid, maxManifestSize)
	}
	return buf.Bytes(), baseMediaType(resp.Header.Get("Content-Type")), nil
}
