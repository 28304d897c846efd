package registry

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	orasregistry "oras.land/oras-go/v2/registry"
)

// Docker Hub defaults.
const (
	DockerHubRegistry = "docker.io"
	DefaultTag        = "latest"
)

// Reference names an image on a registry, optionally pinned to a platform.
type Reference struct {
	// Registry is the registry host; empty means Docker Hub.
	Registry string

	// Repository is the full repository path, e.g. "library/redis".
	Repository string

	// Tag and Digest are mutually exclusive; Digest wins when both are set.
	Tag    string
	Digest digest.Digest

	// Platform selects an entry of a multi-platform index.
	Platform *ocispec.Platform
}

// ParseReference parses "[host/]name[:tag|@digest]". A name with no host
// lives on Docker Hub, where single-component names gain the "library/"
// prefix. The tag defaults to "latest".
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	var ref Reference
	name := s
	if i := strings.Index(name, "@"); i >= 0 {
		d, err := digest.Parse(name[i+1:])
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
		}
		ref.Digest = d
		name = name[:i]
	}
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		ref.Tag = name[i+1:]
		name = name[:i]
	}

	host, path, ok := strings.Cut(name, "/")
	if ok && (strings.ContainsAny(host, ".:") || host == "localhost") {
		ref.Registry = host
		ref.Repository = path
	} else {
		ref.Registry = DockerHubRegistry
		ref.Repository = name
	}
	if ref.Registry == DockerHubRegistry && !strings.Contains(ref.Repository, "/") {
		ref.Repository = "library/" + ref.Repository
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = DefaultTag
	}

	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// Validate checks the repository and tag or digest syntax.
func (r Reference) Validate() error {
	oref := orasregistry.Reference{
		Registry:   r.Registry,
		Repository: r.Repository,
		Reference:  r.Reference(),
	}
	if oref.Registry == "" {
		oref.Registry = DockerHubRegistry
	}
	if err := oref.ValidateRepository(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if err := oref.ValidateReference(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return nil
}

// Reference returns the digest if set, otherwise the tag.
func (r Reference) Reference() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// String formats the reference as "host/repo:tag" or "host/repo@digest".
func (r Reference) String() string {
	host := r.Registry
	if host == "" {
		host = DockerHubRegistry
	}
	if r.Digest != "" {
		return host + "/" + r.Repository + "@" + r.Digest.String()
	}
	return host + "/" + r.Repository + ":" + r.Tag
}

// ParsePlatform parses "os/arch[/variant]".
func ParsePlatform(s string) (*ocispec.Platform, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: platform %q must be os/arch[/variant]", ErrInvalidReference, s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

// FormatPlatform is the inverse of ParsePlatform.
func FormatPlatform(p *ocispec.Platform) string {
	if p == nil {
		return ""
	}
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}
