package artifactfetcher

import (
	"errors"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/registry"
	"github.com/Gariton/ArtifactFetcher/storage"
)

var (
	// ErrNoResult is returned by OpenResult for jobs without a stored archive.
	ErrNoResult = errors.New("artifactfetcher: job has no stored result")

	// ErrInvalidRequest is returned when a start request is incomplete.
	ErrInvalidRequest = errors.New("artifactfetcher: invalid request")
)

// Errors re-exported from job.
var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = job.ErrNotFound

	// ErrJobNotFinished is returned when deleting a running job.
	ErrJobNotFinished = job.ErrNotTerminal
)

// Errors re-exported from registry.
var (
	ErrAuthFailed            = registry.ErrAuthFailed
	ErrPlatformNotFound      = registry.ErrPlatformNotFound
	ErrManifestInvalid       = registry.ErrManifestInvalid
	ErrDigestMismatch        = registry.ErrDigestMismatch
	ErrRegistryUnreachable   = registry.ErrRegistryUnreachable
	ErrBlobUploadFailed      = registry.ErrBlobUploadFailed
	ErrManifestPublishFailed = registry.ErrManifestPublishFailed
	ErrNetworkRetriable      = registry.ErrNetworkRetriable
	ErrInvalidReference      = registry.ErrInvalidReference
)

// ErrNoManifest is returned when an archive has no manifest.json.
var ErrNoManifest = archive.ErrNoManifest

// ErrResultNotFound is returned when a stored archive is missing.
var ErrResultNotFound = storage.ErrNotFound
