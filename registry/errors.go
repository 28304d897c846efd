package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
)

// Sentinel errors for registry operations.
var (
	// ErrAuthFailed is returned when a token cannot be obtained or the
	// registry rejects the credentials.
	ErrAuthFailed = errors.New("registry: authentication failed")

	// ErrPlatformNotFound is returned when an index has no entry for the
	// requested platform.
	ErrPlatformNotFound = errors.New("registry: platform not found")

	// ErrManifestInvalid is returned when a manifest lacks its config or layers
	// or cannot be decoded.
	ErrManifestInvalid = errors.New("registry: invalid manifest")

	// ErrDigestMismatch is returned when content does not match its expected digest.
	ErrDigestMismatch = errors.New("registry: digest mismatch")

	// ErrRegistryUnreachable is returned when the target registry does not
	// answer the /v2/ ping with 200.
	ErrRegistryUnreachable = errors.New("registry: registry unreachable")

	// ErrBlobUploadFailed is returned when any step of a blob upload gets an
	// unexpected response.
	ErrBlobUploadFailed = errors.New("registry: blob upload failed")

	// ErrManifestPublishFailed is returned when the manifest PUT is rejected.
	ErrManifestPublishFailed = errors.New("registry: manifest publish failed")

	// ErrNetworkRetriable wraps a transient failure that persisted after all
	// retries were spent.
	ErrNetworkRetriable = errors.New("registry: network error")

	// ErrInvalidReference is returned when a reference string is malformed.
	ErrInvalidReference = errors.New("registry: invalid reference")

	// ErrNotFound is returned when the registry has no such manifest or blob.
	ErrNotFound = errors.New("registry: not found")
)

const maxErrorBody = 8 << 10

// responseError decodes a registry error body into an errcode.ErrorResponse.
// The body is consumed up to a small limit.
func responseError(resp *http.Response) error {
	var body struct {
		Errors errcode.Errors `json:"errors"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body) //nolint:errcheck // body is optional
	er := &errcode.ErrorResponse{
		StatusCode: resp.StatusCode,
		Errors:     body.Errors,
	}
	if resp.Request != nil {
		er.Method = resp.Request.Method
		er.URL = resp.Request.URL
	}
	return er
}

// statusError maps an unexpected response to a sentinel. fallback is used
// for statuses without a dedicated sentinel.
func statusError(resp *http.Response, fallback error) error {
	cause := responseError(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	case resp.StatusCode == http.StatusNotFound && fallback == nil:
		return fmt.Errorf("%w: %w", ErrNotFound, cause)
	case httputil.RetryableStatus(resp.StatusCode):
		return fmt.Errorf("%w: %w", ErrNetworkRetriable, cause)
	case fallback != nil:
		return fmt.Errorf("%w: %w", fallback, cause)
	default:
		return cause
	}
}

// transportError wraps a failed round trip.
func transportError(op string, err error) error {
	if httputil.IsTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrNetworkRetriable, op, err)
	}
	return fmt.Errorf("registry: %s: %w", op, err)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort
	resp.Body.Close()
}
