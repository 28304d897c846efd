package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Gariton/ArtifactFetcher/internal/fileops"
	"github.com/Gariton/ArtifactFetcher/progress"
)

// PullOption configures PullBlob.
type PullOption func(*pullConfig)

type pullConfig struct {
	index   int
	indexed bool
	emitter progress.Emitter
}

// WithIndex correlates the item events of a pull with position i.
// Without an index no item events are emitted.
func WithIndex(i int) PullOption {
	return func(c *pullConfig) {
		c.index = i
		c.indexed = true
	}
}

// WithEmitter sets the receiver of item events.
func WithEmitter(e progress.Emitter) PullOption {
	return func(c *pullConfig) {
		c.emitter = e
	}
}

// PullBlob streams the blob desc of repository to destPath while hashing
// it. The computed digest must equal desc.Digest, otherwise ErrDigestMismatch
// is returned and the partial file is left in place for the caller to
// remove.
func (c *Client) PullBlob(ctx context.Context, repository string, desc ocispec.Descriptor, token, destPath string, opts ...PullOption) error {
	cfg := pullConfig{emitter: progress.Discard}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := desc.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: blob digest: %v", ErrManifestInvalid, err)
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/v2/%s/blobs/%s", repository, desc.Digest), token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("pull blob", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken(repository)
		}
		return statusError(resp, nil)
	}

	item := progress.Item{Index: cfg.index}
	total := progress.Size(resp.ContentLength)
	if cfg.indexed {
		cfg.emitter.Emit(progress.ItemStart(item, desc.Digest.String(), total))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}

	hr := fileops.NewHashingReader(resp.Body, desc.Digest.Algorithm())
	var onRead func(int64)
	if cfg.indexed {
		onRead = func(received int64) {
			cfg.emitter.Emit(progress.ItemProgress(item, received, total))
		}
	}
	n, err := io.Copy(f, fileops.NewCountingReader(hr, onRead))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return transportError("read blob "+desc.Digest.String(), err)
	}

	if got := hr.Digest(); got != desc.Digest {
		return fmt.Errorf("%w: blob expected %s, got %s (%d bytes)", ErrDigestMismatch, desc.Digest, got, n)
	}
	c.log().Debug("pulled blob", "repository", repository, "digest", desc.Digest, "size", n)

	if cfg.indexed {
		cfg.emitter.Emit(progress.ItemDone(item))
	}
	return nil
}
