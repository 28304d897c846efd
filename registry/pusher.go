package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/Gariton/ArtifactFetcher/internal/fileops"
	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/progress"
)

const defaultHashConcurrency = 4

// Target is a registry images are pushed to.
type Target struct {
	// URL is the registry base URL including any path the API is mounted
	// under, e.g. "https://nexus.example.com/repository/hub".
	URL string

	// Username and Password are optional static credentials, used for
	// Basic challenges and for bearer token exchange.
	Username string
	Password string

	// Insecure disables TLS certificate verification.
	Insecure bool

	// LocationPrefix is prepended to upload locations whose path starts with
	// "/v2/". Empty means the path of URL.
	LocationPrefix string

	// KeepLocationHost keeps the scheme and host of absolute upload
	// locations instead of replacing them with those of URL.
	KeepLocationHost bool
}

// PushRequest names what to push and where in the target.
type PushRequest struct {
	Repository string
	Tag        string

	// Source is a loadable archive (plain or gzip-compressed tar) or a
	// directory holding the extracted layout.
	Source string
}

// Pusher publishes loadable archives to one target registry.
type Pusher struct {
	target          Target
	base            *url.URL
	host            string
	locations       locationRewriter
	client          *auth.Client
	hashConcurrency int
	scratchDir      string
	logger          *slog.Logger

	httpClient *http.Client
	httpOpts   []httputil.Option
}

// PusherOption configures a Pusher.
type PusherOption func(*Pusher)

// WithPushHTTPClient sets the HTTP client wrapped by the authenticating client.
func WithPushHTTPClient(hc *http.Client) PusherOption {
	return func(p *Pusher) {
		p.httpClient = hc
	}
}

// WithPushHTTPOptions passes options to the default HTTP client.
func WithPushHTTPOptions(opts ...httputil.Option) PusherOption {
	return func(p *Pusher) {
		p.httpOpts = append(p.httpOpts, opts...)
	}
}

// WithHashConcurrency bounds how many files are hashed at once.
func WithHashConcurrency(n int) PusherOption {
	return func(p *Pusher) {
		if n > 0 {
			p.hashConcurrency = n
		}
	}
}

// WithScratchDir sets where archives are extracted before pushing.
// The default is the system temporary directory.
func WithScratchDir(dir string) PusherOption {
	return func(p *Pusher) {
		p.scratchDir = dir
	}
}

// WithPushLogger sets the logger for push operations.
func WithPushLogger(logger *slog.Logger) PusherOption {
	return func(p *Pusher) {
		p.logger = logger
	}
}

// NewPusher creates a pusher bound to target.
func NewPusher(target Target, opts ...PusherOption) (*Pusher, error) {
	base, err := parseBaseURL(target.URL)
	if err != nil {
		return nil, err
	}
	p := &Pusher{
		target:          target,
		base:            base,
		host:            base.Host,
		locations:       newLocationRewriter(base, target.LocationPrefix, target.KeepLocationHost),
		hashConcurrency: defaultHashConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}

	hc := p.httpClient
	if hc == nil {
		hc = httputil.NewClient(append([]httputil.Option{httputil.WithInsecureTLS(target.Insecure)}, p.httpOpts...)...)
	}
	cred := auth.EmptyCredential
	if target.Username != "" {
		cred = auth.Credential{Username: target.Username, Password: target.Password}
	}
	p.client = &auth.Client{
		Client:     hc,
		Cache:      auth.NewCache(),
		Credential: auth.StaticCredential(p.host, cred),
	}
	p.client.SetUserAgent("artifactfetcher")
	return p, nil
}

func (p *Pusher) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Target returns the target the pusher is bound to.
func (p *Pusher) Target() Target {
	return p.target
}

func (p *Pusher) endpoint(format string, args ...any) string {
	return strings.TrimSuffix(p.base.String(), "/") + fmt.Sprintf(format, args...)
}

// Push publishes the image in req.Source as req.Repository:req.Tag.
//
// Blobs are uploaded config first, then layers in manifest order; a blob
// the target already has is skipped. Any failed blob aborts the image
// before its manifest is published.
func (p *Pusher) Push(ctx context.Context, req PushRequest, em progress.Emitter) error {
	if em == nil {
		em = progress.Discard
	}
	ref := orasregistry.Reference{Registry: p.host, Repository: req.Repository, Reference: req.Tag}
	if err := ref.ValidateRepository(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if err := ref.ValidateReferenceAsTag(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	name := req.Repository + "@" + req.Tag
	log := p.log().With("repository", req.Repository, "tag", req.Tag, "target", p.host)

	em.Emit(progress.StageEvent(progress.StagePrepare))
	dir, cleanup, err := p.materialize(req.Source)
	if err != nil {
		return err
	}
	defer cleanup()
	entry, err := readEntry(dir)
	if err != nil {
		return err
	}

	em.Emit(progress.StageEvent(progress.StageHashing))
	img, err := p.hashImage(ctx, dir, entry)
	if err != nil {
		return err
	}

	ctx = auth.AppendRepositoryScope(ctx, ref, auth.ActionPull, auth.ActionPush)
	if err := p.ping(ctx); err != nil {
		return err
	}

	em.Emit(progress.StageEvent(progress.StageUploadConfig))
	cfgItem := progress.Item{Index: -1, Scope: progress.ScopePushItem, ManifestName: name}
	if err := p.pushBlob(ctx, req.Repository, img.config, cfgItem, em); err != nil {
		return err
	}

	em.Emit(progress.ManifestResolved(name, img.layerDescriptors()))
	for i, layer := range img.layers {
		em.Emit(progress.StageEvent(progress.UploadLayerStage(i)))
		item := progress.Item{Index: i, Scope: progress.ScopePushItem, ManifestName: name}
		if err := p.pushBlob(ctx, req.Repository, layer, item, em); err != nil {
			return err
		}
	}

	em.Emit(progress.StageEvent(progress.StagePutManifest))
	if err := p.putManifest(ctx, req.Repository, req.Tag, img.manifest); err != nil {
		return err
	}
	log.Info("pushed image", "layers", len(img.layers))
	return nil
}

// ping checks that the target answers GET /v2/ with 200.
func (p *Pusher) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v2/"), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRegistryUnreachable, p.host, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %w", ErrRegistryUnreachable, responseError(resp))
	}
	return nil
}

// exists reports whether the target already has the blob.
func (p *Pusher) exists(ctx context.Context, repository string, blob blobFile) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint("/v2/%s/blobs/%s", repository, blob.desc.Digest), nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, transportError("check blob", err)
	}
	drain(resp)
	return resp.StatusCode == http.StatusOK, nil
}

func (p *Pusher) pushBlob(ctx context.Context, repository string, blob blobFile, item progress.Item, em progress.Emitter) error {
	log := p.log().With("repository", repository, "digest", blob.desc.Digest)

	ok, err := p.exists(ctx, repository, blob)
	if err != nil {
		return err
	}
	if ok {
		log.Debug("blob exists, skipping")
		em.Emit(progress.ItemSkip(item, progress.SkipReasonExists))
		return nil
	}

	location, err := p.startUpload(ctx, repository)
	if err != nil {
		return err
	}

	total := progress.Size(blob.desc.Size)
	em.Emit(progress.ItemStart(item, blob.desc.Digest.String(), total))
	location, err = p.patchBlob(ctx, location, blob, func(sent int64) {
		em.Emit(progress.ItemProgress(item, sent, total))
	})
	if err != nil {
		return err
	}

	if err := p.finishUpload(ctx, location, blob); err != nil {
		return err
	}
	log.Debug("uploaded blob", "size", blob.desc.Size)
	em.Emit(progress.ItemDone(item))
	return nil
}

// startUpload opens an upload session and returns its location.
func (p *Pusher) startUpload(ctx context.Context, repository string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v2/%s/blobs/uploads/", repository), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("start upload", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: start upload: %w", ErrBlobUploadFailed, responseError(resp))
	}
	return p.locations.resolve(resp.Header.Get("Location"))
}

// patchBlob streams the blob body to location. It returns the location for
// the next request, which registries may update to carry upload state.
func (p *Pusher) patchBlob(ctx context.Context, location *url.URL, blob blobFile, onSent func(int64)) (*url.URL, error) {
	open := func() (io.ReadCloser, error) {
		f, err := os.Open(blob.path)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: fileops.NewCountingReader(f, onSent), Closer: f}, nil
	}
	body, err := open()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location.String(), body)
	if err != nil {
		body.Close()
		return nil, err
	}
	req.ContentLength = blob.desc.Size
	req.GetBody = open
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("upload blob", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: patch: %w", ErrBlobUploadFailed, responseError(resp))
	}
	if next := resp.Header.Get("Location"); next != "" {
		return p.locations.resolve(next)
	}
	return location, nil
}

// finishUpload commits the upload under the blob's digest.
func (p *Pusher) finishUpload(ctx context.Context, location *url.URL, blob blobFile) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, withDigest(location, blob.desc.Digest.String()), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return transportError("finish upload", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: finalize: %w", ErrBlobUploadFailed, responseError(resp))
	}
	return nil
}

func (p *Pusher) putManifest(ctx context.Context, repository, tag string, manifest []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint("/v2/%s/manifests/%s", repository, url.PathEscape(tag)), bytes.NewReader(manifest))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", MediaTypeDockerManifest)

	resp, err := p.client.Do(req)
	if err != nil {
		return transportError("put manifest", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: %w", ErrManifestPublishFailed, responseError(resp))
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
