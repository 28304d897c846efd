package npm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/internal/fileops"
	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/progress"
)

// DefaultBundleName names the archive when the caller gives none.
const DefaultBundleName = "npm-offline"

// Bundler downloads the tarballs of a lockfile.
type Bundler struct {
	client   *http.Client
	httpOpts []httputil.Option
	logger   *slog.Logger
}

// Option configures a Bundler.
type Option func(*Bundler)

// WithHTTPClient sets the client used for tarball downloads. It should
// retry transient failures; the default does.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bundler) {
		b.client = c
	}
}

// WithHTTPOptions passes options to the default HTTP client.
func WithHTTPOptions(opts ...httputil.Option) Option {
	return func(b *Bundler) {
		b.httpOpts = append(b.httpOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bundler) {
		b.logger = logger
	}
}

// NewBundler creates a Bundler.
func NewBundler(opts ...Option) *Bundler {
	b := &Bundler{}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = httputil.NewClient(b.httpOpts...)
	}
	return b
}

func (b *Bundler) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Bundle downloads every entry of lockfile that has a resolved URL into
// workDir/<name>/npm/tarballs, stores the lockfile next to them and writes
// workDir/<name>.tar. Tarballs are fetched one at a time.
func (b *Bundler) Bundle(ctx context.Context, lockfile []byte, name, workDir string, em progress.Emitter) (archivePath, filename string, err error) {
	if em == nil {
		em = progress.Discard
	}
	if name == "" {
		name = DefaultBundleName
	}
	if name != filepath.Base(name) || name == ".." {
		return "", "", fmt.Errorf("npm: invalid bundle name %q", name)
	}

	em.Emit(progress.StageEvent(progress.StageParseLockfile))
	all, err := ParseLockfile(lockfile)
	if err != nil {
		return "", "", err
	}
	entries := make([]LockEntry, 0, len(all))
	for _, e := range all {
		if e.Resolved != "" {
			entries = append(entries, e)
		}
	}
	em.Emit(progress.ManifestResolved("", entries))

	root := filepath.Join(workDir, name)
	tarballs := filepath.Join(root, "npm", "tarballs")
	if err := os.MkdirAll(tarballs, 0o755); err != nil {
		return "", "", fmt.Errorf("npm: create bundle dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "npm", "package-lock.json"), lockfile, 0o644); err != nil {
		return "", "", fmt.Errorf("npm: write lockfile: %w", err)
	}

	for i, e := range entries {
		em.Emit(progress.StageEvent(progress.DownloadStage(i)))
		dest := filepath.Join(tarballs, tarballName(e))
		if err := b.download(ctx, i, e, dest, em); err != nil {
			em.Emit(progress.ItemError(progress.Item{Index: i}, err.Error()))
			return "", "", err
		}
	}

	em.Emit(progress.StageEvent(progress.StageTarWriting))
	filename = name + ".tar"
	archivePath = filepath.Join(workDir, filename)
	if err := archive.Build(root, archivePath); err != nil {
		return "", "", err
	}
	b.log().Info("npm bundle written", "archive", archivePath, "packages", len(entries))
	return archivePath, filename, nil
}

func (b *Bundler) download(ctx context.Context, index int, e LockEntry, dest string, em progress.Emitter) (err error) {
	want, err := parseIntegrity(e.Integrity)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Resolved, nil)
	if err != nil {
		return fmt.Errorf("npm: %s: %w", e.Key(), err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("npm: download %s: %w", e.Key(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("npm: download %s: unexpected status %s", e.Key(), resp.Status)
	}

	item := progress.Item{Index: index}
	total := progress.Size(resp.ContentLength)
	em.Emit(progress.ItemStart(item, e.Key(), total))

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("npm: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("npm: %w", cerr)
		}
	}()

	var body io.Reader = fileops.NewCountingReader(resp.Body, func(received int64) {
		em.Emit(progress.ItemProgress(item, received, total))
	})
	var verifier digest.Verifier
	if want != "" {
		verifier = want.Verifier()
		body = io.TeeReader(body, verifier)
	} else if e.Integrity != "" {
		b.log().Debug("no verifiable integrity hash", "package", e.Key(), "integrity", e.Integrity)
	}

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("npm: download %s: %w", e.Key(), err)
	}
	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("%w: %s: expected %s", ErrIntegrityMismatch, e.Key(), e.Integrity)
	}

	em.Emit(progress.ItemDone(item))
	return nil
}

// tarballName returns the file name of the resolved URL, or name-version.tgz
// when the URL has none. Scoped packages get their scope as a prefix so that
// "@scope/core" and "core" do not share a file.
func tarballName(e LockEntry) string {
	var scope string
	if strings.HasPrefix(e.Name, "@") {
		if s, _, ok := strings.Cut(e.Name[1:], "/"); ok {
			scope = s + "-"
		}
	}
	fallback := scope + path.Base(e.Name) + "-" + e.Version + ".tgz"
	u, err := url.Parse(e.Resolved)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == ".." || base == "" {
		return fallback
	}
	return scope + base
}

