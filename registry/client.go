package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
)

// Upstream defaults for Docker Hub.
const (
	DefaultBaseURL      = "https://registry-1.docker.io"
	DefaultTokenRealm   = "https://auth.docker.io/token"
	DefaultTokenService = "registry.docker.io"
)

// maxManifestSize bounds manifest bodies read into memory.
const maxManifestSize = 4 << 20

// Client pulls images from a single upstream registry.
type Client struct {
	baseURL         *url.URL
	realm           string
	service         string
	httpClient      *http.Client
	tokens          *tokenCache
	tokenCacheSize  int
	defaultPlatform ocispec.Platform
	logger          *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// New creates a client for Docker Hub unless WithBaseURL says otherwise.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		realm:           DefaultTokenRealm,
		service:         DefaultTokenService,
		defaultPlatform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
	}
	base := DefaultBaseURL
	c.baseURL, _ = url.Parse(base) //nolint:errcheck // constant URL

	var cfg clientConfig
	for _, opt := range opts {
		opt(c, &cfg)
	}
	if cfg.baseURL != "" {
		u, err := parseBaseURL(cfg.baseURL)
		if err != nil {
			return nil, err
		}
		c.baseURL = u
	}
	if c.httpClient == nil {
		c.httpClient = httputil.NewClient(cfg.httpOpts...)
	}
	c.tokens = newTokenCache(c.tokenCacheSize)
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("registry: invalid base URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("registry: invalid base URL %q: need http(s)://host", raw)
	}
	return u, nil
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CheckHost rejects references naming a registry other than the upstream.
// Docker Hub names, including bare ones, are served by any upstream: it is
// either Docker Hub or a mirror of it.
func (c *Client) CheckHost(ref Reference) error {
	if ref.Registry == "" || ref.Registry == DockerHubRegistry {
		return nil
	}
	if strings.EqualFold(ref.Registry, c.baseURL.Host) {
		return nil
	}
	return fmt.Errorf("%w: %s is not served by upstream %s", ErrInvalidReference, ref, c.baseURL.Host)
}

// DefaultPlatform is used by Resolve when a reference names none.
func (c *Client) DefaultPlatform() ocispec.Platform {
	return c.defaultPlatform
}

// endpoint joins the upstream base URL with a /v2/ API path.
func (c *Client) endpoint(format string, args ...any) string {
	return strings.TrimSuffix(c.baseURL.String(), "/") + fmt.Sprintf(format, args...)
}

func (c *Client) newRequest(ctx context.Context, method, target, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
