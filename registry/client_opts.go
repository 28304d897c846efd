package registry

import (
	"log/slog"
	"net/http"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
)

// clientConfig collects settings that are only needed while building a Client.
type clientConfig struct {
	baseURL  string
	httpOpts []httputil.Option
}

// Option configures a Client.
type Option func(*Client, *clientConfig)

// WithBaseURL sets the upstream registry, e.g. "https://registry-1.docker.io".
func WithBaseURL(u string) Option {
	return func(_ *Client, cfg *clientConfig) {
		cfg.baseURL = u
	}
}

// WithTokenRealm sets the token endpoint and service name used for
// anonymous pull tokens. An empty realm disables token exchange.
func WithTokenRealm(realm, service string) Option {
	return func(c *Client, _ *clientConfig) {
		c.realm = realm
		c.service = service
	}
}

// WithAnonymous disables token exchange entirely.
func WithAnonymous() Option {
	return WithTokenRealm("", "")
}

// WithHTTPClient sets the HTTP client. The caller is responsible for its
// retry behavior; WithRetryPolicy, WithTimeout and WithInsecure are ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client, _ *clientConfig) {
		c.httpClient = hc
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(_ *Client, cfg *clientConfig) {
		cfg.httpOpts = append(cfg.httpOpts, httputil.WithRetryPolicy(p))
	}
}

// WithTimeout sets the per-call timeout ceiling.
func WithTimeout(d time.Duration) Option {
	return func(_ *Client, cfg *clientConfig) {
		cfg.httpOpts = append(cfg.httpOpts, httputil.WithTimeout(d))
	}
}

// WithInsecure disables TLS certificate verification for the upstream.
func WithInsecure(enabled bool) Option {
	return func(_ *Client, cfg *clientConfig) {
		cfg.httpOpts = append(cfg.httpOpts, httputil.WithInsecureTLS(enabled))
	}
}

// WithTokenCacheSize bounds the token cache. A negative size disables caching.
func WithTokenCacheSize(n int) Option {
	return func(c *Client, _ *clientConfig) {
		c.tokenCacheSize = n
	}
}

// WithDefaultPlatform sets the platform chosen from an index when a
// reference names none.
func WithDefaultPlatform(p ocispec.Platform) Option {
	return func(c *Client, _ *clientConfig) {
		c.defaultPlatform = p
	}
}

// WithLogger sets the logger for client operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client, _ *clientConfig) {
		c.logger = logger
	}
}
