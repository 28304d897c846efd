package httputil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"oras.land/oras-go/v2/registry/remote/retry"
)

// DefaultTimeout is the per-call ceiling for connecting and for waiting on
// response headers. Bodies may stream for longer.
const DefaultTimeout = 60 * time.Second

// Option configures NewClient.
type Option func(*clientConfig)

type clientConfig struct {
	policy   retry.Policy
	timeout  time.Duration
	insecure bool
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *clientConfig) {
		c.policy = p
	}
}

// WithTimeout sets the per-call timeout ceiling.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithInsecureTLS disables certificate verification.
// Use this only for registries with self-signed certificates.
func WithInsecureTLS(enabled bool) Option {
	return func(c *clientConfig) {
		c.insecure = enabled
	}
}

// NewClient returns an HTTP client whose transport retries transient
// failures according to the configured policy.
func NewClient(opts ...Option) *http.Client {
	cfg := clientConfig{
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil {
		cfg.policy = DefaultRetryPolicy()
	}

	policy := cfg.policy
	transport := retry.NewTransport(newBaseTransport(cfg.timeout, cfg.insecure))
	transport.Policy = func() retry.Policy { return policy }

	return &http.Client{Transport: transport}
}

func newBaseTransport(timeout time.Duration, insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck // DefaultTransport is always *http.Transport
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	t.DialContext = dialer.DialContext
	t.ResponseHeaderTimeout = timeout
	t.TLSHandshakeTimeout = timeout
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed registries
	}
	return t
}
