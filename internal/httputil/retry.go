// Package httputil builds the HTTP clients shared by registry and package
// downloads: a per-call timeout ceiling and one retry policy for transient
// failures.
package httputil

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"oras.land/oras-go/v2/registry/remote/retry"
)

// Retry defaults.
const (
	// DefaultMaxRetry is the number of retries after the initial attempt.
	DefaultMaxRetry = 5

	// DefaultBackoff is the delay before the first retry. Each further
	// retry doubles it.
	DefaultBackoff = 500 * time.Millisecond

	// DefaultMaxJitter bounds the random delay added to every backoff.
	DefaultMaxJitter = 200 * time.Millisecond
)

// RetryPolicy is an exponential backoff policy with additive jitter.
//
// It satisfies retry.Policy from oras-go and is plugged into a
// retry.Transport by NewClient. Only connection resets, timeouts and
// HTTP 429/5xx responses are retried.
type RetryPolicy struct {
	// MaxRetry is the number of retries after the first attempt.
	MaxRetry int

	// Backoff is the base delay; retry n (0-based) waits Backoff*2^n.
	Backoff time.Duration

	// MaxJitter bounds the uniformly random delay added to each wait.
	// Zero disables jitter.
	MaxJitter time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetry:  DefaultMaxRetry,
		Backoff:   DefaultBackoff,
		MaxJitter: DefaultMaxJitter,
	}
}

// Retry implements retry.Policy.
//
// attempt counts completed retries (0 for the first failure). A negative
// duration tells the transport to return the response or error as is.
func (p *RetryPolicy) Retry(attempt int, resp *http.Response, err error) (time.Duration, error) {
	if attempt >= p.MaxRetry {
		return -1, nil
	}
	if !Retryable(resp, err) {
		return -1, nil
	}
	return p.Delay(attempt), nil
}

// Delay returns the wait before retry number attempt (0-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff << attempt
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.MaxJitter))) //nolint:gosec // jitter does not need crypto randomness
	}
	return d
}

// Retryable reports whether a response or transport error is transient.
func Retryable(resp *http.Response, err error) bool {
	if err != nil {
		return IsTransient(err)
	}
	if resp == nil {
		return false
	}
	return RetryableStatus(resp.StatusCode)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// IsTransient reports whether err is a connection reset or a timeout.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ retry.Policy = (*RetryPolicy)(nil)
