package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/Gariton/ArtifactFetcher/progress"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for job lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithResultRemover sets the function Delete uses to remove a stored
// artifact. It is called only for results with a Location.
func WithResultRemover(fn func(ctx context.Context, res Result) error) Option {
	return func(r *Registry) {
		r.remove = fn
	}
}

// WithIdleTimeout enables eviction of finished jobs that were not accessed
// for d. Evicted jobs are removed exactly as Delete would. Zero disables
// eviction, which is the default.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithMaxSubscribers bounds the subscribers of each job's bus.
func WithMaxSubscribers(n int) Option {
	return func(r *Registry) {
		r.maxSubscribers = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithObserver registers fn on the bus of every job before its task starts,
// so fn sees all events of every job including the first ones.
func WithObserver(fn func(id string, e progress.Event)) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}
