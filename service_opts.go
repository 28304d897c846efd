package artifactfetcher

import (
	"errors"
	"log/slog"

	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/npm"
	"github.com/Gariton/ArtifactFetcher/registry"
	"github.com/Gariton/ArtifactFetcher/storage"
	"github.com/Gariton/ArtifactFetcher/storage/disk"
)

// Option configures a Service.
type Option func(*Service) error

// WithRegistryClient sets the upstream client used by pull jobs.
// The default is a Docker Hub client.
func WithRegistryClient(c *registry.Client) Option {
	return func(s *Service) error {
		if c == nil {
			return errors.New("artifactfetcher: nil registry client")
		}
		s.client = c
		return nil
	}
}

// WithRegistryOptions configures the default upstream client.
// It is ignored when WithRegistryClient is given.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(s *Service) error {
		s.clientOpts = append(s.clientOpts, opts...)
		return nil
	}
}

// WithPusherOptions is applied to the pusher of every push job.
func WithPusherOptions(opts ...registry.PusherOption) Option {
	return func(s *Service) error {
		s.pusherOpts = append(s.pusherOpts, opts...)
		return nil
	}
}

// WithStore sets where pull and npm results are kept.
func WithStore(st storage.Store) Option {
	return func(s *Service) error {
		if st == nil {
			return errors.New("artifactfetcher: nil store")
		}
		s.store = st
		return nil
	}
}

// WithStoreDir keeps results in a local directory.
func WithStoreDir(dir string) Option {
	return func(s *Service) error {
		st, err := disk.New(dir)
		if err != nil {
			return err
		}
		s.store = st
		return nil
	}
}

// WithRetryPolicy sets the retry policy of every HTTP client the service
// creates: the upstream client, pushers and the npm bundler. Clients given
// through WithRegistryClient or WithBundler keep their own.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) error {
		s.retryPolicy = p
		return nil
	}
}

// WithBundler sets the npm bundler.
func WithBundler(b *npm.Bundler) Option {
	return func(s *Service) error {
		s.bundler = b
		return nil
	}
}

// WithJobOptions configures the job registry.
func WithJobOptions(opts ...job.Option) Option {
	return func(s *Service) error {
		s.jobOpts = append(s.jobOpts, opts...)
		return nil
	}
}

// WithScratchDir sets the parent of per-job temporary directories.
// The default is the system temp directory.
func WithScratchDir(dir string) Option {
	return func(s *Service) error {
		s.scratchDir = dir
		return nil
	}
}

// WithLogger sets the logger, which is also handed to the components the
// service creates.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}
