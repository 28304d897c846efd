package artifactfetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/npm"
	"github.com/Gariton/ArtifactFetcher/progress"
	"github.com/Gariton/ArtifactFetcher/registry"
	"github.com/Gariton/ArtifactFetcher/storage"
	"github.com/Gariton/ArtifactFetcher/storage/disk"
)

// Service starts transfer jobs and exposes their state, progress and
// results. It is safe for concurrent use.
type Service struct {
	client      *registry.Client
	clientOpts  []registry.Option
	pusherOpts  []registry.PusherOption
	store       storage.Store
	bundler     *npm.Bundler
	retryPolicy retry.Policy
	jobs        *job.Registry
	jobOpts     []job.Option
	scratchDir  string
	logger      *slog.Logger
}

// New creates a Service. Without WithStore or WithStoreDir results are kept
// below the system temp directory.
func New(opts ...Option) (*Service, error) {
	s := &Service{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.client == nil {
		clientOpts := []registry.Option{registry.WithLogger(s.logger)}
		if s.retryPolicy != nil {
			clientOpts = append(clientOpts, registry.WithRetryPolicy(s.retryPolicy))
		}
		clientOpts = append(clientOpts, s.clientOpts...)
		c, err := registry.New(clientOpts...)
		if err != nil {
			return nil, err
		}
		s.client = c
	}
	if s.store == nil {
		st, err := disk.New(filepath.Join(os.TempDir(), "artifactfetcher", "results"))
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	if s.bundler == nil {
		bundlerOpts := []npm.Option{npm.WithLogger(s.logger)}
		if s.retryPolicy != nil {
			bundlerOpts = append(bundlerOpts, npm.WithHTTPOptions(httputil.WithRetryPolicy(s.retryPolicy)))
		}
		s.bundler = npm.NewBundler(bundlerOpts...)
	}

	jobOpts := append([]job.Option{
		job.WithLogger(s.logger),
		job.WithResultRemover(s.removeResult),
	}, s.jobOpts...)
	s.jobs = job.New(jobOpts...)
	return s, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Job returns a snapshot of a job.
func (s *Service) Job(id string) (job.Job, error) {
	return s.jobs.Get(id)
}

// Jobs lists all jobs, oldest first.
func (s *Service) Jobs() []job.Job {
	return s.jobs.List()
}

// Subscribe delivers the job's future events to h until the returned
// function is called. Unsubscribing does not stop the job.
func (s *Service) Subscribe(id string, h progress.Handler) (func(), error) {
	return s.jobs.Subscribe(id, h)
}

// Wait blocks until the job finished or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (job.Job, error) {
	return s.jobs.Wait(ctx, id)
}

// OpenResult streams the archive stored by a finished pull or npm job.
func (s *Service) OpenResult(ctx context.Context, id string) (io.ReadCloser, job.Job, error) {
	j, err := s.jobs.Get(id)
	if err != nil {
		return nil, job.Job{}, err
	}
	if j.Status != job.StatusDone || j.Result == nil || j.Result.Location == "" {
		return nil, j, fmt.Errorf("%w: %s", ErrNoResult, id)
	}
	rc, err := s.store.Open(ctx, j.Result.Location)
	if err != nil {
		return nil, j, err
	}
	return rc, j, nil
}

// Delete removes a finished job and its stored archive.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.jobs.Delete(ctx, id)
}

// Close cancels running jobs and waits for them to stop.
func (s *Service) Close(ctx context.Context) error {
	return s.jobs.Close(ctx)
}

func (s *Service) removeResult(ctx context.Context, res job.Result) error {
	return s.store.Delete(ctx, res.Location)
}

// workDir creates a per-job scratch directory. The returned cleanup removes
// it and must always be called.
func (s *Service) workDir(pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(s.scratchDir, pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("artifactfetcher: scratch dir: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log().Warn("remove scratch dir", "dir", dir, "error", err)
		}
	}, nil
}

// storeFile puts the file at path into the store under a fresh key.
func (s *Service) storeFile(ctx context.Context, path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("artifactfetcher: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("artifactfetcher: %w", err)
	}

	key := storage.Key(uuid.NewString(), filename)
	if err := s.store.Put(ctx, key, f, info.Size()); err != nil {
		return "", err
	}
	s.log().Info("stored result", "key", key, "size", info.Size())
	return key, nil
}
