package artifactfetcher

import (
	"context"
	"fmt"

	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/npm"
	"github.com/Gariton/ArtifactFetcher/progress"
)

// NPMRequest bundles the tarballs of a package-lock.json.
type NPMRequest struct {
	Lockfile []byte

	// Name is the bundle name; the archive is "<name>.tar". Empty means
	// npm.DefaultBundleName.
	Name string
}

// StartNPMBundle validates the lockfile and starts a job that downloads
// every resolved tarball into one stored archive.
func (s *Service) StartNPMBundle(req NPMRequest) (string, error) {
	if len(req.Lockfile) == 0 {
		return "", fmt.Errorf("%w: empty lockfile", ErrInvalidRequest)
	}
	if _, err := npm.ParseLockfile(req.Lockfile); err != nil {
		return "", err
	}
	lockfile := append([]byte(nil), req.Lockfile...)

	return s.jobs.Start(job.KindNPM, func(ctx context.Context, em progress.Emitter) (job.Result, error) {
		workRoot, cleanup, err := s.workDir("npm-*")
		if err != nil {
			return job.Result{}, err
		}
		defer cleanup()

		archivePath, filename, err := s.bundler.Bundle(ctx, lockfile, req.Name, workRoot, em)
		if err != nil {
			return job.Result{}, err
		}

		em.Emit(progress.StageEvent(progress.StageStoreResult))
		location, err := s.storeFile(ctx, archivePath, filename)
		if err != nil {
			return job.Result{}, err
		}
		return job.Result{Filename: filename, Location: location}, nil
	})
}
