package artifactfetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/progress"
	"github.com/Gariton/ArtifactFetcher/registry"
)

// PushRequest publishes one loadable archive.
type PushRequest struct {
	Target registry.Target

	Repository string

	// Tag defaults to the tag in a "<name>@<tag>.tar" source file name,
	// then to "latest".
	Tag string

	// Source is a loadable archive or an extracted layout directory. It
	// stays owned by the caller.
	Source string
}

// BatchPushRequest publishes several loadable archives to one target.
type BatchPushRequest struct {
	Target registry.Target

	// Repository and Tag apply to every source unless UseManifest is set.
	// An empty Tag is guessed per file name.
	Repository string
	Tag        string

	// UseManifest takes repository and tag of each image from the first
	// RepoTags entry of its manifest.json.
	UseManifest bool

	Sources []string
}

// StartPush validates req and starts a job pushing one image.
// The done event carries "repository:tag".
func (s *Service) StartPush(req PushRequest) (string, error) {
	repository := strings.ToLower(strings.TrimSpace(req.Repository))
	if repository == "" || req.Source == "" {
		return "", fmt.Errorf("%w: repository and source are required", ErrInvalidRequest)
	}
	tag := req.Tag
	if tag == "" {
		tag = tagFromFilename(req.Source)
	}
	pusher, err := registry.NewPusher(req.Target, s.pusherOptions()...)
	if err != nil {
		return "", err
	}

	s.log().Info("starting push", "repository", repository, "tag", tag, "target", req.Target.URL)
	return s.jobs.Start(job.KindPush, func(ctx context.Context, em progress.Emitter) (job.Result, error) {
		err := pusher.Push(ctx, registry.PushRequest{Repository: repository, Tag: tag, Source: req.Source}, em)
		if err != nil {
			return job.Result{}, err
		}
		return job.Result{Filename: repository + ":" + tag}, nil
	})
}

// StartBatchPush validates req and starts a job pushing every source in
// order. A failed image does not stop the others: when some fail the job
// emits error-summary and still finishes done; only when all fail does it
// end in error with the last failure.
func (s *Service) StartBatchPush(req BatchPushRequest) (string, error) {
	if len(req.Sources) == 0 {
		return "", fmt.Errorf("%w: no sources", ErrInvalidRequest)
	}
	if !req.UseManifest && strings.TrimSpace(req.Repository) == "" {
		return "", fmt.Errorf("%w: repository is required unless the manifest is used", ErrInvalidRequest)
	}
	pusher, err := registry.NewPusher(req.Target, s.pusherOptions()...)
	if err != nil {
		return "", err
	}

	s.log().Info("starting batch push", "images", len(req.Sources), "target", req.Target.URL)
	return s.jobs.Start(job.KindBatchPush, func(ctx context.Context, em progress.Emitter) (job.Result, error) {
		return s.batchPush(ctx, pusher, req, em)
	})
}

func (s *Service) pusherOptions() []registry.PusherOption {
	opts := []registry.PusherOption{registry.WithPushLogger(s.logger)}
	if s.scratchDir != "" {
		opts = append(opts, registry.WithScratchDir(s.scratchDir))
	}
	if s.retryPolicy != nil {
		opts = append(opts, registry.WithPushHTTPOptions(httputil.WithRetryPolicy(s.retryPolicy)))
	}
	return append(opts, s.pusherOpts...)
}

func (s *Service) batchPush(ctx context.Context, pusher *registry.Pusher, req BatchPushRequest, em progress.Emitter) (job.Result, error) {
	em.Emit(progress.StageEvent(progress.StagePrepare))

	tags := make([]progress.RepoTag, len(req.Sources))
	resolveErrs := make([]error, len(req.Sources))
	for i, src := range req.Sources {
		tags[i], resolveErrs[i] = resolveRepoTag(req, src)
	}
	em.Emit(progress.RepoTagResolved(tags))

	var successes, failures []progress.Outcome
	for i, src := range req.Sources {
		name := filepath.Base(src)
		rt := tags[i]
		item := progress.Item{Index: i, Scope: progress.ScopePushImage}

		em.Emit(progress.StageEvent(progress.PushStartStage(name, rt.Repository, rt.Tag)))
		em.Emit(progress.ItemStart(item, rt.Repository+":"+rt.Tag, nil))

		err := resolveErrs[i]
		if err == nil {
			err = pusher.Push(ctx, registry.PushRequest{Repository: rt.Repository, Tag: rt.Tag, Source: src}, em)
		}
		if err != nil {
			s.log().Warn("batch image failed", "file", name, "error", err)
			failures = append(failures, progress.Outcome{Name: name, Index: i, Error: err.Error()})
			em.Emit(progress.ItemError(item, err.Error()))
			if ctx.Err() != nil {
				return job.Result{}, ctx.Err()
			}
			continue
		}
		successes = append(successes, progress.Outcome{Name: name, Index: i})
		em.Emit(progress.ItemDone(item))
	}

	if len(successes) == 0 {
		return job.Result{}, errors.New(failures[len(failures)-1].Error)
	}
	summary := fmt.Sprintf("pushed %d images", len(successes))
	if len(failures) > 0 {
		summary += fmt.Sprintf(", %d failed", len(failures))
		em.Emit(progress.ErrorSummary(successes, failures))
	}
	return job.Result{Filename: summary}, nil
}

// resolveRepoTag decides repository and tag of one batch source.
func resolveRepoTag(req BatchPushRequest, src string) (progress.RepoTag, error) {
	if !req.UseManifest {
		tag := req.Tag
		if tag == "" {
			tag = tagFromFilename(src)
		}
		return progress.RepoTag{Repository: strings.ToLower(strings.TrimSpace(req.Repository)), Tag: tag}, nil
	}

	entry, err := readManifest(src)
	if err != nil {
		return progress.RepoTag{}, fmt.Errorf("%s: %w", filepath.Base(src), err)
	}
	if len(entry.RepoTags) == 0 {
		return progress.RepoTag{}, fmt.Errorf("%s: %w: no RepoTags", filepath.Base(src), archive.ErrInvalidManifest)
	}
	repository, tag := archive.ParseRepoTag(entry.RepoTags[0])
	if repository == "" || tag == "" {
		return progress.RepoTag{}, fmt.Errorf("%s: %w: RepoTags %q", filepath.Base(src), archive.ErrInvalidManifest, entry.RepoTags[0])
	}
	return progress.RepoTag{Repository: repository, Tag: tag}, nil
}

// readManifest reads manifest.json from an archive or an extracted layout.
func readManifest(src string) (archive.ManifestEntry, error) {
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		return archive.ReadManifestFile(filepath.Join(src, archive.ManifestFile))
	}
	return archive.Read(src)
}

func tagFromFilename(path string) string {
	if tag, ok := archive.GuessTag(filepath.Base(path)); ok {
		return tag
	}
	return archive.DefaultTag
}
