package artifactfetcher

import (
	"context"
	"fmt"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/progress"
	"github.com/Gariton/ArtifactFetcher/registry"
)

// PullRequest names the image a pull job downloads.
type PullRequest struct {
	// Reference is "[host/]name[:tag|@digest]", e.g. "redis:7.2".
	Reference string

	// Platform is "os/arch[/variant]". Empty selects the client's default
	// platform when the reference is a multi-platform index.
	Platform string
}

// StartPull validates req and starts a job that downloads the image and
// stores it as a loadable archive. It returns the job id.
func (s *Service) StartPull(req PullRequest) (string, error) {
	ref, err := registry.ParseReference(req.Reference)
	if err != nil {
		return "", err
	}
	if req.Platform != "" {
		p, err := registry.ParsePlatform(req.Platform)
		if err != nil {
			return "", err
		}
		ref.Platform = p
	}
	s.log().Info("starting pull", "reference", ref.String(), "platform", req.Platform)
	return s.jobs.Start(job.KindPull, func(ctx context.Context, em progress.Emitter) (job.Result, error) {
		return s.pull(ctx, ref, em)
	})
}

func (s *Service) pull(ctx context.Context, ref registry.Reference, em progress.Emitter) (job.Result, error) {
	if err := s.client.CheckHost(ref); err != nil {
		return job.Result{}, err
	}
	em.Emit(progress.StageEvent(progress.StageAuth))
	token, err := s.client.Token(ctx, ref.Repository)
	if err != nil {
		return job.Result{}, err
	}

	em.Emit(progress.StageEvent(progress.StageResolveManifest))
	manifest, err := s.client.Resolve(ctx, ref, token)
	if err != nil {
		return job.Result{}, err
	}
	em.Emit(progress.ManifestResolved("", manifest.Layers))

	workRoot, cleanup, err := s.workDir("pull-*")
	if err != nil {
		return job.Result{}, err
	}
	defer cleanup()

	imageDir := filepath.Join(workRoot, "image")
	entry, err := s.downloadImage(ctx, ref, manifest, token, imageDir, em)
	if err != nil {
		return job.Result{}, err
	}
	if err := archive.WriteManifest(imageDir, []archive.ManifestEntry{entry}); err != nil {
		return job.Result{}, err
	}

	em.Emit(progress.StageEvent(progress.StageTarWriting))
	filename := pullFilename(ref)
	archivePath := filepath.Join(workRoot, filename)
	if err := archive.Build(imageDir, archivePath); err != nil {
		return job.Result{}, err
	}

	em.Emit(progress.StageEvent(progress.StageStoreResult))
	location, err := s.storeFile(ctx, archivePath, filename)
	if err != nil {
		return job.Result{}, err
	}
	return job.Result{Filename: filename, Location: location}, nil
}

// downloadImage pulls the config and then every layer, one at a time, into
// the archive layout below dir.
func (s *Service) downloadImage(ctx context.Context, ref registry.Reference, m ocispec.Manifest, token, dir string, em progress.Emitter) (archive.ManifestEntry, error) {
	entry := archive.ManifestEntry{
		Config:   archive.ConfigPath(m.Config.Digest),
		RepoTags: []string{},
		Layers:   make([]string, 0, len(m.Layers)),
	}
	if ref.Tag != "" {
		entry.RepoTags = []string{ref.Repository + ":" + ref.Tag}
	}

	em.Emit(progress.StageEvent(progress.StageDownloadConfig))
	if err := s.client.PullBlob(ctx, ref.Repository, m.Config, token, filepath.Join(dir, entry.Config)); err != nil {
		return archive.ManifestEntry{}, fmt.Errorf("config: %w", err)
	}

	for i, layer := range m.Layers {
		em.Emit(progress.StageEvent(progress.DownloadLayerStage(i)))
		rel := archive.LayerPath(layer.Digest)
		err := s.client.PullBlob(ctx, ref.Repository, layer, token, filepath.Join(dir, filepath.FromSlash(rel)),
			registry.WithIndex(i), registry.WithEmitter(em))
		if err != nil {
			return archive.ManifestEntry{}, fmt.Errorf("layer %d: %w", i, err)
		}
		entry.Layers = append(entry.Layers, rel)
	}
	return entry, nil
}

// pullFilename is "<repo_with_underscores>@<tag>.tar". Digest-only
// references use the first 12 hex characters of the digest as tag.
func pullFilename(ref registry.Reference) string {
	tag := ref.Tag
	if tag == "" {
		enc := ref.Digest.Encoded()
		tag = enc[:min(12, len(enc))]
	}
	return archive.Filename(ref.Repository, tag)
}
