package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
	"github.com/Gariton/ArtifactFetcher/internal/config"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/registry"
	"github.com/Gariton/ArtifactFetcher/storage"
	"github.com/Gariton/ArtifactFetcher/storage/disk"
	"github.com/Gariton/ArtifactFetcher/storage/s3"
)

// shutdownTimeout bounds how long running jobs get to stop on exit.
const shutdownTimeout = 10 * time.Second

type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	output     string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "artifactfetcher",
		Short:         "Fetch container images and npm packages as offline archives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files to load; missing files are ignored")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
	pf.StringVarP(&flags.output, "output", "o", outputText, "progress output: text, json or sse")

	root.AddCommand(
		newPullCommand(flags),
		newPushCommand(flags),
		newBatchPushCommand(flags),
		newNPMCommand(flags),
	)
	return root
}

// app is the per-invocation state shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	renderer *renderer
	svc      *artifactfetcher.Service
}

// loadApp reads the configuration and prepares logging and output. The
// service is built later by start, once the command knows its target.
func loadApp(flags *globalFlags, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(flags.configPath, flags.envFiles...)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	r, err := newRenderer(stdout, flags.output)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, renderer: r}, nil
}

// start builds the service. extra is appended to the pusher options.
func (a *app) start(ctx context.Context, extra ...registry.PusherOption) error {
	svc, err := newService(ctx, a.cfg, a.logger, a.renderer, extra...)
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger, r *renderer, extra ...registry.PusherOption) (*artifactfetcher.Service, error) {
	regOpts, err := cfg.RegistryOptions()
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	jobOpts := []job.Option{job.WithObserver(r.observe)}
	if cfg.Jobs.IdleTimeout > 0 {
		jobOpts = append(jobOpts, job.WithIdleTimeout(cfg.Jobs.IdleTimeout))
	}
	if cfg.Jobs.MaxSubscribers > 0 {
		jobOpts = append(jobOpts, job.WithMaxSubscribers(cfg.Jobs.MaxSubscribers))
	}

	opts := []artifactfetcher.Option{
		artifactfetcher.WithLogger(logger),
		artifactfetcher.WithRetryPolicy(cfg.RetryPolicy()),
		artifactfetcher.WithRegistryOptions(regOpts...),
		artifactfetcher.WithStore(store),
		artifactfetcher.WithJobOptions(jobOpts...),
		artifactfetcher.WithPusherOptions(extra...),
	}
	if cfg.Jobs.ScratchDir != "" {
		opts = append(opts, artifactfetcher.WithScratchDir(cfg.Jobs.ScratchDir))
	}
	return artifactfetcher.New(opts...)
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store.Type {
	case config.StoreS3:
		c := cfg.Store.S3
		return s3.New(ctx, s3.Config{
			Endpoint:     c.Endpoint,
			Region:       c.Region,
			Bucket:       c.Bucket,
			AccessKey:    c.AccessKey,
			SecretKey:    c.SecretKey,
			Prefix:       c.Prefix,
			CreateBucket: c.CreateBucket,
			Logger:       logger,
		})
	default:
		return disk.New(cfg.Store.Dir)
	}
}

// close stops the service, giving running jobs a bounded time to finish.
func (a *app) close() {
	if a.svc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.svc.Close(ctx); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

// await waits for the job and turns a failed job into an error.
func (a *app) await(ctx context.Context, id string) (job.Job, error) {
	j, err := a.svc.Wait(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status == job.StatusError {
		return j, fmt.Errorf("job %s failed: %s", id, j.Error)
	}
	return j, nil
}

// saveResult copies the stored archive of a finished job into dir and
// deletes the job.
func (a *app) saveResult(ctx context.Context, id, dir string) (string, error) {
	rc, j, err := a.svc.OpenResult(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, j.Result.Filename)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := a.svc.Delete(ctx, id); err != nil {
		a.logger.Warn("delete job", "job", id, "error", err)
	}
	return path, nil
}

// report prints a closing line. Streaming modes keep stdout for events, so
// the line goes to w instead.
func (a *app) report(w io.Writer, format string, args ...any) {
	if a.renderer.stream != nil {
		fmt.Fprintf(w, format+"\n", args...)
		return
	}
	a.renderer.mu.Lock()
	defer a.renderer.mu.Unlock()
	fmt.Fprintf(a.renderer.w, format+"\n", args...)
}
