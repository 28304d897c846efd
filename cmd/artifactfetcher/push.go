package main

import (
	"github.com/spf13/cobra"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
	"github.com/Gariton/ArtifactFetcher/internal/config"
	"github.com/Gariton/ArtifactFetcher/registry"
)

// targetFlags select the registry a push goes to: a configured target by
// name, or an ad hoc one given by URL.
type targetFlags struct {
	name            string
	url             string
	username        string
	password        string
	insecure        bool
	locationPrefix  string
	hashConcurrency int
	repository      string
	tag             string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.name, "target", "", "configured target name (default \"default\")")
	fs.StringVar(&f.url, "target-url", "", "registry base URL; overrides --target")
	fs.StringVar(&f.username, "username", "", "registry username for --target-url")
	fs.StringVar(&f.password, "password", "", "registry password for --target-url")
	fs.BoolVar(&f.insecure, "insecure", false, "skip TLS verification for --target-url")
	fs.StringVar(&f.locationPrefix, "location-prefix", "", "prefix for relative upload locations")
	fs.IntVar(&f.hashConcurrency, "hash-concurrency", 0, "layers hashed in parallel")
	fs.StringVarP(&f.repository, "repository", "r", "", "target repository")
	fs.StringVarP(&f.tag, "tag", "t", "", "target tag; guessed from the file name when empty")
}

// resolve returns the target and the pusher options it implies.
func (f *targetFlags) resolve(cfg *config.Config) (registry.Target, []registry.PusherOption, error) {
	var (
		target      registry.Target
		concurrency = f.hashConcurrency
	)
	if f.url != "" {
		target = registry.Target{
			URL:            f.url,
			Username:       f.username,
			Password:       f.password,
			Insecure:       f.insecure,
			LocationPrefix: f.locationPrefix,
		}
	} else {
		t, err := cfg.Target(f.name)
		if err != nil {
			return registry.Target{}, nil, err
		}
		if f.locationPrefix != "" {
			t.LocationPrefix = f.locationPrefix
		}
		target = t
		if concurrency == 0 {
			concurrency = cfg.Targets[targetName(f.name)].HashConcurrency
		}
	}

	var opts []registry.PusherOption
	if concurrency > 0 {
		opts = append(opts, registry.WithHashConcurrency(concurrency))
	}
	return target, opts, nil
}

func targetName(name string) string {
	if name == "" {
		return config.DefaultTarget
	}
	return name
}

func newPushCommand(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "push <archive|directory>",
		Short: "Publish a docker-loadable archive to a registry",
		Long: `Upload the layers and config of a docker-loadable archive, or of an
extracted archive directory, and publish its manifest under repository:tag.
Blobs the target already has are skipped.`,
		Example: `  artifactfetcher push redis@7.2.tar --target-url https://registry.local -r library/redis
  artifactfetcher push ./image --target mirror -r team/app -t v1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			target, opts, err := tf.resolve(a.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.start(ctx, opts...); err != nil {
				return err
			}
			defer a.close()

			id, err := a.svc.StartPush(artifactfetcher.PushRequest{
				Target:     target,
				Repository: tf.repository,
				Tag:        tf.tag,
				Source:     args[0],
			})
			if err != nil {
				return err
			}
			j, err := a.await(ctx, id)
			if err != nil {
				return err
			}
			a.report(cmd.ErrOrStderr(), "pushed %s", j.Result.Filename)
			return a.renderer.err()
		},
	}
	tf.register(cmd)
	return cmd
}

func newBatchPushCommand(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	var useManifest bool
	cmd := &cobra.Command{
		Use:   "push-batch <archive|directory>...",
		Short: "Publish several archives to one registry",
		Long: `Push each source in turn. With --use-manifest the repository and tag of
every image come from the first RepoTags entry of its manifest.json; otherwise
--repository applies to all sources. A failing image does not stop the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			target, opts, err := tf.resolve(a.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.start(ctx, opts...); err != nil {
				return err
			}
			defer a.close()

			id, err := a.svc.StartBatchPush(artifactfetcher.BatchPushRequest{
				Target:      target,
				Repository:  tf.repository,
				Tag:         tf.tag,
				UseManifest: useManifest,
				Sources:     args,
			})
			if err != nil {
				return err
			}
			j, err := a.await(ctx, id)
			if err != nil {
				return err
			}
			a.report(cmd.ErrOrStderr(), "%s", j.Result.Filename)
			return a.renderer.err()
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&useManifest, "use-manifest", false, "take repository and tag from each manifest.json")
	return cmd
}
