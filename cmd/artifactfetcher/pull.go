package main

import (
	"github.com/spf13/cobra"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
)

func newPullCommand(flags *globalFlags) *cobra.Command {
	var (
		platform string
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "pull <reference>",
		Short: "Download an image into a docker-loadable archive",
		Long: `Download an image from the upstream registry and write it as a tar archive
that "docker load" accepts. A multi-platform index is resolved to --platform,
or to the configured default platform. A reference naming a host must name the
upstream's host; Docker Hub names are served by the upstream.`,
		Example: `  artifactfetcher pull redis:7.2
  artifactfetcher pull library/alpine@sha256:... --platform linux/arm64/v8 --out ./images`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.start(ctx); err != nil {
				return err
			}
			defer a.close()

			id, err := a.svc.StartPull(artifactfetcher.PullRequest{
				Reference: args[0],
				Platform:  platform,
			})
			if err != nil {
				return err
			}
			if _, err := a.await(ctx, id); err != nil {
				return err
			}
			path, err := a.saveResult(ctx, id, outDir)
			if err != nil {
				return err
			}
			a.report(cmd.ErrOrStderr(), "saved %s", path)
			return a.renderer.err()
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "platform as os/arch[/variant]")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory the archive is written to")
	return cmd
}
