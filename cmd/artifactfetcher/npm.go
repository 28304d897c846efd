package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
)

func newNPMCommand(flags *globalFlags) *cobra.Command {
	var (
		name   string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "npm <package-lock.json>",
		Short: "Bundle every tarball of a lockfile for offline installs",
		Long: `Download every resolved tarball listed in a package-lock.json, verify its
integrity hash, and write the tarballs together with the lockfile into one
tar archive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lockfile, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read lockfile: %w", err)
			}
			a, err := loadApp(flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.start(ctx); err != nil {
				return err
			}
			defer a.close()

			id, err := a.svc.StartNPMBundle(artifactfetcher.NPMRequest{Lockfile: lockfile, Name: name})
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
	cmd.Flags().StringVar(&name, "name", "", "bundle name; the archive is <name>.tar")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory the archive is written to")
	return cmd
}
