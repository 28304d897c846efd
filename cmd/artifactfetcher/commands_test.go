package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/internal/testutil"
)

var linuxAMD64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}

// writeConfig returns a config file pointing at upstream, with a
// "mirror" target at target.
func writeConfig(t *testing.T, upstream, target string) string {
	t.Helper()
	dir := t.TempDir()
	data := fmt.Sprintf(`upstream:
  url: %s
  anonymous: true
retry:
  max_retry: 2
  backoff: 1ms
store:
  type: disk
  dir: %s
jobs:
  scratch_dir: %s
targets:
  mirror:
    url: %s
log:
  level: error
`, upstream, filepath.Join(dir, "results"), t.TempDir(), target)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range newRootCommand().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"pull", "push", "push-batch", "npm"}, names)
}

func TestPullThenPush(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	target := testutil.NewRegistry(t)
	img := testutil.NewImage(t, linuxAMD64, []byte("layer one"), []byte("layer two"))
	upstream.AddImage("team/app", "v1", img)
	cfg := writeConfig(t, upstream.URL(), target.URL())

	out := t.TempDir()
	stdout, _, err := execute(t, "--config", cfg, "pull", "team/app:v1", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "==> resolve-manifest")
	assert.Contains(t, stdout, "done: team_app@v1.tar")

	archivePath := filepath.Join(out, "team_app@v1.tar")
	entry, err := archive.Read(archivePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"team/app:v1"}, entry.RepoTags)

	stdout, _, err = execute(t, "--config", cfg, "push", archivePath, "--target", "mirror", "-r", "copies/app")
	require.NoError(t, err)
	assert.Contains(t, stdout, "pushed copies/app:v1")

	_, _, ok := target.Manifest("copies/app", "v1")
	assert.True(t, ok, "manifest published at the target")
}

func TestPull_JSONOutput(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	upstream.AddImage("team/app", "v1", testutil.NewImage(t, linuxAMD64, []byte("x")))
	cfg := writeConfig(t, upstream.URL(), upstream.URL())

	stdout, stderr, err := execute(t, "--config", cfg, "-o", "json", "pull", "team/app:v1", "--out", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, stdout, `"type":"stage"`)
	assert.Contains(t, stdout, `"type":"done"`)
	assert.Contains(t, stderr, "saved ")
}

func TestPull_FailedJobReturnsError(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	cfg := writeConfig(t, upstream.URL(), upstream.URL())

	stdout, _, err := execute(t, "--config", cfg, "pull", "team/missing:v1", "--out", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, stdout, "error: ")
}

func TestPush_UnknownTarget(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	cfg := writeConfig(t, upstream.URL(), upstream.URL())

	_, _, err := execute(t, "--config", cfg, "push", "image.tar", "--target", "nope", "-r", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "nope"`)
}

func TestBatchPush_UseManifest(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	target := testutil.NewRegistry(t)
	cfg := writeConfig(t, upstream.URL(), target.URL())

	a := testutil.WriteArchive(t, "a.tar", testutil.NewImage(t, linuxAMD64, []byte("a")), "team/a:1")
	b := testutil.WriteArchive(t, "b.tar", testutil.NewImage(t, linuxAMD64, []byte("b")), "team/b:2")

	stdout, _, err := execute(t, "--config", cfg, "push-batch", "--target", "mirror", "--use-manifest", a, b)
	require.NoError(t, err)
	assert.Contains(t, stdout, "done: pushed 2 images")

	for repo, tag := range map[string]string{"team/a": "1", "team/b": "2"} {
		_, _, ok := target.Manifest(repo, tag)
		assert.True(t, ok, "%s:%s published", repo, tag)
	}
}

func TestNPM_InvalidLockfile(t *testing.T) {
	upstream := testutil.NewRegistry(t)
	cfg := writeConfig(t, upstream.URL(), upstream.URL())
	lock := filepath.Join(t.TempDir(), "package-lock.json")
	require.NoError(t, os.WriteFile(lock, []byte(`{"name":"x"}`), 0o644))

	_, _, err := execute(t, "--config", cfg, "npm", lock)
	assert.Error(t, err)
}
