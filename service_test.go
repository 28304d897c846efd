package artifactfetcher_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
	"github.com/Gariton/ArtifactFetcher/archive"
	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/internal/testutil"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/progress"
	"github.com/Gariton/ArtifactFetcher/registry"
)

var (
	linuxAMD64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}
	linuxARM64 = ocispec.Platform{OS: "linux", Architecture: "arm64"}
)

func fastPolicy() *httputil.RetryPolicy {
	return &httputil.RetryPolicy{MaxRetry: httputil.DefaultMaxRetry, Backoff: time.Millisecond}
}

// observer records the events of every job from its first one on.
type observer struct {
	mu     sync.Mutex
	events map[string][]progress.Event
}

func (o *observer) observe(id string, e progress.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = make(map[string][]progress.Event)
	}
	o.events[id] = append(o.events[id], e)
}

func (o *observer) of(id string) []progress.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]progress.Event(nil), o.events[id]...)
}

func filter(events []progress.Event, t progress.Type) []progress.Event {
	var out []progress.Event
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func stages(events []progress.Event) []progress.Stage {
	var out []progress.Stage
	for _, e := range filter(events, progress.TypeStage) {
		out = append(out, e.Stage)
	}
	return out
}

type fixture struct {
	svc      *artifactfetcher.Service
	upstream *testutil.Registry
	obs      *observer
	storeDir string
	scratch  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		upstream: testutil.NewRegistry(t),
		obs:      &observer{},
		storeDir: t.TempDir(),
		scratch:  t.TempDir(),
	}
	client, err := registry.New(
		registry.WithBaseURL(f.upstream.URL()),
		registry.WithAnonymous(),
		registry.WithRetryPolicy(fastPolicy()),
	)
	require.NoError(t, err)

	f.svc, err = artifactfetcher.New(
		artifactfetcher.WithRegistryClient(client),
		artifactfetcher.WithStoreDir(f.storeDir),
		artifactfetcher.WithScratchDir(f.scratch),
		artifactfetcher.WithJobOptions(job.WithObserver(f.obs.observe)),
		artifactfetcher.WithPusherOptions(registry.WithPushHTTPOptions(httputil.WithRetryPolicy(fastPolicy()))),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Close(ctx)
	})
	return f
}

func (f *fixture) wait(t *testing.T, id string) job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := f.svc.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func layer(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestPull_RedisScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	amd := testutil.NewImage(t, linuxAMD64, layer('a', 100), layer('b', 250))
	arm := testutil.NewImage(t, linuxARM64, layer('c', 10))
	f.upstream.AddIndex(t, "library/redis", "7.2", testutil.MediaTypeDockerManifestList, arm, amd)

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: "redis:7.2", Platform: "linux/amd64"})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	require.NotNil(t, j.Result)
	assert.Equal(t, "library_redis@7.2.tar", j.Result.Filename)

	events := f.obs.of(id)
	assert.Equal(t, []progress.Stage{
		progress.StageAuth, progress.StageResolveManifest, progress.StageDownloadConfig,
		"download-layer-0", "download-layer-1", progress.StageTarWriting, progress.StageStoreResult,
	}, stages(events))
	last := events[len(events)-1]
	assert.Equal(t, progress.Done("library_redis@7.2.tar"), last)

	starts := filter(events, progress.TypeItemStart)
	require.Len(t, starts, 2)
	for i, want := range []int64{100, 250} {
		assert.Equal(t, i, starts[i].Item.Index)
		assert.Equal(t, amd.LayerDescs[i].Digest.String(), starts[i].Digest)
		require.NotNil(t, starts[i].Total)
		assert.Equal(t, want, *starts[i].Total)
	}
	received := map[int]int64{}
	for _, e := range filter(events, progress.TypeItemProgress) {
		assert.Greater(t, e.Received, received[e.Item.Index], "progress increases")
		received[e.Item.Index] = e.Received
	}
	assert.Equal(t, map[int]int64{0: 100, 1: 250}, received)
	assert.Len(t, filter(events, progress.TypeItemDone), 2)

	rc, _, err := f.svc.OpenResult(context.Background(), id)
	require.NoError(t, err)
	tarPath := filepath.Join(t.TempDir(), "out.tar")
	out, err := os.Create(tarPath)
	require.NoError(t, err)
	_, err = io.Copy(out, rc)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, rc.Close())

	entry, err := archive.Read(tarPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"library/redis:7.2"}, entry.RepoTags)
	assert.Equal(t, archive.ConfigPath(amd.ConfigDesc.Digest), entry.Config)
	require.Len(t, entry.Layers, 2)

	dir := t.TempDir()
	require.NoError(t, archive.Extract(tarPath, dir))
	require.NoError(t, entry.Validate(dir))
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(entry.Layers[1])))
	require.NoError(t, err)
	assert.Equal(t, amd.Layers[1], data)

	scratch, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, scratch, "per-job scratch directories are removed")
}

func TestPull_PlatformNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.upstream.AddIndex(t, "library/redis", "7.2", ocispec.MediaTypeImageIndex,
		testutil.NewImage(t, linuxAMD64, layer('a', 10)),
		testutil.NewImage(t, linuxARM64, layer('b', 10)))

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: "redis:7.2", Platform: "linux/386"})
	require.NoError(t, err)
	j := f.wait(t, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Contains(t, j.Error, artifactfetcher.ErrPlatformNotFound.Error())

	events := f.obs.of(id)
	assert.Equal(t, progress.Error(j.Error), events[len(events)-1])
	assert.Empty(t, filter(events, progress.TypeItemStart))

	_, _, err = f.svc.OpenResult(context.Background(), id)
	require.ErrorIs(t, err, artifactfetcher.ErrNoResult)
}

func TestPull_ForeignHostRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.upstream.AddImage("org/tool", "1", testutil.NewImage(t, linuxAMD64, layer('a', 10)))

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: "ghcr.io/org/tool:1"})
	require.NoError(t, err)
	j := f.wait(t, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Contains(t, j.Error, artifactfetcher.ErrInvalidReference.Error())
	assert.Contains(t, j.Error, "ghcr.io")

	events := f.obs.of(id)
	assert.Equal(t, []progress.Event{progress.Error(j.Error)}, events)
	assert.Zero(t, f.upstream.Count(http.MethodGet, testutil.KindManifest), "upstream never asked")
}

func TestPull_UpstreamHostAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.upstream.AddImage("org/tool", "1", testutil.NewImage(t, linuxAMD64, layer('a', 10)))

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: f.upstream.Host() + "/org/tool:1"})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	assert.Equal(t, "org_tool@1.tar", j.Result.Filename)
}

func TestPull_CorruptLayer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	img := testutil.NewImage(t, linuxAMD64, layer('a', 64))
	f.upstream.AddImage("library/alpine", "3", img)
	f.upstream.CorruptBlob("library/alpine", img.LayerDescs[0].Digest, layer('z', 64))

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: "alpine:3"})
	require.NoError(t, err)
	j := f.wait(t, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Contains(t, j.Error, artifactfetcher.ErrDigestMismatch.Error())

	entries, err := os.ReadDir(f.storeDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is stored for a failed pull")
}

func TestDelete_RemovesStoredResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.upstream.AddImage("library/busybox", "1", testutil.NewImage(t, linuxAMD64, layer('a', 16)))

	id, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: "busybox:1"})
	require.NoError(t, err)
	require.Equal(t, job.StatusDone, f.wait(t, id).Status)

	entries, err := os.ReadDir(f.storeDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, f.svc.Delete(context.Background(), id))
	entries, err = os.ReadDir(f.storeDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.svc.Job(id)
	require.ErrorIs(t, err, artifactfetcher.ErrJobNotFound)
	_, _, err = f.svc.OpenResult(context.Background(), id)
	require.ErrorIs(t, err, artifactfetcher.ErrJobNotFound)
}

func TestStartPull_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.StartPull(artifactfetcher.PullRequest{Reference: ""})
	require.ErrorIs(t, err, artifactfetcher.ErrInvalidReference)
	_, err = f.svc.StartPull(artifactfetcher.PullRequest{Reference: "redis:7.2", Platform: "linux"})
	require.ErrorIs(t, err, artifactfetcher.ErrInvalidReference)
	assert.Empty(t, f.svc.Jobs())
}

func TestPush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	target := testutil.NewRegistry(t)
	img := testutil.NewImage(t, linuxAMD64, layer('a', 32), layer('b', 48))
	src := testutil.WriteArchive(t, "team_app@1.0.tar", img)

	id, err := f.svc.StartPush(artifactfetcher.PushRequest{
		Target:     registry.Target{URL: target.URL()},
		Repository: "Team/App",
		Source:     src,
	})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	assert.Equal(t, "team/app:1.0", j.Result.Filename)
	assert.Empty(t, j.Result.Location)

	_, _, ok := target.Manifest("team/app", "1.0")
	assert.True(t, ok)
	events := f.obs.of(id)
	assert.Equal(t, progress.Done("team/app:1.0"), events[len(events)-1])

	_, _, err = f.svc.OpenResult(context.Background(), id)
	require.ErrorIs(t, err, artifactfetcher.ErrNoResult)
}

func TestBatchPush_PartialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	target := testutil.NewRegistry(t)
	good := testutil.WriteArchive(t, "app@1.0.tar", testutil.NewImage(t, linuxAMD64, layer('a', 20)))
	bad := filepath.Join(t.TempDir(), "broken@2.0.tar")
	require.NoError(t, os.WriteFile(bad, []byte("not a tar"), 0o644))

	id, err := f.svc.StartBatchPush(artifactfetcher.BatchPushRequest{
		Target:     registry.Target{URL: target.URL()},
		Repository: "team/app",
		Sources:    []string{good, bad},
	})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	assert.Equal(t, "pushed 1 images, 1 failed", j.Result.Filename)

	events := f.obs.of(id)
	resolved := filter(events, progress.TypeRepoTagResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, []progress.RepoTag{
		{Repository: "team/app", Tag: "1.0"},
		{Repository: "team/app", Tag: "2.0"},
	}, resolved[0].Items)

	var images []progress.Event
	for _, e := range events {
		if e.Item.Scope == progress.ScopePushImage {
			images = append(images, e)
		}
	}
	require.Len(t, images, 4)
	assert.Equal(t, progress.ItemStart(progress.Item{Index: 0, Scope: progress.ScopePushImage}, "team/app:1.0", nil), images[0])
	assert.Equal(t, progress.TypeItemDone, images[1].Type)
	assert.Equal(t, progress.TypeItemError, images[3].Type)
	assert.Equal(t, 1, images[3].Item.Index)

	assert.Contains(t, stages(events), progress.Stage("push-start: app@1.0.tar -> team/app:1.0"))

	n := len(events)
	require.GreaterOrEqual(t, n, 2)
	summary := events[n-2]
	assert.Equal(t, progress.TypeErrorSummary, summary.Type)
	assert.Equal(t, []progress.Outcome{{Name: "app@1.0.tar", Index: 0}}, summary.Successes)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "broken@2.0.tar", summary.Failures[0].Name)
	assert.NotEmpty(t, summary.Failures[0].Error)
	assert.Equal(t, progress.Done("pushed 1 images, 1 failed"), events[n-1])

	_, _, ok := target.Manifest("team/app", "1.0")
	assert.True(t, ok)
}

func TestBatchPush_AllFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	target := testutil.NewRegistry(t)
	dir := t.TempDir()
	var sources []string
	for _, name := range []string{"a.tar", "b.tar"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		sources = append(sources, p)
	}

	id, err := f.svc.StartBatchPush(artifactfetcher.BatchPushRequest{
		Target:     registry.Target{URL: target.URL()},
		Repository: "team/app",
		Sources:    sources,
	})
	require.NoError(t, err)
	j := f.wait(t, id)
	assert.Equal(t, job.StatusError, j.Status)

	events := f.obs.of(id)
	errs := filter(events, progress.TypeItemError)
	require.Len(t, errs, 2)
	assert.Equal(t, errs[1].Message, j.Error)
	assert.Empty(t, filter(events, progress.TypeErrorSummary))
	assert.Equal(t, progress.Error(j.Error), events[len(events)-1])
}

func TestBatchPush_UseManifest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	target := testutil.NewRegistry(t)
	one := testutil.WriteArchive(t, "one.tar", testutil.NewImage(t, linuxAMD64, layer('a', 8)), "Team/One:1.0")
	twoDir := t.TempDir()
	testutil.WriteLayout(t, twoDir, testutil.NewImage(t, linuxARM64, layer('b', 8)), "team/two:2.0")
	untagged := testutil.WriteArchive(t, "none.tar", testutil.NewImage(t, linuxAMD64, layer('c', 8)))

	id, err := f.svc.StartBatchPush(artifactfetcher.BatchPushRequest{
		Target:      registry.Target{URL: target.URL()},
		UseManifest: true,
		Sources:     []string{one, twoDir, untagged},
	})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	assert.Equal(t, "pushed 2 images, 1 failed", j.Result.Filename)

	resolved := filter(f.obs.of(id), progress.TypeRepoTagResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, []progress.RepoTag{
		{Repository: "team/one", Tag: "1.0"},
		{Repository: "team/two", Tag: "2.0"},
		{},
	}, resolved[0].Items)

	_, _, ok := target.Manifest("team/one", "1.0")
	assert.True(t, ok)
	_, _, ok = target.Manifest("team/two", "2.0")
	assert.True(t, ok)
}

func TestStartBatchPush_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	target := registry.Target{URL: "http://127.0.0.1:1"}

	_, err := f.svc.StartBatchPush(artifactfetcher.BatchPushRequest{Target: target, Repository: "a"})
	require.ErrorIs(t, err, artifactfetcher.ErrInvalidRequest)
	_, err = f.svc.StartBatchPush(artifactfetcher.BatchPushRequest{Target: target, Sources: []string{"x.tar"}})
	require.ErrorIs(t, err, artifactfetcher.ErrInvalidRequest)
	_, err = f.svc.StartPush(artifactfetcher.PushRequest{Target: target, Source: "x.tar"})
	require.ErrorIs(t, err, artifactfetcher.ErrInvalidRequest)
	_, err = f.svc.StartPush(artifactfetcher.PushRequest{Target: registry.Target{URL: "::"}, Repository: "a", Source: "x.tar"})
	require.Error(t, err)
}

func TestNPMBundle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tarball := []byte("tarball bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(srv.Close)
	lock := fmt.Appendf(nil, `{"lockfileVersion":3,"packages":{"node_modules/x":{"version":"1.0.0","resolved":%q}}}`,
		srv.URL+"/x/-/x-1.0.0.tgz")

	id, err := f.svc.StartNPMBundle(artifactfetcher.NPMRequest{Lockfile: lock, Name: "deps"})
	require.NoError(t, err)
	j := f.wait(t, id)
	require.Equal(t, job.StatusDone, j.Status, j.Error)
	assert.Equal(t, "deps.tar", j.Result.Filename)

	stagesSeen := stages(f.obs.of(id))
	assert.Equal(t, progress.StageStoreResult, stagesSeen[len(stagesSeen)-1])

	rc, _, err := f.svc.OpenResult(context.Background(), id)
	require.NoError(t, err)
	tarPath := filepath.Join(t.TempDir(), "deps.tar")
	out, err := os.Create(tarPath)
	require.NoError(t, err)
	_, err = io.Copy(out, rc)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, rc.Close())

	dir := t.TempDir()
	require.NoError(t, archive.Extract(tarPath, dir))
	got, err := os.ReadFile(filepath.Join(dir, "npm", "tarballs", "x-1.0.0.tgz"))
	require.NoError(t, err)
	assert.Equal(t, tarball, got)

	_, err = f.svc.StartNPMBundle(artifactfetcher.NPMRequest{Lockfile: []byte("{")})
	require.Error(t, err)
}

func TestNPMBundle_UsesServiceRetryPolicy(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	obs := &observer{}
	svc, err := artifactfetcher.New(
		artifactfetcher.WithRetryPolicy(&httputil.RetryPolicy{MaxRetry: 1, Backoff: time.Millisecond}),
		artifactfetcher.WithStoreDir(t.TempDir()),
		artifactfetcher.WithScratchDir(t.TempDir()),
		artifactfetcher.WithJobOptions(job.WithObserver(obs.observe)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	lock := fmt.Appendf(nil, `{"lockfileVersion":3,"packages":{"node_modules/x":{"version":"1.0.0","resolved":%q}}}`,
		srv.URL+"/x/-/x-1.0.0.tgz")
	id, err := svc.StartNPMBundle(artifactfetcher.NPMRequest{Lockfile: lock})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, int32(2), hits.Load(), "one try plus one retry")
}
