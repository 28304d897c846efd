//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	artifactfetcher "github.com/Gariton/ArtifactFetcher"
	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/job"
	"github.com/Gariton/ArtifactFetcher/progress"
	"github.com/Gariton/ArtifactFetcher/registry"
)

var linuxAMD64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   tcwait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	// Cleanup is left to the testcontainers reaper.

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Service Factory ---

// recorder keeps the events of every job from the first one on.
type recorder struct {
	mu     sync.Mutex
	events map[string][]progress.Event
}

func (r *recorder) observe(id string, e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]progress.Event)
	}
	r.events[id] = append(r.events[id], e)
}

func (r *recorder) of(id string, t progress.Type) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events[id] {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// newTestService returns a service whose upstream is the test registry.
func newTestService(tb testing.TB, addr string) (*artifactfetcher.Service, *recorder) {
	tb.Helper()

	policy := &httputil.RetryPolicy{MaxRetry: 2, Backoff: 10 * time.Millisecond}
	client, err := registry.New(
		registry.WithBaseURL("http://"+addr),
		registry.WithAnonymous(),
		registry.WithRetryPolicy(policy),
	)
	require.NoError(tb, err, "create registry client")

	rec := &recorder{}
	svc, err := artifactfetcher.New(
		artifactfetcher.WithRegistryClient(client),
		artifactfetcher.WithStoreDir(tb.TempDir()),
		artifactfetcher.WithScratchDir(tb.TempDir()),
		artifactfetcher.WithJobOptions(job.WithObserver(rec.observe)),
		artifactfetcher.WithPusherOptions(registry.WithPushHTTPOptions(httputil.WithRetryPolicy(policy))),
	)
	require.NoError(tb, err, "create service")
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, rec
}

func target(addr string) registry.Target {
	return registry.Target{URL: "http://" + addr}
}

// wait blocks until the job is terminal.
func wait(tb testing.TB, svc *artifactfetcher.Service, id string) job.Job {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	j, err := svc.Wait(ctx, id)
	require.NoError(tb, err)
	return j
}

// randomLayer returns n bytes that do not collide across tests.
func randomLayer(tb testing.TB, n int) []byte {
	tb.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(tb, err)
	return data
}
