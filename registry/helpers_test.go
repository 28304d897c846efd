package registry

import (
	"bytes"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/Gariton/ArtifactFetcher/internal/httputil"
	"github.com/Gariton/ArtifactFetcher/internal/testutil"
	"github.com/Gariton/ArtifactFetcher/progress"
)

var (
	linuxAMD64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}
	linuxARM64 = ocispec.Platform{OS: "linux", Architecture: "arm64"}
)

// fastPolicy keeps the retry count but shrinks delays for tests.
func fastPolicy() *httputil.RetryPolicy {
	return &httputil.RetryPolicy{MaxRetry: httputil.DefaultMaxRetry, Backoff: time.Millisecond}
}

func newTestClient(t *testing.T, reg *testutil.Registry, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseURL(reg.URL()), WithAnonymous(), WithRetryPolicy(fastPolicy())}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func layer(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// collapse drops consecutive duplicate item-progress types so sequences
// can be compared independently of chunking.
func collapse(types []progress.Type) []progress.Type {
	var out []progress.Type
	for i, t := range types {
		if i > 0 && t == progress.TypeItemProgress && types[i-1] == progress.TypeItemProgress {
			continue
		}
		out = append(out, t)
	}
	return out
}
