// Package fileops provides streaming helpers for hashing and counting bytes
// while blobs move between disk and the network.
package fileops

import (
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// HashingReader wraps an io.Reader and digests all data read.
type HashingReader struct {
	r io.Reader
	d digest.Digester
}

// NewHashingReader creates a reader that digests content while reading.
func NewHashingReader(r io.Reader, alg digest.Algorithm) *HashingReader {
	return &HashingReader{r: r, d: alg.Digester()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.d.Hash().Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	return n, err
}

// Digest returns the digest of the data read so far.
func (hr *HashingReader) Digest() digest.Digest {
	return hr.d.Digest()
}

// DigestFile returns the sha256 digest and size of the file at path.
func DigestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hr := NewHashingReader(f, digest.SHA256)
	n, err := io.Copy(io.Discard, hr)
	if err != nil {
		return "", 0, fmt.Errorf("digest %s: %w", path, err)
	}
	return hr.Digest(), n, nil
}
