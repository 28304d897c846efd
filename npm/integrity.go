package npm

import (
	_ "crypto/sha256" // registers sha256 for go-digest
	_ "crypto/sha512" // registers sha384 and sha512 for go-digest
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// sriAlgorithms maps subresource integrity prefixes to digest algorithms,
// strongest first.
var sriAlgorithms = []struct {
	prefix string
	alg    digest.Algorithm
}{
	{"sha512", digest.SHA512},
	{"sha384", digest.SHA384},
	{"sha256", digest.SHA256},
}

// parseIntegrity converts an SRI string ("sha512-<base64> sha1-<base64>")
// into the strongest supported digest. It returns "" when no supported
// hash is present; sha1 is not verified.
func parseIntegrity(sri string) (digest.Digest, error) {
	hashes := make(map[string]string)
	for _, field := range strings.Fields(sri) {
		prefix, value, ok := strings.Cut(field, "-")
		if !ok {
			continue
		}
		value, _, _ = strings.Cut(value, "?")
		if _, dup := hashes[prefix]; !dup {
			hashes[prefix] = value
		}
	}

	for _, a := range sriAlgorithms {
		value, ok := hashes[a.prefix]
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", fmt.Errorf("%w: integrity %q: %w", ErrInvalidLockfile, sri, err)
		}
		d := digest.NewDigestFromEncoded(a.alg, hex.EncodeToString(raw))
		if err := d.Validate(); err != nil {
			return "", fmt.Errorf("%w: integrity %q: %w", ErrInvalidLockfile, sri, err)
		}
		return d, nil
	}
	return "", nil
}
