package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// locationRewriter normalizes upload Location headers against the target
// base URL. Reverse-proxied registries often mount the API below a path
// (e.g. "/repository/hub") but answer with locations that start at "/v2/".
type locationRewriter struct {
	base     *url.URL
	prefix   string
	keepHost bool
}

func newLocationRewriter(base *url.URL, prefix string, keepHost bool) locationRewriter {
	if prefix == "" {
		prefix = base.Path
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return locationRewriter{base: base, prefix: prefix, keepHost: keepHost}
}

// resolve turns a raw Location header into the URL for the next request.
//
// Relative locations resolve against the base URL. Absolute locations take
// the base URL's scheme and host unless keepHost is set. A path that starts
// with "/v2/" gets the prefix prepended.
func (l locationRewriter) resolve(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty Location", ErrBlobUploadFailed)
	}
	loc, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Location %q: %v", ErrBlobUploadFailed, raw, err)
	}

	var u *url.URL
	if loc.IsAbs() {
		u = loc
		if !l.keepHost {
			u.Scheme = l.base.Scheme
			u.Host = l.base.Host
		}
	} else {
		u = l.base.ResolveReference(loc)
	}

	if l.prefix != "" && strings.HasPrefix(u.Path, "/v2/") {
		u.Path = l.prefix + u.Path
		if u.RawPath != "" {
			u.RawPath = l.prefix + u.RawPath
		}
	}
	return u, nil
}

// withDigest returns u with the digest query parameter set, keeping any
// upload state parameters the registry put in the location.
func withDigest(u *url.URL, dgst string) string {
	q := u.Query()
	q.Set("digest", dgst)
	out := *u
	out.RawQuery = q.Encode()
	return out.String()
}
