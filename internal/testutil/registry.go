// Package testutil provides an in-process Docker Registry v2 server and
// image fixtures for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// LocationStyle selects how the fake registry spells upload locations.
type LocationStyle int

const (
	// LocationRelative returns "<prefix>/v2/..." paths.
	LocationRelative LocationStyle = iota

	// LocationUnprefixed returns "/v2/..." paths without the mount prefix,
	// as reverse-proxied registries often do.
	LocationUnprefixed

	// LocationAbsoluteInternal returns absolute URLs on an unreachable
	// internal host without the mount prefix.
	LocationAbsoluteInternal
)

// InternalHost is the host used by LocationAbsoluteInternal.
const InternalHost = "registry.internal.invalid:5000"

// Request kinds counted by Registry.
const (
	KindPing        = "ping"
	KindToken       = "token"
	KindManifest    = "manifest"
	KindBlob        = "blob"
	KindUploadStart = "upload-start"
	KindUpload      = "upload"
)

type storedManifest struct {
	mediaType string
	body      []byte
}

type upload struct {
	repo string
	data bytes.Buffer
}

type fault struct {
	method string
	kind   string
	status int
	times  int
}

// Registry is a minimal Docker Registry v2 server backed by memory.
type Registry struct {
	server *httptest.Server

	prefix        string
	locationStyle LocationStyle
	token         string
	username      string
	password      string
	noLength      bool

	mu        sync.Mutex
	manifests map[string]storedManifest
	blobs     map[string][]byte
	corrupt   map[string][]byte
	uploads   map[string]*upload
	counts    map[string]int
	faults    []*fault
	uploaded  int64
	accepts   []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix mounts the API below path, e.g. "/repository/hub".
func WithPrefix(path string) Option {
	return func(r *Registry) {
		r.prefix = strings.TrimSuffix(path, "/")
	}
}

// WithLocationStyle sets how upload locations are returned.
func WithLocationStyle(s LocationStyle) Option {
	return func(r *Registry) {
		r.locationStyle = s
	}
}

// WithToken requires "Bearer <token>" on API requests and serves the token
// anonymously from /token.
func WithToken(token string) Option {
	return func(r *Registry) {
		r.token = token
	}
}

// WithBasicAuth requires Basic credentials on API requests.
func WithBasicAuth(username, password string) Option {
	return func(r *Registry) {
		r.username = username
		r.password = password
	}
}

// WithoutContentLength streams blob bodies without a Content-Length.
func WithoutContentLength() Option {
	return func(r *Registry) {
		r.noLength = true
	}
}

// NewRegistry starts a registry that is closed when the test ends.
func NewRegistry(tb testing.TB, opts ...Option) *Registry {
	tb.Helper()
	r := &Registry{
		manifests: make(map[string]storedManifest),
		blobs:     make(map[string][]byte),
		corrupt:   make(map[string][]byte),
		uploads:   make(map[string]*upload),
		counts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serveHTTP))
	tb.Cleanup(r.server.Close)
	return r
}

// URL returns the base URL of the API mount, including the prefix.
func (r *Registry) URL() string {
	return r.server.URL + r.prefix
}

// Host returns host:port of the server.
func (r *Registry) Host() string {
	return strings.TrimPrefix(r.server.URL, "http://")
}

// TokenRealm returns the URL of the token endpoint.
func (r *Registry) TokenRealm() string {
	return r.server.URL + "/token"
}

// Count returns how many requests of method and kind were served.
func (r *Registry) Count(method, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[method+" "+kind]
}

// BytesUploaded returns the total number of blob body bytes received.
func (r *Registry) BytesUploaded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploaded
}

// Accepts returns the Accept headers of manifest GETs in order.
func (r *Registry) Accepts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.accepts...)
}

// FailNext answers the next times requests of method and kind with status.
func (r *Registry) FailNext(method, kind string, status, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, &fault{method: method, kind: kind, status: status, times: times})
}

// PutBlob stores data in repo and returns its digest.
func (r *Registry) PutBlob(repo string, data []byte) digest.Digest {
	d := digest.FromBytes(data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[repo+"@"+d.String()] = append([]byte(nil), data...)
	return d
}

// CorruptBlob serves data instead of the real content of d.
func (r *Registry) CorruptBlob(repo string, d digest.Digest, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrupt[repo+"@"+d.String()] = data
}

// Blob returns the stored blob d of repo.
func (r *Registry) Blob(repo string, d digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[repo+"@"+d.String()]
	return b, ok
}

// PutManifest stores body under ref and under its digest.
func (r *Registry) PutManifest(repo, ref, mediaType string, body []byte) digest.Digest {
	d := digest.FromBytes(body)
	r.mu.Lock()
	defer r.mu.Unlock()
	m := storedManifest{mediaType: mediaType, body: append([]byte(nil), body...)}
	r.manifests[repo+":"+ref] = m
	r.manifests[repo+":"+d.String()] = m
	return d
}

// Manifest returns the manifest stored under ref.
func (r *Registry) Manifest(repo, ref string) (body []byte, mediaType string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[repo+":"+ref]
	return m.body, m.mediaType, ok
}

type route struct {
	kind string
	repo string
	ref  string
}

// parseRoute splits an API path (below /v2/) into kind, repository and
// reference. Repository names may contain slashes.
func parseRoute(p string) (route, bool) {
	if p == "" {
		return route{kind: KindPing}, true
	}
	if i := strings.LastIndex(p, "/blobs/uploads"); i > 0 {
		id := strings.Trim(p[i+len("/blobs/uploads"):], "/")
		if id == "" {
			return route{kind: KindUploadStart, repo: p[:i]}, true
		}
		return route{kind: KindUpload, repo: p[:i], ref: id}, true
	}
	if i := strings.LastIndex(p, "/manifests/"); i > 0 {
		return route{kind: KindManifest, repo: p[:i], ref: p[i+len("/manifests/"):]}, true
	}
	if i := strings.LastIndex(p, "/blobs/"); i > 0 {
		return route{kind: KindBlob, repo: p[:i], ref: p[i+len("/blobs/"):]}, true
	}
	return route{}, false
}

func (r *Registry) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/token" {
		r.serveToken(w, req)
		return
	}

	rest, ok := strings.CutPrefix(req.URL.Path, r.prefix+"/v2/")
	if !ok && req.URL.Path == r.prefix+"/v2" {
		rest, ok = "", true
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NAME_UNKNOWN", "no route")
		return
	}
	rt, ok := parseRoute(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "NAME_UNKNOWN", "no route")
		return
	}

	if !r.authorized(w, req) {
		return
	}

	r.mu.Lock()
	r.counts[req.Method+" "+rt.kind]++
	status := r.takeFaultLocked(req.Method, rt.kind)
	r.mu.Unlock()
	if status != 0 {
		writeError(w, status, "UNAVAILABLE", "injected fault")
		return
	}

	switch rt.kind {
	case KindPing:
		w.WriteHeader(http.StatusOK)
	case KindManifest:
		r.serveManifest(w, req, rt)
	case KindBlob:
		r.serveBlob(w, req, rt)
	case KindUploadStart:
		r.startUpload(w, req, rt)
	case KindUpload:
		r.continueUpload(w, req, rt)
	}
}

func (r *Registry) takeFaultLocked(method, kind string) int {
	for i, f := range r.faults {
		if f.method == method && f.kind == kind {
			f.times--
			if f.times <= 0 {
				r.faults = append(r.faults[:i], r.faults[i+1:]...)
			}
			return f.status
		}
	}
	return 0
}

func (r *Registry) authorized(w http.ResponseWriter, req *http.Request) bool {
	switch {
	case r.token != "":
		if req.Header.Get("Authorization") == "Bearer "+r.token {
			return true
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q,service="fake-registry"`, r.TokenRealm()))
	case r.username != "":
		user, pass, ok := req.BasicAuth()
		if ok && user == r.username && pass == r.password {
			return true
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="fake-registry"`)
	default:
		return true
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	return false
}

func (r *Registry) serveToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.counts[req.Method+" "+KindToken]++
	status := r.takeFaultLocked(req.Method, KindToken)
	r.mu.Unlock()
	if status != 0 {
		writeError(w, status, "UNAUTHORIZED", "injected fault")
		return
	}
	if r.token == "" {
		writeError(w, http.StatusNotFound, "UNSUPPORTED", "no token service")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"token": r.token, "expires_in": 300}) //nolint:errcheck // test server
}

func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, rt route) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		r.mu.Lock()
		r.accepts = append(r.accepts, req.Header.Get("Accept"))
		m, ok := r.manifests[rt.repo+":"+rt.ref]
		r.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.body).String())
		w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
		if req.Method == http.MethodGet {
			_, _ = w.Write(m.body) //nolint:errcheck // test server
		}
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "MANIFEST_INVALID", err.Error())
			return
		}
		d := r.PutManifest(rt.repo, rt.ref, req.Header.Get("Content-Type"), body)
		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusCreated)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", req.Method)
	}
}

func (r *Registry) serveBlob(w http.ResponseWriter, req *http.Request, rt route) {
	key := rt.repo + "@" + rt.ref
	r.mu.Lock()
	data, ok := r.blobs[key]
	if bad, corrupt := r.corrupt[key]; corrupt && ok {
		data = bad
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", rt.ref)
	if req.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.noLength {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(data) //nolint:errcheck // test server
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data) //nolint:errcheck // test server
}

func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request, rt route) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", req.Method)
		return
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.uploads[id] = &upload{repo: rt.repo}
	r.mu.Unlock()

	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Location", r.location(rt.repo, id, 0))
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// location spells an upload URL in the configured style. _state carries
// the upload offset, like registry:2 does, so stale locations are rejected.
func (r *Registry) location(repo, id string, offset int) string {
	p := fmt.Sprintf("/v2/%s/blobs/uploads/%s?_state=%d", repo, id, offset)
	switch r.locationStyle {
	case LocationUnprefixed:
		return p
	case LocationAbsoluteInternal:
		return "http://" + InternalHost + p
	default:
		return r.prefix + p
	}
}

func (r *Registry) continueUpload(w http.ResponseWriter, req *http.Request, rt route) {
	r.mu.Lock()
	up, ok := r.uploads[rt.ref]
	offset := 0
	if ok {
		offset = up.data.Len()
	}
	r.mu.Unlock()
	if !ok || up.repo != rt.repo {
		writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "upload unknown")
		return
	}
	if state := req.URL.Query().Get("_state"); state != strconv.Itoa(offset) {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", "stale upload state "+state)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", err.Error())
		return
	}
	r.mu.Lock()
	up.data.Write(body)
	r.uploaded += int64(len(body))
	size := up.data.Len()
	r.mu.Unlock()

	switch req.Method {
	case http.MethodPatch:
		w.Header().Set("Location", r.location(rt.repo, rt.ref, size))
		w.Header().Set("Range", fmt.Sprintf("0-%d", max(size-1, 0)))
		w.WriteHeader(http.StatusAccepted)
	case http.MethodPut:
		d, err := digest.Parse(req.URL.Query().Get("digest"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "DIGEST_INVALID", err.Error())
			return
		}
		r.mu.Lock()
		data := up.data.Bytes()
		if digest.FromBytes(data) != d {
			r.mu.Unlock()
			writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "digest does not match content")
			return
		}
		r.blobs[rt.repo+"@"+d.String()] = append([]byte(nil), data...)
		delete(r.uploads, rt.ref)
		r.mu.Unlock()
		w.Header().Set("Docker-Content-Digest", d.String())
		w.Header().Set("Location", r.prefix+fmt.Sprintf("/v2/%s/blobs/%s", rt.repo, d))
		w.WriteHeader(http.StatusCreated)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", req.Method)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}
