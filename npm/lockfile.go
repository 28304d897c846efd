// Package npm bundles the tarballs referenced by a package-lock.json into a
// single offline archive.
package npm

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrInvalidLockfile is returned when a lockfile cannot be parsed.
	ErrInvalidLockfile = errors.New("npm: invalid lockfile")

	// ErrIntegrityMismatch is returned when a tarball does not match its
	// integrity string.
	ErrIntegrityMismatch = errors.New("npm: integrity mismatch")
)

const nodeModules = "node_modules/"

// LockEntry is one resolved dependency.
type LockEntry struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Resolved  string `json:"resolved,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Key returns name@version.
func (e LockEntry) Key() string {
	return e.Name + "@" + e.Version
}

type lockPackage struct {
	Version      string                 `json:"version"`
	Resolved     string                 `json:"resolved"`
	Integrity    string                 `json:"integrity"`
	Dependencies map[string]lockPackage `json:"dependencies"`
}

type lockfile struct {
	Packages     map[string]lockPackage `json:"packages"`
	Dependencies map[string]lockPackage `json:"dependencies"`
}

// ParseLockfile returns the dependencies of a package-lock.json. Version 2
// and 3 lockfiles are read from "packages"; the version 1 "dependencies"
// tree is walked as well. Entries are unique by name@version and sorted by
// name, then version.
func ParseLockfile(data []byte) ([]LockEntry, error) {
	var lf lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLockfile, err)
	}
	if lf.Packages == nil && lf.Dependencies == nil {
		return nil, fmt.Errorf("%w: no packages or dependencies", ErrInvalidLockfile)
	}

	seen := make(map[string]LockEntry)
	add := func(name string, p lockPackage) {
		if name == "" || p.Version == "" {
			return
		}
		e := LockEntry{Name: name, Version: p.Version, Resolved: p.Resolved, Integrity: p.Integrity}
		if _, ok := seen[e.Key()]; !ok {
			seen[e.Key()] = e
		}
	}

	for _, path := range sortedKeys(lf.Packages) {
		add(packageName(path), lf.Packages[path])
	}

	var walk func(name string, p lockPackage)
	walk = func(name string, p lockPackage) {
		add(name, p)
		for _, dep := range sortedKeys(p.Dependencies) {
			walk(dep, p.Dependencies[dep])
		}
	}
	for _, name := range sortedKeys(lf.Dependencies) {
		walk(name, lf.Dependencies[name])
	}

	out := make([]LockEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b LockEntry) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Version, b.Version))
	})
	return out, nil
}

// packageName extracts the package name from a "packages" key such as
// "node_modules/a/node_modules/@scope/b". Keys outside node_modules (the
// root project, workspace links) yield "".
func packageName(path string) string {
	i := strings.LastIndex(path, nodeModules)
	if i < 0 {
		return ""
	}
	seg := path[i+len(nodeModules):]
	parts := strings.Split(seg, "/")
	if strings.HasPrefix(seg, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
