package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Read returns the first manifest.json entry of the archive at archivePath.
// Only manifest.json is unpacked, into a scratch directory that is removed
// before returning. Both "manifest.json" and any ".../manifest.json" match;
// leading "./" components are ignored.
func Read(archivePath string) (ManifestEntry, error) {
	scratch, err := os.MkdirTemp("", "archive-manifest-")
	if err != nil {
		return ManifestEntry{}, err
	}
	defer os.RemoveAll(scratch)

	found := false
	err = walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if !hdr.FileInfo().Mode().IsRegular() || !isManifestName(hdr.Name) {
			return false, nil
		}
		found = true
		return true, writeFile(filepath.Join(scratch, ManifestFile), r, 0o644)
	})
	if err != nil {
		return ManifestEntry{}, err
	}
	if !found {
		return ManifestEntry{}, ErrNoManifest
	}
	return ReadManifestFile(filepath.Join(scratch, ManifestFile))
}

func isManifestName(name string) bool {
	name = trimDotSlash(name)
	return name == ManifestFile || strings.HasSuffix(name, "/"+ManifestFile)
}

func trimDotSlash(name string) string {
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	return name
}

// IsGzip reports whether the file at p starts with the gzip magic bytes.
func IsGzip(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return string(head) == string(gzipMagic), nil
}

// walk iterates over the entries of a plain or gzip-compressed tar. fn
// returns stop=true to end the walk early.
func walk(archivePath string, fn func(*tar.Header, io.Reader) (stop bool, err error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, _ := br.Peek(len(gzipMagic)); string(head) == string(gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		stop, err := fn(hdr, tr)
		if err != nil || stop {
			return err
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Join resolves the archive-relative name under dir, rejecting names that
// are absolute or climb out of dir.
func Join(dir, name string) (string, error) {
	clean := path.Clean(trimDotSlash(filepath.ToSlash(name)))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &PathError{Name: name}
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Name: name}
	}
	return target, nil
}

// PathError reports an archive entry name that is unsafe to materialize.
type PathError struct {
	Name string
}

func (e *PathError) Error() string {
	return ErrUnsafePath.Error() + ": " + e.Name
}

// Is reports whether target is ErrUnsafePath.
func (e *PathError) Is(target error) bool {
	return target == ErrUnsafePath
}
