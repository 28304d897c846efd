package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
)

// link is a symlink or hardlink entry waiting for its target.
type link struct {
	name   string
	target string // destination path
	source string // destination path of the linked file
}

// Extract unpacks the plain or gzip-compressed tar at archivePath into
// destDir. Symlinks and hardlinks are materialized as copies of the file
// they point to, which must be a regular file inside the archive; legacy
// "docker save" output links layers that way. Any other entry type, and any
// entry or link target escaping destDir, fails the extraction.
func Extract(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	var links []link
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		name := trimDotSlash(hdr.Name)
		if name == "" || name == "." || name == "./" {
			return false, nil
		}
		target, err := Join(destDir, name)
		if err != nil {
			return false, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return false, os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			mode := os.FileMode(hdr.Mode).Perm()
			if mode == 0 {
				mode = 0o644
			}
			return false, writeFile(target, r, mode)
		case tar.TypeSymlink, tar.TypeLink:
			l, err := newLink(destDir, name, target, hdr)
			if err != nil {
				return false, err
			}
			links = append(links, l)
			return false, nil
		case tar.TypeXGlobalHeader:
			return false, nil
		default:
			return false, fmt.Errorf("archive: unsupported entry %q (type %c)", hdr.Name, hdr.Typeflag)
		}
	})
	if err != nil {
		return err
	}
	return resolveLinks(links)
}

func newLink(destDir, name, target string, hdr *tar.Header) (link, error) {
	// Hardlink names are archive-relative, symlink names relative to the
	// link's directory.
	ref := hdr.Linkname
	if hdr.Typeflag == tar.TypeSymlink {
		if path.IsAbs(ref) {
			return link{}, &PathError{Name: hdr.Name + " -> " + ref}
		}
		ref = path.Join(path.Dir(name), ref)
	}
	source, err := Join(destDir, ref)
	if err != nil {
		return link{}, &PathError{Name: hdr.Name + " -> " + hdr.Linkname}
	}
	return link{name: hdr.Name, target: target, source: source}, nil
}

// resolveLinks copies link sources into place. Links may point forward in
// the archive or at other links, so it repeats until nothing changes.
func resolveLinks(links []link) error {
	for len(links) > 0 {
		var pending []link
		for _, l := range links {
			done, err := copyLink(l)
			if err != nil {
				return err
			}
			if !done {
				pending = append(pending, l)
			}
		}
		if len(pending) == len(links) {
			return fmt.Errorf("archive: link %q points to a missing file", pending[0].name)
		}
		links = pending
	}
	return nil
}

func copyLink(l link) (bool, error) {
	info, err := os.Stat(l.source)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("archive: link %q does not point to a regular file", l.name)
	}
	f, err := os.Open(l.source)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return true, writeFile(l.target, f, info.Mode().Perm())
}
