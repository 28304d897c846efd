package archive

import (
	"regexp"
	"strings"
)

// DefaultTag is used when no tag can be determined.
const DefaultTag = "latest"

var tagFromName = regexp.MustCompile(`(?i)@([^@/]+)\.tar$`)

// ParseRepoTag splits a "repository:tag" string from RepoTags. Only a colon
// after the last slash separates the tag, so registry ports survive. The
// repository is lowercased; tag is empty when absent.
func ParseRepoTag(s string) (repository, tag string) {
	s = strings.TrimSpace(s)
	slash := strings.LastIndex(s, "/")
	if i := strings.LastIndex(s, ":"); i > slash && i > 0 {
		return strings.ToLower(s[:i]), s[i+1:]
	}
	return strings.ToLower(s), ""
}

// GuessTag extracts the tag from a file name of the form "<name>@<tag>.tar".
func GuessTag(filename string) (string, bool) {
	m := tagFromName.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// SafeName flattens a repository name for use in a file name.
func SafeName(repository string) string {
	return strings.ReplaceAll(repository, "/", "_")
}

// Filename returns the archive file name for repository and tag, the
// inverse of GuessTag.
func Filename(repository, tag string) string {
	return SafeName(repository) + "@" + tag + ".tar"
}
