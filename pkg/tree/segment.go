package tree

import "strings"

// Segments splits a logical path on "/". Empty segments are kept as-is so
// that "a//b" and "a/b" never resolve to the same node. A record without a
// path becomes a single root-level segment named after the file.
func Segments(path, fileName string) []string {
	if path == "" {
		return []string{fileName}
	}
	return strings.Split(path, "/")
}
