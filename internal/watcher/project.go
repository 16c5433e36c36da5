package watcher

import (
	"os"
	"path/filepath"
	"strings"
)

// DecodeProjectName turns a project directory's dash-encoded name back
// into a readable path fragment. The encoding (slashes replaced with
// dashes) is inherently lossy for paths that themselves contain dashes;
// this is accepted rather than worked around, matching the source
// assistants' own directory naming.
func DecodeProjectName(dirName string) string {
	name := strings.TrimPrefix(dirName, "-")

	home, _ := os.UserHomeDir()
	candidates := []string{
		dashEncode(filepath.Join(home, "Documents")),
		dashEncode(home),
	}
	for _, prefix := range candidates {
		if prefix == "" {
			continue
		}
		if stripped := strings.TrimPrefix(name, prefix); stripped != name {
			name = strings.TrimPrefix(stripped, "-")
			break
		}
	}

	const maxLen = 40
	if len(name) > maxLen {
		segs := strings.Split(name, "-")
		if len(segs) > 3 {
			segs = segs[len(segs)-3:]
		}
		name = strings.Join(segs, "-")
	}

	if name == "" {
		return dirName
	}
	return name
}

func dashEncode(path string) string {
	return strings.TrimPrefix(strings.ReplaceAll(path, "/", "-"), "-")
}
