// Package watcher discovers live coding-assistant transcripts under the
// user's home directory and turns their filesystem activity into Session
// token updates, without polling.
package watcher

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// ClaudeSource is one co-installed assistant whose transcripts this
// process watches (".claude", ".claude-glm", ".claude-gml", ".opencode",
// or any operator-supplied extra directory).
type ClaudeSource struct {
	Name        string // display name, leading dot stripped
	Dir         string // absolute path to the source directory
	ProjectsDir string // Dir/projects
	Color       string
}

var fixedSourceColors = map[string]string{
	"claude":     "#4f6df5",
	"claude-glm": "#9b59b6",
	"claude-gml": "#c2185b",
	"opencode":   "#2ecc71",
}

var fallbackColors = []string{
	"#4f6df5", "#9b59b6", "#c2185b", "#2ecc71", "#17a2b8", "#f1c40f", "#e67e22", "#e74c3c",
}

// colorForSource returns the fixed hex color for a well-known source
// name, or a deterministic FNV-hash fallback for anything else so every
// source still gets a stable color across restarts.
func colorForSource(name string) string {
	if c, ok := fixedSourceColors[name]; ok {
		return c
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return fallbackColors[h.Sum32()%uint32(len(fallbackColors))]
}

// DiscoverSources enumerates homeDir for directories whose name begins
// with ".claude" or equals ".opencode" and that contain a "projects"
// subdirectory, plus any extraDirs explicitly configured.
func DiscoverSources(homeDir string, extraDirs []string) ([]ClaudeSource, error) {
	var out []ClaudeSource

	entries, err := os.ReadDir(homeDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, ".claude") && name != ".opencode" {
			continue
		}
		dir := filepath.Join(homeDir, name)
		projectsDir := filepath.Join(dir, "projects")
		if info, err := os.Stat(projectsDir); err != nil || !info.IsDir() {
			continue
		}
		display := strings.TrimPrefix(name, ".")
		out = append(out, ClaudeSource{Name: display, Dir: dir, ProjectsDir: projectsDir, Color: colorForSource(display)})
	}

	for _, dir := range extraDirs {
		projectsDir := filepath.Join(dir, "projects")
		if info, err := os.Stat(projectsDir); err != nil || !info.IsDir() {
			continue
		}
		display := filepath.Base(dir)
		out = append(out, ClaudeSource{Name: display, Dir: dir, ProjectsDir: projectsDir, Color: colorForSource(display)})
	}

	return out, nil
}
