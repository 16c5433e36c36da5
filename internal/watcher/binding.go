package watcher

import "time"

// Binding is one live (source, project) transcript the Watcher is
// tracking, with the Session it has been upserted into.
type Binding struct {
	Source         string
	Color          string
	Project        string
	TranscriptPath string
	SessionID      string
	CurrentTokens  int
	MaxTokens      int
	IsRealTokens   bool
	Active         bool
	UpdatedAt      time.Time
}

// DisplayName is the dashboard label for this binding: "<source>—<project>".
func (b Binding) DisplayName() string {
	return b.Source + "—" + b.Project
}

func groupKey(source, project string) string { return source + "\x00" + project }

// MergeBindings groups bindings by (source, project) and, within each
// group, keeps only the one with the highest current token count — the
// merge-at-read rule for multiple transcripts racing in the same project.
func MergeBindings(all map[string]*Binding) []Binding {
	best := make(map[string]*Binding)
	for _, b := range all {
		key := groupKey(b.Source, b.Project)
		cur, ok := best[key]
		if !ok || b.CurrentTokens > cur.CurrentTokens {
			best[key] = b
		}
	}
	out := make([]Binding, 0, len(best))
	for _, b := range best {
		out = append(out, *b)
	}
	return out
}
