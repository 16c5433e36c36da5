package watcher

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctxfold/sidecar/internal/config"
	"github.com/ctxfold/sidecar/internal/store"
)

// capturePublisher records every published dashboard update.
type capturePublisher struct {
	mu       sync.Mutex
	payloads []DashboardUpdate
}

func (c *capturePublisher) Publish(topic string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upd, ok := data.(DashboardUpdate); ok {
		c.payloads = append(c.payloads, upd)
	}
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *capturePublisher) last() DashboardUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[len(c.payloads)-1]
}

func newTestWatcher(t *testing.T, pub Publisher) *Watcher {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "store.db"), WALMode: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, pub, config.WatcherConfig{ThrottleMs: 1, DefaultMaxTokens: 200000})
}

func writeTranscript(t *testing.T, dir, name string, lines []string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func assistantLine(input, cacheCreation, cacheRead int) string {
	return `{"type":"assistant","message":{"usage":{"input_tokens":` + strconv.Itoa(input) +
		`,"cache_creation_input_tokens":` + strconv.Itoa(cacheCreation) +
		`,"cache_read_input_tokens":` + strconv.Itoa(cacheRead) + `}}}`
}

func TestExtractTokensExcludesCacheReads(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "session.jsonl", []string{
		`{"type":"user","message":{"content":"hello"}}`,
		assistantLine(1000, 500, 50000),
	}, time.Now())

	count, isReal, err := ExtractTokens(path, 200000)
	if err != nil {
		t.Fatal(err)
	}
	if !isReal {
		t.Fatal("expected a real usage-block count")
	}
	if count != 1500 {
		t.Fatalf("expected input+cache_creation = 1500, got %d", count)
	}
}

func TestExtractTokensUsesLastAssistantTurn(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "session.jsonl", []string{
		assistantLine(1000, 0, 0),
		`{"type":"user","message":{"content":"more"}}`,
		assistantLine(4200, 300, 0),
	}, time.Now())

	count, isReal, err := ExtractTokens(path, 200000)
	if err != nil {
		t.Fatal(err)
	}
	if !isReal || count != 4500 {
		t.Fatalf("expected the final turn's 4500, got %d (real=%v)", count, isReal)
	}
}

func TestExtractTokensByteRatioFallback(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"type":"user","message":{"content":"no usage here"}}`,
		`{"type":"system","subtype":"init"}`,
	}
	path := writeTranscript(t, dir, "session.jsonl", lines, time.Now())

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	want := int(info.Size()/6) + 2000

	count, isReal, err := ExtractTokens(path, 200000)
	if err != nil {
		t.Fatal(err)
	}
	if isReal {
		t.Fatal("expected an estimated count")
	}
	if count != want {
		t.Fatalf("expected size/6+2000 = %d, got %d", want, count)
	}
}

func TestExtractTokensFallbackCappedAtMax(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat(`{"type":"user","message":{"content":"xxxxxxxxxxxxxxxx"}}`, 50)
	path := writeTranscript(t, dir, "session.jsonl", []string{big}, time.Now())

	count, isReal, err := ExtractTokens(path, 2100)
	if err != nil {
		t.Fatal(err)
	}
	if isReal || count != 2100 {
		t.Fatalf("expected the estimate capped at max_tokens, got %d (real=%v)", count, isReal)
	}
}

func TestActiveTranscriptNewestWinsAndAgentIgnored(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeTranscript(t, dir, "old.jsonl", []string{assistantLine(100, 0, 0)}, base)
	newest := writeTranscript(t, dir, "new.jsonl", []string{assistantLine(200, 0, 0)}, base.Add(10*time.Minute))
	writeTranscript(t, dir, "agent-later.jsonl", []string{assistantLine(300, 0, 0)}, base.Add(20*time.Minute))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	active, err := activeTranscript(dir)
	if err != nil {
		t.Fatal(err)
	}
	if active != newest {
		t.Fatalf("expected %s to be active, got %s", newest, active)
	}
}

func TestMergeBindingsKeepsHighestTokensPerProject(t *testing.T) {
	all := map[string]*Binding{
		"/a": {Source: "claude", Project: "ralph", TranscriptPath: "/a", CurrentTokens: 5000},
		"/b": {Source: "claude", Project: "ralph", TranscriptPath: "/b", CurrentTokens: 8000},
		"/c": {Source: "opencode", Project: "ralph", TranscriptPath: "/c", CurrentTokens: 100},
	}
	merged := MergeBindings(all)
	if len(merged) != 2 {
		t.Fatalf("expected one binding per (source, project), got %d", len(merged))
	}
	for _, b := range merged {
		if b.Source == "claude" && (b.CurrentTokens != 8000 || b.TranscriptPath != "/b") {
			t.Fatalf("expected the higher-token transcript to win the merge, got %+v", b)
		}
	}
}

// TestActiveTranscriptMerging walks the full path: two transcripts in one
// project directory, both processed, and the published update must list
// exactly one row carrying the newer file's real token count.
func TestActiveTranscriptMerging(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWatcher(t, pub)

	projectsDir := t.TempDir()
	projectDir := filepath.Join(projectsDir, "ralph")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	a := writeTranscript(t, projectDir, "A.jsonl", []string{assistantLine(5000, 0, 0)}, base)
	b := writeTranscript(t, projectDir, "B.jsonl", []string{assistantLine(8000, 0, 0)}, base.Add(10*time.Minute))

	src := ClaudeSource{Name: "claude", Dir: filepath.Dir(projectsDir), ProjectsDir: projectsDir, Color: colorForSource("claude")}
	w.sources = []ClaudeSource{src}

	w.processTranscript(src, "ralph", a)
	w.processTranscript(src, "ralph", b)

	// A stale-transcript modification must be dropped outright.
	w.handleChange(src, "ralph", a)

	upd := pub.last()
	if upd.ProjectCount != 1 || len(upd.Projects) != 1 {
		t.Fatalf("expected exactly one merged project row, got %+v", upd)
	}
	p := upd.Projects[0]
	if p.Name != "claude—ralph" {
		t.Errorf("expected display name claude—ralph, got %q", p.Name)
	}
	if p.CurrentTokens != 8000 || !p.IsRealData || p.TranscriptPath != b {
		t.Errorf("expected the active transcript's 8000 real tokens from %s, got %+v", b, p)
	}
	if p.Source.Name != "claude" || p.Source.Color == "" {
		t.Errorf("expected a named, colored source, got %+v", p.Source)
	}
}

// TestPublishCoalescesUnchangedUpdates re-processes an unchanged
// transcript and expects no second broadcast.
func TestPublishCoalescesUnchangedUpdates(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWatcher(t, pub)

	projectsDir := t.TempDir()
	projectDir := filepath.Join(projectsDir, "ralph")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeTranscript(t, projectDir, "A.jsonl", []string{assistantLine(5000, 0, 0)}, time.Now())

	src := ClaudeSource{Name: "claude", ProjectsDir: projectsDir, Color: colorForSource("claude")}
	w.sources = []ClaudeSource{src}

	w.processTranscript(src, "ralph", path)
	first := pub.count()
	w.processTranscript(src, "ralph", path)

	if pub.count() != first {
		t.Fatalf("expected the unchanged re-process to be coalesced, got %d broadcasts after %d", pub.count(), first)
	}
}

func TestHandleDeleteRemovesBindingAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWatcher(t, pub)

	projectsDir := t.TempDir()
	projectDir := filepath.Join(projectsDir, "ralph")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeTranscript(t, projectDir, "A.jsonl", []string{assistantLine(5000, 0, 0)}, time.Now())

	src := ClaudeSource{Name: "claude", ProjectsDir: projectsDir, Color: colorForSource("claude")}
	w.sources = []ClaudeSource{src}

	w.processTranscript(src, "ralph", path)
	w.handleDelete(src, "ralph", path)

	upd := pub.last()
	if upd.ProjectCount != 0 {
		t.Fatalf("expected no projects after the active transcript was deleted, got %+v", upd)
	}
}

func TestDecodeProjectNameTruncatesLongNames(t *testing.T) {
	long := "-aaaa-bbbb-cccc-dddd-eeee-ffff-gggg-hhhh-iiii"
	got := DecodeProjectName(long)
	if got != "gggg-hhhh-iiii" {
		t.Fatalf("expected the trailing three segments, got %q", got)
	}

	short := "-myproj"
	if got := DecodeProjectName(short); got != "myproj" {
		t.Fatalf("expected leading dash stripped, got %q", got)
	}
}

func TestDiscoverSources(t *testing.T) {
	home := t.TempDir()
	for _, d := range []string{".claude/projects", ".opencode/projects"} {
		if err := os.MkdirAll(filepath.Join(home, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// No projects subfolder: not a source.
	if err := os.MkdirAll(filepath.Join(home, ".claude-empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Unrelated directory: ignored.
	if err := os.MkdirAll(filepath.Join(home, "Documents"), 0o755); err != nil {
		t.Fatal(err)
	}

	sources, err := DiscoverSources(home, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected claude and opencode, got %+v", sources)
	}
	byName := map[string]ClaudeSource{}
	for _, s := range sources {
		byName[s.Name] = s
	}
	if _, ok := byName["claude"]; !ok {
		t.Error("expected a claude source")
	}
	if _, ok := byName["opencode"]; !ok {
		t.Error("expected an opencode source")
	}
	if byName["claude"].Color != fixedSourceColors["claude"] {
		t.Errorf("expected the fixed color table to assign claude's color, got %q", byName["claude"].Color)
	}
}

func TestColorForSourceStableFallback(t *testing.T) {
	a := colorForSource("claude-experimental")
	b := colorForSource("claude-experimental")
	if a != b || a == "" {
		t.Fatalf("expected a stable non-empty fallback color, got %q / %q", a, b)
	}
}
