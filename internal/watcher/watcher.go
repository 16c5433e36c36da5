package watcher

import (
	"context"
	"crypto/md5"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ctxfold/sidecar/internal/config"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/store"
)

// Publisher is the subset of the event bus the Watcher needs. Kept as a
// local interface so this package never imports internal/eventbus;
// cmd/sidecard wires the concrete bus in.
type Publisher interface {
	Publish(topic string, data any)
}

const (
	TopicUpdate = "update"
)

// StatusSnapshot is the dashboard-facing view of everything being watched.
type StatusSnapshot struct {
	Sources  []ClaudeSource
	Bindings []Binding
}

// Watcher tails every active transcript across all discovered sources and
// keeps Session rows (and subscribers) current without polling.
type Watcher struct {
	store     store.Store
	publisher Publisher
	cfg       config.WatcherConfig

	mu                sync.Mutex
	sources           []ClaudeSource
	bindings          map[string]*Binding // keyed by transcript path
	lastBroadcastHash [16]byte

	pendingMu sync.Mutex
	pending   map[string]*time.Timer

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetPublisher attaches (or replaces) the Publisher used for dashboard
// broadcasts. Exists so callers can construct the EventBus's status
// provider from the Watcher before the Watcher itself has a bus to
// publish to.
func (w *Watcher) SetPublisher(pub Publisher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publisher = pub
}

func New(st store.Store, pub Publisher, cfg config.WatcherConfig) *Watcher {
	return &Watcher{
		store:     st,
		publisher: pub,
		cfg:       cfg,
		bindings:  make(map[string]*Binding),
		pending:   make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
	}
}

// Start discovers sources, performs an initial scan of every project's
// active transcript, and begins watching for filesystem changes. It
// returns once the initial scan completes; watching continues in the
// background until Stop is called.
func (w *Watcher) Start(homeDir string) error {
	sources, err := DiscoverSources(homeDir, w.cfg.ExtraSourceDirs)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sources = sources
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	for _, src := range sources {
		if err := w.watchSourceTree(src); err != nil {
			L_warn("watcher: failed to watch source", "source", src.Name, "error", err)
			continue
		}
		w.scanSource(src)
	}

	w.wg.Add(1)
	go w.loop()

	return nil
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

// watchSourceTree registers the source's projects directory and every
// existing project subdirectory; fsnotify has no recursive mode, so new
// project directories are added as Create events for directories arrive.
func (w *Watcher) watchSourceTree(src ClaudeSource) error {
	if err := w.fsw.Add(src.ProjectsDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(src.ProjectsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.fsw.Add(filepath.Join(src.ProjectsDir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) scanSource(src ClaudeSource) {
	entries, err := os.ReadDir(src.ProjectsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		projectDir := filepath.Join(src.ProjectsDir, e.Name())
		project := DecodeProjectName(e.Name())
		active, err := activeTranscript(projectDir)
		if err != nil || active == "" {
			continue
		}
		w.processTranscript(src, project, active)
	}
}

// activeTranscript returns the most-recently-modified non-agent- .jsonl
// file in dir, or "" if none exists.
func activeTranscript(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, name)
			bestMod = info.ModTime()
		}
	}
	return best, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			L_warn("watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	}

	if !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
		return
	}

	src, project, ok := w.locate(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0:
		w.debounce(ev.Name, func() { w.handleDelete(src, project, ev.Name) })
	default:
		w.debounce(ev.Name, func() { w.handleChange(src, project, ev.Name) })
	}
}

// locate maps a transcript path back to its source and decoded project
// name by matching against the known source project-directory prefixes.
func (w *Watcher) locate(path string) (ClaudeSource, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, src := range w.sources {
		if !strings.HasPrefix(path, src.ProjectsDir+string(filepath.Separator)) {
			continue
		}
		rel := strings.TrimPrefix(path, src.ProjectsDir+string(filepath.Separator))
		parts := strings.SplitN(rel, string(filepath.Separator), 2)
		if len(parts) == 0 {
			continue
		}
		return src, DecodeProjectName(parts[0]), true
	}
	return ClaudeSource{}, "", false
}

func (w *Watcher) debounce(path string, fn func()) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	throttle := time.Duration(w.cfg.ThrottleMs) * time.Millisecond
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}
	w.pending[path] = time.AfterFunc(throttle, func() {
		w.pendingMu.Lock()
		delete(w.pending, path)
		w.pendingMu.Unlock()
		fn()
	})
}

func (w *Watcher) handleChange(src ClaudeSource, project, path string) {
	projectDir := filepath.Dir(path)
	active, err := activeTranscript(projectDir)
	if err != nil || active != path {
		return // a stale (non-active) transcript changed; drop per the active-transcript rule
	}
	w.processTranscript(src, project, path)
}

// handleDelete responds to the active transcript of (src, project) being
// removed from disk: it marks the backing Session inactive and, crucially,
// removes the binding from w.bindings entirely rather than merely
// flagging it — MergeBindings/Payload pick the highest-CurrentTokens
// binding per (source, project) with no liveness filter, so a binding
// left in the map (even with Active=false) would keep winning that merge
// forever and show a permanent phantom project on the dashboard.
func (w *Watcher) handleDelete(src ClaudeSource, project, path string) {
	w.mu.Lock()
	b, ok := w.bindings[path]
	if ok {
		delete(w.bindings, path)
	}
	w.mu.Unlock()
	if !ok || !b.Active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.store.MarkInactive(ctx, b.SessionID); err != nil {
		L_warn("watcher: mark inactive failed", "session", b.SessionID, "error", err)
	}
	w.publishUpdate()
}

func (w *Watcher) processTranscript(src ClaudeSource, project, path string) {
	maxTokens := w.cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 200000
	}
	count, isReal, err := ExtractTokens(path, maxTokens)
	if err != nil {
		L_debug("watcher: extract tokens failed, will retry on next event", "path", path, "error", err)
		return
	}

	taskDescription := "Auto-detected: " + src.Name + ":" + project

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := w.store.FindSessionByTask(ctx, taskDescription)
	if err != nil {
		sess, err = w.store.CreateSession(ctx, taskDescription, maxTokens)
		if err != nil {
			L_warn("watcher: create session failed", "task", taskDescription, "error", err)
			return
		}
	}
	if sess.CurrentTokens != count {
		updated, err := w.store.UpdateTokens(ctx, sess.ID, count)
		if err != nil {
			L_debug("watcher: update tokens failed", "session", sess.ID, "error", err)
		} else {
			sess = updated
		}
	}

	w.mu.Lock()
	w.bindings[path] = &Binding{
		Source: src.Name, Color: src.Color, Project: project, TranscriptPath: path,
		SessionID: sess.ID, CurrentTokens: count, MaxTokens: maxTokens,
		IsRealTokens: isReal, Active: true, UpdatedAt: time.Now(),
	}
	w.mu.Unlock()

	w.publishUpdate()
}

// publishUpdate coalesces bursts by comparing the MD5 of every binding's
// (name, currentTokens) pair across two consecutive would-be broadcasts,
// skipping the publish when nothing has actually changed.
func (w *Watcher) publishUpdate() {
	if w.publisher == nil {
		return
	}
	status := w.Status()

	sig := bindingSignature(status.Bindings)
	hash := md5.Sum([]byte(sig))

	w.mu.Lock()
	unchanged := hash == w.lastBroadcastHash
	w.lastBroadcastHash = hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	w.publisher.Publish(TopicUpdate, status.Payload())
}

func bindingSignature(bindings []Binding) string {
	sorted := append([]Binding(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DisplayName() < sorted[j].DisplayName()
	})
	var sb strings.Builder
	for _, b := range sorted {
		sb.WriteString(b.DisplayName())
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(b.CurrentTokens))
		sb.WriteByte(',')
	}
	return sb.String()
}

// Status returns the merged, dashboard-ready view of every tracked binding.
func (w *Watcher) Status() StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	bindingsCopy := make(map[string]*Binding, len(w.bindings))
	for k, v := range w.bindings {
		cp := *v
		bindingsCopy[k] = &cp
	}
	return StatusSnapshot{Sources: append([]ClaudeSource(nil), w.sources...), Bindings: MergeBindings(bindingsCopy)}
}
