// Package fold implements a pure provider-aware threshold engine and the
// Spawn protocol that composes it with the Store.
package fold

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ctxfold/sidecar/internal/apperrors"
	"github.com/ctxfold/sidecar/internal/archive"
	"github.com/ctxfold/sidecar/internal/llmclient"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/store"
)

// Urgency orders low < medium < high < critical so monotonicity can be
// checked with plain integer comparison.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

// MarshalJSON renders the urgency as its name rather than its ordinal.
func (u Urgency) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u Urgency) String() string {
	switch u {
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return "low"
	}
}

// Action is the recommended next step for the caller.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionCheckpoint Action = "checkpoint"
	ActionCompress   Action = "compress"
	ActionSpawn      Action = "spawn"
)

// Recommendation is FoldEngine's pure output.
type Recommendation struct {
	ShouldFold        bool           `json:"should_fold"`
	Urgency           Urgency        `json:"urgency"`
	Reason            string         `json:"reason"`
	RecommendedAction Action         `json:"recommended_action"`
	Provider          store.Provider `json:"provider"`
}

// thresholds is one provider's checkpoint/safety/compress/spawn row.
type thresholds struct {
	Checkpoint float64
	Safety     float64
	Compress   float64
	Spawn      float64
}

// defaultTable is the fixed per-provider threshold table. Rows are
// ordered; the highest matching threshold wins.
var defaultTable = map[store.Provider]thresholds{
	store.ProviderAnthropic: {Checkpoint: 0.60, Safety: 0.75, Compress: 0.85, Spawn: 0.95},
	store.ProviderOpenAI:    {Checkpoint: 0.60, Safety: 0.75, Compress: 0.85, Spawn: 0.95},
	store.ProviderMistral:   {Checkpoint: 0.60, Safety: 0.75, Compress: 0.85, Spawn: 0.95},
	store.ProviderGLM:       {Checkpoint: 0.50, Safety: 0.65, Compress: 0.75, Spawn: 0.85},
	store.ProviderGoogle:    {Checkpoint: 0.70, Safety: 0.80, Compress: 0.90, Spawn: 0.97},
}

// Engine evaluates context-usage ratios against the provider threshold
// table. It is pure and stateless except for the cached provider
// auto-detection, which caches the result for a short TTL rather than
// reading the provider config file on each call.
type Engine struct {
	overrides map[store.Provider]thresholds

	providerConfigPath string
	mu                 sync.Mutex
	cachedProvider     store.Provider
	cachedAt           time.Time
}

// ThresholdOverride replaces one provider's checkpoint/safety/compress/
// spawn row; it mirrors config.ProviderTable so callers can pass
// Config.Fold.ThresholdOverrides straight through without this package
// importing internal/config.
type ThresholdOverride struct {
	Checkpoint, Safety, Compress, Spawn float64
}

// NewEngine builds an Engine. overrides may replace any provider's row;
// an empty/nil map uses the built-in table unmodified.
func NewEngine(providerConfigPath string, overrides map[string]ThresholdOverride) *Engine {
	e := &Engine{providerConfigPath: providerConfigPath}
	if len(overrides) > 0 {
		e.overrides = make(map[store.Provider]thresholds, len(overrides))
		for name, t := range overrides {
			e.overrides[store.Provider(name)] = thresholds{Checkpoint: t.Checkpoint, Safety: t.Safety, Compress: t.Compress, Spawn: t.Spawn}
		}
	}
	return e
}

func (e *Engine) table(provider store.Provider) thresholds {
	if e.overrides != nil {
		if t, ok := e.overrides[provider]; ok {
			return t
		}
	}
	if t, ok := defaultTable[provider]; ok {
		return t
	}
	return defaultTable[store.ProviderAnthropic]
}

const providerCacheTTL = 5 * time.Second

// providerConfigFile mirrors $HOME/.ccs/config.json's {"current": "..."}
// shape.
type providerConfigFile struct {
	Current string `json:"current"`
}

// DetectProvider reads the assistant's global provider config file,
// caching the result for providerCacheTTL. Falls back to "anthropic" on
// any error.
func (e *Engine) DetectProvider() store.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cachedProvider != "" && time.Since(e.cachedAt) < providerCacheTTL {
		return e.cachedProvider
	}

	provider := store.ProviderAnthropic
	if e.providerConfigPath != "" {
		if p, ok := readProviderConfig(e.providerConfigPath); ok {
			provider = p
		}
	}
	e.cachedProvider = provider
	e.cachedAt = time.Now()
	return provider
}

func readProviderConfig(path string) (store.Provider, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var cfg providerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Current))
	switch store.Provider(name) {
	case store.ProviderAnthropic, store.ProviderOpenAI, store.ProviderMistral, store.ProviderGoogle, store.ProviderGLM:
		return store.Provider(name), true
	default:
		return "", false
	}
}

// Evaluate is the pure function from (context_usage, provider) to a
// recommendation. memoryCount is informational only.
func (e *Engine) Evaluate(contextUsage float64, memoryCount int, provider store.Provider) Recommendation {
	if provider == "" {
		provider = e.DetectProvider()
	}
	t := e.table(provider)

	// Rows are ordered highest-threshold-first so the highest matching
	// row wins.
	switch {
	case contextUsage >= t.Spawn:
		return Recommendation{true, UrgencyCritical, "context usage at spawn threshold", ActionSpawn, provider}
	case contextUsage >= t.Compress:
		return Recommendation{true, UrgencyHigh, "context usage at compress threshold", ActionCompress, provider}
	case contextUsage >= t.Safety:
		return Recommendation{true, UrgencyHigh, "context usage at safety-checkpoint threshold", ActionCheckpoint, provider}
	case contextUsage >= t.Checkpoint:
		return Recommendation{true, UrgencyMedium, "context usage at checkpoint threshold", ActionCheckpoint, provider}
	default:
		return Recommendation{false, UrgencyLow, "context usage below all thresholds", ActionContinue, provider}
	}
}

// --- Spawn protocol --------------------------------------------------------

// SpawnDecision is ShouldSpawn's pure verdict.
type SpawnDecision struct {
	ShouldSpawn bool     `json:"should_spawn"`
	Reason      string   `json:"reason"`
	Preserve    []string `json:"preserve"`
}

// SpawnInput carries the signals ShouldSpawn needs beyond context_usage.
type SpawnInput struct {
	ContextUsage  float64
	TaskProgress  float64 // 0-100
	RecentOutputs []string
	ErrorCount    int
}

// ShouldSpawn decides whether a session should hand off to a fresh
// child. The rules are ordered; the first match wins.
func ShouldSpawn(in SpawnInput) SpawnDecision {
	if in.TaskProgress >= 90 {
		return SpawnDecision{false, "task nearly complete", nil}
	}
	if in.ContextUsage >= 0.90 && in.TaskProgress < 80 {
		return SpawnDecision{true, "context_critical", []string{"decisions", "files", "errors"}}
	}
	if lastThreeIdentical(in.RecentOutputs) {
		return SpawnDecision{true, "loop_detected", []string{"decisions", "files"}}
	}
	if in.ErrorCount > 5 {
		return SpawnDecision{true, "error_cascade", []string{"errors", "decisions"}}
	}
	return SpawnDecision{false, "", nil}
}

func lastThreeIdentical(outputs []string) bool {
	if len(outputs) < 3 {
		return false
	}
	last3 := outputs[len(outputs)-3:]
	return last3[0] == last3[1] && last3[1] == last3[2]
}

// SpawnResult is what a successful Spawn produces.
type SpawnResult struct {
	Child       *store.Session    `json:"child"`
	Lineage     *store.Lineage    `json:"lineage"`
	Checkpoint  *store.Checkpoint `json:"checkpoint"`
	Prompt      string            `json:"prompt"`
	ArchivePath string            `json:"archive_path,omitempty"`
}

// Spawn executes the parent-drain/child-creation sequence: handoff
// prompt first (falling back to the parent's task description prefix on
// LLM failure), then checkpoint + child session + lineage +
// complete-parent as a single Store transaction (store.Store.Spawn) so
// a failure partway through never leaves an orphaned checkpoint or a
// dangling child session committed.
func Spawn(ctx context.Context, st store.Store, llm llmclient.Client, parentID, reason string) (*SpawnResult, error) {
	parent, err := st.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	prompt := handoffPrompt(ctx, llm, parent, reason)
	label := "spawn-" + reasonPrefix(reason)

	result, err := st.Spawn(ctx, store.SpawnRequest{
		ParentID:             parentID,
		Reason:               reason,
		CheckpointLabel:      label,
		CheckpointMetadata:   map[string]any{"reason": reason},
		ChildTaskDescription: "Spawned from " + parentID + ": " + reason,
		ChildMaxTokens:       parent.MaxTokens,
		HandoffPrompt:        prompt,
	})
	if err != nil {
		return nil, err
	}

	archivePath := ""
	if path, err := archive.Write(result.Parent, result.ParentMemories); err != nil {
		L_warn("spawn: archive parent session failed", "session", parentID, "error", err)
	} else {
		archivePath = path
	}

	return &SpawnResult{Child: result.Child, Lineage: result.Lineage, Checkpoint: result.Checkpoint, Prompt: prompt, ArchivePath: archivePath}, nil
}

func reasonPrefix(reason string) string {
	if reason == "" {
		return "manual"
	}
	if len(reason) > 24 {
		return reason[:24]
	}
	return reason
}

// handoffPrompt generates a short summary via the LLM collaborator,
// falling back to the first 200 characters of the parent's task
// description on any failure.
func handoffPrompt(ctx context.Context, llm llmclient.Client, parent *store.Session, reason string) string {
	if llm != nil {
		if prompt, err := llm.GenerateHandoffPrompt(ctx, parent.TaskDescription, reason); err == nil && prompt != "" {
			return prompt
		} else if err != nil {
			L_warn("fold: handoff prompt generation failed, falling back to task prefix", "error", err)
		}
	}
	return truncate(parent.TaskDescription, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// FoldResult is what a successful ExecuteFold produces.
type FoldResult struct {
	Checkpoint *store.Checkpoint         `json:"checkpoint"`
	Compressed *llmclient.CompressResult `json:"compressed"`
}

// ExecuteFold compresses a session's memory trajectory, records the
// structured result as a checkpoint's metadata, and sets the session's
// current_tokens to the compressed count. An LLM failure propagates as
// apperrors.ExternalUnavailable; a compression reply that fails to
// parse does not, since llmclient.Compress already degrades to a
// raw-text summary.
func ExecuteFold(ctx context.Context, st store.Store, llm llmclient.Client, sessionID string, ratio float64) (*FoldResult, error) {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	memories, err := st.ListSessionMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var trajectory strings.Builder
	for _, m := range memories {
		trajectory.WriteString(string(m.Category))
		trajectory.WriteString(": ")
		trajectory.WriteString(m.Content)
		trajectory.WriteString("\n")
	}

	result, err := llm.Compress(ctx, trajectory.String(), ratio)
	if err != nil {
		return nil, apperrors.ExternalUnavailable(err, "fold: compress")
	}

	cp, err := st.CreateCheckpoint(ctx, sessionID, "fold", llmclient.MarshalCompressMetadata(result))
	if err != nil {
		return nil, err
	}

	if _, err := st.UpdateTokens(ctx, sess.ID, result.CompressedTokens); err != nil {
		return nil, err
	}

	return &FoldResult{Checkpoint: cp, Compressed: result}, nil
}
