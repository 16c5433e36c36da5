package fold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ctxfold/sidecar/internal/store"
)

func TestEvaluateThresholds(t *testing.T) {
	e := NewEngine("", nil)

	cases := []struct {
		usage    float64
		provider store.Provider
		action   Action
		urgency  Urgency
	}{
		{0.10, store.ProviderAnthropic, ActionContinue, UrgencyLow},
		{0.60, store.ProviderAnthropic, ActionCheckpoint, UrgencyMedium},
		{0.75, store.ProviderAnthropic, ActionCheckpoint, UrgencyHigh},
		{0.85, store.ProviderAnthropic, ActionCompress, UrgencyHigh},
		{0.95, store.ProviderAnthropic, ActionSpawn, UrgencyCritical},
		{0.50, store.ProviderGLM, ActionCheckpoint, UrgencyMedium},
		{0.85, store.ProviderGLM, ActionSpawn, UrgencyCritical},
		{0.70, store.ProviderGoogle, ActionCheckpoint, UrgencyMedium},
		{0.97, store.ProviderGoogle, ActionSpawn, UrgencyCritical},
	}

	for _, c := range cases {
		rec := e.Evaluate(c.usage, 0, c.provider)
		if rec.RecommendedAction != c.action {
			t.Errorf("usage=%.2f provider=%s: expected action %s, got %s", c.usage, c.provider, c.action, rec.RecommendedAction)
		}
		if rec.Urgency != c.urgency {
			t.Errorf("usage=%.2f provider=%s: expected urgency %s, got %s", c.usage, c.provider, c.urgency, rec.Urgency)
		}
	}
}

func TestEvaluateHighestRowWins(t *testing.T) {
	e := NewEngine("", nil)
	rec := e.Evaluate(0.99, 0, store.ProviderAnthropic)
	if rec.RecommendedAction != ActionSpawn || rec.Urgency != UrgencyCritical {
		t.Fatalf("expected spawn/critical at usage 0.99, got %s/%s", rec.RecommendedAction, rec.Urgency)
	}
}

func TestEvaluateDefaultsUnknownProvider(t *testing.T) {
	e := NewEngine("", nil)
	rec := e.Evaluate(0.80, 0, store.Provider("unknown"))
	if rec.RecommendedAction != ActionCheckpoint {
		t.Fatalf("expected the anthropic table to be used as fallback, got %s", rec.RecommendedAction)
	}
}

func TestEvaluateThresholdOverride(t *testing.T) {
	overrides := map[string]ThresholdOverride{
		"anthropic": {Checkpoint: 0.10, Safety: 0.20, Compress: 0.30, Spawn: 0.40},
	}
	e := NewEngine("", overrides)
	rec := e.Evaluate(0.35, 0, store.ProviderAnthropic)
	if rec.RecommendedAction != ActionCompress {
		t.Fatalf("expected override table to drive the decision, got %s", rec.RecommendedAction)
	}
}

func TestDetectProviderFallsBackToAnthropic(t *testing.T) {
	e := NewEngine("/nonexistent/path/config.json", nil)
	if p := e.DetectProvider(); p != store.ProviderAnthropic {
		t.Fatalf("expected anthropic fallback, got %s", p)
	}
}

func TestDetectProviderReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"current":"glm"}`), 0600); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, nil)
	if p := e.DetectProvider(); p != store.ProviderGLM {
		t.Fatalf("expected glm from config file, got %s", p)
	}
}

func TestShouldSpawn(t *testing.T) {
	cases := []struct {
		name   string
		in     SpawnInput
		spawn  bool
		reason string
	}{
		{"near complete blocks spawn", SpawnInput{TaskProgress: 95, ContextUsage: 0.99}, false, "task nearly complete"},
		{"context critical", SpawnInput{ContextUsage: 0.95, TaskProgress: 50}, true, "context_critical"},
		{"loop detected", SpawnInput{RecentOutputs: []string{"a", "a", "a"}}, true, "loop_detected"},
		{"error cascade", SpawnInput{ErrorCount: 6}, true, "error_cascade"},
		{"nothing to do", SpawnInput{ContextUsage: 0.2, TaskProgress: 10}, false, ""},
	}

	for _, c := range cases {
		got := ShouldSpawn(c.in)
		if got.ShouldSpawn != c.spawn {
			t.Errorf("%s: expected ShouldSpawn=%v, got %v", c.name, c.spawn, got.ShouldSpawn)
		}
		if c.spawn && got.Reason != c.reason {
			t.Errorf("%s: expected reason %q, got %q", c.name, c.reason, got.Reason)
		}
	}
}

func TestShouldSpawnPrecedence(t *testing.T) {
	// Task progress >= 90 wins even when every other condition would spawn.
	got := ShouldSpawn(SpawnInput{TaskProgress: 90, ContextUsage: 0.99, ErrorCount: 10, RecentOutputs: []string{"x", "x", "x"}})
	if got.ShouldSpawn {
		t.Fatal("expected task-nearly-complete to take precedence over every spawn trigger")
	}
}
