package memoryindex

import (
	"context"
	"testing"

	"github.com/ctxfold/sidecar/internal/llmclient"
	"github.com/ctxfold/sidecar/internal/store"
)

// fakeEmbedClient is a deterministic llmclient.Client stand-in that only
// implements Embed; every other method is unused by hybridSearch.
type fakeEmbedClient struct {
	vec []float32
}

func (f *fakeEmbedClient) Compress(ctx context.Context, trajectory string, ratio float64) (*llmclient.CompressResult, error) {
	return nil, nil
}
func (f *fakeEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}
func (f *fakeEmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}
func (f *fakeEmbedClient) GenerateHandoffPrompt(ctx context.Context, parentTaskDescription, reason string) (string, error) {
	return "", nil
}
func (f *fakeEmbedClient) EmbeddingDimensions() int { return len(f.vec) }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSearchIndexSummaryAndScore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, err := st.CreateSession(ctx, "task", 100000)
	if err != nil {
		t.Fatal(err)
	}

	long := "decided to refactor the authentication module because of a security review finding"
	if _, err := st.AddMemory(ctx, sess.ID, long, store.CategoryDecision, store.PriorityHigh, nil); err != nil {
		t.Fatal(err)
	}

	ix := New(st, nil)
	results, err := ix.SearchIndex(ctx, sess.ID, "authentication security", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if len(results[0].Summary) > 53 { // 50 bytes + 3-byte UTF-8 ellipsis
		t.Errorf("summary too long: %q", results[0].Summary)
	}
	if results[0].Score <= 0 {
		t.Errorf("expected a positive keyword score, got %f", results[0].Score)
	}
}

func TestGetTimelineNeighbors(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)

	m1, _ := st.AddMemory(ctx, sess.ID, "first", store.CategoryContext, store.PriorityNormal, nil)
	m2, _ := st.AddMemory(ctx, sess.ID, "second", store.CategoryContext, store.PriorityNormal, nil)
	m3, _ := st.AddMemory(ctx, sess.ID, "third", store.CategoryContext, store.PriorityNormal, nil)

	ix := New(st, nil)
	timeline, err := ix.GetTimeline(ctx, sess.ID, []string{m1.ID, m2.ID, m3.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(timeline))
	}
	if timeline[0].ContextBefore != nil {
		t.Error("first memory should have no preceding context")
	}
	if timeline[0].ContextAfter == nil {
		t.Error("first memory should have a following context")
	}
	if timeline[2].ContextAfter != nil {
		t.Error("last memory should have no following context")
	}
}

func TestCurateProtectsCategoriesAndKeepsTop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)

	// One protected error memory with no accesses, one low-value action memory.
	if _, err := st.AddMemory(ctx, sess.ID, "an important error", store.CategoryError, store.PriorityLow, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddMemory(ctx, sess.ID, "minor action", store.CategoryAction, store.PriorityLow, nil); err != nil {
		t.Fatal(err)
	}

	ix := New(st, nil)
	result, err := ix.Curate(ctx, sess.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Removed != 1 {
		t.Fatalf("expected 1 memory removed, got %d", result.Removed)
	}

	remaining, err := st.ListSessionMemories(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Category != store.CategoryError {
		t.Fatalf("expected the protected error memory to survive, got %+v", remaining)
	}
}

func TestCurateNoopWhenUnderCeiling(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)
	st.AddMemory(ctx, sess.ID, "only one", store.CategoryOther, store.PriorityNormal, nil)

	ix := New(st, nil)
	result, err := ix.Curate(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Removed != 0 || result.Remaining != 1 {
		t.Fatalf("expected a no-op curate, got %+v", result)
	}
}

func TestProgressiveSearchLayersAndTokenEstimates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)

	for _, content := range []string{"jwt rotated", "jwt expired", "jwt renewed"} {
		if _, err := st.AddMemory(ctx, sess.ID, content, store.CategoryProgress, store.PriorityNormal, nil); err != nil {
			t.Fatal(err)
		}
	}

	ix := New(st, nil)
	cases := []struct {
		depth         int
		layer         Layer
		tokensPerItem int
	}{
		{1, LayerIndex, 50},
		{2, LayerTimeline, 150},
		{3, LayerFull, 500},
	}
	for _, c := range cases {
		result, err := ix.ProgressiveSearch(ctx, sess.ID, "jwt", c.depth, 2)
		if err != nil {
			t.Fatalf("depth %d: %v", c.depth, err)
		}
		if result.Layer != c.layer {
			t.Errorf("depth %d: expected layer %d, got %d", c.depth, c.layer, result.Layer)
		}
		if result.Count > 2 {
			t.Errorf("depth %d: expected at most top_k results, got %d", c.depth, result.Count)
		}
		if result.EstimatedTokens != result.Count*c.tokensPerItem {
			t.Errorf("depth %d: expected %d estimated tokens, got %d", c.depth, result.Count*c.tokensPerItem, result.EstimatedTokens)
		}
	}
}

func TestHybridSearchDegradesToKeywordOnlyWithoutLLM(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)
	st.AddMemory(ctx, sess.ID, "database migration completed successfully", store.CategoryProgress, store.PriorityNormal, nil)

	ix := New(st, nil) // no llm configured
	results, err := ix.HybridSearch(ctx, sess.ID, "database migration", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 keyword-only result, got %d", len(results))
	}
}

func TestKeywordScore(t *testing.T) {
	score := keywordScore("the quick brown fox", "quick fox")
	if score != 1.0 {
		t.Fatalf("expected full match score of 1.0, got %f", score)
	}
	score = keywordScore("the quick brown fox", "quick elephant")
	if score != 0.5 {
		t.Fatalf("expected half match score of 0.5, got %f", score)
	}
}

func TestValueScoreProtectsCategories(t *testing.T) {
	m := store.Memory{Category: store.CategoryDecision, AccessCount: 0, Priority: store.PriorityLow}
	if v := valueScore(m); v <= 1e6 {
		t.Fatalf("expected protected category to score +Inf-like, got %f", v)
	}
}

// TestHybridSearchTieBreakFavorsBothRankings exercises the unexported
// 0.5/0.5-weighted hybridSearch path directly: a memory present in both
// the keyword and vector rankings must outrank one present in only the
// vector ranking, even when that keyword-absent memory has the better
// individual vector rank.
func TestHybridSearchTieBreakFavorsBothRankings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sess, _ := st.CreateSession(ctx, "task", 100000)

	both, err := st.AddMemory(ctx, sess.ID, "jwt session token rotated", store.CategoryProgress, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	vectorOnly, err := st.AddMemory(ctx, sess.ID, "database backup completed", store.CategoryProgress, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}

	// both's embedding is orthogonal to the query vector (worse vector
	// rank); vectorOnly's embedding matches it exactly (best vector rank).
	if err := st.SetMemoryEmbedding(ctx, both.ID, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMemoryEmbedding(ctx, vectorOnly.ID, []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	ix := New(st, &fakeEmbedClient{vec: []float32{0, 1}})

	results, err := ix.hybridSearch(ctx, sess.ID, "jwt", 10, 0.5, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both memories in the combined ranking, got %d: %+v", len(results), results)
	}
	if results[0].Memory.ID != both.ID {
		t.Fatalf("expected the memory present in both rankings to rank first despite its worse vector rank, got %+v", results)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("expected a strictly higher combined score for the in-both memory, got %+v", results)
	}
}
