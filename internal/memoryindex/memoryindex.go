// Package memoryindex implements three progressive-disclosure retrieval
// layers over the store — index summaries, timeline context, and full
// content — plus hybrid keyword+vector search with Reciprocal Rank
// Fusion, embedding backfill, and curation.
package memoryindex

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/ctxfold/sidecar/internal/apperrors"
	"github.com/ctxfold/sidecar/internal/llmclient"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/store"
	"github.com/ctxfold/sidecar/internal/tokens"
)

// Layer identifies one of the three progressive-disclosure depths.
type Layer int

const (
	LayerIndex Layer = iota + 1
	LayerTimeline
	LayerFull
)

// estimatedTokensPerResult is each layer's per-result token budget.
var estimatedTokensPerResult = map[Layer]int{
	LayerIndex:    50,
	LayerTimeline: 150,
	LayerFull:     500,
}

// IndexResult is one search_index row.
type IndexResult struct {
	ID       string               `json:"id"`
	Summary  string               `json:"summary"`
	Category store.MemoryCategory `json:"category"`
	Priority store.MemoryPriority `json:"priority"`
	Score    float64              `json:"score"`
}

// TimelineResult is one get_timeline row.
type TimelineResult struct {
	ID            string               `json:"id"`
	Summary       string               `json:"summary"`
	Category      store.MemoryCategory `json:"category"`
	CreatedAt     string               `json:"created_at"`
	ContextBefore *string              `json:"context_before"`
	ContextAfter  *string              `json:"context_after"`
}

// FullResult is one get_full row.
type FullResult struct {
	ID        string               `json:"id"`
	Content   string               `json:"content"`
	Category  store.MemoryCategory `json:"category"`
	Priority  store.MemoryPriority `json:"priority"`
	CreatedAt string               `json:"created_at"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// Index composes Store reads with optional LLM-backed embeddings.
type Index struct {
	store store.Store
	llm   llmclient.Client // nil degrades hybrid search to keyword-only
}

// New builds an Index. llm may be nil; hybrid search then always takes
// the keyword-only path.
func New(st store.Store, llm llmclient.Client) *Index {
	return &Index{store: st, llm: llm}
}

func summarize(content string, n int) string {
	if len(content) <= n {
		return content
	}
	return content[:n] + "…"
}

// SearchIndex is the first progressive-disclosure layer: ≤50
// tokens/result summaries, scored and ordered by the keyword semantics
// the Store's SearchMemories implements.
func (ix *Index) SearchIndex(ctx context.Context, sessionID, query string, topK int) ([]IndexResult, error) {
	memories, err := ix.store.SearchMemories(ctx, sessionID, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]IndexResult, len(memories))
	for i, m := range memories {
		out[i] = IndexResult{
			ID:       m.ID,
			Summary:  summarize(m.Content, 50),
			Category: m.Category,
			Priority: m.Priority,
			Score:    keywordScore(m.Content, query),
		}
	}
	return out, nil
}

// GetTimeline is the second layer: ≤150 tokens/result, with the 50-char
// summary of each requested memory's insertion-order neighbor as
// context. Edge memories (first/last in the session) have nil
// neighbors.
func (ix *Index) GetTimeline(ctx context.Context, sessionID string, ids []string) ([]TimelineResult, error) {
	all, err := ix.store.ListSessionMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	indexOf := make(map[string]int, len(all))
	for i, m := range all {
		indexOf[m.ID] = i
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var out []TimelineResult
	for _, id := range ids {
		i, ok := indexOf[id]
		if !ok {
			continue
		}
		m := all[i]
		tr := TimelineResult{
			ID:        m.ID,
			Summary:   summarize(m.Content, 150),
			Category:  m.Category,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if i > 0 {
			s := summarize(all[i-1].Content, 50)
			tr.ContextBefore = &s
		}
		if i < len(all)-1 {
			s := summarize(all[i+1].Content, 50)
			tr.ContextAfter = &s
		}
		out = append(out, tr)
	}
	return out, nil
}

// GetFull is the third layer: ≤500 tokens/result, content capped at
// ~2000 chars.
func (ix *Index) GetFull(ctx context.Context, ids []string) ([]FullResult, error) {
	out := make([]FullResult, 0, len(ids))
	for _, id := range ids {
		m, err := ix.store.GetMemory(ctx, id)
		if err != nil {
			continue
		}
		_ = ix.store.TouchMemory(ctx, id)
		out = append(out, FullResult{
			ID:        m.ID,
			Content:   summarize(m.Content, 2000),
			Category:  m.Category,
			Priority:  m.Priority,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Metadata:  m.Metadata,
		})
	}
	return out, nil
}

// ProgressiveResult is ProgressiveSearch's envelope.
type ProgressiveResult struct {
	Layer           Layer `json:"layer"`
	Count           int   `json:"count"`
	EstimatedTokens int   `json:"estimated_tokens"`
	Results         any   `json:"results"`
}

// ProgressiveSearch fans out to the layer matching depth (1=index,
// 2=timeline, 3=full).
func (ix *Index) ProgressiveSearch(ctx context.Context, sessionID, query string, depth int, topK int) (*ProgressiveResult, error) {
	index, err := ix.SearchIndex(ctx, sessionID, query, topK)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(index))
	for i, r := range index {
		ids[i] = r.ID
	}

	switch depth {
	case 1:
		return &ProgressiveResult{Layer: LayerIndex, Count: len(index), EstimatedTokens: len(index) * estimatedTokensPerResult[LayerIndex], Results: index}, nil
	case 2:
		timeline, err := ix.GetTimeline(ctx, sessionID, ids)
		if err != nil {
			return nil, err
		}
		return &ProgressiveResult{Layer: LayerTimeline, Count: len(timeline), EstimatedTokens: len(timeline) * estimatedTokensPerResult[LayerTimeline], Results: timeline}, nil
	default:
		full, err := ix.GetFull(ctx, ids)
		if err != nil {
			return nil, err
		}
		return &ProgressiveResult{Layer: LayerFull, Count: len(full), EstimatedTokens: len(full) * estimatedTokensPerResult[LayerFull], Results: full}, nil
	}
}

// --- Hybrid search (RRF) ---------------------------------------------------

const (
	rrfK         = 60
	rrfKwWeight  = 0.3
	rrfVecWeight = 0.7
)

// HybridResult is one ranked result from HybridSearch.
type HybridResult struct {
	Memory store.Memory `json:"memory"`
	Score  float64      `json:"score"`
}

// HybridSearch runs the keyword path and, when an embedding provider is
// configured, a parallel vector path, combining both with Reciprocal
// Rank Fusion (k=60, weights 0.3/0.7). With no embedding provider it
// degrades to keyword-only, ungated by any extra flag beyond llm being
// nil.
func (ix *Index) HybridSearch(ctx context.Context, sessionID, query string, topK int) ([]HybridResult, error) {
	return ix.hybridSearch(ctx, sessionID, query, topK, rrfKwWeight, rrfVecWeight)
}

// hybridSearch is split out from HybridSearch so tests can exercise the
// equal-weight (0.5/0.5) RRF tie-break without threading weights through
// the public API.
func (ix *Index) hybridSearch(ctx context.Context, sessionID, query string, topK int, kwWeight, vecWeight float64) ([]HybridResult, error) {
	candidateK := topK * 2
	if candidateK <= 0 {
		candidateK = 20
	}

	keyword, err := ix.store.SearchMemories(ctx, sessionID, query, candidateK)
	if err != nil {
		return nil, err
	}
	kwRank := make(map[string]int, len(keyword))
	byID := make(map[string]store.Memory, len(keyword))
	for i, m := range keyword {
		kwRank[m.ID] = i + 1
		byID[m.ID] = m
	}

	var vecRank map[string]int
	if ix.llm != nil {
		vecRank, err = ix.vectorRank(ctx, sessionID, query, candidateK, byID)
		if err != nil {
			L_warn("memoryindex: vector search failed, falling back to keyword-only", "error", err)
			vecRank = nil
		}
	}

	combined := map[string]float64{}
	for id, r := range kwRank {
		combined[id] += kwWeight * (1.0 / float64(rrfK+r))
	}
	for id, r := range vecRank {
		combined[id] += vecWeight * (1.0 / float64(rrfK+r))
	}

	type scored struct {
		id    string
		score float64
	}
	scoredList := make([]scored, 0, len(combined))
	for id, s := range combined {
		scoredList = append(scoredList, scored{id, s})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	if topK > 0 && len(scoredList) > topK {
		scoredList = scoredList[:topK]
	}

	out := make([]HybridResult, 0, len(scoredList))
	for _, s := range scoredList {
		m, ok := byID[s.id]
		if !ok {
			// Only present in the vector path; fetch directly.
			mm, err := ix.store.GetMemory(ctx, s.id)
			if err != nil {
				continue
			}
			m = *mm
		}
		out = append(out, HybridResult{Memory: m, Score: s.score})
	}
	return out, nil
}

// vectorRank embeds the query and ranks session memories by cosine
// similarity over their stored embeddings, returning rank 1..N (1 best).
func (ix *Index) vectorRank(ctx context.Context, sessionID, query string, candidateK int, already map[string]store.Memory) (map[string]int, error) {
	queryVec, err := ix.llm.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	all, err := ix.store.ListSessionMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id  string
		sim float64
	}
	var scoredList []scored
	for _, m := range all {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryVec, m.Embedding)
		scoredList = append(scoredList, scored{m.ID, sim})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].sim > scoredList[j].sim })
	if len(scoredList) > candidateK {
		scoredList = scoredList[:candidateK]
	}

	out := make(map[string]int, len(scoredList))
	for i, s := range scoredList {
		out[s.id] = i + 1
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func keywordScore(content, query string) float64 {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

// --- Embedding population --------------------------------------------------

// EmbedResult reports per-batch progress.
type EmbedResult struct {
	Embedded int     `json:"embedded"`
	Failed   int     `json:"failed"`
	Errors   []error `json:"-"`
}

// EmbedSessionMemories selects all rows in the session with a null
// embedding, calls the embedding provider in batches, and writes each
// vector back with its own update. A row whose write fails is counted as
// failed and the batch continues; a batch whose embedding call fails is
// counted as failed and ends the run. Rows already written stay written.
func (ix *Index) EmbedSessionMemories(ctx context.Context, sessionID string, batchSize int) (*EmbedResult, error) {
	if ix.llm == nil {
		return nil, apperrors.ExternalUnavailable(nil, "no embedding provider configured")
	}
	if batchSize <= 0 {
		batchSize = 16
	}

	result := &EmbedResult{}
	for {
		pending, err := ix.store.MemoriesWithoutEmbedding(ctx, sessionID, batchSize)
		if err != nil {
			return result, err
		}
		if len(pending) == 0 {
			break
		}

		texts := make([]string, len(pending))
		for i, m := range pending {
			texts[i] = m.Content
		}

		vectors, err := ix.llm.EmbedBatch(ctx, texts)
		if err != nil {
			result.Failed += len(pending)
			result.Errors = append(result.Errors, err)
			break // stop after one failing batch; already-embedded rows remain committed
		}

		for i, m := range pending {
			if err := ix.store.SetMemoryEmbedding(ctx, m.ID, vectors[i]); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Embedded++
		}

		if len(pending) < batchSize {
			break
		}
	}
	return result, nil
}

// --- Curation --------------------------------------------------------------

var protectedCategories = map[store.MemoryCategory]bool{
	store.CategoryDecision: true,
	store.CategoryError:    true,
}

// CurateResult reports what Curate did.
type CurateResult struct {
	Removed     int `json:"removed"`
	Remaining   int `json:"remaining"`
	TokensFreed int `json:"tokens_freed"`
}

// Curate computes a per-memory value score (protected categories → ∞;
// else access_count*10 + 50*(priority==high)), sorts ascending, and
// deletes the lowest-scoring rows until ≤keepTop remain.
func (ix *Index) Curate(ctx context.Context, sessionID string, keepTop int) (*CurateResult, error) {
	all, err := ix.store.ListSessionMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) <= keepTop {
		return &CurateResult{Removed: 0, Remaining: len(all)}, nil
	}

	type valued struct {
		m     store.Memory
		value float64
	}
	vals := make([]valued, len(all))
	for i, m := range all {
		v := valueScore(m)
		vals[i] = valued{m, v}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].value < vals[j].value })

	toRemove := len(vals) - keepTop
	freed := 0
	removed := 0
	for i := 0; i < len(vals) && removed < toRemove; i++ {
		if vals[i].value == math.Inf(1) {
			continue // protected category, never curate
		}
		ok, err := ix.store.DeleteMemory(ctx, vals[i].m.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			removed++
			freed += tokens.ContentToTokens(vals[i].m.Content)
		}
	}

	return &CurateResult{Removed: removed, Remaining: len(all) - removed, TokensFreed: freed}, nil
}

func valueScore(m store.Memory) float64 {
	if protectedCategories[m.Category] {
		return math.Inf(1)
	}
	score := float64(m.AccessCount) * 10
	if m.Priority == store.PriorityHigh {
		score += 50
	}
	return score
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
