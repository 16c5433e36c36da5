package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ctxfold/sidecar/internal/apperrors"
	"github.com/ctxfold/sidecar/internal/fold"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/store"
)

// --- SSE -------------------------------------------------------------------

// handleEvents streams init, then update/metrics:update/sync:progress/
// mcp:status/ping events to the dashboard, one JSON payload per data:
// line.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	handle, events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(handle)
	L_info("httpapi: SSE connection opened", "handle", handle)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			L_trace("httpapi: SSE connection closed", "handle", handle)
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev.Topic, ev.Data); err != nil {
				s.bus.RecordSendError(handle)
				continue
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, topic string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, payload)
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Status())
}

// --- Memories ---------------------------------------------------------------

type addMemoryRequest struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Category  string            `json:"category"`
	Priority  string            `json:"priority"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	category := store.MemoryCategory(req.Category)
	if category == "" {
		category = store.CategoryOther
	}
	priority := store.MemoryPriority(req.Priority)
	if priority == "" {
		priority = store.PriorityNormal
	}

	mem, err := s.store.AddMemory(r.Context(), req.SessionID, req.Content, category, priority, req.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.bus.Broadcast("memory:added", mem)
	writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	mems, err := s.store.ListSessionMemories(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && limit < len(mems) {
		mems = mems[:limit]
	}
	writeJSON(w, http.StatusOK, mems)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.store.DeleteMemory(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, apperrors.NotFound("memory %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Search -----------------------------------------------------------------

type searchRequest struct {
	SessionID string  `json:"session_id"`
	Query     string  `json:"query"`
	TopK      int     `json:"top_k"`
	MinScore  float64 `json:"min_score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	results, err := s.index.HybridSearch(r.Context(), req.SessionID, req.Query, topK)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.MinScore > 0 {
		filtered := results[:0]
		for _, res := range results {
			if res.Score >= req.MinScore {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	writeJSON(w, http.StatusOK, results)
}

type progressiveSearchRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Depth     int    `json:"depth"`
	TopK      int    `json:"top_k"`
}

func (s *Server) handleProgressiveSearch(w http.ResponseWriter, r *http.Request) {
	var req progressiveSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	depth := req.Depth
	if depth <= 0 {
		depth = 1
	}
	result, err := s.index.ProgressiveSearch(r.Context(), req.SessionID, req.Query, depth, topK)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type embedMemoriesRequest struct {
	SessionID string `json:"session_id"`
	BatchSize int    `json:"batch_size"`
}

func (s *Server) handleEmbedMemories(w http.ResponseWriter, r *http.Request) {
	var req embedMemoriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.index.EmbedSessionMemories(r.Context(), req.SessionID, req.BatchSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Compress / fold / spawn --------------------------------------------------

type compressRequest struct {
	SessionID string  `json:"session_id"`
	Ratio     float64 `json:"ratio"`
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.llm == nil {
		writeErr(w, apperrors.ExternalUnavailable(nil, "no LLM provider configured"))
		return
	}
	ratio := req.Ratio
	if ratio <= 0 {
		ratio = 0.3
	}

	memories, err := s.store.ListSessionMemories(r.Context(), req.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var trajectory string
	for _, m := range memories {
		trajectory += string(m.Category) + ": " + m.Content + "\n"
	}

	result, err := s.llm.Compress(r.Context(), trajectory, ratio)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type shouldFoldRequest struct {
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	MemoryCount int    `json:"memory_count"`
}

func (s *Server) handleShouldFold(w http.ResponseWriter, r *http.Request) {
	var req shouldFoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec := s.fold.Evaluate(sess.ContextUsage(), req.MemoryCount, store.Provider(req.Provider))
	writeJSON(w, http.StatusOK, rec)
}

type foldRequest struct {
	SessionID string  `json:"session_id"`
	Ratio     float64 `json:"ratio"`
}

func (s *Server) handleFold(w http.ResponseWriter, r *http.Request) {
	var req foldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.llm == nil {
		writeErr(w, apperrors.ExternalUnavailable(nil, "no LLM provider configured"))
		return
	}
	ratio := req.Ratio
	if ratio <= 0 {
		ratio = 0.3
	}

	result, err := fold.ExecuteFold(r.Context(), s.store, s.llm, req.SessionID, ratio)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.bus.Broadcast("session:folded", result)
	writeJSON(w, http.StatusOK, result)
}

type shouldSpawnRequest struct {
	ContextUsage  float64  `json:"context_usage"`
	TaskProgress  float64  `json:"task_progress"`
	RecentOutputs []string `json:"recent_outputs"`
	ErrorCount    int      `json:"error_count"`
}

func (s *Server) handleShouldSpawn(w http.ResponseWriter, r *http.Request) {
	var req shouldSpawnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision := fold.ShouldSpawn(fold.SpawnInput{
		ContextUsage:  req.ContextUsage,
		TaskProgress:  req.TaskProgress,
		RecentOutputs: req.RecentOutputs,
		ErrorCount:    req.ErrorCount,
	})
	writeJSON(w, http.StatusOK, decision)
}

type spawnRequest struct {
	ParentID string `json:"parent_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := fold.Spawn(r.Context(), s.store, s.llm, req.ParentID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.bus.Broadcast("session:spawned", result)
	writeJSON(w, http.StatusCreated, result)
}

// --- Checkpoints --------------------------------------------------------------

type createCheckpointRequest struct {
	SessionID string         `json:"session_id"`
	Label     string         `json:"label"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cp, err := s.store.CreateCheckpoint(r.Context(), req.SessionID, req.Label, req.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	cps, err := s.store.ListCheckpoints(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp, mems, err := s.store.RestoreCheckpoint(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint": cp, "memories": mems})
}

// --- Patterns -----------------------------------------------------------------

type addPatternRequest struct {
	SessionID          string   `json:"session_id"`
	PatternName        string   `json:"pattern_name"`
	PatternDescription string   `json:"pattern_description"`
	CodeExample        string   `json:"code_example"`
	Tags               []string `json:"tags"`
	SourceMode         string   `json:"source_mode"`
	SourceFiles        []string `json:"source_files"`
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req addPatternRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := store.Pattern{
		SessionID:          req.SessionID,
		PatternName:        req.PatternName,
		PatternDescription: req.PatternDescription,
		CodeExample:        req.CodeExample,
		Tags:               req.Tags,
		SourceMode:         req.SourceMode,
		SourceFiles:        req.SourceFiles,
	}
	created, err := s.store.AddPattern(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	if query := r.URL.Query().Get("q"); query != "" {
		topK := parseIntQuery(r, "top_k", 20)
		patterns, err := s.store.SearchPatterns(r.Context(), sessionID, query, topK)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, patterns)
		return
	}

	patterns, err := s.store.ListPatterns(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

// --- LLM config -----------------------------------------------------------------

func (s *Server) handleGetLlmConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetActiveLlmConfig(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type putLlmConfigRequest struct {
	Provider        string `json:"provider"`
	EncryptedAPIKey string `json:"encrypted_api_key"`
	IsActive        bool   `json:"is_active"`
}

// handlePutLlmConfig stores an already-encrypted key verbatim; this
// repository never decrypts it.
func (s *Server) handlePutLlmConfig(w http.ResponseWriter, r *http.Request) {
	var req putLlmConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := s.store.SetLlmConfig(r.Context(), store.Provider(req.Provider), req.EncryptedAPIKey, req.IsActive)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- helpers -----------------------------------------------------------------

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
