// Package httpapi exposes the sidecar's dashboard-facing HTTP surface:
// an SSE event stream plus the REST routes for memories, search,
// fold/spawn, checkpoints, patterns, and LLM configuration.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/ctxfold/sidecar/internal/eventbus"
	"github.com/ctxfold/sidecar/internal/fold"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/llmclient"
	"github.com/ctxfold/sidecar/internal/memoryindex"
	"github.com/ctxfold/sidecar/internal/store"
)

// Server wires the Store, EventBus, FoldEngine, MemoryIndex and LLM
// client together behind the HTTP surface.
type Server struct {
	store store.Store
	bus   *eventbus.Bus
	fold  *fold.Engine
	llm   llmclient.Client
	index *memoryindex.Index

	httpSrv *http.Server
}

// New builds a Server and registers every route on a fresh ServeMux. llm
// may be nil: hybrid search then falls back to keyword-only and spawn
// uses the task-description handoff prompt, while compress and fold
// return ExternalUnavailable.
func New(listen string, st store.Store, bus *eventbus.Bus, fe *fold.Engine, llm llmclient.Client) *Server {
	s := &Server{
		store: st,
		bus:   bus,
		fold:  fe,
		llm:   llm,
		index: memoryindex.New(st, llm),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /memories", s.handleAddMemory)
	mux.HandleFunc("GET /memories/session/{id}", s.handleListMemories)
	mux.HandleFunc("DELETE /memories/{session}/{id}", s.handleDeleteMemory)

	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /search/progressive", s.handleProgressiveSearch)
	mux.HandleFunc("POST /memories/embed", s.handleEmbedMemories)

	mux.HandleFunc("POST /compress", s.handleCompress)
	mux.HandleFunc("POST /should-fold", s.handleShouldFold)
	mux.HandleFunc("POST /fold", s.handleFold)
	mux.HandleFunc("POST /should-spawn", s.handleShouldSpawn)
	mux.HandleFunc("POST /spawn", s.handleSpawn)

	mux.HandleFunc("POST /checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /checkpoints/{session_id}", s.handleListCheckpoints)
	mux.HandleFunc("POST /checkpoints/{id}/restore", s.handleRestoreCheckpoint)

	mux.HandleFunc("POST /patterns", s.handleAddPattern)
	mux.HandleFunc("GET /patterns", s.handleListPatterns)

	mux.HandleFunc("GET /llm-config", s.handleGetLlmConfig)
	mux.HandleFunc("PUT /llm-config", s.handlePutLlmConfig)

	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the HTTP surface until Shutdown is
// called, returning http.ErrServerClosed on a clean stop.
func (s *Server) ListenAndServe() error {
	L_info("httpapi: listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
