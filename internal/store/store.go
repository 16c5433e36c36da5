package store

import "context"

// Store is the single-writer, multi-reader persistent record of every
// Session, Memory, Checkpoint, SessionLineage, Pattern and LlmConfig row.
// All mutations are single statements or a single transaction; on engine
// error the Store leaves state unchanged and surfaces a typed error from
// internal/apperrors.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, taskDescription string, maxTokens int) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	FindSessionByTask(ctx context.Context, taskDescription string) (*Session, error)
	UpdateTokens(ctx context.Context, id string, tokens int) (*Session, error)
	CompleteSession(ctx context.Context, id string) (*Session, error)
	TerminateSession(ctx context.Context, id string) (*Session, error)
	MarkInactive(ctx context.Context, id string) (*Session, error)
	ListActive(ctx context.Context) ([]Session, error)

	// Memories
	AddMemory(ctx context.Context, sessionID, content string, category MemoryCategory, priority MemoryPriority, metadata map[string]string) (*Memory, error)
	GetMemory(ctx context.Context, id string) (*Memory, error)
	SearchMemories(ctx context.Context, sessionID, query string, topK int) ([]Memory, error)
	DeleteMemory(ctx context.Context, id string) (bool, error)
	ListSessionMemories(ctx context.Context, sessionID string) ([]Memory, error)
	MemoriesWithoutEmbedding(ctx context.Context, sessionID string, limit int) ([]Memory, error)
	SetMemoryEmbedding(ctx context.Context, id string, embedding []float32) error
	TouchMemory(ctx context.Context, id string) error

	// Checkpoints
	CreateCheckpoint(ctx context.Context, sessionID, label string, metadata map[string]any) (*Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, id string) (*Checkpoint, []Memory, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Lineage
	CreateLineage(ctx context.Context, parentID, childID, reason, prompt, checkpointID string) (*Lineage, error)
	GetLineage(ctx context.Context, sessionID string) ([]Session, error)

	// Spawn atomically checkpoints the parent, creates the child, links
	// them with a lineage row, and completes the parent, all inside a
	// single transaction: any failure rolls back every step so no
	// orphaned checkpoint, dangling child session, or broken lineage is
	// ever committed.
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)

	// Patterns
	AddPattern(ctx context.Context, p Pattern) (*Pattern, error)
	ListPatterns(ctx context.Context, sessionID string) ([]Pattern, error)
	SearchPatterns(ctx context.Context, sessionID, query string, topK int) ([]Pattern, error)

	// LlmConfig
	SetLlmConfig(ctx context.Context, provider Provider, encryptedAPIKey string, isActive bool) (*LlmConfig, error)
	GetActiveLlmConfig(ctx context.Context) (*LlmConfig, error)

	// Capability
	HasVectorSupport() bool

	Close() error
}
