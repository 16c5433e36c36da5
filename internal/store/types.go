// Package store implements the durable session/memory/checkpoint/lineage
// store over an embedded SQLite database.
package store

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionTerminated SessionStatus = "terminated"
	SessionInactive   SessionStatus = "inactive"
)

// MemoryCategory classifies a Memory row.
type MemoryCategory string

const (
	CategoryDecision MemoryCategory = "decision"
	CategoryAction   MemoryCategory = "action"
	CategoryError    MemoryCategory = "error"
	CategoryProgress MemoryCategory = "progress"
	CategoryContext  MemoryCategory = "context"
	CategoryOther    MemoryCategory = "other"
)

// MemoryPriority orders memories for retrieval: high > normal > low.
type MemoryPriority string

const (
	PriorityHigh   MemoryPriority = "high"
	PriorityNormal MemoryPriority = "normal"
	PriorityLow    MemoryPriority = "low"
)

// priorityRank gives PriorityHigh the smallest rank so ascending sorts
// place it first.
func priorityRank(p MemoryPriority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Provider is an LLM provider name, used by FoldEngine and LlmConfig.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderMistral   Provider = "mistral"
	ProviderGoogle    Provider = "google"
	ProviderGLM       Provider = "glm"
)

// Session is the persistent record of one watched or tool-created
// assistant session.
type Session struct {
	ID              string        `json:"id"`
	TaskDescription string        `json:"task_description"`
	MaxTokens       int           `json:"max_tokens"`
	CurrentTokens   int           `json:"current_tokens"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ContextUsage returns current_tokens/max_tokens, 0 if MaxTokens is 0.
func (s Session) ContextUsage() float64 {
	if s.MaxTokens == 0 {
		return 0
	}
	return float64(s.CurrentTokens) / float64(s.MaxTokens)
}

// Memory is one recorded fact, decision, or observation about a session.
type Memory struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	Content        string            `json:"content"`
	Category       MemoryCategory    `json:"category"`
	Priority       MemoryPriority    `json:"priority"`
	Embedding      []float32         `json:"-"` // nil when not yet embedded
	Metadata       map[string]string `json:"metadata,omitempty"`
	AccessCount    int               `json:"access_count"`
	LastAccessedAt *time.Time        `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Checkpoint is a point-in-time snapshot of a session's state and its
// memory set.
type Checkpoint struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Label            string         `json:"label"`
	State            map[string]any `json:"state"`
	ContextUsagePct  float64        `json:"context_usage_pct"`
	MemoriesSnapshot []string       `json:"memories_snapshot"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Lineage links a drained parent session to a fresh child.
type Lineage struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parent_session_id"`
	ChildSessionID  string    `json:"child_session_id"`
	HandoffReason   string    `json:"handoff_reason"`
	HandoffPrompt   string    `json:"handoff_prompt"`
	CheckpointID    string    `json:"checkpoint_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Pattern is a learned code pattern persisted for MCP tool consumption.
type Pattern struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	PatternName        string    `json:"pattern_name"`
	PatternDescription string    `json:"pattern_description"`
	CodeExample        string    `json:"code_example"`
	Tags               []string  `json:"tags"`
	SourceMode         string    `json:"source_mode"` // manual | llm | generic
	SourceFiles        []string  `json:"source_files"`
	CreatedAt          time.Time `json:"created_at"`
}

// LlmConfig records a provider's (opaque, already-encrypted) API key.
// This repository never decrypts encrypted_api_key.
type LlmConfig struct {
	ID              string    `json:"id"`
	Provider        Provider  `json:"provider"`
	EncryptedAPIKey string    `json:"encrypted_api_key"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SpawnRequest is the input to the atomic Spawn operation: checkpoint
// the parent, create the child, link them, complete the parent.
type SpawnRequest struct {
	ParentID             string
	Reason               string
	CheckpointLabel      string
	CheckpointMetadata   map[string]any
	ChildTaskDescription string
	ChildMaxTokens       int
	HandoffPrompt        string
}

// SpawnResult is everything a successful Spawn produced, all committed
// in the same transaction.
type SpawnResult struct {
	Parent         *Session
	ParentMemories []Memory
	Child          *Session
	Checkpoint     *Checkpoint
	Lineage        *Lineage
}
