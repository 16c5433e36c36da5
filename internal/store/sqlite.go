package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ctxfold/sidecar/internal/apperrors"
	. "github.com/ctxfold/sidecar/internal/logging"
)

// Options configures the SQLite-backed Store.
type Options struct {
	Path          string
	WALMode       bool
	BusyTimeoutMs int
	ProbeVector   bool
}

const currentSchemaVersion = 1

// SQLiteStore is the embedded-relational-engine Store. Writes go through a
// connection pool capped at one open connection so SQLite's single-writer
// rule is enforced at the database/sql level; reads use a separate pool
// against the same WAL-mode file for snapshot-isolated concurrent access.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	vector  bool
}

// Open creates (if necessary) and migrates the database at opts.Path.
func Open(opts Options) (*SQLiteStore, error) {
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := opts.Path
	params := "?_busy_timeout=" + itoa(opts.BusyTimeoutMs)
	if opts.WALMode {
		params += "&_journal_mode=WAL"
	}
	dsn += params

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	// An in-memory database exists per connection, so a second pool
	// would see a different (empty) database; share the write handle.
	readDB := writeDB
	if opts.Path != ":memory:" {
		readDB, err = sql.Open("sqlite3", dsn)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("open store (read pool): %w", err)
		}
		readDB.SetMaxOpenConns(4)
	}

	s := &SQLiteStore{writeDB: writeDB, readDB: readDB}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if opts.ProbeVector {
		s.vector = s.probeVectorSupport()
	}

	return s, nil
}

func itoa(n int) string {
	if n <= 0 {
		n = 5000
	}
	return fmt.Sprintf("%d", n)
}

// HasVectorSupport reports whether the embedding column's vector extension
// was detected at open time. MemoryIndex's hybrid search does not consult
// it: its vector path runs whenever an embedding client is configured.
func (s *SQLiteStore) HasVectorSupport() bool { return s.vector }

// probeVectorSupport checks whether the sqlite-vec (or equivalent)
// extension is loaded by attempting a harmless vector function call.
// Failure is expected and silent on a build without the extension.
func (s *SQLiteStore) probeVectorSupport() bool {
	var out string
	err := s.readDB.QueryRow(`SELECT vec_version()`).Scan(&out)
	return err == nil
}

func (s *SQLiteStore) Close() error {
	werr := s.writeDB.Close()
	var rerr error
	if s.readDB != s.writeDB {
		rerr = s.readDB.Close()
	}
	if werr != nil {
		return werr
	}
	return rerr
}

// --- migrations -------------------------------------------------------

func (s *SQLiteStore) migrate() error {
	if _, err := s.writeDB.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	version := 0
	row := s.writeDB.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	_ = row.Scan(&version) // no rows -> version stays 0

	if version < 1 {
		if err := migrateV1(s.writeDB); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
		if _, err := s.writeDB.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return err
		}
		version = 1
	}

	// Schema-evolution rule: additive only. Future versions would scan
	// existing columns via PRAGMA table_info and ALTER TABLE ADD COLUMN
	// rather than ever drop a column; currentSchemaVersion documents the
	// high-water mark for that additive sequence.
	_ = currentSchemaVersion
	L_debug("store: schema at version", "version", version)
	return nil
}

func migrateV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task_description TEXT NOT NULL,
			max_tokens INTEGER NOT NULL,
			current_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_description)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			priority TEXT NOT NULL,
			embedding BLOB,
			metadata TEXT NOT NULL DEFAULT '{}',
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, created_at)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content, content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memory_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memory_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			state TEXT NOT NULL,
			context_usage_pct REAL NOT NULL,
			memories_snapshot TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS session_lineage (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			child_session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
			handoff_reason TEXT NOT NULL,
			handoff_prompt TEXT NOT NULL,
			checkpoint_id TEXT REFERENCES checkpoints(id),
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			pattern_name TEXT NOT NULL,
			pattern_description TEXT NOT NULL,
			code_example TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			source_mode TEXT NOT NULL,
			source_files TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_session ON patterns(session_id)`,

		`CREATE TABLE IF NOT EXISTS llm_configs (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			encrypted_api_key TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_configs_active ON llm_configs(is_active)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40s...: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// --- helpers ------------------------------------------------------------

func now() time.Time { return time.Now().UTC() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// newID is a var (not a plain func) so tests can override it to force
// deterministic or colliding IDs when exercising failure paths.
var newID = func() string { return uuid.NewString() }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSONInto(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}

// --- Sessions -------------------------------------------------------

func (s *SQLiteStore) CreateSession(ctx context.Context, taskDescription string, maxTokens int) (*Session, error) {
	sess := &Session{
		ID:              newID(),
		TaskDescription: taskDescription,
		MaxTokens:       maxTokens,
		CurrentTokens:   0,
		Status:          SessionActive,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO sessions (id, task_description, max_tokens, current_tokens, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskDescription, sess.MaxTokens, sess.CurrentTokens, sess.Status,
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "create session")
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var status, createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.TaskDescription, &sess.MaxTokens, &sess.CurrentTokens,
		&status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, task_description, max_tokens, current_tokens, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "get session")
	}
	return sess, nil
}

func (s *SQLiteStore) FindSessionByTask(ctx context.Context, taskDescription string) (*Session, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, task_description, max_tokens, current_tokens, status, created_at, updated_at
		 FROM sessions WHERE task_description = ? ORDER BY created_at DESC LIMIT 1`, taskDescription)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("no session for task %q", taskDescription)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "find session by task")
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateTokens(ctx context.Context, id string, tokens int) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == SessionCompleted || sess.Status == SessionTerminated {
		return nil, apperrors.InvalidTransition("session %s is terminal", id)
	}
	if tokens > sess.MaxTokens {
		return nil, apperrors.Validation("tokens %d exceeds max_tokens %d", tokens, sess.MaxTokens)
	}
	updatedAt := now()
	_, err = s.writeDB.ExecContext(ctx,
		`UPDATE sessions SET current_tokens = ?, updated_at = ? WHERE id = ?`,
		tokens, fmtTime(updatedAt), id)
	if err != nil {
		return nil, apperrors.Internal(err, "update tokens")
	}
	sess.CurrentTokens = tokens
	sess.UpdatedAt = updatedAt
	return sess, nil
}

func (s *SQLiteStore) setStatus(ctx context.Context, id string, status SessionStatus) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == SessionCompleted || sess.Status == SessionTerminated {
		return nil, apperrors.InvalidTransition("session %s is terminal", id)
	}
	updatedAt := now()
	_, err = s.writeDB.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(updatedAt), id)
	if err != nil {
		return nil, apperrors.Internal(err, "set status")
	}
	sess.Status = status
	sess.UpdatedAt = updatedAt
	return sess, nil
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string) (*Session, error) {
	return s.setStatus(ctx, id, SessionCompleted)
}

func (s *SQLiteStore) TerminateSession(ctx context.Context, id string) (*Session, error) {
	return s.setStatus(ctx, id, SessionTerminated)
}

// MarkInactive transitions a session to inactive without treating it as
// terminal — used by the Watcher when a transcript disappears, not by
// Fold/Spawn, so it bypasses the terminal-state check.
func (s *SQLiteStore) MarkInactive(ctx context.Context, id string) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == SessionCompleted || sess.Status == SessionTerminated {
		return sess, nil
	}
	updatedAt := now()
	_, err = s.writeDB.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionInactive, fmtTime(updatedAt), id)
	if err != nil {
		return nil, apperrors.Internal(err, "mark inactive")
	}
	sess.Status = SessionInactive
	sess.UpdatedAt = updatedAt
	return sess, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, task_description, max_tokens, current_tokens, status, created_at, updated_at
		 FROM sessions WHERE status = ? ORDER BY created_at DESC`, SessionActive)
	if err != nil {
		return nil, apperrors.Internal(err, "list active sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.Internal(err, "scan session")
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// --- Memories -------------------------------------------------------

func (s *SQLiteStore) AddMemory(ctx context.Context, sessionID, content string, category MemoryCategory, priority MemoryPriority, metadata map[string]string) (*Memory, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	if category == "" {
		category = CategoryOther
	}
	m := &Memory{
		ID:        newID(),
		SessionID: sessionID,
		Content:   content,
		Category:  category,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: now(),
	}
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO memories (id, session_id, content, category, priority, metadata, access_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.SessionID, m.Content, m.Category, m.Priority, marshalJSON(metadata), fmtTime(m.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "add memory")
	}
	return m, nil
}

func scanMemory(row interface{ Scan(...any) error }) (*Memory, error) {
	var m Memory
	var category, priority, metadataJSON, createdAt string
	var lastAccessed sql.NullString
	var embedding []byte
	if err := row.Scan(&m.ID, &m.SessionID, &m.Content, &category, &priority, &embedding,
		&metadataJSON, &m.AccessCount, &lastAccessed, &createdAt); err != nil {
		return nil, err
	}
	m.Category = MemoryCategory(category)
	m.Priority = MemoryPriority(priority)
	m.CreatedAt = parseTime(createdAt)
	if lastAccessed.Valid {
		t := parseTime(lastAccessed.String)
		m.LastAccessedAt = &t
	}
	m.Metadata = map[string]string{}
	unmarshalJSONInto(metadataJSON, &m.Metadata)
	m.Embedding = decodeEmbedding(embedding)
	return &m, nil
}

const memoryColumns = `id, session_id, content, category, priority, embedding, metadata, access_count, last_accessed_at, created_at`

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("memory %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "get memory")
	}
	return m, nil
}

func (s *SQLiteStore) ListSessionMemories(ctx context.Context, sessionID string) ([]Memory, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, apperrors.Internal(err, "list session memories")
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, apperrors.Internal(err, "scan memory")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SearchMemories runs the keyword search: FTS5 supplies the candidate
// set, application code scores by the fraction of distinct query tokens
// present, ties broken by priority then recency.
func (s *SQLiteStore) SearchMemories(ctx context.Context, sessionID, query string, topK int) ([]Memory, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	args := []any{ftsQuery}
	where := `m.rowid IN (SELECT rowid FROM memory_fts WHERE memory_fts MATCH ?)`
	if sessionID != "" {
		where += ` AND m.session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+prefixColumns("m", memoryColumns)+` FROM memories m WHERE `+where, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "search memories")
	}
	defer rows.Close()

	var candidates []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, apperrors.Internal(err, "scan memory")
		}
		candidates = append(candidates, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(err, "search memories")
	}

	tokens := queryTokens(query)
	scored := make([]scoredMemory, 0, len(candidates))
	for _, m := range candidates {
		scored = append(scored, scoredMemory{Memory: m, score: keywordScore(m.Content, tokens)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if priorityRank(scored[i].Priority) != priorityRank(scored[j].Priority) {
			return priorityRank(scored[i].Priority) < priorityRank(scored[j].Priority)
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]Memory, len(scored))
	for i, sm := range scored {
		out[i] = sm.Memory
	}
	return out, nil
}

type scoredMemory struct {
	Memory
	score float64
}

func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
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

func keywordScore(content string, tokens []string) float64 {
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

func buildFTSQuery(query string) string {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.writeDB.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.Internal(err, "delete memory")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MemoriesWithoutEmbedding(ctx context.Context, sessionID string, limit int) ([]Memory, error) {
	args := []any{}
	where := `embedding IS NULL`
	if sessionID != "" {
		where += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "list unembedded memories")
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, apperrors.Internal(err, "scan memory")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	_, err := s.writeDB.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`, encodeEmbedding(embedding), id)
	if err != nil {
		return apperrors.Internal(err, "set memory embedding")
	}
	return nil
}

func (s *SQLiteStore) TouchMemory(ctx context.Context, id string) error {
	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		fmtTime(now()), id)
	if err != nil {
		return apperrors.Internal(err, "touch memory")
	}
	return nil
}

// --- Checkpoints -------------------------------------------------------

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, sessionID, label string, metadata map[string]any) (*Checkpoint, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	memories, err := s.ListSessionMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}

	cp := &Checkpoint{
		ID:               newID(),
		SessionID:        sessionID,
		Label:            truncate(label, 255),
		State:            map[string]any{"current_tokens": sess.CurrentTokens, "max_tokens": sess.MaxTokens, "status": string(sess.Status)},
		ContextUsagePct:  sess.ContextUsage() * 100,
		MemoriesSnapshot: ids,
		Metadata:         metadata,
		CreatedAt:        now(),
	}
	_, err = s.writeDB.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, label, state, context_usage_pct, memories_snapshot, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, marshalJSON(cp.State), cp.ContextUsagePct,
		marshalJSON(cp.MemoriesSnapshot), marshalJSON(cp.Metadata), fmtTime(cp.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "create checkpoint")
	}
	return cp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var stateJSON, snapshotJSON, metadataJSON, createdAt string
	if err := row.Scan(&cp.ID, &cp.SessionID, &cp.Label, &stateJSON, &cp.ContextUsagePct,
		&snapshotJSON, &metadataJSON, &createdAt); err != nil {
		return nil, err
	}
	cp.State = map[string]any{}
	unmarshalJSONInto(stateJSON, &cp.State)
	unmarshalJSONInto(snapshotJSON, &cp.MemoriesSnapshot)
	cp.Metadata = map[string]any{}
	unmarshalJSONInto(metadataJSON, &cp.Metadata)
	cp.CreatedAt = parseTime(createdAt)
	return &cp, nil
}

const checkpointColumns = `id, session_id, label, state, context_usage_pct, memories_snapshot, metadata, created_at`

func (s *SQLiteStore) RestoreCheckpoint(ctx context.Context, id string) (*Checkpoint, []Memory, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil, apperrors.NotFound("checkpoint %s not found", id)
	}
	if err != nil {
		return nil, nil, apperrors.Internal(err, "restore checkpoint")
	}

	memories := make([]Memory, 0, len(cp.MemoriesSnapshot))
	for _, mid := range cp.MemoriesSnapshot {
		m, err := s.GetMemory(ctx, mid)
		if err != nil {
			// Per the invariant, a later deletion does not invalidate the
			// checkpoint; simply omit the now-missing memory from the view.
			continue
		}
		memories = append(memories, *m)
	}
	return cp, memories, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, apperrors.Internal(err, "list checkpoints")
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, apperrors.Internal(err, "scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// --- Lineage -------------------------------------------------------

func (s *SQLiteStore) CreateLineage(ctx context.Context, parentID, childID, reason, prompt, checkpointID string) (*Lineage, error) {
	if parentID == childID {
		return nil, apperrors.Validation("parent and child session must differ")
	}

	var existing int
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_lineage WHERE child_session_id = ?`, childID).Scan(&existing); err != nil {
		return nil, apperrors.Internal(err, "check lineage uniqueness")
	}
	if existing > 0 {
		return nil, apperrors.StoreConflict("lineage already exists for child %s", childID)
	}

	l := &Lineage{
		ID:              newID(),
		ParentSessionID: parentID,
		ChildSessionID:  childID,
		HandoffReason:   reason,
		HandoffPrompt:   prompt,
		CheckpointID:    checkpointID,
		CreatedAt:       now(),
	}
	var checkpointArg any
	if checkpointID != "" {
		checkpointArg = checkpointID
	}
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO session_lineage (id, parent_session_id, child_session_id, handoff_reason, handoff_prompt, checkpoint_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ParentSessionID, l.ChildSessionID, l.HandoffReason, l.HandoffPrompt, checkpointArg, fmtTime(l.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "create lineage")
	}
	return l, nil
}

// GetLineage walks parent links root-first: [root, ..., session].
func (s *SQLiteStore) GetLineage(ctx context.Context, sessionID string) ([]Session, error) {
	var chain []Session
	current := sessionID
	seen := map[string]bool{}
	for current != "" {
		if seen[current] {
			break // defensive cycle guard; the schema forbids this in practice
		}
		seen[current] = true
		sess, err := s.GetSession(ctx, current)
		if err != nil {
			break
		}
		chain = append(chain, *sess)

		var parentID sql.NullString
		err = s.readDB.QueryRowContext(ctx,
			`SELECT parent_session_id FROM session_lineage WHERE child_session_id = ?`, current).Scan(&parentID)
		if err != nil || !parentID.Valid {
			break
		}
		current = parentID.String
	}
	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Spawn implements the atomic parent-drain/child-creation sequence in
// one transaction: checkpoint the parent, create the child, link them
// with lineage, complete the parent. A failure at any step rolls back
// the whole transaction, so a checkpoint or child session from a
// failed spawn is never left committed.
func (s *SQLiteStore) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	parentRow := tx.QueryRowContext(ctx,
		`SELECT id, task_description, max_tokens, current_tokens, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, req.ParentID)
	parent, err := scanSession(parentRow)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session %s not found", req.ParentID)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: get parent")
	}
	if parent.Status == SessionCompleted || parent.Status == SessionTerminated {
		return nil, apperrors.InvalidTransition("session %s is terminal", req.ParentID)
	}

	memRows, err := tx.QueryContext(ctx, `SELECT id FROM memories WHERE session_id = ? ORDER BY created_at ASC`, req.ParentID)
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: list parent memory ids")
	}
	var memoryIDs []string
	for memRows.Next() {
		var id string
		if err := memRows.Scan(&id); err != nil {
			memRows.Close()
			return nil, apperrors.Internal(err, "spawn: scan memory id")
		}
		memoryIDs = append(memoryIDs, id)
	}
	if err := memRows.Err(); err != nil {
		memRows.Close()
		return nil, apperrors.Internal(err, "spawn: list parent memory ids")
	}
	memRows.Close()

	cp := &Checkpoint{
		ID:               newID(),
		SessionID:        req.ParentID,
		Label:            truncate(req.CheckpointLabel, 255),
		State:            map[string]any{"current_tokens": parent.CurrentTokens, "max_tokens": parent.MaxTokens, "status": string(parent.Status)},
		ContextUsagePct:  parent.ContextUsage() * 100,
		MemoriesSnapshot: memoryIDs,
		Metadata:         req.CheckpointMetadata,
		CreatedAt:        now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, label, state, context_usage_pct, memories_snapshot, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, marshalJSON(cp.State), cp.ContextUsagePct,
		marshalJSON(cp.MemoriesSnapshot), marshalJSON(cp.Metadata), fmtTime(cp.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: create checkpoint")
	}

	child := &Session{
		ID:              newID(),
		TaskDescription: req.ChildTaskDescription,
		MaxTokens:       req.ChildMaxTokens,
		CurrentTokens:   0,
		Status:          SessionActive,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, task_description, max_tokens, current_tokens, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		child.ID, child.TaskDescription, child.MaxTokens, child.CurrentTokens, child.Status,
		fmtTime(child.CreatedAt), fmtTime(child.UpdatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: create child session")
	}

	var existingLineage int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_lineage WHERE child_session_id = ?`, child.ID).Scan(&existingLineage); err != nil {
		return nil, apperrors.Internal(err, "spawn: check lineage uniqueness")
	}
	if existingLineage > 0 {
		return nil, apperrors.StoreConflict("lineage already exists for child %s", child.ID)
	}
	lineage := &Lineage{
		ID:              newID(),
		ParentSessionID: req.ParentID,
		ChildSessionID:  child.ID,
		HandoffReason:   req.Reason,
		HandoffPrompt:   req.HandoffPrompt,
		CheckpointID:    cp.ID,
		CreatedAt:       now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_lineage (id, parent_session_id, child_session_id, handoff_reason, handoff_prompt, checkpoint_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lineage.ID, lineage.ParentSessionID, lineage.ChildSessionID, lineage.HandoffReason, lineage.HandoffPrompt, lineage.CheckpointID, fmtTime(lineage.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: create lineage")
	}

	completedAt := now()
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionCompleted, fmtTime(completedAt), req.ParentID)
	if err != nil {
		return nil, apperrors.Internal(err, "spawn: complete parent")
	}
	parent.Status = SessionCompleted
	parent.UpdatedAt = completedAt

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal(err, "spawn: commit")
	}

	memories, err := s.ListSessionMemories(ctx, req.ParentID)
	if err != nil {
		L_warn("spawn: list parent memories for archive snapshot failed", "session", req.ParentID, "error", err)
		memories = nil
	}

	return &SpawnResult{Parent: parent, ParentMemories: memories, Child: child, Checkpoint: cp, Lineage: lineage}, nil
}

// --- Patterns -------------------------------------------------------

func (s *SQLiteStore) AddPattern(ctx context.Context, p Pattern) (*Pattern, error) {
	p.ID = newID()
	p.CreatedAt = now()
	if p.SourceMode == "" {
		p.SourceMode = "manual"
	}
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO patterns (id, session_id, pattern_name, pattern_description, code_example, tags, source_mode, source_files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.PatternName, p.PatternDescription, p.CodeExample,
		marshalJSON(p.Tags), p.SourceMode, marshalJSON(p.SourceFiles), fmtTime(p.CreatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "add pattern")
	}
	return &p, nil
}

func (s *SQLiteStore) ListPatterns(ctx context.Context, sessionID string) ([]Pattern, error) {
	query := `SELECT id, session_id, pattern_name, pattern_description, code_example, tags, source_mode, source_files, created_at FROM patterns`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "list patterns")
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var tagsJSON, filesJSON, createdAt string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PatternName, &p.PatternDescription, &p.CodeExample,
			&tagsJSON, &p.SourceMode, &filesJSON, &createdAt); err != nil {
			return nil, apperrors.Internal(err, "scan pattern")
		}
		unmarshalJSONInto(tagsJSON, &p.Tags)
		unmarshalJSONInto(filesJSON, &p.SourceFiles)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SearchPatterns scans pattern names, descriptions and tags with a LIKE
// filter per query token; candidates are scored by the fraction of
// distinct query tokens present across those fields, ties broken by
// recency, the same shape SearchMemories uses. Patterns carry no FTS
// index — the table is small and write-rare, so a scan suffices.
func (s *SQLiteStore) SearchPatterns(ctx context.Context, sessionID, query string, topK int) ([]Pattern, error) {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	likes := make([]string, 0, len(tokens))
	args := []any{}
	for _, t := range tokens {
		likes = append(likes, `(lower(pattern_name) LIKE ? OR lower(pattern_description) LIKE ? OR lower(tags) LIKE ?)`)
		pattern := "%" + t + "%"
		args = append(args, pattern, pattern, pattern)
	}
	where := `(` + strings.Join(likes, " OR ") + `)`
	if sessionID != "" {
		where += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, session_id, pattern_name, pattern_description, code_example, tags, source_mode, source_files, created_at
		 FROM patterns WHERE `+where, args...)
	if err != nil {
		return nil, apperrors.Internal(err, "search patterns")
	}
	defer rows.Close()

	type scoredPattern struct {
		Pattern
		score float64
	}
	var scored []scoredPattern
	for rows.Next() {
		var p Pattern
		var tagsJSON, filesJSON, createdAt string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PatternName, &p.PatternDescription, &p.CodeExample,
			&tagsJSON, &p.SourceMode, &filesJSON, &createdAt); err != nil {
			return nil, apperrors.Internal(err, "scan pattern")
		}
		unmarshalJSONInto(tagsJSON, &p.Tags)
		unmarshalJSONInto(filesJSON, &p.SourceFiles)
		p.CreatedAt = parseTime(createdAt)

		haystack := p.PatternName + " " + p.PatternDescription + " " + strings.Join(p.Tags, " ")
		scored = append(scored, scoredPattern{Pattern: p, score: keywordScore(haystack, tokens)})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(err, "search patterns")
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]Pattern, len(scored))
	for i, sp := range scored {
		out[i] = sp.Pattern
	}
	return out, nil
}

// --- LlmConfig -------------------------------------------------------

func (s *SQLiteStore) SetLlmConfig(ctx context.Context, provider Provider, encryptedAPIKey string, isActive bool) (*LlmConfig, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "set llm config")
	}
	defer tx.Rollback()

	if isActive {
		if _, err := tx.ExecContext(ctx, `UPDATE llm_configs SET is_active = 0 WHERE is_active = 1`); err != nil {
			return nil, apperrors.Internal(err, "deactivate existing llm configs")
		}
	}

	cfg := &LlmConfig{
		ID:              newID(),
		Provider:        provider,
		EncryptedAPIKey: encryptedAPIKey,
		IsActive:        isActive,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO llm_configs (id, provider, encrypted_api_key, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Provider, cfg.EncryptedAPIKey, boolToInt(cfg.IsActive), fmtTime(cfg.CreatedAt), fmtTime(cfg.UpdatedAt))
	if err != nil {
		return nil, apperrors.Internal(err, "insert llm config")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal(err, "commit llm config")
	}
	return cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetActiveLlmConfig(ctx context.Context) (*LlmConfig, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, provider, encrypted_api_key, is_active, created_at, updated_at
		 FROM llm_configs WHERE is_active = 1 ORDER BY updated_at DESC LIMIT 1`)
	var cfg LlmConfig
	var provider, createdAt, updatedAt string
	var isActive int
	err := row.Scan(&cfg.ID, &provider, &cfg.EncryptedAPIKey, &isActive, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("no active llm config")
	}
	if err != nil {
		return nil, apperrors.Internal(err, "get active llm config")
	}
	cfg.Provider = Provider(provider)
	cfg.IsActive = isActive == 1
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}
