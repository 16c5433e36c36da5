// Package archive writes a JSON snapshot of a completed session and its
// memories to a per-process temporary directory.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctxfold/sidecar/internal/store"
)

// dirName is the temporary-directory subfolder archive files are
// written under.
const dirName = "ctxfold_archives"

// Snapshot is the JSON document written to disk for one archived
// session.
type Snapshot struct {
	SessionID   string         `json:"session_id"`
	ArchivedAt  string         `json:"archived_at"`
	Session     *store.Session `json:"session"`
	Memories    []store.Memory `json:"memories"`
	MemoryCount int            `json:"memory_count"`
}

// Write serializes sess and its memories to
// $TMPDIR/ctxfold_archives/session_<id8>_<YYYYMMDD_HHMMSS>.json and
// returns the path written. The directory is created if absent.
func Write(sess *store.Session, memories []store.Memory) (string, error) {
	dir := filepath.Join(os.TempDir(), dirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}

	now := time.Now().UTC()
	snap := Snapshot{
		SessionID:   sess.ID,
		ArchivedAt:  now.Format(time.RFC3339),
		Session:     sess,
		Memories:    memories,
		MemoryCount: len(memories),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal: %w", err)
	}

	id8 := sess.ID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	name := fmt.Sprintf("session_%s_%s.json", id8, now.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("archive: write: %w", err)
	}
	return path, nil
}
