package store

import (
	"context"
	"testing"

	"github.com/ctxfold/sidecar/internal/apperrors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := Open(Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSpawnCommitsAllStepsAtomically(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	parent, err := st.CreateSession(ctx, "parent task", 200000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddMemory(ctx, parent.ID, "decided to use jwt", CategoryDecision, PriorityHigh, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateTokens(ctx, parent.ID, 190000); err != nil {
		t.Fatal(err)
	}

	result, err := st.Spawn(ctx, SpawnRequest{
		ParentID:             parent.ID,
		Reason:               "context_critical",
		CheckpointLabel:      "spawn-context_critical",
		CheckpointMetadata:   map[string]any{"reason": "context_critical"},
		ChildTaskDescription: "Spawned from " + parent.ID + ": context_critical",
		ChildMaxTokens:       parent.MaxTokens,
		HandoffPrompt:        "continue the jwt work",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if result.Child.Status != SessionActive || result.Child.CurrentTokens != 0 {
		t.Fatalf("expected a fresh active child, got %+v", result.Child)
	}
	if result.Parent.Status != SessionCompleted {
		t.Fatalf("expected parent to be completed, got %s", result.Parent.Status)
	}
	if result.Lineage.ParentSessionID != parent.ID || result.Lineage.ChildSessionID != result.Child.ID {
		t.Fatalf("lineage does not link parent/child: %+v", result.Lineage)
	}
	if result.Lineage.CheckpointID != result.Checkpoint.ID {
		t.Fatalf("lineage checkpoint id mismatch: %+v", result.Lineage)
	}
	if len(result.Checkpoint.MemoriesSnapshot) != 1 {
		t.Fatalf("expected the checkpoint to snapshot the parent's one memory, got %v", result.Checkpoint.MemoriesSnapshot)
	}

	reloadedParent, err := st.GetSession(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloadedParent.Status != SessionCompleted {
		t.Fatalf("parent completion was not durably committed, got %s", reloadedParent.Status)
	}

	lineage, err := st.GetLineage(ctx, result.Child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 2 || lineage[0].ID != parent.ID || lineage[1].ID != result.Child.ID {
		t.Fatalf("expected root-first [parent, child] lineage, got %+v", lineage)
	}

	checkpoints, err := st.ListCheckpoints(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 1 || checkpoints[0].ID != result.Checkpoint.ID {
		t.Fatalf("expected the spawn checkpoint to be durably committed, got %+v", checkpoints)
	}
}

func TestSpawnRejectsTerminalParentWithNoSideEffects(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	parent, err := st.CreateSession(ctx, "parent task", 200000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CompleteSession(ctx, parent.ID); err != nil {
		t.Fatal(err)
	}

	_, err = st.Spawn(ctx, SpawnRequest{
		ParentID:             parent.ID,
		Reason:               "context_critical",
		CheckpointLabel:      "spawn-context_critical",
		ChildTaskDescription: "should never be created",
		ChildMaxTokens:       parent.MaxTokens,
	})
	if !apperrors.Is(err, apperrors.KindInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}

	checkpoints, err := st.ListCheckpoints(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 0 {
		t.Fatalf("expected no checkpoint left behind by a failed spawn, got %+v", checkpoints)
	}
}

// TestSpawnRollsBackChildInsertFailure forces the child-session INSERT to
// fail (by colliding its generated id with an already-existing session)
// after the checkpoint row has already been written inside the same
// transaction, then asserts the checkpoint was rolled back along with
// it — exercising the "steps 1-3 roll back together" atomicity the
// Spawn transaction provides.
func TestSpawnRollsBackChildInsertFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	parent, err := st.CreateSession(ctx, "parent task", 200000)
	if err != nil {
		t.Fatal(err)
	}
	collider, err := st.CreateSession(ctx, "occupies the id Spawn will try to reuse", 1000)
	if err != nil {
		t.Fatal(err)
	}

	originalNewID := newID
	calls := 0
	newID = func() string {
		calls++
		if calls == 2 { // first call mints the checkpoint id, second the child id
			return collider.ID
		}
		return originalNewID()
	}
	t.Cleanup(func() { newID = originalNewID })

	_, err = st.Spawn(ctx, SpawnRequest{
		ParentID:             parent.ID,
		Reason:               "context_critical",
		CheckpointLabel:      "spawn-context_critical",
		ChildTaskDescription: "colliding child",
		ChildMaxTokens:       parent.MaxTokens,
	})
	if err == nil {
		t.Fatal("expected the colliding child insert to fail")
	}

	reloadedParent, err := st.GetSession(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloadedParent.Status != SessionActive {
		t.Fatalf("parent must not be completed when spawn rolls back, got %s", reloadedParent.Status)
	}

	checkpoints, err := st.ListCheckpoints(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 0 {
		t.Fatalf("expected the already-inserted checkpoint to be rolled back, got %+v", checkpoints)
	}

	lineage, err := st.GetLineage(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 1 {
		t.Fatalf("expected no lineage row to survive the rollback, got %+v", lineage)
	}
}

func TestCreateLineageEnforcesChildUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	parent, _ := st.CreateSession(ctx, "parent", 100000)
	child, _ := st.CreateSession(ctx, "child", 100000)
	otherParent, _ := st.CreateSession(ctx, "other parent", 100000)

	if _, err := st.CreateLineage(ctx, parent.ID, child.ID, "manual", "prompt", ""); err != nil {
		t.Fatalf("first lineage should succeed: %v", err)
	}

	_, err := st.CreateLineage(ctx, otherParent.ID, child.ID, "manual", "prompt", "")
	if !apperrors.Is(err, apperrors.KindStoreConflict) {
		t.Fatalf("expected StoreConflict for a second lineage on the same child, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sess, err := st.CreateSession(ctx, "task", 100000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateTokens(ctx, sess.ID, 42000); err != nil {
		t.Fatal(err)
	}
	m1, err := st.AddMemory(ctx, sess.ID, "first memory", CategoryContext, PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := st.AddMemory(ctx, sess.ID, "second memory", CategoryDecision, PriorityHigh, nil)
	if err != nil {
		t.Fatal(err)
	}

	cp, err := st.CreateCheckpoint(ctx, sess.ID, "manual-checkpoint", map[string]any{"note": "pre-compress"})
	if err != nil {
		t.Fatal(err)
	}

	list, err := st.ListCheckpoints(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != cp.ID {
		t.Fatalf("expected ListCheckpoints to return the new checkpoint first, got %+v", list)
	}

	snapshot := map[string]bool{}
	for _, id := range cp.MemoriesSnapshot {
		snapshot[id] = true
	}
	if !snapshot[m1.ID] || !snapshot[m2.ID] {
		t.Fatalf("expected both existing memories in the snapshot, got %v", cp.MemoriesSnapshot)
	}

	restored, memories, err := st.RestoreCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.State["current_tokens"].(float64) != 42000 {
		t.Fatalf("expected restored state to reflect the session fields at creation time, got %+v", restored.State)
	}
	if len(memories) != 2 {
		t.Fatalf("expected both snapshotted memories in the restore view, got %d", len(memories))
	}

	// Deleting a memory afterwards must not retroactively invalidate the
	// checkpoint's snapshot ids.
	if _, err := st.DeleteMemory(ctx, m1.ID); err != nil {
		t.Fatal(err)
	}
	_, memoriesAfterDelete, err := st.RestoreCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(memoriesAfterDelete) != 1 || memoriesAfterDelete[0].ID != m2.ID {
		t.Fatalf("expected the restore view to simply omit the deleted memory, got %+v", memoriesAfterDelete)
	}
}
