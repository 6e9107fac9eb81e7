package checkpoint

import (
	"fmt"
	"os"
	"testing"

	"github.com/nnaka2992/wesley/internal/model"
)

func newState(planID string) *model.ExecutorState {
	s := model.NewExecutorState(planID)
	s.CompletedOperationIDs["op1"] = struct{}{}
	return s
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	m := New(t.TempDir(), 0)
	state := newState("plan-1")

	id, err := m.Save(state, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty checkpoint id")
	}

	cp, err := m.Load("plan-1", id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.PlanID != "plan-1" {
		t.Errorf("PlanID = %q, want plan-1", cp.PlanID)
	}
	if _, ok := cp.State.CompletedOperationIDs["op1"]; !ok || len(cp.State.CompletedOperationIDs) != 1 {
		t.Errorf("State.CompletedOperationIDs = %v, want {op1}", cp.State.CompletedOperationIDs)
	}
	if !m.Verify(cp) {
		t.Error("expected a freshly saved checkpoint to verify")
	}
}

func TestLatestReturnsEmptyStringWhenNoneExist(t *testing.T) {
	m := New(t.TempDir(), 0)
	id, err := m.Latest("nonexistent-plan")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if id != "" {
		t.Errorf("Latest = %q, want empty string", id)
	}
}

func TestLatestReturnsMostRecentlySaved(t *testing.T) {
	m := New(t.TempDir(), 0)
	state := newState("plan-1")

	var lastID string
	for i := 0; i < 3; i++ {
		id, err := m.Save(state, nil)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		lastID = id
	}

	got, err := m.Latest("plan-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != lastID {
		t.Errorf("Latest = %q, want %q", got, lastID)
	}
}

func TestRetainKeepsOnlyMostRecentN(t *testing.T) {
	m := New(t.TempDir(), 2)
	state := newState("plan-1")

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Save(state, nil)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		ids = append(ids, id)
	}

	remaining, err := m.list("plan-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("got %d remaining checkpoints, want 2: %v", len(remaining), remaining)
	}
	want := ids[len(ids)-2:]
	if remaining[0] != want[0] || remaining[1] != want[1] {
		t.Errorf("remaining = %v, want %v", remaining, want)
	}
}

func TestVerifyRejectsMismatchedPlanID(t *testing.T) {
	m := New(t.TempDir(), 0)
	cp := &model.Checkpoint{
		SchemaVersion: model.CheckpointSchemaVersion,
		PlanID:        "plan-1",
		State:         model.NewExecutorState("plan-2"),
	}
	if m.Verify(cp) {
		t.Error("expected verification to fail when state.PlanID does not match cp.PlanID")
	}
}

func TestVerifyRejectsWrongSchemaVersion(t *testing.T) {
	m := New(t.TempDir(), 0)
	cp := &model.Checkpoint{
		SchemaVersion: model.CheckpointSchemaVersion + 1,
		PlanID:        "plan-1",
		State:         model.NewExecutorState("plan-1"),
	}
	if m.Verify(cp) {
		t.Error("expected verification to fail on a schema version mismatch")
	}
}

func TestLoadRejectsCorruptSchemaVersion(t *testing.T) {
	m := New(t.TempDir(), 0)
	state := newState("plan-1")
	id, err := m.Save(state, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	cp, err := m.Load("plan-1", id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cp.SchemaVersion = model.CheckpointSchemaVersion + 1
	if m.Verify(cp) {
		t.Error("expected Verify to reject a mutated schema version")
	}

	// Simulate an on-disk document written by a future, incompatible
	// schema version landing in the same directory.
	doc := fmt.Sprintf(`{"id":%q,"planId":"plan-1","schemaVersion":%d}`, id, model.CheckpointSchemaVersion+1)
	if err := os.WriteFile(m.path("plan-1", id), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := m.Load("plan-1", id); err == nil {
		t.Error("expected Load to reject a checkpoint with a future schema version")
	}
}
