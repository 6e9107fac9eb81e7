// Package checkpoint implements the CheckpointManager (spec §4.8):
// durable snapshots of ExecutorState with atomic writes, retention, and
// recovery support. Grounded on jemygraw-langgraphgo's
// store.CheckpointStore interface shape (Save/Load/List/Delete against a
// versioned document), narrowed to the save/load/latest/retain/verify
// contract spec §4.8 actually specifies, and on the persisted-state
// layout from spec §6 (`checkpoints/<plan-id>/<checkpoint-id>.json`).
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/werror"
)

// DefaultRetention is the number of most-recent checkpoints kept per plan
// (spec §4.8: "Retention keeps the most recent N (default 10) per plan").
const DefaultRetention = 10

// Manager implements the CheckpointManager contract against a directory
// on disk, one subdirectory per plan.
type Manager struct {
	baseDir   string
	retention int
}

// New returns a Manager rooted at baseDir (conventionally
// `.wesley/checkpoints`, per spec §6), retaining the N most recent
// checkpoints per plan.
func New(baseDir string, retention int) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{baseDir: baseDir, retention: retention}
}

// NewID returns a time-ordered opaque checkpoint id (spec §3: "opaque
// string, strictly increasing by creation time"). UUIDv7 embeds a
// millisecond timestamp in its leading bits, so lexical and chronological
// order coincide without needing a separate counter.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("checkpoint: generating id: %w", err)
	}
	return id.String(), nil
}

func (m *Manager) planDir(planID string) string {
	return filepath.Join(m.baseDir, planID)
}

func (m *Manager) path(planID, id string) string {
	return filepath.Join(m.planDir(planID), id+".json")
}

// Save serializes state as a Checkpoint document and writes it
// atomically (write to a temp sibling file, fsync, rename — spec §3's
// "a checkpoint is only considered durable after atomic write ...
// completes; readers never observe partial checkpoints"), then enforces
// retention.
func (m *Manager) Save(state *model.ExecutorState, artifactHashes map[string]string) (string, error) {
	id, err := NewID()
	if err != nil {
		return "", err
	}

	cp := model.Checkpoint{
		ID:             id,
		PlanID:         state.PlanID,
		CreatedAt:      time.Now().UTC(),
		SchemaVersion:  model.CheckpointSchemaVersion,
		State:          state.Clone(),
		ArtifactHashes: artifactHashes,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshaling: %w", err)
	}

	dir := m.planDir(state.PlanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", werror.New(werror.CheckpointCorrupt, "creating checkpoint directory", err)
	}

	if err := renameio.WriteFile(m.path(state.PlanID, id), data, 0o644); err != nil {
		return "", werror.New(werror.CheckpointCorrupt, "writing checkpoint atomically", err)
	}

	if err := m.Retain(state.PlanID, m.retention); err != nil {
		return id, fmt.Errorf("checkpoint: retention after save: %w", err)
	}
	return id, nil
}

// Load reads and deserializes the checkpoint with the given id.
func (m *Manager) Load(planID, id string) (*model.Checkpoint, error) {
	data, err := os.ReadFile(m.path(planID, id))
	if err != nil {
		return nil, werror.New(werror.CheckpointCorrupt, fmt.Sprintf("reading checkpoint %s", id), err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, werror.New(werror.CheckpointCorrupt, fmt.Sprintf("parsing checkpoint %s", id), err)
	}
	if cp.SchemaVersion != model.CheckpointSchemaVersion {
		return nil, werror.New(werror.CheckpointCorrupt,
			fmt.Sprintf("checkpoint %s has schema version %d, expected %d", id, cp.SchemaVersion, model.CheckpointSchemaVersion), nil)
	}
	return &cp, nil
}

// Latest returns the most recent checkpoint id for planID, or "" if none
// exist.
func (m *Manager) Latest(planID string) (string, error) {
	ids, err := m.list(planID)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[len(ids)-1], nil
}

// Retain deletes all but the n most recent checkpoints for planID. Older
// ones are only removed after the newest write has already completed
// durably (spec §4.8).
func (m *Manager) Retain(planID string, n int) error {
	ids, err := m.list(planID)
	if err != nil {
		return err
	}
	if len(ids) <= n {
		return nil
	}
	for _, id := range ids[:len(ids)-n] {
		if err := os.Remove(m.path(planID, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: removing retired checkpoint %s: %w", id, err)
		}
	}
	return nil
}

// Verify reports whether a checkpoint document is structurally sound:
// correct schema version and a non-nil state with a matching plan id.
func (m *Manager) Verify(cp *model.Checkpoint) bool {
	if cp == nil || cp.State == nil {
		return false
	}
	if cp.SchemaVersion != model.CheckpointSchemaVersion {
		return false
	}
	return cp.State.PlanID == cp.PlanID
}

// list returns every checkpoint id for planID, sorted chronologically
// (UUIDv7 ids sort lexically in creation order).
func (m *Manager) list(planID string) ([]string, error) {
	entries, err := os.ReadDir(m.planDir(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: listing %s: %w", planID, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
