package model

import "time"

// CheckpointSchemaVersion is bumped whenever the Checkpoint document shape
// changes in a way old readers cannot tolerate.
const CheckpointSchemaVersion = 1

// Checkpoint is a durable snapshot of ExecutorState, written atomically by
// CheckpointManager. ID is opaque but strictly increasing by creation time
// (it is the string form of a UUIDv7, whose leading bits are the creation
// timestamp; see checkpoint.NewID).
type Checkpoint struct {
	ID            string          `json:"id"`
	PlanID        string          `json:"planId"`
	CreatedAt     time.Time       `json:"createdAt"`
	SchemaVersion int             `json:"schemaVersion"`
	State         *ExecutorState  `json:"state"`
	ArtifactHashes map[string]string `json:"artifactHashes,omitempty"`
}
