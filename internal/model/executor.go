package model

import "time"

// ExecutorStatus is the coordinator's coarse lifecycle state.
type ExecutorStatus string

const (
	StatusPlanned    ExecutorStatus = "planned"
	StatusRunning    ExecutorStatus = "running"
	StatusPaused     ExecutorStatus = "paused"
	StatusCompleted  ExecutorStatus = "completed"
	StatusFailed     ExecutorStatus = "failed"
	StatusAborted    ExecutorStatus = "aborted"
	StatusRolledBack ExecutorStatus = "rolled_back"
)

// InFlightOperation records which worker is executing an operation and
// when it started, for ExecutorState.InFlightOperations.
type InFlightOperation struct {
	WorkerID  string    `json:"workerId"`
	StartTime time.Time `json:"startTime"`
}

// ExecutorState is the Coordinator's complete mutable state. It is created
// when execution begins, mutated only by the Coordinator's single
// scheduling loop, and persisted (then cleared) on completion or abort.
type ExecutorState struct {
	PlanID                string                       `json:"planId"`
	StartTime             time.Time                    `json:"startTime"`
	Status                ExecutorStatus               `json:"status"`
	CompletedOperationIDs map[string]struct{}          `json:"completedOperationIds"`
	FailedOperationIDs    map[string]struct{}          `json:"failedOperationIds"`
	BlockedOperationIDs   map[string]struct{}          `json:"blockedOperationIds"`
	InFlightOperations    map[string]InFlightOperation `json:"inFlightOperations"`
	CurrentPhase          Phase                        `json:"currentPhase"`
	CurrentWaveIndex      int                          `json:"currentWaveIndex"`
	RetryCounts           map[string]int               `json:"retryCounts"`
}

// NewExecutorState returns a fresh state for a plan about to begin
// execution.
func NewExecutorState(planID string) *ExecutorState {
	return &ExecutorState{
		PlanID:                planID,
		StartTime:             time.Now(),
		Status:                StatusPlanned,
		CompletedOperationIDs: make(map[string]struct{}),
		FailedOperationIDs:    make(map[string]struct{}),
		BlockedOperationIDs:   make(map[string]struct{}),
		InFlightOperations:    make(map[string]InFlightOperation),
		RetryCounts:           make(map[string]int),
	}
}

// IsCompleted reports whether opID has already finished successfully.
func (s *ExecutorState) IsCompleted(opID string) bool {
	_, ok := s.CompletedOperationIDs[opID]
	return ok
}

// Clone deep-copies the state so a checkpoint snapshot is never aliased
// with the live state a later tick might mutate.
func (s *ExecutorState) Clone() *ExecutorState {
	c := &ExecutorState{
		PlanID:                s.PlanID,
		StartTime:             s.StartTime,
		Status:                s.Status,
		CurrentPhase:          s.CurrentPhase,
		CurrentWaveIndex:      s.CurrentWaveIndex,
		CompletedOperationIDs: make(map[string]struct{}, len(s.CompletedOperationIDs)),
		FailedOperationIDs:    make(map[string]struct{}, len(s.FailedOperationIDs)),
		BlockedOperationIDs:   make(map[string]struct{}, len(s.BlockedOperationIDs)),
		InFlightOperations:    make(map[string]InFlightOperation, len(s.InFlightOperations)),
		RetryCounts:           make(map[string]int, len(s.RetryCounts)),
	}
	for k := range s.CompletedOperationIDs {
		c.CompletedOperationIDs[k] = struct{}{}
	}
	for k := range s.FailedOperationIDs {
		c.FailedOperationIDs[k] = struct{}{}
	}
	for k := range s.BlockedOperationIDs {
		c.BlockedOperationIDs[k] = struct{}{}
	}
	for k, v := range s.InFlightOperations {
		c.InFlightOperations[k] = v
	}
	for k, v := range s.RetryCounts {
		c.RetryCounts[k] = v
	}
	return c
}
