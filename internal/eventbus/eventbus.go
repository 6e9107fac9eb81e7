// Package eventbus implements Wesley's typed domain event bus (spec §6,
// REDESIGN FLAGS): a closed set of event kinds with an explicit
// subscription registry, replacing the inheritance-based emitter the
// source used. Grounded on jemygraw-langgraphgo's checkpoint/log wiring
// pattern (a small typed payload dispatched to registered listeners) and
// on the teacher's golog usage for structured logging of the same
// events, so every published event is both delivered to subscribers and
// logged. Durable mirroring to `logs/<plan-id>.log` uses
// github.com/tidwall/wal, the pack's append-only log library, so a crash
// mid-execution leaves a replayable record instead of only an in-memory
// trail.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/kataras/golog"
	"github.com/tidwall/wal"

	"github.com/goccy/go-json"
)

// Kind is one of the closed set of event kinds from spec §6.
type Kind string

const (
	PlanProduced         Kind = "PLAN_PRODUCED"
	PlanRejected         Kind = "PLAN_REJECTED"
	RiskThresholdExceeded Kind = "RISK_THRESHOLD_EXCEEDED"

	PhaseStarted        Kind = "PHASE_STARTED"
	WaveStarted         Kind = "WAVE_STARTED"
	OpStarted           Kind = "OP_STARTED"
	OpSucceeded         Kind = "OP_SUCCEEDED"
	OpFailed            Kind = "OP_FAILED"
	OpRetry             Kind = "OP_RETRY"
	WaveCompleted       Kind = "WAVE_COMPLETED"
	PhaseCompleted      Kind = "PHASE_COMPLETED"
	ExecutionCompleted  Kind = "EXECUTION_COMPLETED"
	ExecutionAborted    Kind = "EXECUTION_ABORTED"
	RollbackStarted     Kind = "ROLLBACK_STARTED"
	RollbackCompleted   Kind = "ROLLBACK_COMPLETED"

	DeadlockDetected      Kind = "DEADLOCK_DETECTED"
	LockWaitAlert         Kind = "LOCK_WAIT_ALERT"
	LockContentionAlert   Kind = "LOCK_CONTENTION_ALERT"
	ThresholdExceeded     Kind = "THRESHOLD_EXCEEDED"

	CheckpointWritten  Kind = "CHECKPOINT_WRITTEN"
	CheckpointRestored Kind = "CHECKPOINT_RESTORED"
)

// allKinds is used to validate Publish calls against the closed set.
var allKinds = map[Kind]bool{
	PlanProduced: true, PlanRejected: true, RiskThresholdExceeded: true,
	PhaseStarted: true, WaveStarted: true, OpStarted: true, OpSucceeded: true,
	OpFailed: true, OpRetry: true, WaveCompleted: true, PhaseCompleted: true,
	ExecutionCompleted: true, ExecutionAborted: true, RollbackStarted: true,
	RollbackCompleted: true, DeadlockDetected: true, LockWaitAlert: true,
	LockContentionAlert: true, ThresholdExceeded: true, CheckpointWritten: true,
	CheckpointRestored: true,
}

// Event is one published domain event. Payload is kind-specific; callers
// type-assert based on Kind.
type Event struct {
	Kind    Kind        `json:"kind"`
	PlanID  string      `json:"planId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Listener receives every event published after it subscribes.
type Listener func(Event)

// Bus is the process-local event bus: an explicit subscription registry
// with an optional durable mirror.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	all       []Listener
	logger    *golog.Logger
	mirror    *wal.Log
	mirrorIdx uint64
}

// New returns a Bus that logs every event through logger. Call
// WithMirror to additionally persist events to an append-only log.
func New(logger *golog.Logger) *Bus {
	if logger == nil {
		logger = golog.Default
	}
	return &Bus{listeners: make(map[Kind][]Listener), logger: logger}
}

// WithMirror opens (or creates) a durable append-only event log at path
// using tidwall/wal, per spec §6's `logs/<plan-id>.log` persisted-state
// layout.
func (b *Bus) WithMirror(path string) error {
	log, err := wal.Open(path, nil)
	if err != nil {
		return fmt.Errorf("eventbus: opening durable mirror at %s: %w", path, err)
	}
	last, err := log.LastIndex()
	if err != nil {
		return fmt.Errorf("eventbus: reading last index of %s: %w", path, err)
	}
	b.mu.Lock()
	b.mirror = log
	b.mirrorIdx = last
	b.mu.Unlock()
	return nil
}

// Close releases the durable mirror, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mirror == nil {
		return nil
	}
	return b.mirror.Close()
}

// Subscribe registers l for events of kind. Returns an error if kind is
// not one of the closed set.
func (b *Bus) Subscribe(kind Kind, l Listener) error {
	if !allKinds[kind] {
		return fmt.Errorf("eventbus: unknown event kind %q", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], l)
	return nil
}

// SubscribeAll registers l for every event kind, regardless of type —
// cmd/wesley uses it to print every event. Structured logging and the
// durable mirror are done by Publish itself, not through a listener.
func (b *Bus) SubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, l)
}

// Publish delivers ev to every subscriber of its kind and to any
// SubscribeAll listeners, logs it structurally, and appends it to the
// durable mirror if one is configured. Returns an error only if the
// kind is not in the closed set or the durable append fails.
func (b *Bus) Publish(ev Event) error {
	if !allKinds[ev.Kind] {
		return fmt.Errorf("eventbus: refusing to publish unknown event kind %q", ev.Kind)
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[ev.Kind]...)
	allListeners := append([]Listener(nil), b.all...)
	logger := b.logger
	mirror := b.mirror
	nextIdx := b.mirrorIdx + 1
	b.mu.RUnlock()

	logger.Infof("event kind=%s plan=%s", ev.Kind, ev.PlanID)

	if mirror != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("eventbus: marshaling event for durable mirror: %w", err)
		}
		if err := mirror.Write(nextIdx, data); err != nil {
			return fmt.Errorf("eventbus: writing event to durable mirror: %w", err)
		}
		b.mu.Lock()
		b.mirrorIdx = nextIdx
		b.mu.Unlock()
	}

	for _, l := range listeners {
		l(ev)
	}
	for _, l := range allListeners {
		l(ev)
	}
	return nil
}
