// Package backpressure implements the BackpressureController and
// BatchOptimizer (spec §4.10). The controller maintains a rolling view
// of observed load and exposes canAdmit(op) to the coordinator; the
// optimizer reorders and groups a wave's operations to minimize lock
// contention before they're dispatched. Grounded on postgres-postgres's
// connection-pool health gating (a rolling error-rate view driving an
// admit/reject decision) and on zakandrewking-lockplane's wave-packing
// logic for the DDL-before-DML / risk-isolation rules BatchOptimizer
// applies.
package backpressure

import (
	"time"

	lock "github.com/viney-shih/go-lock"

	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/lockclass"
	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/safety"
)

// State is the controller's coarse admission posture (spec §4.10:
// "healthy ... degraded ... circuit-open").
type State int

const (
	Healthy State = iota
	Degraded
	CircuitOpen
)

func (s State) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case CircuitOpen:
		return "circuit-open"
	default:
		return "healthy"
	}
}

// Thresholds configures when the controller transitions state.
type Thresholds struct {
	// Window is how many recent results the rolling error rate is
	// computed over.
	Window int
	// DegradedErrorRate and CircuitErrorRate are the recent-failure
	// fractions that trigger each transition.
	DegradedErrorRate float64
	CircuitErrorRate  float64
	// DegradedDelay is the per-admission delay added while degraded.
	DegradedDelay time.Duration
	// DegradedParallelismFactor scales the coordinator's effective
	// parallelism while degraded.
	DegradedParallelismFactor float64
}

// DefaultThresholds are reasonable defaults absent operator tuning.
var DefaultThresholds = Thresholds{
	Window:                    20,
	DegradedErrorRate:         0.2,
	CircuitErrorRate:          0.5,
	DegradedDelay:             250 * time.Millisecond,
	DegradedParallelismFactor: 0.5,
}

// Controller implements the BackpressureController contract: canAdmit
// consults the current state; RecordResult and RecordAlert are the two
// inputs that move it: a rolling error-rate window and monitor alerts.
// The number of operations in flight is not tracked (the inFlight field
// is never updated) and plays no part in the state. State
// transitions are guarded by a CAS-based RWMutex so the coordinator's
// admission checks (read-mostly, on the hot path) never block behind a
// concurrent update arriving from LockMonitor's background probe
// goroutine.
type Controller struct {
	mu         lock.RWMutex
	thresholds Thresholds

	results []bool // true = failure, ring buffer
	pos     int
	filled  int

	inFlight int
	state    State
}

// New returns a healthy Controller.
func New(thresholds Thresholds) *Controller {
	if thresholds.Window <= 0 {
		thresholds.Window = DefaultThresholds.Window
	}
	return &Controller{
		mu:         lock.NewCASMutex(),
		thresholds: thresholds,
		results:    make([]bool, thresholds.Window),
	}
}

// CanAdmit reports whether op may be dispatched now. Healthy admits
// freely; degraded sleeps the configured delay then admits;
// circuit-open refuses (spec §4.10's three states).
func (c *Controller) CanAdmit(op model.Operation) bool {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	switch state {
	case CircuitOpen:
		return false
	case Degraded:
		time.Sleep(c.thresholds.DegradedDelay)
		return true
	default:
		return true
	}
}

// EffectiveParallelism scales base down while degraded, and to zero
// while circuit-open (the coordinator should stop dispatching entirely
// in that state, which canAdmit already enforces per-operation).
func (c *Controller) EffectiveParallelism(base int) int {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	switch state {
	case CircuitOpen:
		return 0
	case Degraded:
		reduced := int(float64(base) * c.thresholds.DegradedParallelismFactor)
		if reduced < 1 {
			reduced = 1
		}
		return reduced
	default:
		return base
	}
}

// State returns the controller's current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RecordResult feeds one completed operation's outcome into the rolling
// error-rate window and recomputes state.
func (c *Controller) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[c.pos] = !success
	c.pos = (c.pos + 1) % len(c.results)
	if c.filled < len(c.results) {
		c.filled++
	}
	c.recomputeLocked()
}

// RecordAlert folds a LockMonitor event into the admission posture: a
// detected deadlock opens the circuit outright; contention, wait, and
// threshold alerts degrade (spec §4.10, §4.9's "the coordinator
// consults the most recent report when admitting operations").
func (c *Controller) RecordAlert(kind eventbus.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case eventbus.DeadlockDetected:
		c.state = CircuitOpen
	case eventbus.LockContentionAlert, eventbus.LockWaitAlert, eventbus.ThresholdExceeded:
		if c.state == Healthy {
			c.state = Degraded
		}
	}
}

func (c *Controller) recomputeLocked() {
	if c.filled == 0 {
		c.state = Healthy
		return
	}
	failures := 0
	for i := 0; i < c.filled; i++ {
		if c.results[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(c.filled)
	switch {
	case rate >= c.thresholds.CircuitErrorRate:
		c.state = CircuitOpen
	case rate >= c.thresholds.DegradedErrorRate:
		c.state = Degraded
	default:
		c.state = Healthy
	}
}

// TransactionMode is the BatchOptimizer's recommendation for how a
// group should be executed.
type TransactionMode string

const (
	ModeAuto     TransactionMode = "auto"
	ModeExplicit TransactionMode = "explicit"
)

// IsolationLevel is the recommended transaction isolation for a group.
type IsolationLevel string

const (
	IsolationReadCommitted IsolationLevel = "READ COMMITTED"
	IsolationSerializable  IsolationLevel = "SERIALIZABLE"
)

// Group is one packed, ordered batch of operations with its recommended
// execution mode (spec §4.10: "a sequence of groups with a recommended
// transaction-mode ... and isolation level").
type Group struct {
	Operations      []model.Operation
	TransactionMode TransactionMode
	Isolation       IsolationLevel
}

// BatchOptimizer reorders and groups one wave's operations to minimize
// lock contention (spec §4.10).
type BatchOptimizer struct {
	classifier   *lockclass.Classifier
	safety       *safety.Analyzer
	sizeBudget   int
	memoryBudget int64
}

// NewBatchOptimizer returns an optimizer packing at most sizeBudget
// operations, or memoryBudget estimated rows, per auto-mode group.
func NewBatchOptimizer(sizeBudget int, memoryBudget int64) *BatchOptimizer {
	if sizeBudget <= 0 {
		sizeBudget = 8
	}
	if memoryBudget <= 0 {
		memoryBudget = 5_000_000
	}
	return &BatchOptimizer{
		classifier:   lockclass.New(),
		safety:       safety.New(1),
		sizeBudget:   sizeBudget,
		memoryBudget: memoryBudget,
	}
}

// Optimize reorders ops (DDL before DML) and packs them into groups:
// highly risky operations are isolated into their own single-operation
// group with an explicit transaction mode and serializable isolation;
// everything else is packed greedily up to the size/memory budget,
// skipping any operation that would conflict (per LockClassifier) with
// one already placed in the current group.
func (b *BatchOptimizer) Optimize(ops []model.Operation) []Group {
	if len(ops) == 0 {
		return nil
	}

	riskByID := make(map[string]model.RiskLevel, len(ops))
	for _, risk := range b.safety.Analyze(ops).Risk.PerOperation {
		riskByID[risk.OperationID] = risk.Level
	}

	ordered := orderDDLBeforeDML(ops)

	var groups []Group
	var current []model.Operation
	var currentMemory int64

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, Group{Operations: current, TransactionMode: ModeAuto, Isolation: IsolationReadCommitted})
			current = nil
			currentMemory = 0
		}
	}

	for _, op := range ordered {
		if riskByID[op.ID] == model.RiskCritical || riskByID[op.ID] == model.RiskHigh {
			flush()
			groups = append(groups, Group{
				Operations:      []model.Operation{op},
				TransactionMode: ModeExplicit,
				Isolation:       IsolationSerializable,
			})
			continue
		}

		estimate := estimatedMemory(op)
		if len(current) >= b.sizeBudget || currentMemory+estimate > b.memoryBudget || b.conflictsWithGroup(op, current) {
			flush()
		}
		current = append(current, op)
		currentMemory += estimate
	}
	flush()

	return groups
}

func (b *BatchOptimizer) conflictsWithGroup(op model.Operation, group []model.Operation) bool {
	for _, other := range group {
		if other.Target != op.Target {
			continue
		}
		if b.classifier.Conflicts(op, other) {
			return true
		}
	}
	return false
}

// orderDDLBeforeDML stably sorts backfill (DML) operations after every
// other kind, preserving relative order within each bucket (spec
// §4.10's "place DDL before DML").
func orderDDLBeforeDML(ops []model.Operation) []model.Operation {
	ordered := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if !isDML(op.Kind) {
			ordered = append(ordered, op)
		}
	}
	for _, op := range ops {
		if isDML(op.Kind) {
			ordered = append(ordered, op)
		}
	}
	return ordered
}

func isDML(k model.OperationKind) bool {
	return k == model.KindBackfill
}

func estimatedMemory(op model.Operation) int64 {
	if op.EstimatedRowCount > 0 {
		return op.EstimatedRowCount
	}
	return 1
}
