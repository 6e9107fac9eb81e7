// Package coordinator implements the Coordinator (spec §4.6): a rolling-
// frontier scheduler driving a bounded worker pool over a Plan's phases
// and waves, consulting BackpressureController for admission, checkpointing
// periodically via CheckpointManager, and publishing every lifecycle event
// to the Event Bus. Grounded on the teacher's top-level `Analyze` entry
// point for the "own nothing, compose the collaborators" shape, and on
// joeycumines-go-utilpkg's bounded-worker-pool idiom (submit work, collect
// results over a channel, never share mutable state across goroutines) —
// generalized here from a fixed fan-out to the plan's strict phase/wave
// boundaries (spec §5: "all state mutation serialized through the
// scheduling loop").
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nnaka2992/wesley/internal/backpressure"
	"github.com/nnaka2992/wesley/internal/checkpoint"
	"github.com/nnaka2992/wesley/internal/depgraph"
	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/sqlchannel"
	"github.com/nnaka2992/wesley/internal/werror"
)

// CompletionVerifier introspects the target database to confirm an
// operation marked "completed" in a restored checkpoint is observably
// complete there too (spec §4.8's recover(id) contract).
type CompletionVerifier func(ctx context.Context, op model.Operation) (bool, error)

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithRetryBudget overrides the per-operation retry budget (default 3,
// matching werror.DefaultBackoffPolicy).
func WithRetryBudget(n int) Option { return func(c *Coordinator) { c.backoff.Budget = n } }

// WithCheckpointEvery requests a checkpoint every n completions (spec
// §4.6 point 4: "every N completions or every T seconds").
func WithCheckpointEvery(n int) Option { return func(c *Coordinator) { c.checkpointEvery = n } }

// WithCompletionVerifier attaches the database-introspection callback
// Recover uses to validate a restored checkpoint's completed set.
func WithCompletionVerifier(v CompletionVerifier) Option {
	return func(c *Coordinator) { c.verify = v }
}

// Coordinator drives a Plan's execution. All mutable scheduler state
// (ExecutorState, the per-wave frontier) is owned exclusively by the
// goroutine running Execute/Recover; Pause/Resume/Abort only ever touch
// the small guarded flag pair below, which is the single piece of state
// genuinely shared with caller goroutines (spec §5: "no shared mutable
// state is touched from worker threads").
type Coordinator struct {
	bus          *eventbus.Bus
	backpressure *backpressure.Controller
	checkpoints  *checkpoint.Manager
	newChannel   func() *sqlchannel.Channel
	verify       CompletionVerifier

	backoff            werror.BackoffPolicy
	checkpointEvery    int
	checkpointFailures int
	rng                *rand.Rand

	mu      sync.Mutex
	paused  bool
	aborted bool
}

// New returns a Coordinator. newChannel must return a fresh SqlChannel
// per call: one is opened for each operation attempt and closed when
// that attempt ends, so no channel outlives a single operation.
func New(bus *eventbus.Bus, bp *backpressure.Controller, checkpoints *checkpoint.Manager, newChannel func() *sqlchannel.Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:             bus,
		backpressure:    bp,
		checkpoints:     checkpoints,
		newChannel:      newChannel,
		backoff:         werror.DefaultBackoffPolicy,
		checkpointEvery: 5,
		rng:             rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs plan from a fresh ExecutorState (spec §4.6:
// `execute(plan) → Result`).
func (c *Coordinator) Execute(ctx context.Context, plan *model.Plan) (*model.ExecutorState, error) {
	return c.run(ctx, plan, model.NewExecutorState(plan.ID))
}

// Recover loads checkpointID, verifies its completed set against the
// live database, and resumes the scheduling loop from there (spec
// §4.8's recover(id) contract).
func (c *Coordinator) Recover(ctx context.Context, plan *model.Plan, checkpointID string) (*model.ExecutorState, error) {
	cp, err := c.checkpoints.Load(plan.ID, checkpointID)
	if err != nil {
		return nil, err
	}
	if !c.checkpoints.Verify(cp) {
		return nil, werror.New(werror.CheckpointCorrupt, fmt.Sprintf("checkpoint %s failed verification", checkpointID), nil)
	}

	state := cp.State.Clone()
	if c.verify != nil {
		for id := range state.CompletedOperationIDs {
			op, ok := plan.OperationByID(id)
			if !ok {
				continue
			}
			complete, verr := c.verify(ctx, op)
			if verr != nil || !complete {
				delete(state.CompletedOperationIDs, id)
			}
		}
	}
	c.publish(eventbus.Event{Kind: eventbus.CheckpointRestored, PlanID: plan.ID, Payload: checkpointID})
	return c.run(ctx, plan, state)
}

// Pause requests that the coordinator stop dispatching new operations at
// the next wave boundary, letting in-flight work finish.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears a prior Pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Abort requests cooperative shutdown: no further operations are
// dispatched, in-flight operations are allowed to finish, and a final
// checkpoint is written (spec §4.6: "abort is cooperative").
func (c *Coordinator) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

func (c *Coordinator) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Coordinator) waitWhilePaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Coordinator) run(ctx context.Context, plan *model.Plan, state *model.ExecutorState) (*model.ExecutorState, error) {
	dag, err := depgraph.Build(plan.AllOperations())
	if err != nil {
		return state, err
	}

	riskByID := make(map[string]float64, len(plan.RiskAssessment.PerOperation))
	for _, r := range plan.RiskAssessment.PerOperation {
		riskByID[r.OperationID] = r.Score
	}

	state.Status = model.StatusRunning
	completions := 0

	for _, phasePlan := range plan.Phases {
		if err := c.waitWhilePaused(ctx); err != nil {
			return state, err
		}
		if c.isAborted() {
			return c.finishAborted(plan, state)
		}

		state.CurrentPhase = phasePlan.Phase
		c.publish(eventbus.Event{Kind: eventbus.PhaseStarted, PlanID: plan.ID, Payload: phasePlan.Phase})

		for _, wave := range phasePlan.Waves {
			if err := c.waitWhilePaused(ctx); err != nil {
				return state, err
			}
			if c.isAborted() {
				return c.finishAborted(plan, state)
			}

			state.CurrentWaveIndex = wave.Index
			c.publish(eventbus.Event{Kind: eventbus.WaveStarted, PlanID: plan.ID, Payload: wave.Index})

			if err := c.runWave(ctx, plan, dag, wave, state, riskByID, &completions); err != nil {
				state.Status = model.StatusFailed
				c.publish(eventbus.Event{Kind: eventbus.ExecutionAborted, PlanID: plan.ID, Payload: err.Error()})
				c.checkpointNow(plan.ID, state)
				return state, err
			}

			c.publish(eventbus.Event{Kind: eventbus.WaveCompleted, PlanID: plan.ID, Payload: wave.Index})
		}

		c.publish(eventbus.Event{Kind: eventbus.PhaseCompleted, PlanID: plan.ID, Payload: phasePlan.Phase})
	}

	state.Status = model.StatusCompleted
	c.publish(eventbus.Event{Kind: eventbus.ExecutionCompleted, PlanID: plan.ID})
	c.checkpointNow(plan.ID, state)
	return state, nil
}

func (c *Coordinator) finishAborted(plan *model.Plan, state *model.ExecutorState) (*model.ExecutorState, error) {
	state.Status = model.StatusAborted
	c.publish(eventbus.Event{Kind: eventbus.ExecutionAborted, PlanID: plan.ID, Payload: "aborted by operator"})
	c.checkpointNow(plan.ID, state)
	return state, nil
}

type taskResult struct {
	opID string
	err  error
}

// runWave executes one wave to completion before returning, implementing
// the rolling frontier (spec §4.6): on each tick it computes priority for
// every still-ready operation, dispatches the highest-priority one that
// BackpressureController admits, and folds completions back in,
// retrying transient failures with backoff and failing permanently on
// everything else (spec §4.6's failure semantics).
func (c *Coordinator) runWave(ctx context.Context, plan *model.Plan, dag *depgraph.DAG, wave model.Wave, state *model.ExecutorState, riskByID map[string]float64, completions *int) error {
	opsByID := make(map[string]model.Operation, len(wave.Operations))
	pending := make(map[string]struct{})
	readySince := make(map[string]time.Time)
	now := time.Now()
	for _, op := range wave.Operations {
		if state.IsCompleted(op.ID) {
			continue
		}
		opsByID[op.ID] = op
		pending[op.ID] = struct{}{}
		readySince[op.ID] = now
	}
	if len(pending) == 0 {
		return nil
	}

	maxPar := plan.RecommendedParallelism
	if maxPar <= 0 {
		maxPar = len(pending)
	}
	if c.backpressure != nil {
		if scaled := c.backpressure.EffectiveParallelism(maxPar); scaled > 0 {
			maxPar = scaled
		}
	}
	if maxPar < 1 {
		maxPar = 1
	}

	workers := pool.New().WithMaxGoroutines(maxPar)
	results := make(chan taskResult, len(opsByID))
	requeue := make(chan string, len(opsByID))
	inFlight := make(map[string]struct{})

	dispatchNext := func() bool {
		var best string
		bestScore := 0.0
		found := false
		for id := range pending {
			if _, busy := inFlight[id]; busy {
				continue
			}
			node, ok := dag.OperationByID(id)
			if !ok {
				continue
			}
			depsDone := true
			for _, dep := range dag.Reverse[node.Index] {
				if !state.IsCompleted(dag.Nodes[dep].Operation.ID) {
					depsDone = false
					break
				}
			}
			if !depsDone {
				continue
			}
			score := priorityOf(dag, node.Index, riskByID[id], readySince[id])
			if !found || score > bestScore || (score == bestScore && id < best) {
				best, bestScore, found = id, score, true
			}
		}
		if !found {
			return false
		}
		op := opsByID[best]
		if c.backpressure != nil && !c.backpressure.CanAdmit(op) {
			return false
		}
		delete(pending, best)
		inFlight[best] = struct{}{}
		state.InFlightOperations[best] = model.InFlightOperation{WorkerID: fmt.Sprintf("worker-%d", len(inFlight)), StartTime: time.Now()}
		c.publish(eventbus.Event{Kind: eventbus.OpStarted, PlanID: plan.ID, Payload: best})
		workers.Go(func() {
			err := c.executeOne(ctx, plan.ID, op)
			results <- taskResult{opID: best, err: err}
		})
		return true
	}

	for dispatchNext() {
	}

	for len(inFlight) > 0 {
		select {
		case <-ctx.Done():
			workers.Wait()
			return ctx.Err()

		case id := <-requeue:
			pending[id] = struct{}{}
			readySince[id] = time.Now()
			for dispatchNext() {
			}

		case res := <-results:
			delete(inFlight, res.opID)
			delete(state.InFlightOperations, res.opID)

			if res.err == nil {
				state.CompletedOperationIDs[res.opID] = struct{}{}
				c.publish(eventbus.Event{Kind: eventbus.OpSucceeded, PlanID: plan.ID, Payload: res.opID})
				if c.backpressure != nil {
					c.backpressure.RecordResult(true)
				}
				*completions++
				if c.checkpointEvery > 0 && *completions%c.checkpointEvery == 0 {
					c.checkpointNow(plan.ID, state)
				}
				for dispatchNext() {
				}
				continue
			}

			if c.backpressure != nil {
				c.backpressure.RecordResult(false)
			}

			if werror.Retryable(res.err) && !c.backoff.ExhaustedBudget(state.RetryCounts[res.opID]) {
				state.RetryCounts[res.opID]++
				attempt := state.RetryCounts[res.opID]
				c.publish(eventbus.Event{Kind: eventbus.OpRetry, PlanID: plan.ID, Payload: res.opID})
				delay := c.backoff.Delay(attempt, c.rng)
				opID := res.opID
				go func() {
					select {
					case <-time.After(delay):
						requeue <- opID
					case <-ctx.Done():
					}
				}()
				continue
			}

			state.FailedOperationIDs[res.opID] = struct{}{}
			c.publish(eventbus.Event{Kind: eventbus.OpFailed, PlanID: plan.ID, Payload: res.opID})
			if node, ok := dag.OperationByID(res.opID); ok {
				for _, v := range depgraph.ReachableSet(dag, node.Index).ToSlice() {
					downstream := dag.Nodes[v.(int)].Operation
					state.BlockedOperationIDs[downstream.ID] = struct{}{}
					delete(pending, downstream.ID)
				}
			}
			workers.Wait()
			return fmt.Errorf("operation %s failed permanently: %w", res.opID, res.err)
		}
	}

	workers.Wait()
	return nil
}

// priorityOf computes a ready operation's dispatch priority (spec §4.6
// point 1): critical-path weight via depgraph's reachable-set lookahead,
// plus urgency (how long it's been ready), minus its risk score. Business
// priority is left at zero — SPEC_FULL.md's Operation has no priority
// field of its own, so there is nothing non-zero to contribute; a caller
// wiring in an external priority source can fold it into risk's
// complement before calling Execute.
func priorityOf(dag *depgraph.DAG, index int, risk float64, readySince time.Time) float64 {
	lookahead := float64(depgraph.ReachableSet(dag, index).Cardinality())
	urgency := time.Since(readySince).Seconds()
	return lookahead + urgency - risk
}

func (c *Coordinator) executeOne(ctx context.Context, planID string, op model.Operation) error {
	ch := c.newChannel()
	defer ch.Close()

	switch op.PhaseHint {
	case model.PhaseNonTransactional:
		return ch.RunNonTransactional(ctx, op)
	case model.PhaseValidation:
		return ch.RunValidation(ctx, op)
	default:
		return ch.RunTransactional(ctx, planID, op)
	}
}

// checkpointNow writes a checkpoint, escalating to a pause if two
// consecutive writes fail (spec §5: "checkpoint write failures escalate
// to the coordinator; if two consecutive writes fail, the coordinator
// pauses and surfaces CHECKPOINT_CORRUPT").
func (c *Coordinator) checkpointNow(planID string, state *model.ExecutorState) {
	if c.checkpoints == nil {
		return
	}
	if _, err := c.checkpoints.Save(state, nil); err != nil {
		c.checkpointFailures++
		c.publish(eventbus.Event{Kind: eventbus.ThresholdExceeded, PlanID: planID, Payload: werror.New(werror.CheckpointCorrupt, "checkpoint write failed", err)})
		if c.checkpointFailures >= 2 {
			c.Pause()
		}
		return
	}
	c.checkpointFailures = 0
	c.publish(eventbus.Event{Kind: eventbus.CheckpointWritten, PlanID: planID})
}

func (c *Coordinator) publish(ev eventbus.Event) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ev)
}
