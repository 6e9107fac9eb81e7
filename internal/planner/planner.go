// Package planner implements the ExecutionPlanner (spec §4.5): it
// composes LockClassifier, OperationRewriter, DependencyResolver and
// SafetyAnalyzer into a single `Plan`, assigning every rewritten
// operation to exactly one phase and partitioning each phase into waves.
// Grounded on the teacher's top-level Analyze entry point in
// internal/analyzer/analyzer.go, which is itself a thin composition of
// the parser, registry lookup and identifier checks — Wesley's planner
// plays the same "orchestrate the leaf packages, do no domain logic of
// its own" role, generalized across five collaborators instead of three.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nnaka2992/wesley/internal/depgraph"
	"github.com/nnaka2992/wesley/internal/lockclass"
	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/rewriter"
	"github.com/nnaka2992/wesley/internal/safety"
)

// Planner implements the ExecutionPlanner contract.
type Planner struct {
	classifier *lockclass.Classifier
	rewriter   *rewriter.Rewriter
	safety     *safety.Analyzer
}

// New returns a Planner wired to the standard LockClassifier, Rewriter
// and SafetyAnalyzer implementations, capped at maxParallelism
// concurrent operations per wave.
func New(maxParallelism int) *Planner {
	return &Planner{
		classifier: lockclass.New(),
		rewriter:   rewriter.New(),
		safety:     safety.New(maxParallelism),
	}
}

// Plan composes the pipeline described in spec §2's data-flow sentence:
// rewrite each input operation, order the result, assign phases and
// waves, score risk, and emit rollback operations.
func (p *Planner) Plan(ops []model.Operation) (*model.Plan, error) {
	var rewritten []model.Operation
	for _, op := range ops {
		steps, err := p.rewriter.Rewrite(op)
		if err != nil {
			return nil, fmt.Errorf("planner: rewriting %s: %w", op.ID, err)
		}
		rewritten = append(rewritten, steps...)
	}

	dag, err := depgraph.Build(rewritten)
	if err != nil {
		return nil, fmt.Errorf("planner: building dependency graph: %w", err)
	}
	ordered, err := depgraph.TopologicalOrder(dag)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	phaseOf := make(map[string]model.Phase, len(ordered))
	for _, op := range ordered {
		phaseOf[op.ID] = choosePhase(op)
	}
	enforcePhaseMonotonicity(dag, phaseOf)

	byPhase := map[model.Phase][]model.Operation{
		model.PhaseNonTransactional: nil,
		model.PhaseTransactional:    nil,
		model.PhaseValidation:      nil,
	}
	for _, op := range ordered {
		ph := phaseOf[op.ID]
		byPhase[ph] = append(byPhase[ph], op)
	}

	lockLevels := make(map[string]model.LockLevel, len(ordered))
	for _, op := range ordered {
		lockLevels[op.ID] = p.classifier.Classify(op)
	}

	safetyResult := p.safety.Analyze(ordered)

	phases := make([]model.PhasePlan, 0, 3)
	for _, ph := range []model.Phase{model.PhaseNonTransactional, model.PhaseTransactional, model.PhaseValidation} {
		waves := partitionIntoWaves(byPhase[ph], p.classifier, dag, safetyResult.ParallelismPlan.RecommendedParallelism)
		phases = append(phases, model.PhasePlan{Phase: ph, Waves: waves})
	}

	rollback := buildRollbackOperations(ordered)

	plan := &model.Plan{
		ID:                     uuid.NewString(),
		Phases:                 phases,
		RollbackOperations:     rollback,
		RiskAssessment:         safetyResult.Risk,
		EstimatedDuration:      estimateDuration(ordered, safetyResult),
		LockLevels:             lockLevels,
		RecommendedParallelism: safetyResult.ParallelismPlan.RecommendedParallelism,
	}
	return plan, nil
}

// choosePhase assigns an operation to one of the three scheduling phases
// (spec §4.5), honoring an explicit PhaseHint set by the rewriter first.
func choosePhase(op model.Operation) model.Phase {
	if op.PhaseHint != "" {
		return op.PhaseHint
	}
	switch op.Kind {
	case model.KindValidateConstraint:
		return model.PhaseValidation
	default:
		return model.PhaseTransactional
	}
}

// enforcePhaseMonotonicity promotes an operation's phase forward (never
// backward) when one of its dependencies would otherwise land in a later
// phase, preserving the invariant that dependencies never run after their
// dependents (spec §8 property 2: "every operation's dependencies are in
// the same or an earlier phase").
func enforcePhaseMonotonicity(dag *depgraph.DAG, phaseOf map[string]model.Phase) {
	changed := true
	for changed {
		changed = false
		for _, node := range dag.Nodes {
			op := node.Operation
			for _, depIdx := range dag.Reverse[node.Index] {
				dep := dag.Nodes[depIdx].Operation
				if model.PhaseOrder[phaseOf[dep.ID]] > model.PhaseOrder[phaseOf[op.ID]] {
					phaseOf[op.ID] = phaseOf[dep.ID]
					changed = true
				}
			}
		}
	}
}

// partitionIntoWaves groups a phase's operations into waves: operations
// in the same wave must not conflict on a shared resource (spec §3:
// "within a wave, no two operations share a resource on a conflicting
// lock level") and must have no unresolved dependency within the phase.
// Wave size is capped at recommendedParallelism.
func partitionIntoWaves(ops []model.Operation, classifier *lockclass.Classifier, dag *depgraph.DAG, maxPerWave int) []model.Wave {
	if len(ops) == 0 {
		return nil
	}
	if maxPerWave < 1 {
		maxPerWave = 1
	}

	inPhase := make(map[string]bool, len(ops))
	for _, op := range ops {
		inPhase[op.ID] = true
	}
	placed := make(map[string]bool, len(ops))

	var waves []model.Wave
	remaining := append([]model.Operation(nil), ops...)
	for len(remaining) > 0 {
		var wave []model.Operation
		var leftover []model.Operation
		for _, op := range remaining {
			if len(wave) >= maxPerWave {
				leftover = append(leftover, op)
				continue
			}
			if !dependenciesSatisfied(op, dag, inPhase, placed) {
				leftover = append(leftover, op)
				continue
			}
			if conflictsWithWave(op, wave, classifier) {
				leftover = append(leftover, op)
				continue
			}
			wave = append(wave, op)
		}
		if len(wave) == 0 {
			// Every remaining op conflicts with something already chosen
			// this tick or still has an unmet in-phase dependency; flush
			// one at a time to guarantee forward progress.
			wave = append(wave, remaining[0])
			leftover = remaining[1:]
		}
		for _, op := range wave {
			placed[op.ID] = true
		}
		waves = append(waves, model.Wave{Index: len(waves), Operations: wave})
		remaining = leftover
	}
	return waves
}

func dependenciesSatisfied(op model.Operation, dag *depgraph.DAG, inPhase, placed map[string]bool) bool {
	node, ok := dag.OperationByID(op.ID)
	if !ok {
		return true
	}
	for _, depIdx := range dag.Reverse[node.Index] {
		dep := dag.Nodes[depIdx].Operation
		if inPhase[dep.ID] && !placed[dep.ID] {
			return false
		}
	}
	return true
}

func conflictsWithWave(op model.Operation, wave []model.Operation, classifier *lockclass.Classifier) bool {
	for _, existing := range wave {
		if existing.Target != op.Target {
			continue
		}
		if classifier.Conflicts(existing, op) {
			return true
		}
	}
	return false
}

// buildRollbackOperations emits a reverse-ordered compensating operation
// for each planned operation, marking non-compensable ones (spec §4.5)
// rather than dropping them.
func buildRollbackOperations(ops []model.Operation) []model.RollbackOperation {
	rollback := make([]model.RollbackOperation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		rollback = append(rollback, compensatingOperation(ops[i]))
	}
	return rollback
}

func compensatingOperation(op model.Operation) model.RollbackOperation {
	target := lockclass.QuoteIdentifier(op.Target)
	switch op.Kind {
	case model.KindCreateTable:
		return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("DROP TABLE %s", target)}}
	case model.KindAddColumn:
		col := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", target, col)}}
	case model.KindAddIndex, model.KindAddUnique:
		idx := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", idx)}}
	case model.KindAddForeignKey, model.KindSetNotNull:
		if op.Attributes.ConstraintName != "" {
			name := lockclass.QuoteIdentifier(op.Attributes.ConstraintName)
			return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", target, name)}}
		}
		return model.RollbackOperation{ForOperationID: op.ID, Manual: true, Note: "no constraint name recorded; drop manually"}
	case model.KindValidateConstraint, model.KindBackfill:
		return model.RollbackOperation{ForOperationID: op.ID, Note: "no-op: validation/backfill steps have no reversible schema effect"}
	case model.KindDropTable, model.KindDropColumn, model.KindDropConstraint:
		return model.RollbackOperation{ForOperationID: op.ID, Manual: true, DataLossy: true, Note: "dropped object cannot be reconstructed automatically"}
	case model.KindAlterColumnType:
		return model.RollbackOperation{ForOperationID: op.ID, Manual: true, DataLossy: true, Note: "original column type not retained; manual restore required"}
	case model.KindRenameColumn:
		if len(op.Statements) == 2 {
			// The shadow-column swap step (two renames at once, produced by
			// the alter_column_type rewrite) has no single old/new pair to
			// invert generically; its predecessor (the shadow column add)
			// and successor (the old column drop) are the compensable
			// halves of this rewrite.
			return model.RollbackOperation{ForOperationID: op.ID, Manual: true, Note: "shadow-column rename swap: restore by reversing the paired add/drop steps"}
		}
		old := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		next := lockclass.QuoteIdentifier(op.Attributes.NewName)
		return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", target, next, old)}}
	case model.KindRenameTable:
		next := lockclass.QuoteIdentifier(op.Attributes.NewName)
		return model.RollbackOperation{ForOperationID: op.ID, SQL: []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", next, target)}}
	default:
		return model.RollbackOperation{ForOperationID: op.ID, Manual: true, Note: "no compensating operation defined for this kind"}
	}
}

// estimateDuration sums per-operation duration triples, where each
// operation's estimate is derived from its risk score and row count.
func estimateDuration(ops []model.Operation, result safety.Result) model.Duration {
	scoreByID := make(map[string]float64, len(result.Risk.PerOperation))
	for _, r := range result.Risk.PerOperation {
		scoreByID[r.OperationID] = r.Score
	}

	var total model.Duration
	for _, op := range ops {
		d := perOperationDuration(op, scoreByID[op.ID])
		total.Optimistic += d.Optimistic
		total.Expected += d.Expected
		total.Pessimistic += d.Pessimistic
	}
	return total
}

func perOperationDuration(op model.Operation, score float64) model.Duration {
	base := secondsFromScore(score)
	return model.Duration{
		Optimistic:  secondsDuration(base * 0.5),
		Expected:    secondsDuration(base),
		Pessimistic: secondsDuration(base * 2.5),
	}
}

func secondsFromScore(score float64) float64 {
	if score < 1 {
		score = 1
	}
	return score
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
