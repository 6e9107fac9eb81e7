// Package safety implements the SafetyAnalyzer / ConcurrentSafetyAnalyzer
// (spec §4.4): risk scoring, race-condition detection, deadlock
// prediction, and a recommended parallelism plan over a set of operations
// that may run concurrently. Grounded on the teacher's severity-scoring
// idea in internal/analyzer/registry.go (each operation kind carries a
// severity weight) generalized into a continuous risk score, and on
// zakandrewking-lockplane's conflict-aware rewrite selection, which is the
// closest the pack gets to "operations race if their lock levels
// conflict." Deadlock prediction reuses depgraph's Tarjan SCC
// implementation against a conflict graph instead of a dependency graph.
package safety

import (
	"math"
	"sort"

	mapset "github.com/deckarep/golang-set"

	"github.com/nnaka2992/wesley/internal/depgraph"
	"github.com/nnaka2992/wesley/internal/lockclass"
	"github.com/nnaka2992/wesley/internal/model"
)

// Result is the SafetyAnalyzer's output for one set of operations (spec
// §4.4: "{risk, raceConditions, lockEscalationRisks, parallelismPlan,
// recommendations}").
type Result struct {
	Risk                model.RiskAssessment
	LockEscalationRisks []string
	ParallelismPlan     ParallelismPlan
	Recommendations     []string
}

// ParallelismPlan groups operations into disjoint-resource sets and
// recommends how many may run concurrently.
type ParallelismPlan struct {
	Groups                 [][]string
	RecommendedParallelism int
}

// Analyzer implements the SafetyAnalyzer contract.
type Analyzer struct {
	classifier     *lockclass.Classifier
	maxParallelism int
}

// New returns an Analyzer capped at maxParallelism concurrent operations
// per wave (spec §4.4: "the minimum of maxParallelism, the size of the
// largest independent set, and a scale-down factor when total risk is
// high").
func New(maxParallelism int) *Analyzer {
	if maxParallelism <= 0 {
		maxParallelism = 4
	}
	return &Analyzer{classifier: lockclass.New(), maxParallelism: maxParallelism}
}

// kindMultiplier is the per-kind risk multiplier (spec §4.4:
// "kind-specific multiplier (alter_type, drop_table heaviest)").
var kindMultiplier = map[model.OperationKind]float64{
	model.KindAlterColumnType:   3.0,
	model.KindDropTable:         3.0,
	model.KindDropColumn:        2.2,
	model.KindSetNotNull:        1.6,
	model.KindAddForeignKey:     1.5,
	model.KindDropConstraint:    1.4,
	model.KindRenameTable:       1.3,
	model.KindRenameColumn:      1.1,
	model.KindAddIndex:          1.0,
	model.KindAddUnique:         1.0,
	model.KindValidateConstraint: 0.8,
	model.KindAddColumn:         0.9,
	model.KindBackfill:          1.2,
	model.KindCreateTable:       0.5,
	model.KindCreateView:        0.4,
}

// lockWeight assigns each lock level its contribution to risk, scaled so
// ACCESS_EXCLUSIVE contributes the maximum (spec §4.4: "lock level (max
// contribution for ACCESS_EXCLUSIVE)").
func lockWeight(level model.LockLevel) float64 {
	return float64(level) / float64(model.AccessExclusive)
}

// Analyze scores every operation, detects races and deadlock clusters,
// and produces a parallelism recommendation, implementing the
// SafetyAnalyzer.analyze contract.
func (a *Analyzer) Analyze(ops []model.Operation) Result {
	perOp := make([]model.OperationRisk, 0, len(ops))
	var totalScore float64
	for _, op := range ops {
		score, factors := a.scoreOperation(op)
		perOp = append(perOp, model.OperationRisk{
			OperationID: op.ID,
			Score:       score,
			Level:       riskLevelFor(score),
			Factors:     factors,
		})
		totalScore += score
	}

	races := a.detectRaces(ops)
	conflictGraph := a.buildConflictGraph(ops)
	clusters := depgraph.FindCycles(conflictGraph)
	deadlockClusters := make([][]string, 0, len(clusters))
	for _, cluster := range clusters {
		ids := make([]string, 0, len(cluster))
		for _, idx := range cluster {
			ids = append(ids, conflictGraph.Nodes[idx].Operation.ID)
		}
		deadlockClusters = append(deadlockClusters, ids)
	}

	overall := model.RiskLow
	if len(ops) > 0 {
		overall = riskLevelFor(totalScore / float64(len(ops)))
	}

	pplan := a.parallelismPlan(ops, totalScore)

	var recommendations []string
	for _, rc := range races {
		recommendations = append(recommendations, rc.Mitigation)
	}
	for range deadlockClusters {
		recommendations = append(recommendations, "impose consistent ordering across the cluster, or hoist it to a sequential wave")
	}

	var escalation []string
	for _, op := range ops {
		if a.classifier.Classify(op) == model.AccessExclusive && op.EstimatedRowCount > 1_000_000 {
			escalation = append(escalation, op.ID)
		}
	}

	return Result{
		Risk: model.RiskAssessment{
			Overall:          overall,
			PerOperation:     perOp,
			RaceConditions:   races,
			DeadlockClusters: deadlockClusters,
		},
		LockEscalationRisks: escalation,
		ParallelismPlan:     pplan,
		Recommendations:     dedupStrings(recommendations),
	}
}

// scoreOperation computes an operation's weighted risk score: lock level
// (log-scaled table size) * kind multiplier, reduced when the operation
// already carries a rewrite (spec §4.4: "rewrite presence (reduces
// risk)").
func (a *Analyzer) scoreOperation(op model.Operation) (float64, []string) {
	var factors []string
	level := a.classifier.Classify(op)
	lockScore := lockWeight(level) * 10
	factors = append(factors, "lockLevel:"+level.String())

	sizeScore := 1.0
	if op.EstimatedRowCount > 0 {
		sizeScore = math.Log10(float64(op.EstimatedRowCount) + 10)
		factors = append(factors, "tableSize")
	}

	mult := kindMultiplier[op.Kind]
	if mult == 0 {
		mult = 1.0
	}

	score := lockScore * sizeScore * mult

	if op.GeneratedBy != "" {
		score *= 0.6
		factors = append(factors, "rewritten")
	}

	return score, factors
}

func riskLevelFor(score float64) model.RiskLevel {
	switch {
	case score >= 40:
		return model.RiskCritical
	case score >= 20:
		return model.RiskHigh
	case score >= 8:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// detectRaces finds pairs of operations that share a resource, conflict
// on lock level, and are not explicitly ordered via GeneratedBy (spec
// §4.4). Operations are assumed candidates for the same or a later wave;
// the caller is expected to only pass operations within the analysis
// scope it cares about (typically one wave or one phase).
func (a *Analyzer) detectRaces(ops []model.Operation) []model.RaceCondition {
	var races []model.RaceCondition
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			x, y := ops[i], ops[j]
			if x.Target != y.Target {
				continue
			}
			if x.GeneratedBy == y.ID || y.GeneratedBy == x.ID || (x.GeneratedBy != "" && x.GeneratedBy == y.GeneratedBy) {
				continue
			}
			if !a.classifier.Conflicts(x, y) {
				continue
			}
			if !writes(x) && !writes(y) {
				continue
			}
			races = append(races, model.RaceCondition{
				OperationA: x.ID,
				OperationB: y.ID,
				Resource:   x.Target,
				Mitigation: raceMitigation(x, y),
			})
		}
	}
	return races
}

func writes(op model.Operation) bool {
	switch op.Kind {
	case model.KindValidateConstraint, model.KindCreateView:
		return false
	default:
		return true
	}
}

func raceMitigation(a, b model.Operation) string {
	if a.Kind == model.KindAlterColumnType || b.Kind == model.KindAlterColumnType {
		return "serialize within the same wave"
	}
	return "insert explicit ordering, or promote isolation level"
}

// buildConflictGraph produces a depgraph.DAG whose edges are lock
// conflicts rather than dependencies, so depgraph.FindCycles' Tarjan SCC
// implementation can be reused for deadlock-cluster prediction (spec
// §4.4: "deadlock prediction applies Tarjan's SCC over the conflict
// graph").
func (a *Analyzer) buildConflictGraph(ops []model.Operation) *depgraph.DAG {
	d, _ := depgraph.Build(nil)
	d.Nodes = make([]depgraph.Node, len(ops))
	d.Forward = make([][]int, len(ops))
	d.Reverse = make([][]int, len(ops))
	for i, op := range ops {
		d.Nodes[i] = depgraph.Node{Index: i, Operation: op}
	}
	for i := 0; i < len(ops); i++ {
		for j := 0; j < len(ops); j++ {
			if i == j {
				continue
			}
			if ops[i].Target != ops[j].Target {
				continue
			}
			if !a.classifier.Conflicts(ops[i], ops[j]) {
				continue
			}
			d.Forward[i] = append(d.Forward[i], j)
			d.Reverse[j] = append(d.Reverse[j], i)
		}
	}
	return d
}

// parallelismPlan groups operations by disjoint resource (Target) sets
// and recommends a per-wave parallelism.
func (a *Analyzer) parallelismPlan(ops []model.Operation, totalRisk float64) ParallelismPlan {
	byTarget := make(map[string]mapset.Set)
	order := make([]string, 0)
	for _, op := range ops {
		if _, ok := byTarget[op.Target]; !ok {
			byTarget[op.Target] = mapset.NewSet()
			order = append(order, op.Target)
		}
		byTarget[op.Target].Add(op.ID)
	}
	sort.Strings(order)

	groups := make([][]string, 0, len(order))
	for _, target := range order {
		ids := make([]string, 0, byTarget[target].Cardinality())
		for _, v := range byTarget[target].ToSlice() {
			ids = append(ids, v.(string))
		}
		sort.Strings(ids)
		groups = append(groups, ids)
	}

	parallelism := len(groups)
	if parallelism > a.maxParallelism {
		parallelism = a.maxParallelism
	}
	if parallelism < 1 {
		parallelism = 1
	}
	if len(ops) > 0 && totalRisk/float64(len(ops)) >= 20 {
		// Scale down when average risk is high (spec §4.4).
		parallelism = maxInt(1, parallelism/2)
	}

	return ParallelismPlan{Groups: groups, RecommendedParallelism: parallelism}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func dedupStrings(in []string) []string {
	seen := mapset.NewSet()
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen.Contains(s) {
			continue
		}
		seen.Add(s)
		out = append(out, s)
	}
	return out
}
