// Package depgraph implements the DependencyResolver (spec §4.3): it
// builds a dependency DAG over a set of operations and produces a
// deterministic topological order, failing with CIRCULAR_DEPENDENCY when
// a cycle exists. Grounded on the teacher's table-over-arena style (an
// integer-indexed slice of nodes plus adjacency lists, as used for the
// SCC-free walk in internal/analyzer/node_analyzers.go) and on
// zakandrewking-lockplane's multiphase planner, which threads explicit
// "depends on the previous step" edges between generated operations —
// the same pattern Wesley's rewriter output needs (backfill before swap,
// validate after add).
package depgraph

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set"

	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/werror"
)

// Node is one operation placed in the arena, keyed by its integer id for
// cache-friendly adjacency list indexing.
type Node struct {
	Index     int
	Operation model.Operation
}

// DAG is the dependency graph over a set of operations: an arena of nodes
// plus forward and reverse adjacency lists (spec §4.3: "an arena of nodes
// with integer ids plus a separate forward edge list and reverse edge
// list").
type DAG struct {
	Nodes   []Node
	indexOf map[string]int
	Forward [][]int // Forward[i] = indices of operations that depend on i (i must run first)
	Reverse [][]int // Reverse[i] = indices of operations i depends on
}

// OperationByID returns the node for the given operation id.
func (d *DAG) OperationByID(id string) (Node, bool) {
	idx, ok := d.indexOf[id]
	if !ok {
		return Node{}, false
	}
	return d.Nodes[idx], true
}

// Build constructs the dependency DAG from the dependency rules in spec
// §4.3:
//   - any op referencing table T depends on the create_table for T in
//     the same plan, if present;
//   - add_foreign_key depends on the referenced table's creation;
//   - validate_constraint depends on the constraint's creation
//     (tracked via GeneratedBy, since the rewriter produces these pairs
//     itself);
//   - add_index depends on all referenced columns' creations (tracked
//     via add_column operations targeting the same columns);
//   - post-shadow swap steps depend on the preceding backfill
//     (tracked via GeneratedBy ordering within a rewrite group).
func Build(ops []model.Operation) (*DAG, error) {
	d := &DAG{
		indexOf: make(map[string]int, len(ops)),
	}
	d.Nodes = make([]Node, len(ops))
	for i, op := range ops {
		d.Nodes[i] = Node{Index: i, Operation: op}
		d.indexOf[op.ID] = i
	}
	d.Forward = make([][]int, len(ops))
	d.Reverse = make([][]int, len(ops))

	createTableByTarget := make(map[string]int)
	addColumnByTargetCol := make(map[string]int)
	constraintCreationByName := make(map[string]int)
	generatedGroup := make(map[string][]int) // GeneratedBy -> ordered indices

	for i, op := range ops {
		switch op.Kind {
		case model.KindCreateTable:
			createTableByTarget[op.Target] = i
		case model.KindAddColumn:
			addColumnByTargetCol[op.Target+"."+op.IndexOrConstraint] = i
		case model.KindAddForeignKey, model.KindSetNotNull:
			if op.Attributes.ConstraintName != "" {
				constraintCreationByName[op.Attributes.ConstraintName] = i
			}
		}
		if op.GeneratedBy != "" {
			generatedGroup[op.GeneratedBy] = append(generatedGroup[op.GeneratedBy], i)
		}
	}

	addEdge := func(from, to int) {
		if from == to {
			return
		}
		d.Forward[from] = append(d.Forward[from], to)
		d.Reverse[to] = append(d.Reverse[to], from)
	}

	for i, op := range ops {
		if creator, ok := createTableByTarget[op.Target]; ok && op.Kind != model.KindCreateTable {
			addEdge(creator, i)
		}
		if op.Kind == model.KindAddForeignKey {
			for _, ref := range op.References {
				if creator, ok := createTableByTarget[refTable(ref)]; ok {
					addEdge(creator, i)
				}
			}
		}
		if op.Kind == model.KindValidateConstraint && op.Attributes.ConstraintName != "" {
			if creator, ok := constraintCreationByName[op.Attributes.ConstraintName]; ok {
				addEdge(creator, i)
			}
		}
		if op.Kind == model.KindAddIndex || op.Kind == model.KindAddUnique {
			for _, col := range op.Attributes.Columns {
				if creator, ok := addColumnByTargetCol[op.Target+"."+col]; ok {
					addEdge(creator, i)
				}
			}
		}
	}

	// Rewrite-group ordering: each generated group runs in the order the
	// rewriter emitted it, derived from the numeric suffix the rewriter's
	// idSeq appends to each step's id ("<baseID>/<n>"), since each step
	// was constructed assuming the previous one already ran. This is
	// independent of the arena's insertion order, which callers are free
	// to reorder before calling Build.
	for _, group := range generatedGroup {
		sorted := append([]int(nil), group...)
		sort.Slice(sorted, func(a, b int) bool {
			return rewriteSeq(d.Nodes[sorted[a]].Operation.ID) < rewriteSeq(d.Nodes[sorted[b]].Operation.ID)
		})
		for k := 1; k < len(sorted); k++ {
			addEdge(sorted[k-1], sorted[k])
		}
	}

	return d, nil
}

// rewriteSeq extracts the trailing "/<n>" sequence number the rewriter's
// idSeq assigns to each step of a multi-step rewrite, defaulting to 0 for
// ids that don't carry one.
func rewriteSeq(id string) int {
	i := len(id) - 1
	for i >= 0 && id[i] != '/' {
		i--
	}
	if i < 0 {
		return 0
	}
	n := 0
	for _, ch := range id[i+1:] {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

func refTable(ref string) string {
	for i, ch := range ref {
		if ch == '(' {
			return ref[:i]
		}
	}
	return ref
}

// TopologicalOrder returns operations in a valid linearization using
// Kahn's algorithm, breaking ties by insertion (arena) order for
// determinism (spec §4.3). Returns a werror.PlanInvalid-classed error
// tagged CIRCULAR_DEPENDENCY when a cycle prevents full ordering.
func TopologicalOrder(d *DAG) ([]model.Operation, error) {
	n := len(d.Nodes)
	inDegree := make([]int, n)
	for i := range d.Nodes {
		inDegree[i] = len(d.Reverse[i])
	}

	// A slice used as a priority-free FIFO ordered by arena index keeps
	// ties deterministic: always pop the lowest-index ready node.
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	order := make([]model.Operation, 0, n)
	visited := make([]bool, n)
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		if visited[idx] {
			continue
		}
		visited[idx] = true
		order = append(order, d.Nodes[idx].Operation)

		newlyReady := make([]int, 0)
		for _, next := range d.Forward[idx] {
			inDegree[next]--
			if inDegree[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		sort.Ints(newlyReady)
		ready = append(ready, newlyReady...)
		sort.Ints(ready)
	}

	if len(order) != n {
		cycles := FindCycles(d)
		return nil, werror.New(werror.PlanInvalid, fmt.Sprintf("circular dependency across %d operation(s)", n-len(order)), nil).
			WithHint(describeCycles(d, cycles))
	}
	return order, nil
}

func describeCycles(d *DAG, cycles [][]int) string {
	if len(cycles) == 0 {
		return "CIRCULAR_DEPENDENCY"
	}
	ids := make([]string, 0, len(cycles[0]))
	for _, idx := range cycles[0] {
		ids = append(ids, d.Nodes[idx].Operation.ID)
	}
	return "CIRCULAR_DEPENDENCY among: " + joinIDs(ids)
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// FindCycles returns every strongly-connected component of size ≥ 2 in
// the dependency graph using Tarjan's algorithm, reporting all
// participants in each cycle (spec §4.3: "cycle detection reports all
// participants").
func FindCycles(d *DAG) [][]int {
	n := len(d.Nodes)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	counter := 0
	var sccs [][]int

	var strongconnect func(v int)
	strongconnect = func(v int) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range d.Forward[v] {
			if index[w] == -1 {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var component []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) >= 2 {
				sort.Ints(component)
				sccs = append(sccs, component)
			}
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongconnect(v)
		}
	}
	return sccs
}

// ReachableSet returns the set of node indices reachable from start by
// following Forward edges, using golang-set for the visited/frontier
// bookkeeping (the DependencyResolver's one natural consumer of set
// algebra: computing "everything downstream of op X" for the
// coordinator's lookahead bonus, spec §4.6).
func ReachableSet(d *DAG, start int) mapset.Set {
	visited := mapset.NewSet()
	frontier := []int{start}
	for len(frontier) > 0 {
		v := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited.Contains(v) {
			continue
		}
		visited.Add(v)
		for _, w := range d.Forward[v] {
			if !visited.Contains(w) {
				frontier = append(frontier, w)
			}
		}
	}
	visited.Remove(start)
	return visited
}
