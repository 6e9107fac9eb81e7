package depgraph

import (
	"testing"

	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/werror"
)

func TestTopologicalOrderRespectsCreateTableDependency(t *testing.T) {
	ops := []model.Operation{
		{ID: "add_col", Kind: model.KindAddColumn, Target: "users"},
		{ID: "create_users", Kind: model.KindCreateTable, Target: "users"},
	}
	d, err := Build(ops)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	order, err := TopologicalOrder(d)
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if order[0].ID != "create_users" || order[1].ID != "add_col" {
		t.Errorf("unexpected order: %v, %v", order[0].ID, order[1].ID)
	}
}

func TestTopologicalOrderForeignKeyDependsOnReferencedTable(t *testing.T) {
	ops := []model.Operation{
		{ID: "fk", Kind: model.KindAddForeignKey, Target: "orders", References: []string{"customers(id)"}},
		{ID: "create_customers", Kind: model.KindCreateTable, Target: "customers"},
		{ID: "create_orders", Kind: model.KindCreateTable, Target: "orders"},
	}
	d, err := Build(ops)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	order, err := TopologicalOrder(d)
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, op := range order {
		pos[op.ID] = i
	}
	if pos["create_customers"] > pos["fk"] {
		t.Errorf("fk should run after create_customers")
	}
	if pos["create_orders"] > pos["fk"] {
		t.Errorf("fk should run after create_orders")
	}
}

func TestTopologicalOrderGeneratedGroupOrdering(t *testing.T) {
	ops := []model.Operation{
		{ID: "op1/3", Kind: model.KindRenameColumn, Target: "events", GeneratedBy: "op1"},
		{ID: "op1/1", Kind: model.KindAddColumn, Target: "events", GeneratedBy: "op1"},
		{ID: "op1/2", Kind: model.KindBackfill, Target: "events", GeneratedBy: "op1"},
	}
	d, err := Build(ops)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	order, err := TopologicalOrder(d)
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	want := []string{"op1/1", "op1/2", "op1/3"}
	for i, w := range want {
		if order[i].ID != w {
			t.Errorf("position %d: got %s, want %s", i, order[i].ID, w)
		}
	}
}

// manualCycle builds a DAG directly (bypassing Build's semantic rules,
// none of which can produce a cycle by construction) to exercise
// TopologicalOrder and FindCycles against a graph that does have one.
func manualCycle(ids []string, edges [][2]int) *DAG {
	d := &DAG{indexOf: make(map[string]int, len(ids))}
	d.Nodes = make([]Node, len(ids))
	d.Forward = make([][]int, len(ids))
	d.Reverse = make([][]int, len(ids))
	for i, id := range ids {
		d.Nodes[i] = Node{Index: i, Operation: model.Operation{ID: id}}
		d.indexOf[id] = i
	}
	for _, e := range edges {
		d.Forward[e[0]] = append(d.Forward[e[0]], e[1])
		d.Reverse[e[1]] = append(d.Reverse[e[1]], e[0])
	}
	return d
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	d := manualCycle([]string{"a", "b"}, [][2]int{{0, 1}, {1, 0}})
	_, err := TopologicalOrder(d)
	if err == nil {
		t.Fatal("expected a circular dependency error")
	}
	if werror.ClassOf(err) != werror.PlanInvalid {
		t.Errorf("expected PlanInvalid class, got %s", werror.ClassOf(err))
	}
}

func TestFindCyclesReportsAllParticipants(t *testing.T) {
	d := manualCycle([]string{"a", "b", "c"}, [][2]int{{0, 1}, {1, 2}, {2, 0}})
	cycles := FindCycles(d)
	if len(cycles) != 1 || len(cycles[0]) != 3 {
		t.Fatalf("expected one 3-node cycle, got %v", cycles)
	}
}

func TestReachableSet(t *testing.T) {
	ops := []model.Operation{
		{ID: "create_users", Kind: model.KindCreateTable, Target: "users"},
		{ID: "add_col", Kind: model.KindAddColumn, Target: "users"},
	}
	d, err := Build(ops)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	createIdx, ok := d.OperationByID("create_users")
	if !ok {
		t.Fatal("create_users node not found")
	}
	reachable := ReachableSet(d, createIdx.Index)
	if reachable.Cardinality() != 1 {
		t.Errorf("expected exactly one reachable node, got %d", reachable.Cardinality())
	}
}
