package planner

import (
	"testing"

	"github.com/nnaka2992/wesley/internal/model"
)

func TestPlanOrdersPhasesByPhaseOrder(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "fk", Kind: model.KindAddForeignKey, Target: "orders", Attributes: model.Attributes{
			ConstraintName: "orders_customer_fk",
			ConstraintDef:  "FOREIGN KEY (customer_id) REFERENCES customers (id)",
		}, References: []string{"customers(id)"}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	phaseIndex := make(map[model.Phase]int, len(plan.Phases))
	for i, ph := range plan.Phases {
		phaseIndex[ph.Phase] = i
	}
	if phaseIndex[model.PhaseTransactional] >= phaseIndex[model.PhaseValidation] {
		t.Errorf("transactional phase should come before validation phase")
	}
}

func TestPlanRewritesAddForeignKeyIntoTwoOperations(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "fk", Kind: model.KindAddForeignKey, Target: "orders", Attributes: model.Attributes{
			ConstraintName: "orders_customer_fk",
			ConstraintDef:  "FOREIGN KEY (customer_id) REFERENCES customers (id)",
		}, References: []string{"customers(id)"}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	all := plan.AllOperations()
	if len(all) != 2 {
		t.Fatalf("expected 2 operations after rewrite, got %d", len(all))
	}
}

func TestPlanAssignsLockLevels(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "idx", Kind: model.KindAddIndex, Target: "users", Attributes: model.Attributes{Columns: []string{"email"}}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.LockLevels) != 1 {
		t.Fatalf("expected one lock level entry, got %d", len(plan.LockLevels))
	}
	for _, level := range plan.LockLevels {
		if level != model.ShareUpdateExclusive {
			t.Errorf("expected ShareUpdateExclusive, got %s", level)
		}
	}
}

func TestPlanProducesRollbackOperationsInReverseOrder(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "create_t", Kind: model.KindCreateTable, Target: "widgets"},
		{ID: "add_col", Kind: model.KindAddColumn, Target: "widgets", IndexOrConstraint: "name", Attributes: model.Attributes{ColumnType: "text", DefaultExpr: "''"}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.RollbackOperations) != 2 {
		t.Fatalf("expected 2 rollback operations, got %d", len(plan.RollbackOperations))
	}
	if plan.RollbackOperations[0].ForOperationID != "add_col" {
		t.Errorf("rollback should be reverse-ordered, expected add_col first, got %s", plan.RollbackOperations[0].ForOperationID)
	}
}

func TestPlanMarksNonCompensableOperationsManual(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "alter", Kind: model.KindAlterColumnType, Target: "events", IndexOrConstraint: "payload", Attributes: model.Attributes{ColumnType: "jsonb"}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	found := false
	for _, rb := range plan.RollbackOperations {
		if rb.Manual && rb.DataLossy {
			found = true
		}
	}
	if !found {
		t.Errorf("expected at least one manual/data-lossy rollback entry for alter_column_type, got %+v", plan.RollbackOperations)
	}
}

func TestPlanDependencyNeverRunsAfterItsDependent(t *testing.T) {
	p := New(4)
	ops := []model.Operation{
		{ID: "create_t", Kind: model.KindCreateTable, Target: "accounts"},
		{ID: "fk", Kind: model.KindAddForeignKey, Target: "orders", Attributes: model.Attributes{
			ConstraintName: "orders_acct_fk",
			ConstraintDef:  "FOREIGN KEY (account_id) REFERENCES accounts (id)",
		}, References: []string{"accounts(id)"}},
	}
	plan, err := p.Plan(ops)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	phaseOfOp := make(map[string]int, len(plan.Phases))
	for i, ph := range plan.Phases {
		for _, w := range ph.Waves {
			for _, op := range w.Operations {
				phaseOfOp[op.ID] = i
			}
		}
	}
	if phaseOfOp["create_t"] > phaseOfOp["fk/1"] {
		t.Errorf("create_table must not be scheduled after the dependent foreign key add")
	}
}
