package backpressure

import (
	"testing"
	"time"

	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/model"
)

func TestControllerStartsHealthy(t *testing.T) {
	c := New(DefaultThresholds)
	if c.State() != Healthy {
		t.Fatalf("State = %v, want Healthy", c.State())
	}
	if !c.CanAdmit(model.Operation{}) {
		t.Error("expected a healthy controller to admit freely")
	}
}

func TestControllerDegradesOnElevatedErrorRate(t *testing.T) {
	th := DefaultThresholds
	th.Window = 10
	th.DegradedErrorRate = 0.2
	th.DegradedDelay = time.Millisecond
	c := New(th)

	for i := 0; i < 3; i++ {
		c.RecordResult(false)
	}
	for i := 0; i < 7; i++ {
		c.RecordResult(true)
	}

	if c.State() != Degraded {
		t.Fatalf("State = %v, want Degraded", c.State())
	}
	if !c.CanAdmit(model.Operation{}) {
		t.Error("degraded controller should still admit, after a delay")
	}
}

func TestControllerOpensCircuitOnHighErrorRate(t *testing.T) {
	th := DefaultThresholds
	th.Window = 10
	th.CircuitErrorRate = 0.5
	c := New(th)

	for i := 0; i < 6; i++ {
		c.RecordResult(false)
	}
	for i := 0; i < 4; i++ {
		c.RecordResult(true)
	}

	if c.State() != CircuitOpen {
		t.Fatalf("State = %v, want CircuitOpen", c.State())
	}
	if c.CanAdmit(model.Operation{}) {
		t.Error("circuit-open controller must refuse admission")
	}
}

func TestRecordAlertDeadlockOpensCircuitImmediately(t *testing.T) {
	c := New(DefaultThresholds)
	c.RecordAlert(eventbus.DeadlockDetected)
	if c.State() != CircuitOpen {
		t.Fatalf("State = %v, want CircuitOpen", c.State())
	}
}

func TestRecordAlertContentionDegrades(t *testing.T) {
	c := New(DefaultThresholds)
	c.RecordAlert(eventbus.LockContentionAlert)
	if c.State() != Degraded {
		t.Fatalf("State = %v, want Degraded", c.State())
	}
}

func TestEffectiveParallelismScalesDownWhileDegraded(t *testing.T) {
	th := DefaultThresholds
	th.DegradedParallelismFactor = 0.5
	c := New(th)
	c.RecordAlert(eventbus.LockWaitAlert)
	if got := c.EffectiveParallelism(8); got != 4 {
		t.Errorf("EffectiveParallelism(8) = %d, want 4", got)
	}
}

func TestEffectiveParallelismZeroWhileCircuitOpen(t *testing.T) {
	c := New(DefaultThresholds)
	c.RecordAlert(eventbus.DeadlockDetected)
	if got := c.EffectiveParallelism(8); got != 0 {
		t.Errorf("EffectiveParallelism(8) = %d, want 0", got)
	}
}

func TestBatchOptimizerPlacesDDLBeforeDML(t *testing.T) {
	opt := NewBatchOptimizer(10, 10_000_000)
	ops := []model.Operation{
		{ID: "backfill1", Kind: model.KindBackfill, Target: "users"},
		{ID: "create1", Kind: model.KindCreateTable, Target: "orders"},
	}
	groups := opt.Optimize(ops)
	var seenIDs []string
	for _, g := range groups {
		for _, op := range g.Operations {
			seenIDs = append(seenIDs, op.ID)
		}
	}
	if len(seenIDs) != 2 || seenIDs[0] != "create1" || seenIDs[1] != "backfill1" {
		t.Errorf("order = %v, want [create1 backfill1]", seenIDs)
	}
}

func TestBatchOptimizerIsolatesHighRiskOperations(t *testing.T) {
	opt := NewBatchOptimizer(10, 10_000_000)
	ops := []model.Operation{
		{ID: "drop1", Kind: model.KindDropTable, Target: "legacy", EstimatedRowCount: 5_000_000},
		{ID: "create1", Kind: model.KindCreateTable, Target: "orders"},
	}
	groups := opt.Optimize(ops)

	var isolated *Group
	for i := range groups {
		for _, op := range groups[i].Operations {
			if op.ID == "drop1" {
				isolated = &groups[i]
			}
		}
	}
	if isolated == nil {
		t.Fatal("expected the drop_table operation to appear in some group")
	}
	if len(isolated.Operations) != 1 {
		t.Errorf("expected drop1 isolated alone, got group with %d operations", len(isolated.Operations))
	}
	if isolated.TransactionMode != ModeExplicit || isolated.Isolation != IsolationSerializable {
		t.Errorf("isolated risky group mode/isolation = %v/%v, want explicit/serializable", isolated.TransactionMode, isolated.Isolation)
	}
}

func TestBatchOptimizerSplitsOnConflict(t *testing.T) {
	opt := NewBatchOptimizer(10, 10_000_000)
	ops := []model.Operation{
		{ID: "idx1", Kind: model.KindAddIndex, Target: "orders", Attributes: model.Attributes{Concurrently: true}},
		{ID: "idx2", Kind: model.KindAddIndex, Target: "orders", Attributes: model.Attributes{Concurrently: false}},
	}
	groups := opt.Optimize(ops)
	if len(groups) != 2 {
		t.Fatalf("expected the two conflicting index builds in separate groups, got %d groups", len(groups))
	}
}

func TestBatchOptimizerRespectsSizeBudget(t *testing.T) {
	opt := NewBatchOptimizer(2, 10_000_000)
	ops := []model.Operation{
		{ID: "t1", Kind: model.KindCreateTable, Target: "a"},
		{ID: "t2", Kind: model.KindCreateTable, Target: "b"},
		{ID: "t3", Kind: model.KindCreateTable, Target: "c"},
	}
	groups := opt.Optimize(ops)
	total := 0
	for _, g := range groups {
		if len(g.Operations) > 2 {
			t.Errorf("group exceeds size budget: %d operations", len(g.Operations))
		}
		total += len(g.Operations)
	}
	if total != 3 {
		t.Errorf("total packed operations = %d, want 3", total)
	}
}
