package safety

import (
	"testing"

	"github.com/nnaka2992/wesley/internal/model"
)

func TestAnalyzeScoresHeavierKindsHigher(t *testing.T) {
	a := New(4)
	ops := []model.Operation{
		{ID: "drop", Kind: model.KindDropTable, Target: "legacy", EstimatedRowCount: 10_000_000},
		{ID: "view", Kind: model.KindCreateView, Target: "v_legacy"},
	}
	result := a.Analyze(ops)
	scores := make(map[string]float64, len(result.Risk.PerOperation))
	for _, r := range result.Risk.PerOperation {
		scores[r.OperationID] = r.Score
	}
	if scores["drop"] <= scores["view"] {
		t.Errorf("expected drop_table to score higher than create_view: %v", scores)
	}
}

func TestAnalyzeRewrittenOperationScoresLower(t *testing.T) {
	a := New(4)
	base := model.Operation{ID: "idx", Kind: model.KindAddIndex, Target: "users", EstimatedRowCount: 1000}
	rewritten := base
	rewritten.ID = "idx2"
	rewritten.GeneratedBy = "idx"

	result := a.Analyze([]model.Operation{base, rewritten})
	scores := make(map[string]float64, 2)
	for _, r := range result.Risk.PerOperation {
		scores[r.OperationID] = r.Score
	}
	if scores["idx2"] >= scores["idx"] {
		t.Errorf("expected rewritten operation to score lower: %v", scores)
	}
}

func TestDetectRacesSharedConflictingResource(t *testing.T) {
	a := New(4)
	ops := []model.Operation{
		{ID: "a", Kind: model.KindAddColumn, Target: "users"},
		{ID: "b", Kind: model.KindDropColumn, Target: "users"},
	}
	result := a.Analyze(ops)
	if len(result.Risk.RaceConditions) != 1 {
		t.Fatalf("expected one race condition, got %d", len(result.Risk.RaceConditions))
	}
	rc := result.Risk.RaceConditions[0]
	if rc.Resource != "users" {
		t.Errorf("expected resource 'users', got %s", rc.Resource)
	}
}

func TestDetectRacesSkipsExplicitlyOrderedOperations(t *testing.T) {
	a := New(4)
	ops := []model.Operation{
		{ID: "base", Kind: model.KindAddColumn, Target: "users"},
		{ID: "step2", Kind: model.KindDropColumn, Target: "users", GeneratedBy: "base"},
	}
	result := a.Analyze(ops)
	if len(result.Risk.RaceConditions) != 0 {
		t.Errorf("expected no races between explicitly ordered steps, got %v", result.Risk.RaceConditions)
	}
}

func TestDetectRacesIgnoresDifferentResources(t *testing.T) {
	a := New(4)
	ops := []model.Operation{
		{ID: "a", Kind: model.KindAddColumn, Target: "users"},
		{ID: "b", Kind: model.KindDropColumn, Target: "orders"},
	}
	result := a.Analyze(ops)
	if len(result.Risk.RaceConditions) != 0 {
		t.Errorf("expected no races across different resources, got %v", result.Risk.RaceConditions)
	}
}

func TestDeadlockClusterDetection(t *testing.T) {
	a := New(4)
	ops := []model.Operation{
		{ID: "a", Kind: model.KindDropColumn, Target: "users"},
		{ID: "b", Kind: model.KindDropColumn, Target: "users"},
		{ID: "c", Kind: model.KindDropColumn, Target: "users"},
	}
	result := a.Analyze(ops)
	if len(result.Risk.DeadlockClusters) != 1 {
		t.Fatalf("expected one deadlock cluster, got %d", len(result.Risk.DeadlockClusters))
	}
	if len(result.Risk.DeadlockClusters[0]) != 3 {
		t.Errorf("expected all 3 operations in the cluster, got %v", result.Risk.DeadlockClusters[0])
	}
}

func TestParallelismPlanCapsAtMaxParallelism(t *testing.T) {
	a := New(2)
	ops := []model.Operation{
		{ID: "a", Kind: model.KindAddIndex, Target: "t1"},
		{ID: "b", Kind: model.KindAddIndex, Target: "t2"},
		{ID: "c", Kind: model.KindAddIndex, Target: "t3"},
	}
	result := a.Analyze(ops)
	if result.ParallelismPlan.RecommendedParallelism > 2 {
		t.Errorf("expected parallelism capped at 2, got %d", result.ParallelismPlan.RecommendedParallelism)
	}
}

func TestParallelismPlanScalesDownUnderHighRisk(t *testing.T) {
	a := New(8)
	ops := []model.Operation{
		{ID: "a", Kind: model.KindAlterColumnType, Target: "t1", EstimatedRowCount: 50_000_000},
		{ID: "b", Kind: model.KindDropTable, Target: "t2", EstimatedRowCount: 50_000_000},
		{ID: "c", Kind: model.KindAlterColumnType, Target: "t3", EstimatedRowCount: 50_000_000},
		{ID: "d", Kind: model.KindDropTable, Target: "t4", EstimatedRowCount: 50_000_000},
	}
	result := a.Analyze(ops)
	if result.ParallelismPlan.RecommendedParallelism >= 4 {
		t.Errorf("expected scaled-down parallelism under high risk, got %d", result.ParallelismPlan.RecommendedParallelism)
	}
}
