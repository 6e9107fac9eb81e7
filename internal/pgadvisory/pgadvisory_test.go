package pgadvisory

import "testing"

func TestKeyIsStableForSameInputs(t *testing.T) {
	a := Key("plan-1", "transactional")
	b := Key("plan-1", "transactional")
	if a != b {
		t.Errorf("Key should be deterministic: got %d and %d", a, b)
	}
}

func TestKeyDiffersByPhase(t *testing.T) {
	a := Key("plan-1", "transactional")
	b := Key("plan-1", "validation")
	if a == b {
		t.Errorf("Key should differ across phases, both gave %d", a)
	}
}

func TestKeyDiffersByPlan(t *testing.T) {
	a := Key("plan-1", "transactional")
	b := Key("plan-2", "transactional")
	if a == b {
		t.Errorf("Key should differ across plans, both gave %d", a)
	}
}

func TestPlanKeyDiffersFromPhaseKey(t *testing.T) {
	planKey := PlanKey("plan-1")
	phaseKey := Key("plan-1", "transactional")
	if planKey == phaseKey {
		t.Errorf("PlanKey should not collide with a named-phase key")
	}
}
