package lockmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/nnaka2992/wesley/internal/depgraph"
	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/model"
)

func TestSnapshotProbePopulatesLocksAndWaitEdges(t *testing.T) {
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("pgxmock.NewConn: %v", err)
	}
	rows := pgxmock.NewRows([]string{"locktype", "relation", "txid", "pid", "mode", "granted", "query", "started", "waiting"}).
		AddRow("relation", "orders", int64(100), int32(1), "RowExclusiveLock", true, "UPDATE orders ...", int64(0), int64(0)).
		AddRow("relation", "orders", int64(0), int32(2), "AccessExclusiveLock", false, "ALTER TABLE orders ...", int64(0), int64(5_000_000_000))
	mock.ExpectQuery("FROM pg_locks").WillReturnRows(rows)

	m := New(mock, nil, "plan-1", DefaultThresholds)
	m.snapshotProbe(context.Background())

	report := m.Report()
	if len(report.Locks) != 2 {
		t.Fatalf("got %d locks, want 2", len(report.Locks))
	}
	if len(report.WaitEdges) != 1 {
		t.Fatalf("got %d wait edges, want 1", len(report.WaitEdges))
	}
	edge := report.WaitEdges[0]
	if edge.BlockedBackend != 2 || edge.BlockingBackend != 1 || edge.Relation != "orders" {
		t.Errorf("unexpected wait edge: %+v", edge)
	}
}

func TestBuildWaitGraphDetectsMutualCycle(t *testing.T) {
	edges := []model.WaitEdge{
		{BlockedBackend: 1, BlockingBackend: 2, Relation: "a"},
		{BlockedBackend: 2, BlockingBackend: 1, Relation: "a"},
	}
	dag, backendByIndex := buildWaitGraph(edges)
	if len(dag.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(dag.Nodes))
	}
	cycles := depgraph.FindCycles(dag)
	if len(cycles) != 1 || len(cycles[0]) != 2 {
		t.Fatalf("expected one cycle of 2 backends, got %v", cycles)
	}
	_ = backendByIndex
}

func TestDeadlockProbeEmitsOneEventPerCycle(t *testing.T) {
	var deadlocks []eventbus.Event
	bus := eventbus.New(nil)
	if err := bus.Subscribe(eventbus.DeadlockDetected, func(ev eventbus.Event) {
		deadlocks = append(deadlocks, ev)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := New(nil, bus, "plan-1", DefaultThresholds)
	// Two independent 2-cycles: backends (1,2) and (3,4).
	m.last.WaitEdges = []model.WaitEdge{
		{BlockedBackend: 1, BlockingBackend: 2, Relation: "a"},
		{BlockedBackend: 2, BlockingBackend: 1, Relation: "a"},
		{BlockedBackend: 3, BlockingBackend: 4, Relation: "b"},
		{BlockedBackend: 4, BlockingBackend: 3, Relation: "b"},
	}

	m.deadlockProbe(context.Background())

	if len(deadlocks) != 2 {
		t.Fatalf("got %d DEADLOCK_DETECTED events, want 2", len(deadlocks))
	}
}

func TestContentionStatsAggregatesPerRelation(t *testing.T) {
	edges := []model.WaitEdge{
		{BlockedBackend: 1, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 6000},
		{BlockedBackend: 2, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 8000},
		{BlockedBackend: 3, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 4000},
	}
	stats := contentionStats(edges)
	orders, ok := stats["orders"]
	if !ok {
		t.Fatal("expected contention stats for relation orders")
	}
	if orders.Waiters != 3 {
		t.Errorf("Waiters = %d, want 3", orders.Waiters)
	}
	if orders.MaxWait != 8*time.Second {
		t.Errorf("MaxWait = %s, want 8s", orders.MaxWait)
	}
	wantAvg := 6 * time.Second
	if orders.AverageWait != wantAvg {
		t.Errorf("AverageWait = %s, want %s", orders.AverageWait, wantAvg)
	}
}

func TestRaiseThresholdAlertsFiresLockWaitAlert(t *testing.T) {
	var waitAlerts []eventbus.Event
	bus := eventbus.New(nil)
	if err := bus.Subscribe(eventbus.LockWaitAlert, func(ev eventbus.Event) {
		waitAlerts = append(waitAlerts, ev)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := New(nil, bus, "plan-1", DefaultThresholds)
	edges := []model.WaitEdge{
		{BlockedBackend: 1, BlockingBackend: 2, Relation: "orders", WaitDurationMs: 60_000},
	}
	m.raiseThresholdAlerts(nil, edges, contentionStats(edges))

	if len(waitAlerts) != 1 {
		t.Fatalf("got %d LOCK_WAIT_ALERT events, want 1", len(waitAlerts))
	}
}

func TestRaiseThresholdAlertsFiresContentionAlert(t *testing.T) {
	var contentionAlerts []eventbus.Event
	bus := eventbus.New(nil)
	if err := bus.Subscribe(eventbus.LockContentionAlert, func(ev eventbus.Event) {
		contentionAlerts = append(contentionAlerts, ev)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := New(nil, bus, "plan-1", DefaultThresholds)
	edges := []model.WaitEdge{
		{BlockedBackend: 1, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 6000},
		{BlockedBackend: 2, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 8000},
		{BlockedBackend: 3, BlockingBackend: 10, Relation: "orders", WaitDurationMs: 7000},
	}
	m.raiseThresholdAlerts(nil, edges, contentionStats(edges))

	if len(contentionAlerts) != 1 {
		t.Fatalf("got %d LOCK_CONTENTION_ALERT events, want 1", len(contentionAlerts))
	}
}
