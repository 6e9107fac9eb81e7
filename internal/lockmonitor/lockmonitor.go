// Package lockmonitor implements the LockMonitor (spec §4.9): live
// introspection of the database's lock graph via two independent
// periodic probes (lock snapshot, deadlock detection), contention
// analysis, and threshold alerts. Grounded on postgres-postgres's own
// pg_locks/pg_stat_activity introspection queries (the authoritative
// source for what those catalogs expose) and on joeycumines-go-utilpkg's
// use of errgroup for bounding a small fixed set of concurrent
// background loops — the same shape LockMonitor's two probes need.
// Deadlock-cycle detection reuses depgraph's Tarjan SCC implementation
// against a waits-for graph built from backend ids instead of operation
// ids, the same reuse pattern internal/safety applies to its conflict
// graph.
package lockmonitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nnaka2992/wesley/internal/depgraph"
	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/model"
)

// Querier is the subset of pgx the monitor needs to read pg_locks and
// pg_stat_activity; satisfied by *pgxpool.Pool, *pgx.Conn, and pgxmock in
// tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Thresholds configures the alerts LockMonitor raises (spec §4.9).
type Thresholds struct {
	MaxWaitTime       time.Duration
	MaxBlockedQueries int
	MaxLockHoldTime   time.Duration
	ContentionWaiters int
	ContentionAvgWait time.Duration
}

// DefaultThresholds matches spec §4.9's illustrative values.
var DefaultThresholds = Thresholds{
	MaxWaitTime:       10 * time.Second,
	MaxBlockedQueries: 10,
	MaxLockHoldTime:   30 * time.Second,
	ContentionWaiters: 3,
	ContentionAvgWait: 5 * time.Second,
}

// ContentionStats aggregates per-relation wait statistics.
type ContentionStats struct {
	Waiters     int
	TotalWait   time.Duration
	AverageWait time.Duration
	MaxWait     time.Duration
}

// Report is the monitor's most recent view of the lock graph (spec
// §4.9's `report() → LockReport`).
type Report struct {
	GeneratedAt          time.Time
	Locks                []model.Lock
	WaitEdges            []model.WaitEdge
	DeadlockClusters     [][]int32
	ContentionByRelation map[string]ContentionStats
}

// Monitor runs the two independent probes and answers report() /
// start()/stop() (spec §4.9).
type Monitor struct {
	conn             Querier
	bus              *eventbus.Bus
	planID           string
	thresholds       Thresholds
	snapshotInterval time.Duration
	deadlockInterval time.Duration

	mu   sync.RWMutex
	last Report

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a Monitor that will publish alert events to bus under
// planID once started.
func New(conn Querier, bus *eventbus.Bus, planID string, thresholds Thresholds) *Monitor {
	return &Monitor{
		conn:             conn,
		bus:              bus,
		planID:           planID,
		thresholds:       thresholds,
		snapshotInterval: 2 * time.Second,
		deadlockInterval: 5 * time.Second,
	}
}

// WithIntervals overrides the default probe intervals.
func (m *Monitor) WithIntervals(snapshot, deadlock time.Duration) *Monitor {
	m.snapshotInterval = snapshot
	m.deadlockInterval = deadlock
	return m
}

// Start launches the two probes as bounded background goroutines (spec
// §4.9: "runs two periodic probes (independent intervals)"). Probe
// failures are logged via the event bus and skipped, never fatal (spec
// §5: "LockMonitor probe failures are logged and skipped").
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	m.group = group

	group.Go(func() error {
		m.loop(gctx, m.snapshotInterval, m.snapshotProbe)
		return nil
	})
	group.Go(func() error {
		m.loop(gctx, m.deadlockInterval, m.deadlockProbe)
		return nil
	})
}

// Stop cancels both probes and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.group.Wait()
}

// Report returns the most recently completed snapshot.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, probe func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe(ctx)
		}
	}
}

const lockSnapshotQuery = `
SELECT
	l.locktype,
	COALESCE(l.relation::regclass::text, ''),
	COALESCE(l.transactionid::bigint, 0),
	l.pid,
	l.mode,
	l.granted,
	COALESCE(a.query, ''),
	COALESCE(extract(epoch from a.query_start) * 1e9, 0)::bigint,
	CASE WHEN l.granted THEN 0
	     ELSE COALESCE(extract(epoch from now() - a.query_start) * 1e9, 0)::bigint
	END
FROM pg_locks l
JOIN pg_stat_activity a ON a.pid = l.pid
WHERE l.pid <> pg_backend_pid()
`

// snapshotProbe enumerates current locks and recomputes contention and
// threshold alerts (spec §4.9 points 1 and 3).
func (m *Monitor) snapshotProbe(ctx context.Context) {
	locks, err := m.queryLocks(ctx)
	if err != nil {
		m.publish(eventbus.Event{Kind: eventbus.ThresholdExceeded, PlanID: m.planID, Payload: fmt.Sprintf("lock snapshot probe failed: %v", err)})
		return
	}

	edges := waitEdgesFromLocks(locks)
	contention := contentionStats(edges)

	m.mu.Lock()
	m.last.GeneratedAt = time.Now()
	m.last.Locks = locks
	m.last.WaitEdges = edges
	m.last.ContentionByRelation = contention
	m.mu.Unlock()

	m.raiseThresholdAlerts(locks, edges, contention)
}

// deadlockProbe builds the waits-for graph from the last snapshot's wait
// edges, finds directed cycles, and emits one DEADLOCK_DETECTED event per
// distinct cycle (spec §4.9 point 2, §8 testable property 8: "given a
// synthetic wait graph with k cycles, LockMonitor emits exactly k
// distinct DEADLOCK_DETECTED events in one probe").
func (m *Monitor) deadlockProbe(ctx context.Context) {
	m.mu.RLock()
	edges := append([]model.WaitEdge(nil), m.last.WaitEdges...)
	m.mu.RUnlock()

	if len(edges) == 0 {
		return
	}

	dag, backendByIndex := buildWaitGraph(edges)
	clusters := depgraph.FindCycles(dag)

	deadlocks := make([][]int32, 0, len(clusters))
	for _, cluster := range clusters {
		backends := make([]int32, 0, len(cluster))
		for _, idx := range cluster {
			backends = append(backends, backendByIndex[idx])
		}
		sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
		deadlocks = append(deadlocks, backends)
		m.publish(eventbus.Event{Kind: eventbus.DeadlockDetected, PlanID: m.planID, Payload: backends})
	}

	m.mu.Lock()
	m.last.DeadlockClusters = deadlocks
	m.mu.Unlock()
}

func (m *Monitor) queryLocks(ctx context.Context) ([]model.Lock, error) {
	rows, err := m.conn.Query(ctx, lockSnapshotQuery)
	if err != nil {
		return nil, fmt.Errorf("lockmonitor: querying pg_locks: %w", err)
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		var l model.Lock
		if err := rows.Scan(&l.LockType, &l.Relation, &l.TransactionID, &l.BackendID, &l.Mode,
			&l.Granted, &l.QueryText, &l.QueryStartedAt, &l.WaitingSince); err != nil {
			return nil, fmt.Errorf("lockmonitor: scanning pg_locks row: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lockmonitor: reading pg_locks: %w", err)
	}
	return locks, nil
}

// waitEdgesFromLocks derives the waits-for graph from a lock snapshot: a
// waiting lock on relation R is blocked by every granted lock on R held
// by a different backend (spec's `WaitEdge` invariant).
func waitEdgesFromLocks(locks []model.Lock) []model.WaitEdge {
	byRelation := make(map[string][]model.Lock)
	for _, l := range locks {
		byRelation[l.Relation] = append(byRelation[l.Relation], l)
	}

	var edges []model.WaitEdge
	for relation, group := range byRelation {
		for _, waiting := range group {
			if waiting.Granted {
				continue
			}
			for _, held := range group {
				if held.Granted && held.BackendID != waiting.BackendID {
					edges = append(edges, model.WaitEdge{
						BlockedBackend:  waiting.BackendID,
						BlockingBackend: held.BackendID,
						LockType:        waiting.LockType,
						Relation:        relation,
						WaitDurationMs:  waiting.WaitingSince / int64(time.Millisecond),
					})
				}
			}
		}
	}
	return edges
}

// buildWaitGraph constructs a depgraph.DAG keyed by backend id so
// depgraph.FindCycles' Tarjan SCC implementation can detect deadlock
// cycles without a second graph algorithm implementation.
func buildWaitGraph(edges []model.WaitEdge) (*depgraph.DAG, []int32) {
	indexOf := make(map[int32]int)
	var backendByIndex []int32
	indexFor := func(backend int32) int {
		if idx, ok := indexOf[backend]; ok {
			return idx
		}
		idx := len(backendByIndex)
		indexOf[backend] = idx
		backendByIndex = append(backendByIndex, backend)
		return idx
	}
	for _, e := range edges {
		indexFor(e.BlockedBackend)
		indexFor(e.BlockingBackend)
	}

	d, _ := depgraph.Build(nil)
	d.Nodes = make([]depgraph.Node, len(backendByIndex))
	d.Forward = make([][]int, len(backendByIndex))
	d.Reverse = make([][]int, len(backendByIndex))
	for i, backend := range backendByIndex {
		d.Nodes[i] = depgraph.Node{Index: i, Operation: model.Operation{ID: fmt.Sprintf("backend:%d", backend)}}
	}
	for _, e := range edges {
		from, to := indexOf[e.BlockedBackend], indexOf[e.BlockingBackend]
		d.Forward[from] = append(d.Forward[from], to)
		d.Reverse[to] = append(d.Reverse[to], from)
	}
	return d, backendByIndex
}

// contentionStats aggregates wait time per relation (spec §4.9:
// "number of waiters, total/average/max wait time").
func contentionStats(edges []model.WaitEdge) map[string]ContentionStats {
	type acc struct {
		waiters mapset.Set
		total   time.Duration
		max     time.Duration
	}
	accs := make(map[string]*acc)
	for _, e := range edges {
		a, ok := accs[e.Relation]
		if !ok {
			a = &acc{waiters: mapset.NewSet()}
			accs[e.Relation] = a
		}
		a.waiters.Add(e.BlockedBackend)
		wait := time.Duration(e.WaitDurationMs) * time.Millisecond
		a.total += wait
		if wait > a.max {
			a.max = wait
		}
	}

	out := make(map[string]ContentionStats, len(accs))
	for relation, a := range accs {
		n := a.waiters.Cardinality()
		avg := time.Duration(0)
		if n > 0 {
			avg = a.total / time.Duration(n)
		}
		out[relation] = ContentionStats{Waiters: n, TotalWait: a.total, AverageWait: avg, MaxWait: a.max}
	}
	return out
}

// raiseThresholdAlerts fires LOCK_WAIT_ALERT, LOCK_CONTENTION_ALERT, and
// THRESHOLD_EXCEEDED events per spec §4.9 points 3-4.
func (m *Monitor) raiseThresholdAlerts(locks []model.Lock, edges []model.WaitEdge, contention map[string]ContentionStats) {
	blocked := 0
	var maxHold time.Duration
	for _, l := range locks {
		if !l.Granted {
			blocked++
			continue
		}
		held := time.Duration(time.Now().UnixNano()-l.QueryStartedAt) * time.Nanosecond
		if held > maxHold {
			maxHold = held
		}
	}
	if maxHold > m.thresholds.MaxLockHoldTime {
		m.publish(eventbus.Event{Kind: eventbus.ThresholdExceeded, PlanID: m.planID, Payload: fmt.Sprintf("lock held for %s exceeds maxLockHoldTime %s", maxHold, m.thresholds.MaxLockHoldTime)})
	}
	if blocked > m.thresholds.MaxBlockedQueries {
		m.publish(eventbus.Event{Kind: eventbus.ThresholdExceeded, PlanID: m.planID, Payload: fmt.Sprintf("%d blocked queries exceeds maxBlockedQueries %d", blocked, m.thresholds.MaxBlockedQueries)})
	}

	for _, e := range edges {
		wait := time.Duration(e.WaitDurationMs) * time.Millisecond
		if wait > m.thresholds.MaxWaitTime {
			m.publish(eventbus.Event{Kind: eventbus.LockWaitAlert, PlanID: m.planID, Payload: e})
		}
	}

	relations := make([]string, 0, len(contention))
	for relation := range contention {
		relations = append(relations, relation)
	}
	sort.Strings(relations)
	for _, relation := range relations {
		stats := contention[relation]
		if stats.Waiters >= m.thresholds.ContentionWaiters && stats.AverageWait > m.thresholds.ContentionAvgWait {
			m.publish(eventbus.Event{Kind: eventbus.LockContentionAlert, PlanID: m.planID, Payload: fmt.Sprintf("relation %s: %d waiters, average wait %s", relation, stats.Waiters, stats.AverageWait)})
		}
	}
}

func (m *Monitor) publish(ev eventbus.Event) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ev)
}
