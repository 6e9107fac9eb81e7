// Package pgadvisory derives advisory-lock keys and wraps PostgreSQL
// session/transaction-scoped advisory locks (spec §4.7, §5: "one
// process-wide advisory-lock key per plan ensures no two Wesley processes
// execute the same plan concurrently"). Grounded on allisson-go-pglock's
// Locker interface (session-level pg_advisory_lock/pg_try_advisory_lock
// wrapping a held connection), adapted from database/sql to pgx/v5 (the
// driver the rest of Wesley's domain stack commits to) and extended with
// the transaction-scoped variants SqlChannel needs for its per-phase
// locking discipline.
package pgadvisory

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Key derives the stable 64-bit advisory lock key for (planID, phase),
// per spec §4.7 point 3: "a transaction-scoped advisory lock whose key is
// a stable hash of (planId, phaseName)". FNV-1a gives a deterministic,
// allocation-free hash with a good spread for short keys like these.
func Key(planID, phase string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(planID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(phase))
	return int64(h.Sum64())
}

// PlanKey derives the coarser process-wide key used to ensure no two
// Wesley processes execute the same plan concurrently (spec §5), shared
// across every phase of one plan.
func PlanKey(planID string) int64 {
	return Key(planID, "")
}

// Querier is the subset of pgx.Tx and pgx.Conn that advisory lock calls
// need; satisfied by both so callers can lock at either scope.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxLock acquires a transaction-scoped exclusive advisory lock
// (pg_advisory_xact_lock), released automatically at COMMIT or ROLLBACK.
// This is the lock SqlChannel's transactional phase takes before
// executing any operation SQL (spec §4.7 point 3).
func TxLock(ctx context.Context, q Querier, key int64) error {
	if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("pgadvisory: acquiring transaction-scoped advisory lock %d: %w", key, err)
	}
	return nil
}

// TryTxLock attempts the non-blocking variant, returning false rather
// than waiting if another session already holds the key.
func TryTxLock(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, key int64) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&ok); err != nil {
		return false, fmt.Errorf("pgadvisory: attempting transaction-scoped advisory lock %d: %w", key, err)
	}
	return ok, nil
}

// SessionLock acquires a session-scoped advisory lock that persists
// until explicitly released or the connection closes — used for the
// process-wide plan key (spec §5), which must outlive any single
// transaction.
func SessionLock(ctx context.Context, q Querier, key int64) error {
	if _, err := q.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("pgadvisory: acquiring session advisory lock %d: %w", key, err)
	}
	return nil
}

// SessionUnlock releases one level of a previously acquired session lock
// (locks stack: acquiring N times requires releasing N times).
func SessionUnlock(ctx context.Context, q Querier, key int64) error {
	if _, err := q.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		return fmt.Errorf("pgadvisory: releasing session advisory lock %d: %w", key, err)
	}
	return nil
}
