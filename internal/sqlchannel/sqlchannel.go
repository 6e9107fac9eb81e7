// Package sqlchannel implements the SqlChannel (spec §4.7): a channel
// to the database, serving one operation at a time,
// with the transaction discipline described there (timeouts, advisory
// lock, commit/rollback) plus non-transactional and validation-phase
// execution modes. Grounded on postgres-postgres's oltp_clients pgx
// usage for connection handling, and on block-spirit's Runner state
// machine (pkg/migration/runner.go) for the pattern of a single
// long-lived executor stepping through explicit states while reporting
// back to a coordinating loop — Wesley's worker pool plays that
// coordinator role, SqlChannel is the per-worker executor.
package sqlchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/pgadvisory"
	"github.com/nnaka2992/wesley/internal/werror"
)

// Conn is the subset of *pgxpool.Conn (and, for tests, pgxmock's
// connection double) SqlChannel needs: transaction control plus direct
// exec for non-transactional statements.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// Timeouts are the per-transaction settings SqlChannel applies before
// running any operation SQL (spec §4.7 point 2), configurable per
// operation.
type Timeouts struct {
	LockTimeout               time.Duration
	StatementTimeout          time.Duration
	IdleInTransactionTimeout time.Duration
}

// DefaultTimeouts matches spec §4.7's stated defaults.
var DefaultTimeouts = Timeouts{
	LockTimeout:              5 * time.Second,
	StatementTimeout:         30 * time.Second,
	IdleInTransactionTimeout: 60 * time.Second,
}

// LowTrafficWindow reports whether now is currently inside a configured
// low-traffic window; the validation phase consults it before running
// (spec §4.7: "may run individual VALIDATE CONSTRAINT statements ...
// optionally gated by an external low-traffic-window signal").
type LowTrafficWindow func() bool

// Channel is one worker's dedicated connection to the target database.
type Channel struct {
	conn     Conn
	timeouts Timeouts
	window   LowTrafficWindow
}

// New wraps a pooled connection as a Channel. The coordinator builds one
// Channel per operation attempt and closes it when that attempt ends; a
// worker does not keep a Channel across operations.
func New(conn Conn, timeouts Timeouts) *Channel {
	return &Channel{conn: conn, timeouts: timeouts}
}

// WithLowTrafficWindow attaches the validation-phase gating callback.
func (c *Channel) WithLowTrafficWindow(w LowTrafficWindow) *Channel {
	c.window = w
	return c
}

// Close releases the underlying pooled connection.
func (c *Channel) Close() {
	c.conn.Release()
}

// RunTransactional executes op inside a single transaction with the
// timeout settings applied and the plan/phase advisory lock held,
// implementing spec §4.7's five-step transaction discipline. A single
// failed statement aborts the remaining batch and rolls back (spec
// §4.7: "the session is configured so the first error aborts").
func (c *Channel) RunTransactional(ctx context.Context, planID string, op model.Operation) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return werror.New(werror.ConnectionLost, "beginning transaction", err)
	}

	if err := c.applyTimeouts(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	key := pgadvisory.Key(planID, string(op.PhaseHint))
	if err := pgadvisory.TxLock(ctx, tx, key); err != nil {
		_ = tx.Rollback(ctx)
		return werror.New(werror.Internal, "acquiring advisory lock", err)
	}

	for _, stmt := range op.Statements {
		if stmt == "" || isComment(stmt) {
			continue
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return werror.Classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return werror.Classify(err)
	}
	return nil
}

// RunNonTransactional executes op without an enclosing transaction (spec
// §4.7: e.g. CREATE INDEX CONCURRENTLY). Serialization per table — only
// one concurrent-index operation in flight per table — is the
// coordinator's responsibility, not the channel's.
func (c *Channel) RunNonTransactional(ctx context.Context, op model.Operation) error {
	for _, stmt := range op.Statements {
		if stmt == "" || isComment(stmt) {
			continue
		}
		if _, err := c.conn.Exec(ctx, stmt); err != nil {
			return werror.Classify(err)
		}
	}
	return nil
}

// RunValidation executes a validation-phase operation (typically a
// single VALIDATE CONSTRAINT), optionally gated by the low-traffic
// window callback (spec §4.7).
func (c *Channel) RunValidation(ctx context.Context, op model.Operation) error {
	if c.window != nil && !c.window() {
		return werror.New(werror.Internal, "validation deferred: outside the configured low-traffic window", nil)
	}
	for _, stmt := range op.Statements {
		if stmt == "" || isComment(stmt) {
			continue
		}
		if _, err := c.conn.Exec(ctx, stmt); err != nil {
			return werror.Classify(err)
		}
	}
	return nil
}

func (c *Channel) applyTimeouts(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.timeouts.LockTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", c.timeouts.StatementTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = '%dms'", c.timeouts.IdleInTransactionTimeout.Milliseconds()),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return werror.New(werror.Internal, "applying transaction timeouts", err)
		}
	}
	return nil
}

func isComment(stmt string) bool {
	for i := 0; i < len(stmt)-1; i++ {
		if stmt[i] == ' ' || stmt[i] == '\t' || stmt[i] == '\n' {
			continue
		}
		return stmt[i] == '-' && stmt[i+1] == '-'
	}
	return false
}
