package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nnaka2992/wesley/internal/backpressure"
	"github.com/nnaka2992/wesley/internal/checkpoint"
	"github.com/nnaka2992/wesley/internal/coordinator"
	"github.com/nnaka2992/wesley/internal/eventbus"
	"github.com/nnaka2992/wesley/internal/lockmonitor"
	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/sqlchannel"
)

func buildApplyCommand() *cobra.Command {
	var (
		planFile      string
		dsn           string
		checkpointDir string
		eventLogDir   string
		resumeID      string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute a previously built Plan against a live database",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(planFile)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()

			bus := eventbus.New(nil)
			if eventLogDir != "" {
				if err := os.MkdirAll(eventLogDir, 0o755); err != nil {
					return fmt.Errorf("creating event log directory: %w", err)
				}
				if err := bus.WithMirror(fmt.Sprintf("%s/%s.log", eventLogDir, plan.ID)); err != nil {
					return fmt.Errorf("opening durable event mirror: %w", err)
				}
			}
			defer bus.Close()
			bus.SubscribeAll(func(ev eventbus.Event) {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", ev.Kind, ev.PlanID)
			})

			bp := backpressure.New(backpressure.DefaultThresholds)

			monitor := lockmonitor.New(pool, bus, plan.ID, lockmonitor.DefaultThresholds)
			monitorCtx, cancelMonitor := context.WithCancel(cmd.Context())
			defer cancelMonitor()
			monitor.Start(monitorCtx)
			defer monitor.Stop()
			go forwardAlerts(monitorCtx, bus, bp)

			cm := checkpoint.New(checkpointDir, checkpoint.DefaultRetention)

			newChannel := func() *sqlchannel.Channel {
				conn, err := pool.Acquire(cmd.Context())
				if err != nil {
					// Acquisition failures surface on the first statement the
					// channel attempts, since SqlChannel.Conn has no error-return
					// constructor path; RunTransactional's own Begin call will
					// fail immediately against a nil conn acquisition, which is
					// visible to the operator as an OP_FAILED/CONNECTION_LOST
					// event rather than a silent panic.
					return sqlchannel.New(failedAcquireConn{err: err}, sqlchannel.DefaultTimeouts)
				}
				return sqlchannel.New(conn, sqlchannel.DefaultTimeouts)
			}

			co := coordinator.New(bus, bp, cm, newChannel,
				coordinator.WithCheckpointEvery(5),
			)

			var state *model.ExecutorState
			if resumeID != "" {
				state, err = co.Recover(cmd.Context(), plan, resumeID)
			} else {
				state, err = co.Execute(cmd.Context(), plan)
			}
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nfinal status: %s (%d completed, %d failed, %d blocked)\n",
				state.Status, len(state.CompletedOperationIDs), len(state.FailedOperationIDs), len(state.BlockedOperationIDs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "JSON plan file produced by `wesley plan --save-plan` (required)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (required)")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", ".wesley/checkpoints", "directory for checkpoint documents")
	cmd.Flags().StringVar(&eventLogDir, "event-log-dir", "", "directory for the durable event mirror (disabled if empty)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume from this checkpoint id instead of starting fresh")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

func loadPlan(path string) (*model.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var plan model.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan JSON: %w", err)
	}
	return &plan, nil
}

// forwardAlerts folds LockMonitor's published alerts into the
// BackpressureController's admission posture (spec §4.9: "the
// coordinator consults the most recent report when admitting
// operations").
func forwardAlerts(ctx context.Context, bus *eventbus.Bus, bp *backpressure.Controller) {
	kinds := []eventbus.Kind{eventbus.DeadlockDetected, eventbus.LockWaitAlert, eventbus.LockContentionAlert, eventbus.ThresholdExceeded}
	for _, kind := range kinds {
		k := kind
		_ = bus.Subscribe(k, func(ev eventbus.Event) { bp.RecordAlert(k) })
	}
	<-ctx.Done()
}

// failedAcquireConn is a sqlchannel.Conn whose every call returns the
// pool-acquisition error it was built with — Begin/Exec surface it as a
// classified error instead of the coordinator dereferencing a nil
// connection.
type failedAcquireConn struct {
	err error
}

func (c failedAcquireConn) Begin(ctx context.Context) (pgx.Tx, error) { return nil, c.err }
func (c failedAcquireConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, c.err
}
func (c failedAcquireConn) Release() {}
