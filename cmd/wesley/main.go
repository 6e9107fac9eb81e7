// Command wesley is the thin demo CLI wrapping Wesley's planning and
// execution pipeline (spec §0's "cmd/wesley: thin CLI, wraps the core").
// It composes two subcommands: plan (build and explain a Plan from a
// list of operations) and apply (execute a Plan against a real
// database). Grounded on the teacher's buildCommand/runAnalysis split
// in cmd/pg-lock-check/main.go, widened from one command to a cobra
// command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := buildRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "wesley",
		Short:        "Plan, explain and execute zero-downtime PostgreSQL schema migrations",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildPlanCommand())
	root.AddCommand(buildApplyCommand())
	return root
}
