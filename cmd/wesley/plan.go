package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nnaka2992/wesley/internal/model"
	"github.com/nnaka2992/wesley/internal/planner"
)

func buildPlanCommand() *cobra.Command {
	var (
		opsFile        string
		outputFormat   string
		maxParallelism int
		planOutFile    string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build an execution Plan from a list of operations and explain it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := loadOperations(opsFile)
			if err != nil {
				return err
			}

			p := planner.New(maxParallelism)
			plan, err := p.Plan(ops)
			if err != nil {
				return fmt.Errorf("planning: %w", err)
			}

			if planOutFile != "" {
				data, err := json.Marshal(plan)
				if err != nil {
					return fmt.Errorf("marshaling plan: %w", err)
				}
				if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
					return fmt.Errorf("writing plan file: %w", err)
				}
			}

			return renderExplain(cmd.OutOrStdout(), outputFormat, plan)
		},
	}

	cmd.Flags().StringVarP(&opsFile, "operations", "f", "", "JSON or YAML file listing the operations to plan (required)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, yaml")
	cmd.Flags().IntVar(&maxParallelism, "max-parallelism", 4, "maximum operations per wave")
	cmd.Flags().StringVar(&planOutFile, "save-plan", "", "write the built plan as JSON to this file, for later `wesley apply`")
	_ = cmd.MarkFlagRequired("operations")

	return cmd
}

// loadOperations reads a JSON or YAML-encoded []model.Operation from path,
// dispatching on file extension the same way the teacher's outputFormat
// flag dispatches on format name.
func loadOperations(path string) ([]model.Operation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening operations file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading operations file: %w", err)
	}

	var ops []model.Operation
	if isYAMLFile(path) {
		if err := yaml.Unmarshal(data, &ops); err != nil {
			return nil, fmt.Errorf("parsing operations YAML: %w", err)
		}
		return ops, nil
	}
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parsing operations JSON: %w", err)
	}
	return ops, nil
}

func isYAMLFile(path string) bool {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			ext := path[i:]
			return ext == ".yaml" || ext == ".yml"
		case '/':
			return false
		}
	}
	return false
}
