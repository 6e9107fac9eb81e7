package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/nnaka2992/wesley/internal/model"
)

// explainOutput is the structured form of a Plan's explain output, shared
// by the json/yaml renderers (mirroring the teacher's Output/OutputResult
// shape in the old cmd/pg-lock-check/main.go, generalized from one result
// per statement to one entry per planned wave).
type explainOutput struct {
	PlanID                 string                `json:"planId" yaml:"planId"`
	OverallRisk            string                `json:"overallRisk" yaml:"overallRisk"`
	RecommendedParallelism int                   `json:"recommendedParallelism" yaml:"recommendedParallelism"`
	Phases                 []explainPhase        `json:"phases" yaml:"phases"`
	RaceConditions         []model.RaceCondition `json:"raceConditions,omitempty" yaml:"raceConditions,omitempty"`
}

type explainPhase struct {
	Phase string        `json:"phase" yaml:"phase"`
	Waves []explainWave `json:"waves" yaml:"waves"`
}

type explainWave struct {
	Index      int                `json:"index" yaml:"index"`
	Operations []explainOperation `json:"operations" yaml:"operations"`
}

type explainOperation struct {
	ID        string `json:"id" yaml:"id"`
	Kind      string `json:"kind" yaml:"kind"`
	Target    string `json:"target" yaml:"target"`
	LockLevel string `json:"lockLevel" yaml:"lockLevel"`
	Risk      string `json:"risk" yaml:"risk"`
}

func buildExplainOutput(plan *model.Plan) explainOutput {
	riskByID := make(map[string]model.RiskLevel, len(plan.RiskAssessment.PerOperation))
	for _, r := range plan.RiskAssessment.PerOperation {
		riskByID[r.OperationID] = r.Level
	}

	out := explainOutput{
		PlanID:                 plan.ID,
		OverallRisk:            string(plan.RiskAssessment.Overall),
		RecommendedParallelism: plan.RecommendedParallelism,
		RaceConditions:         plan.RiskAssessment.RaceConditions,
	}
	for _, phasePlan := range plan.Phases {
		ep := explainPhase{Phase: string(phasePlan.Phase)}
		for _, wave := range phasePlan.Waves {
			ew := explainWave{Index: wave.Index}
			for _, op := range wave.Operations {
				ew.Operations = append(ew.Operations, explainOperation{
					ID:        op.ID,
					Kind:      string(op.Kind),
					Target:    op.Target,
					LockLevel: plan.LockLevels[op.ID].String(),
					Risk:      string(riskByID[op.ID]),
				})
			}
			ep.Waves = append(ep.Waves, ew)
		}
		out.Phases = append(out.Phases, ep)
	}
	return out
}

func renderExplain(w io.Writer, format string, plan *model.Plan) error {
	out := buildExplainOutput(plan)
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return enc.Encode(out)
	default:
		renderLockRadar(w, out)
		return nil
	}
}

// riskBadge renders a lipgloss-colored badge per risk level, the "Lock
// Radar" supplementary feature (SPEC_FULL.md §3), generalizing the
// teacher's plain "[SEVERITY] statement" text line into a colorized one.
func riskBadge(risk string) string {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch model.RiskLevel(risk) {
	case model.RiskCritical:
		style = style.Background(lipgloss.Color("196")).Foreground(lipgloss.Color("230"))
	case model.RiskHigh:
		style = style.Background(lipgloss.Color("208")).Foreground(lipgloss.Color("230"))
	case model.RiskMedium:
		style = style.Background(lipgloss.Color("220")).Foreground(lipgloss.Color("0"))
	default:
		style = style.Background(lipgloss.Color("34")).Foreground(lipgloss.Color("230"))
	}
	return style.Render(strings.ToUpper(risk))
}

func renderLockRadar(w io.Writer, out explainOutput) {
	header := lipgloss.NewStyle().Bold(true).Underline(true)
	fmt.Fprintf(w, "%s\n", header.Render(fmt.Sprintf("Plan %s — overall risk %s, parallelism %d", out.PlanID, out.OverallRisk, out.RecommendedParallelism)))

	for _, phase := range out.Phases {
		fmt.Fprintf(w, "\nphase %s\n", phase.Phase)
		for _, wave := range phase.Waves {
			fmt.Fprintf(w, "  wave %d\n", wave.Index)
			for _, op := range wave.Operations {
				fmt.Fprintf(w, "    %s  %-20s %-12s %s\n", riskBadge(op.Risk), op.ID, op.LockLevel, op.Kind)
			}
		}
	}

	if len(out.RaceConditions) > 0 {
		fmt.Fprintf(w, "\nrace conditions:\n")
		for _, rc := range out.RaceConditions {
			fmt.Fprintf(w, "  %s vs %s on %s: %s\n", rc.OperationA, rc.OperationB, rc.Resource, rc.Mitigation)
		}
	}

	fmt.Fprintf(w, "\nSummary: %d phase(s) planned\n", len(out.Phases))
}
