package engine

import (
	"fmt"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

const plannerSystem = "You are a planning assistant. Respond with a single JSON object and nothing else."

func plannerPrompt(goal string) string {
	var b strings.Builder
	b.WriteString("Produce a plan for the goal below as JSON with exactly these fields:\n")
	b.WriteString(`{"goal_restated": string, "approach": string, "considerations": [3 to 8 strings], "complexity": "trivial"|"moderate"|"complex", "needs_evidence": bool}` + "\n")
	b.WriteString("Set needs_evidence true only when the goal depends on external facts you cannot derive.\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(goal)
	return b.String()
}

const solverSystem = "You are an expert problem solver. Respond with a single JSON object and nothing else."

func solverPrompt(goal string, plan domain.Plan, artifacts []domain.Artifact) string {
	var b strings.Builder
	b.WriteString("Solve the goal below following the plan. Respond as JSON with exactly these fields:\n")
	b.WriteString(`{"answer": string, "confidence": number between 0 and 1}` + "\n")
	if len(artifacts) > 0 {
		b.WriteString("Cite evidence inline using its reference id in square brackets, e.g. [R1]. Only cite listed references.\n")
	}
	b.WriteString("\nGoal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nApproach:\n")
	b.WriteString(plan.Approach)
	if len(plan.Considerations) > 0 {
		b.WriteString("\n\nConsiderations:\n")
		for _, c := range plan.Considerations {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if len(artifacts) > 0 {
		b.WriteString("\nEvidence:\n")
		for _, a := range artifacts {
			fmt.Fprintf(&b, "[%s] %s (%s)\n", a.RefID, a.Content, a.Source)
		}
	}
	return b.String()
}

const judgeSystem = "You are a strict answer grader. Respond with a single JSON object and nothing else."

func judgePrompt(goal, answer string, artifacts []domain.Artifact) string {
	var b strings.Builder
	b.WriteString("Score the candidate answer for the goal on correctness, completeness and grounding. Respond as JSON with exactly these fields:\n")
	b.WriteString(`{"score": number between 0 and 1, "verdict": string}` + "\n")
	b.WriteString("\nGoal:\n")
	b.WriteString(goal)
	if len(artifacts) > 0 {
		b.WriteString("\n\nAvailable evidence:\n")
		for _, a := range artifacts {
			fmt.Fprintf(&b, "[%s] %s (%s)\n", a.RefID, a.Content, a.Source)
		}
	}
	b.WriteString("\n\nCandidate answer:\n")
	b.WriteString(answer)
	return b.String()
}
