package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ComplexityTrivial  = "trivial"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

const (
	planMinConsiderations = 3
	planMaxConsiderations = 8
)

// Plan is the planner pass output: a structured decomposition of the goal.
type Plan struct {
	GoalRestated   string
	Approach       string
	Considerations []string
	Complexity     string
	NeedsEvidence  bool
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.GoalRestated) == "" {
		return errors.New("goal_restated is required")
	}
	if strings.TrimSpace(p.Approach) == "" {
		return errors.New("approach is required")
	}
	if len(p.Considerations) < planMinConsiderations || len(p.Considerations) > planMaxConsiderations {
		return fmt.Errorf("considerations must hold %d..%d entries, got %d",
			planMinConsiderations, planMaxConsiderations, len(p.Considerations))
	}
	for i, c := range p.Considerations {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("considerations[%d] is empty", i)
		}
	}
	switch p.Complexity {
	case ComplexityTrivial, ComplexityModerate, ComplexityComplex:
	default:
		return fmt.Errorf("unsupported complexity %q", p.Complexity)
	}
	return nil
}
