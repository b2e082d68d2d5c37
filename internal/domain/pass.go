package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	PassTypePlanner  = "planner"
	PassTypeSolver   = "solver"
	PassTypeVerifier = "verifier"
)

const (
	PassOutcomeSucceeded = "succeeded"
	PassOutcomeFailed    = "failed"
)

// PassExecution records one provider invocation attempt, retries included.
type PassExecution struct {
	ID             string
	RunID          string
	PassType       string
	CandidateIndex *int
	Attempt        int
	Model          string
	InputSHA256    string
	Output         string
	InputTokens    int64
	OutputTokens   int64
	LatencyMS      int64
	Outcome        string
	ErrorKind      string
	CreatedAt      time.Time
}

func (p PassExecution) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pass id is required")
	}
	if strings.TrimSpace(p.RunID) == "" {
		return errors.New("run id is required")
	}
	if !ValidPassType(p.PassType) {
		return errors.New("invalid pass type")
	}
	if p.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	switch p.Outcome {
	case PassOutcomeSucceeded, PassOutcomeFailed:
	default:
		return errors.New("invalid pass outcome")
	}
	return nil
}

func ValidPassType(passType string) bool {
	switch passType {
	case PassTypePlanner, PassTypeSolver, PassTypeVerifier:
		return true
	default:
		return false
	}
}
