package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// Run is one goal execution through the plan/evidence/solve/verify pipeline.
type Run struct {
	ID                  string
	UserID              string
	Lane                string
	Goal                string
	Status              string
	TraceID             string
	InputTokens         int64
	OutputTokens        int64
	CostAmount          float64
	LatencyMS           int64
	VerificationScore   *float64
	ResidualRisk        string
	FinalText           string
	FinalCitations      []Citation
	EvidenceUnavailable bool
	ErrorKind           string
	ErrorMessage        string
	CreatedAt           time.Time
	StartedAt           *time.Time
	EndedAt             *time.Time
}

// Citation resolves an inline reference id to its evidence source.
type Citation struct {
	RefID  string
	Source string
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Lane) == "" {
		return errors.New("lane is required")
	}
	if !ValidRunStatus(r.Status) {
		return errors.New("invalid run status")
	}
	return nil
}

func ValidRunStatus(status string) bool {
	switch status {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusError:
		return true
	default:
		return false
	}
}

// TerminalRunStatus reports whether the status admits no further transitions.
func TerminalRunStatus(status string) bool {
	return status == RunStatusSuccess || status == RunStatusError
}

var runStateOrder = map[string]int{
	RunStatusPending: 0,
	RunStatusRunning: 1,
	RunStatusSuccess: 2,
	RunStatusError:   2,
}

// AllowedRunTransition enforces forward-only run status movement.
func AllowedRunTransition(from, to string) bool {
	fromOrder, ok := runStateOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := runStateOrder[to]
	if !ok {
		return false
	}
	if TerminalRunStatus(from) {
		return false
	}
	return toOrder > fromOrder
}
