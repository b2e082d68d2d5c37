package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	EventTypeProgress          = "progress"
	EventTypePlan              = "plan"
	EventTypeEvidence          = "evidence"
	EventTypeCandidate         = "candidate"
	EventTypeCandidateRejected = "candidate_rejected"
	EventTypeFinal             = "final"
	EventTypeError             = "error"
	EventTypeDone              = "done"
)

// Pipeline stages reported by progress events.
const (
	StagePlanning  = "planning"
	StageEvidence  = "evidence"
	StageSolving   = "solving"
	StageVerifying = "verifying"
	StageDone      = "done"
)

// RunEvent is one persisted entry of a run's ordered event stream. Seq is
// strictly increasing per run; done is always the last event.
type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Payload   []byte
	EmittedAt time.Time
}

func (e RunEvent) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if e.Seq < 1 {
		return errors.New("seq must be >= 1")
	}
	if !ValidEventType(e.Type) {
		return errors.New("invalid event type")
	}
	return nil
}

func ValidEventType(eventType string) bool {
	switch eventType {
	case EventTypeProgress, EventTypePlan, EventTypeEvidence, EventTypeCandidate,
		EventTypeCandidateRejected, EventTypeFinal, EventTypeError, EventTypeDone:
		return true
	default:
		return false
	}
}
