package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	CheckKindDeterministic = "deterministic"
	CheckKindJudge         = "judge"
)

const (
	CheckStatusPass  = "pass"
	CheckStatusFail  = "fail"
	CheckStatusError = "error"
)

// Check records one verification outcome for a candidate, deterministic or
// judge-scored. Every executed check is persisted, passing or not.
type Check struct {
	ID             string
	RunID          string
	PassID         string
	CandidateIndex int
	Name           string
	Kind           string
	Status         string
	Score          *float64
	Message        string
	DurationMS     int64
	CreatedAt      time.Time
}

func (c Check) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("check id is required")
	}
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("check name is required")
	}
	switch c.Kind {
	case CheckKindDeterministic, CheckKindJudge:
	default:
		return errors.New("invalid check kind")
	}
	switch c.Status {
	case CheckStatusPass, CheckStatusFail, CheckStatusError:
	default:
		return errors.New("invalid check status")
	}
	return nil
}
