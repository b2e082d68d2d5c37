package domain

import (
	"errors"
	"strings"
	"time"
)

// Artifact is one immutable evidence snippet attached to a run. RefID is the
// inline citation handle (R1, R2, ...) solver output may reference.
type Artifact struct {
	ID        string
	RunID     string
	RefID     string
	Source    string
	Content   string
	Relevance float64
	CreatedAt time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.RefID) == "" {
		return errors.New("ref id is required")
	}
	if strings.TrimSpace(a.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}
