package domain

import (
	"errors"
	"strings"
	"time"
)

// LedgerEntry is one append-only cost record. Exactly one entry exists per
// completed pass execution, success or failure.
type LedgerEntry struct {
	ID           string
	RunID        string
	PassID       string
	Period       string
	InputTokens  int64
	OutputTokens int64
	CostAmount   float64
	RecordedAt   time.Time
}

func (e LedgerEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("ledger entry id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.PassID) == "" {
		return errors.New("pass id is required")
	}
	if strings.TrimSpace(e.Period) == "" {
		return errors.New("period is required")
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 {
		return errors.New("token counts must be >= 0")
	}
	return nil
}

// LedgerPeriod formats the time partition key for an entry timestamp.
func LedgerPeriod(t time.Time) string {
	return t.UTC().Format("2006_01")
}
