// Package budget enforces per-run token caps. Every provider dispatch
// reserves its worst case against the cap first, then commits actual
// usage afterward, so concurrent candidates can never oversubscribe a run.
package budget

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

// Meter tracks reservations and spend for a single run.
type Meter struct {
	capTokens int64
	held      atomic.Int64
	spent     atomic.Int64
}

func NewMeter(capTokens int64) *Meter {
	return &Meter{capTokens: capTokens}
}

// Reserve holds estimate tokens against the cap. It fails with
// ErrBudgetExceeded when the hold would push the run past its cap.
func (m *Meter) Reserve(estimate int64) error {
	if m == nil {
		return errors.New("meter not initialized")
	}
	if estimate < 0 {
		return errors.New("estimate must be non-negative")
	}
	for {
		cur := m.held.Load()
		if cur+estimate > m.capTokens {
			return fmt.Errorf("%w: reserving %d with %d of %d held", ErrBudgetExceeded, estimate, cur, m.capTokens)
		}
		if m.held.CompareAndSwap(cur, cur+estimate) {
			return nil
		}
	}
}

// Commit replaces a reservation with the tokens actually consumed and
// reports whether the actual usage pushed the run over its cap. Actuals
// below the estimate return headroom to queued work; actuals above it
// can only come from a provider overrun and make the run terminal.
func (m *Meter) Commit(estimate, actual int64) (breached bool) {
	if m == nil {
		return false
	}
	total := m.held.Add(actual - estimate)
	m.spent.Add(actual)
	return total > m.capTokens
}

// Release drops a reservation that consumed nothing.
func (m *Meter) Release(estimate int64) {
	if m == nil {
		return
	}
	m.held.Add(-estimate)
}

func (m *Meter) Spent() int64 {
	if m == nil {
		return 0
	}
	return m.spent.Load()
}

func (m *Meter) Held() int64 {
	if m == nil {
		return 0
	}
	return m.held.Load()
}

func (m *Meter) Cap() int64 {
	if m == nil {
		return 0
	}
	return m.capTokens
}
