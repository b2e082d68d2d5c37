package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	if db == nil {
		return nil
	}
	return &LedgerStore{db: db}
}

// AppendEntry writes one cost record. The conflict guard on entry_id keeps a
// retried append from double-counting.
func (s *LedgerStore) AppendEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_cost_ledger (
			entry_id,
			run_id,
			pass_id,
			period,
			input_tokens,
			output_tokens,
			cost_amount,
			recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (entry_id, period) DO NOTHING`,
		strings.TrimSpace(entry.ID),
		strings.TrimSpace(entry.RunID),
		strings.TrimSpace(entry.PassID),
		strings.TrimSpace(entry.Period),
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostAmount,
		normalizeTime(entry.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *LedgerStore) ListEntries(ctx context.Context, runID string) ([]domain.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT entry_id, run_id, pass_id, period, input_tokens, output_tokens, cost_amount, recorded_at
		 FROM run_cost_ledger
		 WHERE run_id = $1
		 ORDER BY recorded_at ASC, entry_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.PassID, &entry.Period,
			&entry.InputTokens, &entry.OutputTokens, &entry.CostAmount, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.RecordedAt = entry.RecordedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

var ledgerPeriodPattern = regexp.MustCompile(`^[0-9]{4}_[0-9]{2}$`)

// EnsurePartitions creates the list partitions covering now through
// monthsAhead future months. The ledger parent is partitioned by period,
// so appends into a fresh month need their partition to exist first.
func (s *LedgerStore) EnsurePartitions(ctx context.Context, now time.Time, monthsAhead int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if monthsAhead < 0 {
		monthsAhead = 0
	}
	month := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= monthsAhead; i++ {
		period := domain.LedgerPeriod(month)
		if !ledgerPeriodPattern.MatchString(period) {
			return fmt.Errorf("malformed ledger period %q", period)
		}
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS run_cost_ledger_%s PARTITION OF run_cost_ledger FOR VALUES IN ('%s')`,
			period, period,
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger partition %s: %w", period, err)
		}
		month = month.AddDate(0, 1, 0)
	}
	return nil
}
