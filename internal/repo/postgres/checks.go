package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type CheckStore struct {
	db DB
}

func NewCheckStore(db DB) *CheckStore {
	if db == nil {
		return nil
	}
	return &CheckStore{db: db}
}

func (s *CheckStore) CreateCheck(ctx context.Context, check domain.Check) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("check store not initialized")
	}
	if err := check.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_checks (
			check_id,
			run_id,
			pass_id,
			candidate_index,
			name,
			kind,
			status,
			score,
			message,
			duration_ms,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(check.ID),
		strings.TrimSpace(check.RunID),
		nullIfEmpty(check.PassID),
		check.CandidateIndex,
		strings.TrimSpace(check.Name),
		strings.TrimSpace(check.Kind),
		strings.TrimSpace(check.Status),
		nullFloatPtr(check.Score),
		nullIfEmpty(check.Message),
		check.DurationMS,
		normalizeTime(check.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert check: %w", err)
	}
	return nil
}

func (s *CheckStore) ListChecks(ctx context.Context, runID string) ([]domain.Check, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("check store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT check_id, run_id, pass_id, candidate_index, name, kind, status, score, message, duration_ms, created_at
		 FROM run_checks
		 WHERE run_id = $1
		 ORDER BY created_at ASC, check_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	checks := make([]domain.Check, 0)
	for rows.Next() {
		var check domain.Check
		var passID sql.NullString
		var score sql.NullFloat64
		var message sql.NullString
		if err := rows.Scan(&check.ID, &check.RunID, &passID, &check.CandidateIndex, &check.Name,
			&check.Kind, &check.Status, &score, &message, &check.DurationMS, &check.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		if passID.Valid {
			check.PassID = passID.String
		}
		if score.Valid {
			v := score.Float64
			check.Score = &v
		}
		if message.Valid {
			check.Message = message.String
		}
		check.CreatedAt = check.CreatedAt.UTC()
		checks = append(checks, check)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	return checks, nil
}
