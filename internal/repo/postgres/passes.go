package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type PassStore struct {
	db DB
}

func NewPassStore(db DB) *PassStore {
	if db == nil {
		return nil
	}
	return &PassStore{db: db}
}

func (s *PassStore) CreatePass(ctx context.Context, pass domain.PassExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pass store not initialized")
	}
	if err := pass.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_passes (
			pass_id,
			run_id,
			pass_type,
			candidate_index,
			attempt,
			model,
			input_sha256,
			output,
			input_tokens,
			output_tokens,
			latency_ms,
			outcome,
			error_kind,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		strings.TrimSpace(pass.ID),
		strings.TrimSpace(pass.RunID),
		strings.TrimSpace(pass.PassType),
		nullIntPtr(pass.CandidateIndex),
		pass.Attempt,
		strings.TrimSpace(pass.Model),
		strings.TrimSpace(pass.InputSHA256),
		pass.Output,
		pass.InputTokens,
		pass.OutputTokens,
		pass.LatencyMS,
		strings.TrimSpace(pass.Outcome),
		nullIfEmpty(pass.ErrorKind),
		normalizeTime(pass.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert pass: %w", err)
	}
	return nil
}

func (s *PassStore) ListPasses(ctx context.Context, filter repo.PassFilter) ([]domain.PassExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pass store not initialized")
	}
	runID := strings.TrimSpace(filter.RunID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	args := []any{runID}
	query := `SELECT pass_id, run_id, pass_type, candidate_index, attempt, model,
		input_sha256, output, input_tokens, output_tokens, latency_ms,
		outcome, error_kind, created_at
		FROM run_passes
		WHERE run_id = $1`
	if strings.TrimSpace(filter.PassType) != "" {
		args = append(args, strings.TrimSpace(filter.PassType))
		query += fmt.Sprintf(" AND pass_type = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, pass_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	passes := make([]domain.PassExecution, 0)
	for rows.Next() {
		var pass domain.PassExecution
		var candidateIndex sql.NullInt64
		var errorKind sql.NullString
		if err := rows.Scan(&pass.ID, &pass.RunID, &pass.PassType, &candidateIndex, &pass.Attempt, &pass.Model,
			&pass.InputSHA256, &pass.Output, &pass.InputTokens, &pass.OutputTokens, &pass.LatencyMS,
			&pass.Outcome, &errorKind, &pass.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		if candidateIndex.Valid {
			idx := int(candidateIndex.Int64)
			pass.CandidateIndex = &idx
		}
		if errorKind.Valid {
			pass.ErrorKind = errorKind.String
		}
		pass.CreatedAt = pass.CreatedAt.UTC()
		passes = append(passes, pass)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	return passes, nil
}
