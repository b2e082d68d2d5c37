package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	citationsJSON, err := encodeCitations(run.FinalCitations)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			user_id,
			lane,
			goal,
			status,
			trace_id,
			input_tokens,
			output_tokens,
			cost_amount,
			latency_ms,
			verification_score,
			residual_risk,
			final_text,
			final_citations,
			evidence_unavailable,
			error_kind,
			error_message,
			created_at,
			started_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		strings.TrimSpace(run.ID),
		nullIfEmpty(run.UserID),
		strings.TrimSpace(run.Lane),
		run.Goal,
		strings.TrimSpace(run.Status),
		nullIfEmpty(run.TraceID),
		run.InputTokens,
		run.OutputTokens,
		run.CostAmount,
		run.LatencyMS,
		nullFloatPtr(run.VerificationScore),
		nullIfEmpty(run.ResidualRisk),
		nullIfEmpty(run.FinalText),
		citationsJSON,
		run.EvidenceUnavailable,
		nullIfEmpty(run.ErrorKind),
		nullIfEmpty(run.ErrorMessage),
		normalizeTime(run.CreatedAt),
		nullTimePtr(run.StartedAt),
		nullTimePtr(run.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run already exists: %s", run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, user_id, lane, goal, status, trace_id,
			input_tokens, output_tokens, cost_amount, latency_ms,
			verification_score, residual_risk, final_text, final_citations,
			evidence_unavailable, error_kind, error_message,
			created_at, started_at, ended_at
		 FROM runs
		 WHERE run_id = $1`,
		id,
	)
	run, err := scanRun(row.Scan)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Lane) != "" {
		args = append(args, strings.TrimSpace(filter.Lane))
		clauses = append(clauses, fmt.Sprintf("lane = $%d", len(args)))
	}
	if strings.TrimSpace(filter.UserID) != "" {
		args = append(args, strings.TrimSpace(filter.UserID))
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := `SELECT run_id, user_id, lane, goal, status, trace_id,
		input_tokens, output_tokens, cost_amount, latency_ms,
		verification_score, residual_risk, final_text, final_citations,
		evidence_unavailable, error_kind, error_message,
		created_at, started_at, ended_at
		FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// SetGoal replaces the goal of a still-pending run. Reports false once the
// run has started; the executing goal is frozen from that point.
func (s *RunStore) SetGoal(ctx context.Context, id string, goal string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET goal = $1
		 WHERE run_id = $2 AND status = $3`,
		strings.TrimSpace(goal),
		id,
		domain.RunStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("set goal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set goal: %w", err)
	}
	return affected == 1, nil
}

// StartRun moves a pending run to running. Reports false when the run was
// not pending, so concurrent submissions cannot double-start it.
func (s *RunStore) StartRun(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = $1, started_at = $2
		 WHERE run_id = $3 AND status = $4`,
		domain.RunStatusRunning,
		startedAt.UTC(),
		id,
		domain.RunStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	return affected == 1, nil
}

// FinalizeRun writes the terminal record exactly once. The guard on the
// running status makes a second finalize a no-op, reported as false.
func (s *RunStore) FinalizeRun(ctx context.Context, run domain.Run) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return false, fmt.Errorf("run id is required")
	}
	if !domain.TerminalRunStatus(run.Status) {
		return false, fmt.Errorf("finalize requires a terminal status, got %q", run.Status)
	}
	citationsJSON, err := encodeCitations(run.FinalCitations)
	if err != nil {
		return false, fmt.Errorf("encode citations: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = $1,
			input_tokens = $2,
			output_tokens = $3,
			cost_amount = $4,
			latency_ms = $5,
			verification_score = $6,
			residual_risk = $7,
			final_text = $8,
			final_citations = $9,
			evidence_unavailable = $10,
			error_kind = $11,
			error_message = $12,
			ended_at = $13
		 WHERE run_id = $14 AND status = $15`,
		run.Status,
		run.InputTokens,
		run.OutputTokens,
		run.CostAmount,
		run.LatencyMS,
		nullFloatPtr(run.VerificationScore),
		nullIfEmpty(run.ResidualRisk),
		nullIfEmpty(run.FinalText),
		citationsJSON,
		run.EvidenceUnavailable,
		nullIfEmpty(run.ErrorKind),
		nullIfEmpty(run.ErrorMessage),
		nullTimePtr(run.EndedAt),
		id,
		domain.RunStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize run: %w", err)
	}
	return affected == 1, nil
}

// SweepStale fails runs stuck in running since before the cutoff. These are
// orphans of a crashed or restarted instance; nothing will finalize them.
func (s *RunStore) SweepStale(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = $1,
			residual_risk = $2,
			error_kind = $3,
			error_message = $4,
			ended_at = $5
		 WHERE status = $6 AND started_at < $7`,
		domain.RunStatusError,
		domain.ErrorCodeInternal,
		domain.ErrorKindUnknown,
		"run abandoned by a terminated instance",
		time.Now().UTC(),
		domain.RunStatusRunning,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep stale runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep stale runs: %w", err)
	}
	return affected, nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var userID sql.NullString
	var traceID sql.NullString
	var score sql.NullFloat64
	var residualRisk sql.NullString
	var finalText sql.NullString
	var citationsJSON []byte
	var errorKind sql.NullString
	var errorMessage sql.NullString
	var startedAt sql.NullTime
	var endedAt sql.NullTime

	if err := scan(&run.ID, &userID, &run.Lane, &run.Goal, &run.Status, &traceID,
		&run.InputTokens, &run.OutputTokens, &run.CostAmount, &run.LatencyMS,
		&score, &residualRisk, &finalText, &citationsJSON,
		&run.EvidenceUnavailable, &errorKind, &errorMessage,
		&run.CreatedAt, &startedAt, &endedAt); err != nil {
		return domain.Run{}, err
	}
	if userID.Valid {
		run.UserID = userID.String
	}
	if traceID.Valid {
		run.TraceID = traceID.String
	}
	if score.Valid {
		v := score.Float64
		run.VerificationScore = &v
	}
	if residualRisk.Valid {
		run.ResidualRisk = residualRisk.String
	}
	if finalText.Valid {
		run.FinalText = finalText.String
	}
	if errorKind.Valid {
		run.ErrorKind = errorKind.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		run.StartedAt = &started
	}
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	run.CreatedAt = run.CreatedAt.UTC()
	citations, err := decodeCitations(citationsJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode citations: %w", err)
	}
	run.FinalCitations = citations
	return run, nil
}
