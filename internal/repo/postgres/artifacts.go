package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifacts(ctx context.Context, artifacts []domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	for _, artifact := range artifacts {
		if err := artifact.Validate(); err != nil {
			return err
		}
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO run_artifacts (
				artifact_id,
				run_id,
				ref_id,
				source,
				content,
				relevance,
				created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (run_id, ref_id) DO NOTHING`,
			strings.TrimSpace(artifact.ID),
			strings.TrimSpace(artifact.RunID),
			strings.TrimSpace(artifact.RefID),
			nullIfEmpty(artifact.Source),
			artifact.Content,
			artifact.Relevance,
			normalizeTime(artifact.CreatedAt),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return repo.ErrNotFound
			}
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT artifact_id, run_id, ref_id, COALESCE(source,''), content, relevance, created_at
		 FROM run_artifacts
		 WHERE run_id = $1
		 ORDER BY relevance DESC, ref_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		var artifact domain.Artifact
		if err := rows.Scan(&artifact.ID, &artifact.RunID, &artifact.RefID, &artifact.Source,
			&artifact.Content, &artifact.Relevance, &artifact.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.CreatedAt = artifact.CreatedAt.UTC()
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}
