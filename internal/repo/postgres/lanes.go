package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

type LaneStore struct {
	db DB
}

func NewLaneStore(db DB) *LaneStore {
	if db == nil {
		return nil
	}
	return &LaneStore{db: db}
}

// PutLane replaces the lane config blob wholesale. Lanes are never patched
// field by field.
func (s *LaneStore) PutLane(ctx context.Context, record domain.LaneRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("lane store not initialized")
	}
	name := strings.TrimSpace(record.Name)
	if name == "" {
		return fmt.Errorf("lane name is required")
	}
	if len(record.Config) == 0 {
		return fmt.Errorf("lane config is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO lanes (name, schema_version, config, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (name) DO UPDATE
		 SET schema_version = EXCLUDED.schema_version,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`,
		name,
		record.SchemaVersion,
		record.Config,
		normalizeTime(record.CreatedAt),
		now,
	)
	if err != nil {
		return fmt.Errorf("put lane: %w", err)
	}
	return nil
}

func (s *LaneStore) GetLane(ctx context.Context, name string) (domain.LaneRecord, error) {
	if s == nil || s.db == nil {
		return domain.LaneRecord{}, fmt.Errorf("lane store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.LaneRecord{}, fmt.Errorf("lane name is required")
	}
	var record domain.LaneRecord
	row := s.db.QueryRowContext(
		ctx,
		`SELECT name, schema_version, config, created_at, updated_at
		 FROM lanes
		 WHERE name = $1`,
		name,
	)
	if err := row.Scan(&record.Name, &record.SchemaVersion, &record.Config, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return domain.LaneRecord{}, handleNotFound(err)
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (s *LaneStore) ListLanes(ctx context.Context) ([]domain.LaneRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("lane store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, schema_version, config, created_at, updated_at
		 FROM lanes
		 ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list lanes: %w", err)
	}
	defer rows.Close()

	records := make([]domain.LaneRecord, 0)
	for rows.Next() {
		var record domain.LaneRecord
		if err := rows.Scan(&record.Name, &record.SchemaVersion, &record.Config, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		record.CreatedAt = record.CreatedAt.UTC()
		record.UpdatedAt = record.UpdatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lanes: %w", err)
	}
	return records, nil
}
