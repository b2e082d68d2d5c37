package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type EventStore struct {
	db DB
}

func NewEventStore(db DB) *EventStore {
	if db == nil {
		return nil
	}
	return &EventStore{db: db}
}

// AppendEvent persists one stream entry. The (run_id, seq) key plus the
// conflict guard make replays of the same event harmless.
func (s *EventStore) AppendEvent(ctx context.Context, event domain.RunEvent) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("event store not initialized")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events (run_id, seq, event_type, payload, emitted_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		strings.TrimSpace(event.RunID),
		event.Seq,
		strings.TrimSpace(event.Type),
		payload,
		normalizeTime(event.EmittedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *EventStore) ListEvents(ctx context.Context, filter repo.EventFilter) ([]domain.RunEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event store not initialized")
	}
	runID := strings.TrimSpace(filter.RunID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, seq, event_type, payload, emitted_at
		 FROM run_events
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		runID,
		filter.AfterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.RunEvent, 0)
	for rows.Next() {
		var event domain.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &event.Payload, &event.EmittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EmittedAt = event.EmittedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
