package repo

import (
	"context"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

type RunFilter struct {
	Status string
	Lane   string
	UserID string
	Limit  int
}

type PassFilter struct {
	RunID    string
	PassType string
	Limit    int
}

type EventFilter struct {
	RunID    string
	AfterSeq int64
	Limit    int
}

// LaneRepository manages lane config blobs, replaced wholesale on update.
type LaneRepository interface {
	PutLane(ctx context.Context, record domain.LaneRecord) error
	GetLane(ctx context.Context, name string) (domain.LaneRecord, error)
	ListLanes(ctx context.Context) ([]domain.LaneRecord, error)
}

// RunRepository manages run records. SetGoal, StartRun and FinalizeRun are
// guarded compare-and-set transitions: they report false when the run was not
// in the expected state, so terminal persistence stays idempotent.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	SetGoal(ctx context.Context, id string, goal string) (bool, error)
	StartRun(ctx context.Context, id string, startedAt time.Time) (bool, error)
	FinalizeRun(ctx context.Context, run domain.Run) (bool, error)
}

// PassRepository records provider invocation attempts.
type PassRepository interface {
	CreatePass(ctx context.Context, pass domain.PassExecution) error
	ListPasses(ctx context.Context, filter PassFilter) ([]domain.PassExecution, error)
}

// ArtifactRepository manages immutable evidence snippets.
type ArtifactRepository interface {
	CreateArtifacts(ctx context.Context, artifacts []domain.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error)
}

// CheckRepository records verification check outcomes.
type CheckRepository interface {
	CreateCheck(ctx context.Context, check domain.Check) error
	ListChecks(ctx context.Context, runID string) ([]domain.Check, error)
}

// EventRepository appends and replays the per-run event stream.
type EventRepository interface {
	AppendEvent(ctx context.Context, event domain.RunEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.RunEvent, error)
}

// LedgerRepository appends cost records. Entries are never updated.
type LedgerRepository interface {
	AppendEntry(ctx context.Context, entry domain.LedgerEntry) error
	ListEntries(ctx context.Context, runID string) ([]domain.LedgerEntry, error)
}

// CacheRepository backs the durable pass-output cache.
type CacheRepository interface {
	GetEntry(ctx context.Context, passType, key string, now time.Time) ([]byte, error)
	PutEntry(ctx context.Context, passType, key string, payload []byte, expiresAt time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
