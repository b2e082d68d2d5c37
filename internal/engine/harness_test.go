package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deepthink-labs/deepthink-go/internal/cache"
	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/provider"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
	"github.com/deepthink-labs/deepthink-go/internal/search"
)

const (
	testLane     = "test"
	plannerModel = "planner-model"
	solverModel  = "solver-model"
	judgeModel   = "judge-model"
)

func laneYAML(capTokens int64, parallel int, threshold float64, maxAttempts int) string {
	return fmt.Sprintf(`
schema: deepthink.lane.v1
name: test
provider:
  base_url: http://provider.local/v1
planner:
  model: planner-model
  cap_tokens: 200
  timeout_ms: 5000
solver:
  model: solver-model
  cap_tokens: 300
  timeout_ms: 5000
  parallel: %d
  variants: [0.2, 0.9]
  input_cost_per_1k: 1.0
  output_cost_per_1k: 2.0
verifier:
  model: judge-model
  cap_tokens: 100
  timeout_ms: 5000
  threshold: %v
retry:
  max_attempts: %d
  backoff_ms: [1]
per_job_token_cap: %d
cache_ttl: 1h
`, parallel, threshold, maxAttempts, capTokens)
}

// memStore is an in-memory implementation of every repository, mirroring
// the postgres compare-and-set semantics for run transitions.
type memStore struct {
	mu        sync.Mutex
	lanes     map[string]domain.LaneRecord
	runs      map[string]domain.Run
	passes    []domain.PassExecution
	artifacts []domain.Artifact
	checks    []domain.Check
	events    []domain.RunEvent
	ledger    []domain.LedgerEntry
}

func newMemStore() *memStore {
	return &memStore{
		lanes: make(map[string]domain.LaneRecord),
		runs:  make(map[string]domain.Run),
	}
}

func (m *memStore) PutLane(_ context.Context, record domain.LaneRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes[record.Name] = record
	return nil
}

func (m *memStore) GetLane(_ context.Context, name string) (domain.LaneRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.lanes[name]
	if !ok {
		return domain.LaneRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (m *memStore) ListLanes(_ context.Context) ([]domain.LaneRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LaneRecord, 0, len(m.lanes))
	for _, record := range m.lanes {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) CreateRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Lane != "" && run.Lane != filter.Lane {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) SetGoal(_ context.Context, id string, goal string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != domain.RunStatusPending {
		return false, nil
	}
	run.Goal = goal
	m.runs[id] = run
	return true, nil
}

func (m *memStore) StartRun(_ context.Context, id string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if run.Status != domain.RunStatusPending {
		return false, nil
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	m.runs[id] = run
	return true, nil
}

func (m *memStore) FinalizeRun(_ context.Context, run domain.Run) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[run.ID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if current.Status != domain.RunStatusRunning {
		return false, nil
	}
	m.runs[run.ID] = run
	return true, nil
}

func (m *memStore) CreatePass(_ context.Context, pass domain.PassExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes = append(m.passes, pass)
	return nil
}

func (m *memStore) ListPasses(_ context.Context, filter repo.PassFilter) ([]domain.PassExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PassExecution, 0, len(m.passes))
	for _, pass := range m.passes {
		if filter.RunID != "" && pass.RunID != filter.RunID {
			continue
		}
		if filter.PassType != "" && pass.PassType != filter.PassType {
			continue
		}
		out = append(out, pass)
	}
	return out, nil
}

func (m *memStore) CreateArtifacts(_ context.Context, artifacts []domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, artifacts...)
	return nil
}

func (m *memStore) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateCheck(_ context.Context, check domain.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check)
	return nil
}

func (m *memStore) ListChecks(_ context.Context, runID string) ([]domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Check, 0, len(m.checks))
	for _, c := range m.checks {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event domain.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, filter repo.EventFilter) ([]domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RunEvent, 0, len(m.events))
	for _, e := range m.events {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if e.Seq <= filter.AfterSeq {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) AppendEntry(_ context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *memStore) ListEntries(_ context.Context, runID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(m.ledger))
	for _, entry := range m.ledger {
		if entry.RunID == runID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type gatewayHandler func(ctx context.Context, call int, req provider.Request) (provider.Response, error)

// scriptedGateway routes invocations by model name so tests can script each
// pass independently. Calls are counted per model.
type scriptedGateway struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]gatewayHandler
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		calls:    make(map[string]int),
		handlers: make(map[string]gatewayHandler),
	}
}

func (g *scriptedGateway) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	g.mu.Lock()
	g.calls[req.Model]++
	call := g.calls[req.Model]
	handler := g.handlers[req.Model]
	g.mu.Unlock()
	if handler == nil {
		return provider.Response{}, fmt.Errorf("no handler for model %q", req.Model)
	}
	return handler(ctx, call, req)
}

func (g *scriptedGateway) count(model string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[model]
}

type fakeSearch struct {
	mu      sync.Mutex
	results []search.Result
	err     error
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]search.Result, len(f.results))
	copy(out, f.results)
	return out, nil
}

type harness struct {
	engine *Engine
	store  *memStore
	gw     *scriptedGateway
}

func newHarness(t *testing.T, laneDoc string) *harness {
	t.Helper()
	return newHarnessSearch(t, laneDoc, nil)
}

func newHarnessSearch(t *testing.T, laneDoc string, searcher search.Provider) *harness {
	t.Helper()
	return newHarnessConfig(t, laneDoc, func(cfg *Config) { cfg.Search = searcher })
}

// newHarnessConfig wires the engine against the shared in-memory store and
// scripted gateway, letting a test swap individual dependencies first.
func newHarnessConfig(t *testing.T, laneDoc string, customize func(*Config)) *harness {
	t.Helper()
	store := newMemStore()
	now := time.Now().UTC()
	err := store.PutLane(context.Background(), domain.LaneRecord{
		Name:          testLane,
		SchemaVersion: domain.LaneSchemaVersion,
		Config:        []byte(laneDoc),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed lane: %v", err)
	}
	gw := newScriptedGateway()
	cfg := Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway:   gw,
		Cache:     cache.NewMemoryStore(),
		Lanes:     store,
		Runs:      store,
		Passes:    store,
		Artifacts: store,
		Checks:    store,
		Events:    store,
		Ledger:    store,
	}
	if customize != nil {
		customize(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{engine: eng, store: store, gw: gw}
}

func (h *harness) handle(model string, fn gatewayHandler) {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	h.gw.handlers[model] = fn
}

func (h *harness) createRun(t *testing.T, goal string) domain.Run {
	t.Helper()
	run := domain.Run{
		ID:        uuid.NewString(),
		Lane:      testLane,
		Goal:      goal,
		Status:    domain.RunStatusPending,
		TraceID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

// execute drives a fresh run synchronously to its terminal state and
// returns the reloaded record.
func (h *harness) execute(t *testing.T, goal string) domain.Run {
	t.Helper()
	created := h.createRun(t, goal)
	run, lane, err := h.engine.Begin(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.engine.Execute(context.Background(), run, lane)
	return h.reload(t, created.ID)
}

func (h *harness) reload(t *testing.T, runID string) domain.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	return run
}

func (h *harness) events(t *testing.T, runID string) []domain.RunEvent {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), repo.EventFilter{RunID: runID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events := h.events(t, runID)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func (h *harness) passes(t *testing.T, runID, passType string) []domain.PassExecution {
	t.Helper()
	passes, err := h.store.ListPasses(context.Background(), repo.PassFilter{RunID: runID, PassType: passType})
	if err != nil {
		t.Fatalf("list passes: %v", err)
	}
	return passes
}

func decodeEvent(t *testing.T, event domain.RunEvent, into any) {
	t.Helper()
	if err := json.Unmarshal(event.Payload, into); err != nil {
		t.Fatalf("decode %s payload: %v", event.Type, err)
	}
}

// assertEventInvariants checks the stream contract: strictly increasing
// sequence numbers, done present exactly once and last, at most one final.
func assertEventInvariants(t *testing.T, events []domain.RunEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	finals := 0
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, e.Seq, i+1)
		}
		if e.Type == domain.EventTypeFinal {
			finals++
		}
		if e.Type == domain.EventTypeDone && i != len(events)-1 {
			t.Fatalf("done event at position %d of %d", i, len(events))
		}
	}
	if last := events[len(events)-1].Type; last != domain.EventTypeDone {
		t.Fatalf("last event is %q, want done", last)
	}
	if finals > 1 {
		t.Fatalf("stream holds %d final events", finals)
	}
}

// slowCheckStore stalls the first check insert, widening the window in
// which the judge's reservation is the only hold on the budget.
type slowCheckStore struct {
	repo.CheckRepository
	once  sync.Once
	delay time.Duration
}

func (s *slowCheckStore) CreateCheck(ctx context.Context, check domain.Check) error {
	s.once.Do(func() { time.Sleep(s.delay) })
	return s.CheckRepository.CreateCheck(ctx, check)
}

// finalizeFailRuns simulates a database outage at the terminal write.
type finalizeFailRuns struct {
	repo.RunRepository
	err error
}

func (s *finalizeFailRuns) FinalizeRun(context.Context, domain.Run) (bool, error) {
	return false, s.err
}

func okResponse(body string, in, out int64) gatewayHandler {
	return func(context.Context, int, provider.Request) (provider.Response, error) {
		return provider.Response{Text: body, Usage: provider.Usage{InputTokens: in, OutputTokens: out}}, nil
	}
}

func planBody(needsEvidence bool) string {
	b, err := json.Marshal(map[string]any{
		"goal_restated":  "restated goal",
		"approach":       "work through the goal stepwise",
		"considerations": []string{"correctness", "edge cases", "source quality"},
		"complexity":     domain.ComplexityModerate,
		"needs_evidence": needsEvidence,
	})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func solverBody(answer string, confidence float64) string {
	b, err := json.Marshal(map[string]any{"answer": answer, "confidence": confidence})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func judgeBody(score float64) string {
	b, err := json.Marshal(map[string]any{"score": score, "verdict": "graded"})
	if err != nil {
		panic(err)
	}
	return string(b)
}
