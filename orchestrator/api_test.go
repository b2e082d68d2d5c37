package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/engine"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

const testLaneYAML = `
schema: deepthink.lane.v1
name: std
provider:
  base_url: https://llm.internal.example
planner:
  model: planner-large
  cap_tokens: 2000
  timeout_ms: 30000
solver:
  model: solver-large
  cap_tokens: 4000
  timeout_ms: 60000
  parallel: 2
verifier:
  model: verifier-small
  cap_tokens: 1500
  timeout_ms: 30000
  threshold: 0.8
per_job_token_cap: 20000
`

type fakeEngine struct {
	mu       sync.Mutex
	beginErr error
	began    []string
	executed chan string
	cancelOK bool
	canceled []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{executed: make(chan string, 8), cancelOK: true}
}

func (f *fakeEngine) Begin(_ context.Context, runID string) (domain.Run, domain.Lane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return domain.Run{}, domain.Lane{}, f.beginErr
	}
	f.began = append(f.began, runID)
	now := time.Now().UTC()
	run := domain.Run{
		ID:        runID,
		Lane:      "std",
		Goal:      "goal",
		Status:    domain.RunStatusRunning,
		TraceID:   "trace-" + runID,
		CreatedAt: now,
		StartedAt: &now,
	}
	return run, domain.Lane{Name: "std"}, nil
}

func (f *fakeEngine) Execute(_ context.Context, run domain.Run, _ domain.Lane) {
	f.executed <- run.ID
}

func (f *fakeEngine) Cancel(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, runID)
	return f.cancelOK
}

// apiStore backs every repository interface the API touches with maps.
type apiStore struct {
	mu        sync.Mutex
	runs      map[string]domain.Run
	lanes     map[string]domain.LaneRecord
	passes    map[string][]domain.PassExecution
	artifacts map[string][]domain.Artifact
	checks    map[string][]domain.Check
	events    map[string][]domain.RunEvent
}

func newAPIStore() *apiStore {
	return &apiStore{
		runs:      make(map[string]domain.Run),
		lanes:     make(map[string]domain.LaneRecord),
		passes:    make(map[string][]domain.PassExecution),
		artifacts: make(map[string][]domain.Artifact),
		checks:    make(map[string][]domain.Check),
		events:    make(map[string][]domain.RunEvent),
	}
}

func (s *apiStore) CreateRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *apiStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	return run, nil
}

func (s *apiStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Lane != "" && run.Lane != filter.Lane {
			continue
		}
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *apiStore) SetGoal(_ context.Context, id string, goal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != domain.RunStatusPending {
		return false, nil
	}
	run.Goal = goal
	s.runs[id] = run
	return true, nil
}

func (s *apiStore) StartRun(_ context.Context, id string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != domain.RunStatusPending {
		return false, nil
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	s.runs[id] = run
	return true, nil
}

func (s *apiStore) FinalizeRun(_ context.Context, run domain.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok || current.Status != domain.RunStatusRunning {
		return false, nil
	}
	s.runs[run.ID] = run
	return true, nil
}

func (s *apiStore) PutLane(_ context.Context, record domain.LaneRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[record.Name] = record
	return nil
}

func (s *apiStore) GetLane(_ context.Context, name string) (domain.LaneRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.lanes[name]
	if !ok {
		return domain.LaneRecord{}, fmt.Errorf("lane %s: %w", name, repo.ErrNotFound)
	}
	return record, nil
}

func (s *apiStore) ListLanes(_ context.Context) ([]domain.LaneRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LaneRecord, 0, len(s.lanes))
	for _, record := range s.lanes {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *apiStore) CreatePass(_ context.Context, pass domain.PassExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes[pass.RunID] = append(s.passes[pass.RunID], pass)
	return nil
}

func (s *apiStore) ListPasses(_ context.Context, filter repo.PassFilter) ([]domain.PassExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PassExecution, 0)
	for _, pass := range s.passes[filter.RunID] {
		if filter.PassType != "" && pass.PassType != filter.PassType {
			continue
		}
		out = append(out, pass)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *apiStore) CreateArtifacts(_ context.Context, artifacts []domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, artifact := range artifacts {
		s.artifacts[artifact.RunID] = append(s.artifacts[artifact.RunID], artifact)
	}
	return nil
}

func (s *apiStore) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Artifact(nil), s.artifacts[runID]...), nil
}

func (s *apiStore) CreateCheck(_ context.Context, check domain.Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[check.RunID] = append(s.checks[check.RunID], check)
	return nil
}

func (s *apiStore) ListChecks(_ context.Context, runID string) ([]domain.Check, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Check(nil), s.checks[runID]...), nil
}

func (s *apiStore) AppendEvent(_ context.Context, event domain.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *apiStore) ListEvents(_ context.Context, filter repo.EventFilter) ([]domain.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunEvent, 0)
	for _, ev := range s.events[filter.RunID] {
		if ev.Seq <= filter.AfterSeq {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func newTestMux(eng runEngine, store *apiStore) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := newOrchestratorAPI(logger, context.Background(), eng,
		store, store, store, store, store, store)
	mux := http.NewServeMux()
	api.register(mux)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func seedLane(t *testing.T, store *apiStore, name string) {
	t.Helper()
	store.lanes[name] = domain.LaneRecord{
		Name:          name,
		SchemaVersion: domain.LaneSchemaVersion,
		Config:        []byte(`{"schema":"deepthink.lane.v1","name":"` + name + `"}`),
	}
}

func seedRun(store *apiStore, id, status string) {
	store.runs[id] = domain.Run{
		ID:        id,
		Lane:      "std",
		Goal:      "seeded goal",
		Status:    status,
		TraceID:   "trace-" + id,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateRun_StoresPendingRun(t *testing.T) {
	store := newAPIStore()
	seedLane(t, store, "std")
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodPost, "/runs",
		`{"lane":"std","goal":"  why is the sky blue  ","user_id":"u-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("missing run_id in %v", body)
	}
	if body["status"] != domain.RunStatusPending {
		t.Fatalf("status=%v, want pending", body["status"])
	}
	if body["trace_id"] == "" {
		t.Fatalf("missing trace_id in %v", body)
	}

	run, ok := store.runs[runID]
	if !ok {
		t.Fatalf("run %s not stored", runID)
	}
	if run.Goal != "why is the sky blue" {
		t.Fatalf("Goal=%q, want trimmed goal", run.Goal)
	}
	if run.UserID != "u-1" || run.Lane != "std" {
		t.Fatalf("stored run=%+v", run)
	}
}

func TestCreateRun_UnknownLane(t *testing.T) {
	mux := newTestMux(newFakeEngine(), newAPIStore())

	rec := doRequest(t, mux, http.MethodPost, "/runs", `{"lane":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "unknown_lane" {
		t.Fatalf("error=%v, want unknown_lane", body["error"])
	}
}

func TestCreateRun_RejectsUnknownFields(t *testing.T) {
	store := newAPIStore()
	seedLane(t, store, "std")
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodPost, "/runs", `{"lane":"std","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_json" {
		t.Fatalf("error=%v, want invalid_json", body["error"])
	}
}

func TestExecuteRun_StartsExecution(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusPending)
	eng := newFakeEngine()
	mux := newTestMux(eng, store)

	rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:execute", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["run_id"] != "r-1" || body["status"] != domain.RunStatusRunning {
		t.Fatalf("body=%v", body)
	}

	select {
	case got := <-eng.executed:
		if got != "r-1" {
			t.Fatalf("executed run=%q, want r-1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute was never invoked")
	}
}

func TestExecuteRun_GoalOverride(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusPending)
	eng := newFakeEngine()
	mux := newTestMux(eng, store)

	rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:execute", `{"goal":"replacement goal"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := store.runs["r-1"].Goal; got != "replacement goal" {
		t.Fatalf("Goal=%q, want replacement goal", got)
	}
}

func TestExecuteRun_GoalOverrideOnStartedRun(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusRunning)
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:execute", `{"goal":"late"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "run_not_pending" {
		t.Fatalf("error=%v, want run_not_pending", body["error"])
	}
	if got := store.runs["r-1"].Goal; got != "seeded goal" {
		t.Fatalf("Goal=%q changed on a started run", got)
	}
}

func TestExecuteRun_ErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		beginErr  error
		wantCode  int
		wantError string
	}{
		{"empty goal", engine.ErrEmptyGoal, http.StatusBadRequest, "goal_required"},
		{"not pending", engine.ErrRunNotPending, http.StatusConflict, "run_not_pending"},
		{"lane missing", engine.ErrLaneNotFound, http.StatusConflict, "lane_not_found"},
		{"lane invalid", fmt.Errorf("%w: std: bad cap", engine.ErrLaneInvalid), http.StatusConflict, "lane_invalid"},
		{"run missing", fmt.Errorf("load run: %w", repo.ErrNotFound), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newAPIStore()
			seedRun(store, "r-1", domain.RunStatusPending)
			eng := newFakeEngine()
			eng.beginErr = tc.beginErr
			mux := newTestMux(eng, store)

			rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:execute", "")
			if rec.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantCode)
			}
			if body := decodeBody(t, rec); body["error"] != tc.wantError {
				t.Fatalf("error=%v, want %s", body["error"], tc.wantError)
			}
			select {
			case got := <-eng.executed:
				t.Fatalf("Execute invoked for %q after Begin failure", got)
			default:
			}
		})
	}
}

func TestRunAction_UnknownAction(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusPending)
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:detonate", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "unknown_action" {
		t.Fatalf("error=%v, want unknown_action", body["error"])
	}

	rec = doRequest(t, mux, http.MethodPost, "/runs/r-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d for missing action", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusRunning)
	eng := newFakeEngine()
	mux := newTestMux(eng, store)

	rec := doRequest(t, mux, http.MethodPost, "/runs/r-1:cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "canceling" {
		t.Fatalf("status=%v, want canceling", body["status"])
	}
	if len(eng.canceled) != 1 || eng.canceled[0] != "r-1" {
		t.Fatalf("canceled=%v", eng.canceled)
	}

	eng.cancelOK = false
	rec = doRequest(t, mux, http.MethodPost, "/runs/r-1:cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "run_not_running" {
		t.Fatalf("error=%v, want run_not_running", body["error"])
	}

	rec = doRequest(t, mux, http.MethodPost, "/runs/ghost:cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d for unknown run", rec.Code)
	}
}

func TestGetRun_ReturnsFullRecord(t *testing.T) {
	store := newAPIStore()
	score := 0.91
	now := time.Now().UTC()
	store.runs["r-1"] = domain.Run{
		ID:                "r-1",
		Lane:              "std",
		Goal:              "goal",
		Status:            domain.RunStatusSuccess,
		TraceID:           "trace-r-1",
		InputTokens:       1200,
		OutputTokens:      340,
		CostAmount:        0.0275,
		LatencyMS:         5400,
		VerificationScore: &score,
		FinalText:         "The answer [R1].",
		FinalCitations:    []domain.Citation{{RefID: "R1", Source: "https://example.com"}},
		CreatedAt:         now,
		StartedAt:         &now,
		EndedAt:           &now,
	}
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["final_text"] != "The answer [R1]." {
		t.Fatalf("final_text=%v", body["final_text"])
	}
	if body["verification_score"] != 0.91 {
		t.Fatalf("verification_score=%v", body["verification_score"])
	}
	citations, _ := body["final_citations"].([]any)
	if len(citations) != 1 {
		t.Fatalf("final_citations=%v", body["final_citations"])
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d for unknown run", rec.Code)
	}
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusPending)
	seedRun(store, "r-2", domain.RunStatusSuccess)
	seedRun(store, "r-3", domain.RunStatusSuccess)
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs?status=success", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	runs, _ := body["runs"].([]any)
	if len(runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(runs))
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d for invalid status filter", rec.Code)
	}
}

func TestListRunEvents_ResumesAfterSeq(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusSuccess)
	now := time.Now().UTC()
	store.events["r-1"] = []domain.RunEvent{
		{RunID: "r-1", Seq: 1, Type: domain.EventTypeProgress, Payload: []byte(`{"stage":"planning"}`), EmittedAt: now},
		{RunID: "r-1", Seq: 2, Type: domain.EventTypeFinal, Payload: []byte(`{"text":"done"}`), EmittedAt: now},
		{RunID: "r-1", Seq: 3, Type: domain.EventTypeDone, Payload: []byte(`{}`), EmittedAt: now},
	}
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1/events?after_seq=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	events, _ := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events=%d, want 2", len(events))
	}
	first, _ := events[0].(map[string]any)
	if first["seq"] != float64(2) {
		t.Fatalf("first seq=%v, want 2", first["seq"])
	}
	if body["next_after_seq"] != float64(3) {
		t.Fatalf("next_after_seq=%v, want 3", body["next_after_seq"])
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/ghost/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d for unknown run", rec.Code)
	}
}

func TestListRunPasses_FiltersByType(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusSuccess)
	idx := 0
	store.passes["r-1"] = []domain.PassExecution{
		{ID: "p-1", RunID: "r-1", PassType: domain.PassTypePlanner, Attempt: 1, Outcome: domain.PassOutcomeSucceeded},
		{ID: "p-2", RunID: "r-1", PassType: domain.PassTypeSolver, CandidateIndex: &idx, Attempt: 1, Outcome: domain.PassOutcomeSucceeded},
	}
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1/passes?pass_type=solver", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	passes, _ := body["passes"].([]any)
	if len(passes) != 1 {
		t.Fatalf("passes=%d, want 1", len(passes))
	}

	rec = doRequest(t, mux, http.MethodGet, "/runs/r-1/passes?pass_type=oracle", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d for invalid pass type", rec.Code)
	}
}

func TestPutLane_RoundTrip(t *testing.T) {
	store := newAPIStore()
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodPut, "/lanes/std", testLaneYAML)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodGet, "/lanes/std", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["name"] != "std" {
		t.Fatalf("name=%v, want std", body["name"])
	}
	config, _ := body["config"].(map[string]any)
	if config["schema"] != "deepthink.lane.v1" {
		t.Fatalf("config=%v", body["config"])
	}

	rec = doRequest(t, mux, http.MethodGet, "/lanes", "")
	body = decodeBody(t, rec)
	lanes, _ := body["lanes"].([]any)
	if len(lanes) != 1 {
		t.Fatalf("lanes=%d, want 1", len(lanes))
	}
}

func TestPutLane_NameMismatch(t *testing.T) {
	mux := newTestMux(newFakeEngine(), newAPIStore())

	rec := doRequest(t, mux, http.MethodPut, "/lanes/other", testLaneYAML)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "name_mismatch" {
		t.Fatalf("error=%v, want name_mismatch", body["error"])
	}
}

func TestPutLane_RejectsInvalidDocument(t *testing.T) {
	mux := newTestMux(newFakeEngine(), newAPIStore())

	rec := doRequest(t, mux, http.MethodPut, "/lanes/std", "schema: wrong.schema\nname: std\n")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_lane" {
		t.Fatalf("error=%v, want invalid_lane", body["error"])
	}
}

func TestStreamRun_ReplaysUntilDone(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusSuccess)
	now := time.Now().UTC()
	store.events["r-1"] = []domain.RunEvent{
		{RunID: "r-1", Seq: 1, Type: domain.EventTypeProgress, Payload: []byte(`{"stage":"planning"}`), EmittedAt: now},
		{RunID: "r-1", Seq: 2, Type: domain.EventTypeFinal, Payload: []byte(`{"text":"answer"}`), EmittedAt: now},
		{RunID: "r-1", Seq: 3, Type: domain.EventTypeDone, Payload: []byte(`{}`), EmittedAt: now},
	}
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1/stream", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type=%q", got)
	}
	raw := rec.Body.String()
	for _, want := range []string{"event: ready", "event: progress", "event: final", "event: done", "id: 3"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("stream missing %q:\n%s", want, raw)
		}
	}
}

func TestStreamRun_ResumesAfterSeq(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusSuccess)
	now := time.Now().UTC()
	store.events["r-1"] = []domain.RunEvent{
		{RunID: "r-1", Seq: 1, Type: domain.EventTypeProgress, Payload: []byte(`{"stage":"planning"}`), EmittedAt: now},
		{RunID: "r-1", Seq: 2, Type: domain.EventTypeDone, Payload: []byte(`{}`), EmittedAt: now},
	}
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1/stream?after_seq=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "id: 1") {
		t.Fatalf("replayed event before after_seq:\n%s", raw)
	}
	if !strings.Contains(raw, "event: done") {
		t.Fatalf("stream missing done event:\n%s", raw)
	}
}

func TestStreamRun_RejectsBadAfterSeq(t *testing.T) {
	store := newAPIStore()
	seedRun(store, "r-1", domain.RunStatusSuccess)
	mux := newTestMux(newFakeEngine(), store)

	rec := doRequest(t, mux, http.MethodGet, "/runs/r-1/stream?after_seq=soon", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_after_seq" {
		t.Fatalf("error=%v, want invalid_after_seq", body["error"])
	}
}
