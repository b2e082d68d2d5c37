package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

// runEngine is the orchestration surface the API drives. Satisfied by
// *engine.Engine; narrowed here so handler tests can stub it.
type runEngine interface {
	Begin(ctx context.Context, runID string) (domain.Run, domain.Lane, error)
	Execute(ctx context.Context, run domain.Run, lane domain.Lane)
	Cancel(runID string) bool
}

type orchestratorAPI struct {
	logger *slog.Logger
	engine runEngine

	// baseCtx outlives individual requests; accepted executions run on it
	// so a client disconnect does not abort the run.
	baseCtx context.Context

	runs      repo.RunRepository
	lanes     repo.LaneRepository
	passes    repo.PassRepository
	artifacts repo.ArtifactRepository
	checks    repo.CheckRepository
	events    repo.EventRepository
}

func newOrchestratorAPI(
	logger *slog.Logger,
	baseCtx context.Context,
	eng runEngine,
	runs repo.RunRepository,
	lanes repo.LaneRepository,
	passes repo.PassRepository,
	artifacts repo.ArtifactRepository,
	checks repo.CheckRepository,
	events repo.EventRepository,
) *orchestratorAPI {
	return &orchestratorAPI{
		logger:    logger,
		engine:    eng,
		baseCtx:   baseCtx,
		runs:      runs,
		lanes:     lanes,
		passes:    passes,
		artifacts: artifacts,
		checks:    checks,
		events:    events,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_action}", api.handleRunAction)
	mux.HandleFunc("GET /runs/{run_id}/events", api.handleListRunEvents)
	mux.HandleFunc("GET /runs/{run_id}/passes", api.handleListRunPasses)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListRunArtifacts)
	mux.HandleFunc("GET /runs/{run_id}/checks", api.handleListRunChecks)
	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
	mux.HandleFunc("GET /lanes", api.handleListLanes)
	mux.HandleFunc("GET /lanes/{name}", api.handleGetLane)
	mux.HandleFunc("PUT /lanes/{name}", api.handlePutLane)
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return errors.New("multiple JSON values")
	}
	return nil
}

func normalizeJSON(raw []byte) json.RawMessage {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}
	return raw
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
