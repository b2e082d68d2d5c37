package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/engine"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type createRunRequest struct {
	Lane   string `json:"lane"`
	Goal   string `json:"goal"`
	UserID string `json:"user_id"`
}

type executeRunRequest struct {
	Goal string `json:"goal"`
}

type citationPayload struct {
	RefID  string `json:"ref_id"`
	Source string `json:"source"`
}

type runResponse struct {
	RunID               string            `json:"run_id"`
	UserID              string            `json:"user_id,omitempty"`
	Lane                string            `json:"lane"`
	Goal                string            `json:"goal,omitempty"`
	Status              string            `json:"status"`
	TraceID             string            `json:"trace_id"`
	InputTokens         int64             `json:"input_tokens"`
	OutputTokens        int64             `json:"output_tokens"`
	CostAmount          float64           `json:"cost_amount"`
	LatencyMS           int64             `json:"latency_ms"`
	VerificationScore   *float64          `json:"verification_score,omitempty"`
	ResidualRisk        string            `json:"residual_risk,omitempty"`
	FinalText           string            `json:"final_text,omitempty"`
	FinalCitations      []citationPayload `json:"final_citations,omitempty"`
	EvidenceUnavailable bool              `json:"evidence_unavailable"`
	ErrorKind           string            `json:"error_kind,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
}

func runToResponse(run domain.Run) runResponse {
	resp := runResponse{
		RunID:               run.ID,
		UserID:              run.UserID,
		Lane:                run.Lane,
		Goal:                run.Goal,
		Status:              run.Status,
		TraceID:             run.TraceID,
		InputTokens:         run.InputTokens,
		OutputTokens:        run.OutputTokens,
		CostAmount:          run.CostAmount,
		LatencyMS:           run.LatencyMS,
		VerificationScore:   run.VerificationScore,
		ResidualRisk:        run.ResidualRisk,
		FinalText:           run.FinalText,
		EvidenceUnavailable: run.EvidenceUnavailable,
		ErrorKind:           run.ErrorKind,
		ErrorMessage:        run.ErrorMessage,
		CreatedAt:           run.CreatedAt,
		StartedAt:           run.StartedAt,
		EndedAt:             run.EndedAt,
	}
	for _, c := range run.FinalCitations {
		resp.FinalCitations = append(resp.FinalCitations, citationPayload{RefID: c.RefID, Source: c.Source})
	}
	return resp
}

func (api *orchestratorAPI) lookupRun(w http.ResponseWriter, r *http.Request, runID string) (domain.Run, bool) {
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
		} else {
			api.logger.Error("run lookup failed", "run_id", runID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return domain.Run{}, false
	}
	return run, true
}

func (api *orchestratorAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	lane := strings.TrimSpace(req.Lane)
	if lane == "" {
		api.writeError(w, r, http.StatusBadRequest, "lane_required")
		return
	}
	if _, err := api.lanes.GetLane(r.Context(), lane); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusBadRequest, "unknown_lane")
			return
		}
		api.logger.Error("lane lookup failed", "lane", lane, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(req.UserID),
		Lane:      lane,
		Goal:      strings.TrimSpace(req.Goal),
		Status:    domain.RunStatusPending,
		TraceID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := api.runs.CreateRun(r.Context(), run); err != nil {
		api.logger.Error("run create failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":   run.ID,
		"trace_id": run.TraceID,
		"status":   run.Status,
	})
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Lane:   strings.TrimSpace(r.URL.Query().Get("lane")),
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Limit:  clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if filter.Status != "" && !domain.ValidRunStatus(filter.Status) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("run list failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookupRun(w, r, strings.TrimSpace(r.PathValue("run_id")))
	if !ok {
		return
	}
	api.writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleRunAction dispatches POST /runs/{run_id}:{action}. The mux cannot
// split on the colon, so the wildcard captures both and we cut here.
func (api *orchestratorAPI) handleRunAction(w http.ResponseWriter, r *http.Request) {
	runID, action, ok := strings.Cut(r.PathValue("run_action"), ":")
	runID = strings.TrimSpace(runID)
	if !ok || runID == "" {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	switch action {
	case "execute":
		api.executeRun(w, r, runID)
	case "cancel":
		api.cancelRun(w, r, runID)
	default:
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
	}
}

func (api *orchestratorAPI) executeRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req executeRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	if goal := strings.TrimSpace(req.Goal); goal != "" {
		applied, err := api.runs.SetGoal(r.Context(), runID, goal)
		if err != nil {
			api.logger.Error("goal update failed", "run_id", runID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if !applied {
			if _, err := api.runs.GetRun(r.Context(), runID); errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeError(w, r, http.StatusConflict, "run_not_pending")
			return
		}
	}

	run, lane, err := api.engine.Begin(r.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	case errors.Is(err, engine.ErrEmptyGoal):
		api.writeError(w, r, http.StatusBadRequest, "goal_required")
		return
	case errors.Is(err, engine.ErrRunNotPending):
		api.writeError(w, r, http.StatusConflict, "run_not_pending")
		return
	case errors.Is(err, engine.ErrLaneNotFound):
		api.writeError(w, r, http.StatusConflict, "lane_not_found")
		return
	case errors.Is(err, engine.ErrLaneInvalid):
		api.writeError(w, r, http.StatusConflict, "lane_invalid")
		return
	default:
		api.logger.Error("run begin failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	go api.engine.Execute(api.baseCtx, run, lane)

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   run.ID,
		"trace_id": run.TraceID,
		"status":   run.Status,
	})
}

func (api *orchestratorAPI) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}
	if !api.engine.Cancel(runID) {
		api.writeError(w, r, http.StatusConflict, "run_not_running")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "canceling",
	})
}
