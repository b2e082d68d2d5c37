package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type eventPayload struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

type passPayload struct {
	PassID         string    `json:"pass_id"`
	PassType       string    `json:"pass_type"`
	CandidateIndex *int      `json:"candidate_index,omitempty"`
	Attempt        int       `json:"attempt"`
	Model          string    `json:"model"`
	InputSHA256    string    `json:"input_sha256"`
	Output         string    `json:"output,omitempty"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	LatencyMS      int64     `json:"latency_ms"`
	Outcome        string    `json:"outcome"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type artifactPayload struct {
	ArtifactID string    `json:"artifact_id"`
	RefID      string    `json:"ref_id"`
	Source     string    `json:"source,omitempty"`
	Content    string    `json:"content"`
	Relevance  float64   `json:"relevance"`
	CreatedAt  time.Time `json:"created_at"`
}

type checkPayload struct {
	CheckID        string    `json:"check_id"`
	PassID         string    `json:"pass_id,omitempty"`
	CandidateIndex int       `json:"candidate_index"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Score          *float64  `json:"score,omitempty"`
	Message        string    `json:"message,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

func (api *orchestratorAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}

	filter := repo.EventFilter{
		RunID:    runID,
		AfterSeq: parseInt64Query(r, "after_seq", 0),
		Limit:    clampInt(parseIntQuery(r, "limit", 200), 1, 1000),
	}
	events, err := api.events.ListEvents(r.Context(), filter)
	if err != nil {
		api.logger.Error("event list failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		out = append(out, eventPayload{
			Seq:       ev.Seq,
			Type:      ev.Type,
			Payload:   normalizeJSON(ev.Payload),
			EmittedAt: ev.EmittedAt,
		})
	}
	resp := map[string]any{"run_id": runID, "events": out}
	if len(events) > 0 {
		resp["next_after_seq"] = events[len(events)-1].Seq
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *orchestratorAPI) handleListRunPasses(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}

	filter := repo.PassFilter{
		RunID:    runID,
		PassType: strings.TrimSpace(r.URL.Query().Get("pass_type")),
		Limit:    clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if filter.PassType != "" && !domain.ValidPassType(filter.PassType) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_pass_type")
		return
	}
	passes, err := api.passes.ListPasses(r.Context(), filter)
	if err != nil {
		api.logger.Error("pass list failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]passPayload, 0, len(passes))
	for _, p := range passes {
		out = append(out, passPayload{
			PassID:         p.ID,
			PassType:       p.PassType,
			CandidateIndex: p.CandidateIndex,
			Attempt:        p.Attempt,
			Model:          p.Model,
			InputSHA256:    p.InputSHA256,
			Output:         p.Output,
			InputTokens:    p.InputTokens,
			OutputTokens:   p.OutputTokens,
			LatencyMS:      p.LatencyMS,
			Outcome:        p.Outcome,
			ErrorKind:      p.ErrorKind,
			CreatedAt:      p.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "passes": out})
}

func (api *orchestratorAPI) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}

	artifacts, err := api.artifacts.ListArtifacts(r.Context(), runID)
	if err != nil {
		api.logger.Error("artifact list failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]artifactPayload, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactPayload{
			ArtifactID: a.ID,
			RefID:      a.RefID,
			Source:     a.Source,
			Content:    a.Content,
			Relevance:  a.Relevance,
			CreatedAt:  a.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "artifacts": out})
}

func (api *orchestratorAPI) handleListRunChecks(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}

	checks, err := api.checks.ListChecks(r.Context(), runID)
	if err != nil {
		api.logger.Error("check list failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]checkPayload, 0, len(checks))
	for _, c := range checks {
		out = append(out, checkPayload{
			CheckID:        c.ID,
			PassID:         c.PassID,
			CandidateIndex: c.CandidateIndex,
			Name:           c.Name,
			Kind:           c.Kind,
			Status:         c.Status,
			Score:          c.Score,
			Message:        c.Message,
			DurationMS:     c.DurationMS,
			CreatedAt:      c.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "checks": out})
}
