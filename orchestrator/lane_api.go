package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/lanespec"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

type lanePayload struct {
	Name          string          `json:"name"`
	SchemaVersion int             `json:"schema_version"`
	Config        json.RawMessage `json:"config"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func laneToPayload(record domain.LaneRecord) lanePayload {
	return lanePayload{
		Name:          record.Name,
		SchemaVersion: record.SchemaVersion,
		Config:        normalizeJSON(record.Config),
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func (api *orchestratorAPI) handleListLanes(w http.ResponseWriter, r *http.Request) {
	records, err := api.lanes.ListLanes(r.Context())
	if err != nil {
		api.logger.Error("lane list failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]lanePayload, 0, len(records))
	for _, record := range records {
		out = append(out, laneToPayload(record))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"lanes": out})
}

func (api *orchestratorAPI) handleGetLane(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	record, err := api.lanes.GetLane(r.Context(), name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("lane lookup failed", "lane", name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, laneToPayload(record))
}

// handlePutLane accepts a YAML or JSON lane document, validates it end to
// end, and stores the canonical JSON encoding.
func (api *orchestratorAPI) handlePutLane(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	doc, err := lanespec.Parse(body)
	if err != nil {
		api.logger.Warn("lane rejected", "lane", name, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_lane")
		return
	}
	if doc.Name != name {
		api.writeError(w, r, http.StatusBadRequest, "name_mismatch")
		return
	}
	if _, err := doc.ToLane(); err != nil {
		api.logger.Warn("lane rejected", "lane", name, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_lane")
		return
	}

	blob, err := lanespec.Encode(doc)
	if err != nil {
		api.logger.Error("lane encode failed", "lane", name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	record := domain.LaneRecord{
		Name:          doc.Name,
		SchemaVersion: domain.LaneSchemaVersion,
		Config:        blob,
	}
	if err := api.lanes.PutLane(r.Context(), record); err != nil {
		api.logger.Error("lane store failed", "lane", name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"name":           doc.Name,
		"schema_version": domain.LaneSchemaVersion,
	})
}
