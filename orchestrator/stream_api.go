package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

const (
	streamPageSize     = 500
	streamPollInterval = 1 * time.Second
	streamPingInterval = 15 * time.Second
)

// handleStreamRun serves a run's event stream over SSE: replay everything
// persisted after after_seq, then tail by polling until the done event.
func (api *orchestratorAPI) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, ok := api.lookupRun(w, r, runID); !ok {
		return
	}

	after := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_after_seq")
			return
		}
		after = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "ready", 0, map[string]any{
		"run_id":     runID,
		"server_ts":  time.Now().UTC().Format(time.RFC3339),
		"request_id": r.Header.Get("X-Request-Id"),
	}); err != nil {
		return
	}
	flusher.Flush()

	drain := func() (bool, error) {
		for {
			events, err := api.events.ListEvents(r.Context(), repo.EventFilter{
				RunID:    runID,
				AfterSeq: after,
				Limit:    streamPageSize,
			})
			if err != nil {
				return false, err
			}
			for _, ev := range events {
				err := writeSSE(w, ev.Type, ev.Seq, eventPayload{
					Seq:       ev.Seq,
					Type:      ev.Type,
					Payload:   normalizeJSON(ev.Payload),
					EmittedAt: ev.EmittedAt,
				})
				if err != nil {
					return false, err
				}
				after = ev.Seq
				if ev.Type == domain.EventTypeDone {
					flusher.Flush()
					return true, nil
				}
			}
			flusher.Flush()
			if len(events) < streamPageSize {
				return false, nil
			}
		}
	}

	finished, err := drain()
	if err != nil {
		api.logger.Warn("event stream aborted", "run_id", runID, "error", err)
		return
	}
	if finished {
		return
	}

	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			finished, err := drain()
			if err != nil {
				api.logger.Warn("event stream aborted", "run_id", runID, "error", err)
				return
			}
			if finished {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event string, id int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id > 0 {
		_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, body)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	}
	return err
}
