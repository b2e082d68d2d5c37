package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

// emitter assigns sequence numbers and persists the run's ordered event
// stream. It is owned by the orchestrator goroutine; solver workers report
// over a channel instead of emitting directly, which keeps the stream
// single-writer and the done event last.
type emitter struct {
	logger *slog.Logger
	events repo.EventRepository
	ctx    context.Context
	runID  string
	seq    int64
}

func (em *emitter) emit(eventType string, payload any) {
	em.seq++
	body, err := json.Marshal(payload)
	if err != nil {
		em.logger.Error("marshal event payload", "run_id", em.runID, "type", eventType, "error", err)
		body = []byte("{}")
	}
	event := domain.RunEvent{
		RunID:     em.runID,
		Seq:       em.seq,
		Type:      eventType,
		Payload:   body,
		EmittedAt: time.Now().UTC(),
	}
	if err := em.events.AppendEvent(em.ctx, event); err != nil {
		em.logger.Error("append event", "run_id", em.runID, "seq", em.seq, "type", eventType, "error", err)
	}
}

type progressPayload struct {
	Stage string `json:"stage"`
}

type planPayload struct {
	GoalRestated   string   `json:"goal_restated"`
	Approach       string   `json:"approach"`
	Considerations []string `json:"considerations"`
	Complexity     string   `json:"complexity"`
	NeedsEvidence  bool     `json:"needs_evidence"`
}

type evidenceItem struct {
	Text      string  `json:"text"`
	Source    string  `json:"source"`
	Relevance float64 `json:"relevance"`
	RefID     string  `json:"ref_id"`
}

type candidatePayload struct {
	Index      int      `json:"index"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type rejectedPayload struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type citationPayload struct {
	RefID  string `json:"ref_id"`
	Source string `json:"source"`
}

type finalPayload struct {
	Text        string            `json:"text"`
	Citations   []citationPayload `json:"citations"`
	Score       float64           `json:"score"`
	Limitations string            `json:"limitations"`
	Tokens      int64             `json:"tokens"`
	Cost        float64           `json:"cost"`
	LatencyMS   int64             `json:"latency_ms"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	candidateStatusStarted   = "started"
	candidateStatusCompleted = "completed"
)

// Rejection reasons beyond the provider error kinds.
const (
	reasonChecksFailed     = "checks_failed"
	reasonBelowThreshold   = "below_threshold"
	reasonJudgeUnavailable = "judge_unavailable"
	reasonSuperseded       = "superseded"
	reasonCanceled         = "canceled"
)

func planToPayload(p domain.Plan) planPayload {
	return planPayload{
		GoalRestated:   p.GoalRestated,
		Approach:       p.Approach,
		Considerations: p.Considerations,
		Complexity:     p.Complexity,
		NeedsEvidence:  p.NeedsEvidence,
	}
}

func artifactsToPayload(artifacts []domain.Artifact) []evidenceItem {
	items := make([]evidenceItem, 0, len(artifacts))
	for _, a := range artifacts {
		items = append(items, evidenceItem{
			Text:      a.Content,
			Source:    a.Source,
			Relevance: a.Relevance,
			RefID:     a.RefID,
		})
	}
	return items
}

func citationsToPayload(citations []domain.Citation) []citationPayload {
	out := make([]citationPayload, 0, len(citations))
	for _, c := range citations {
		out = append(out, citationPayload{RefID: c.RefID, Source: c.Source})
	}
	return out
}
