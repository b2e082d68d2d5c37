package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/metrics"
)

// maxAnswerChars bounds a candidate answer. Anything longer is treated as a
// runaway generation rather than a usable result.
const maxAnswerChars = 32000

var citationRefPattern = regexp.MustCompile(`\[(R[0-9]+)\]`)

type judgeWire struct {
	Score   float64 `json:"score"`
	Verdict string  `json:"verdict"`
}

type verification struct {
	accepted     bool
	score        float64
	reason       string
	citations    []domain.Citation
	budgetDenied bool
	breached     bool
	canceled     bool
	message      string
}

// verifyCandidate runs the deterministic gate and, only when it passes, the
// judge pass. Deterministic checks cost nothing and any failure rejects the
// candidate without spending judge tokens.
func (e *Engine) verifyCandidate(ctx context.Context, st *runState, cand *candidateOutput) verification {
	citations, detOK := e.runDeterministicChecks(st, cand)
	if !detOK {
		return verification{reason: reasonChecksFailed, citations: citations}
	}

	var decoded judgeWire
	res := e.executePass(ctx, st, passRequest{
		passType:    domain.PassTypeVerifier,
		candidate:   &cand.index,
		config:      st.lane.Verifier,
		temperature: st.lane.Verifier.Temperature,
		system:      judgeSystem,
		prompt:      judgePrompt(st.run.Goal, cand.answer, st.artifacts),
	}, func(text string) error {
		var w judgeWire
		if err := json.Unmarshal([]byte(extractJSON(text)), &w); err != nil {
			return fmt.Errorf("decode judge output: %w", err)
		}
		if w.Score < 0 || w.Score > 1 {
			return fmt.Errorf("judge score %v out of range", w.Score)
		}
		decoded = w
		return nil
	})

	switch {
	case res.budgetDenied:
		return verification{budgetDenied: true, message: res.errMessage, citations: citations}
	case res.breached:
		return verification{breached: true, message: res.errMessage, citations: citations}
	case res.canceled:
		return verification{canceled: true, citations: citations}
	case !res.ok:
		e.persistCheck(st, cand, res.passID, domain.CheckKindJudge, "judge_score", domain.CheckStatusError, nil,
			fmt.Sprintf("%s: %s", res.errKind, res.errMessage), 0)
		return verification{reason: reasonJudgeUnavailable, citations: citations}
	}

	score := decoded.Score
	metrics.VerificationScore.Observe(score)
	status := domain.CheckStatusFail
	if score >= st.lane.Verifier.Threshold {
		status = domain.CheckStatusPass
	}
	e.persistCheck(st, cand, res.passID, domain.CheckKindJudge, "judge_score", status, &score, decoded.Verdict, 0)

	if status != domain.CheckStatusPass {
		return verification{score: score, reason: reasonBelowThreshold, citations: citations}
	}
	return verification{accepted: true, score: score, citations: citations}
}

// runDeterministicChecks evaluates the zero-cost gate for a candidate and
// persists one check row per rule. It returns the candidate's citations in
// order of first appearance, resolved against the run's artifacts.
func (e *Engine) runDeterministicChecks(st *runState, cand *candidateOutput) ([]domain.Citation, bool) {
	answer := cand.answer
	citations, unknownRefs := extractCitations(answer, st.artifacts)

	type rule struct {
		name    string
		ok      bool
		message string
	}
	rules := []rule{
		{
			name: "answer_present",
			ok:   strings.TrimSpace(answer) != "",
		},
		{
			name:    "answer_length",
			ok:      len(answer) <= maxAnswerChars,
			message: fmt.Sprintf("answer is %d chars, limit %d", len(answer), maxAnswerChars),
		},
		{
			name:    "confidence_range",
			ok:      cand.confidence >= 0 && cand.confidence <= 1,
			message: fmt.Sprintf("confidence %v outside [0,1]", cand.confidence),
		},
		{
			name:    "citations_resolve",
			ok:      len(unknownRefs) == 0,
			message: unknownRefsMessage(unknownRefs),
		},
	}

	allOK := true
	for _, r := range rules {
		status := domain.CheckStatusPass
		message := ""
		if !r.ok {
			allOK = false
			status = domain.CheckStatusFail
			message = r.message
		}
		e.persistCheck(st, cand, cand.passID, domain.CheckKindDeterministic, r.name, status, nil, message, 0)
	}
	return citations, allOK
}

func (e *Engine) persistCheck(st *runState, cand *candidateOutput, passID, kind, name, status string, score *float64, message string, durationMS int64) {
	check := domain.Check{
		ID:             uuid.NewString(),
		RunID:          st.run.ID,
		PassID:         passID,
		CandidateIndex: cand.index,
		Name:           name,
		Kind:           kind,
		Status:         status,
		Score:          score,
		Message:        message,
		DurationMS:     durationMS,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.checks.CreateCheck(st.persistCtx, check); err != nil {
		e.logger.Error("persist check", "run_id", st.run.ID, "check", name, "candidate", cand.index, "error", err)
	}
}

// extractCitations collects [Rn] references from an answer in order of
// first appearance and resolves them to artifact sources. References with
// no matching artifact come back in the second return value.
func extractCitations(answer string, artifacts []domain.Artifact) ([]domain.Citation, []string) {
	sources := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		sources[a.RefID] = a.Source
	}

	var (
		citations []domain.Citation
		unknown   []string
		seen      = make(map[string]struct{})
	)
	for _, m := range citationRefPattern.FindAllStringSubmatch(answer, -1) {
		ref := m[1]
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		source, ok := sources[ref]
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		citations = append(citations, domain.Citation{RefID: ref, Source: source})
	}
	return citations, unknown
}

func unknownRefsMessage(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	return "unresolved citation refs: " + strings.Join(refs, ", ")
}
