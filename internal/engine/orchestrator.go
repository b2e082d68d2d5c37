package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/budget"
	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/lanespec"
	"github.com/deepthink-labs/deepthink-go/internal/metrics"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

// Begin validates a pending run and transitions it to running. It resolves
// and freezes the lane config for the whole execution; later lane updates
// never affect a run already past this point.
func (e *Engine) Begin(ctx context.Context, runID string) (domain.Run, domain.Lane, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("load run: %w", err)
	}
	if strings.TrimSpace(run.Goal) == "" {
		return domain.Run{}, domain.Lane{}, ErrEmptyGoal
	}
	if run.Status != domain.RunStatusPending {
		return domain.Run{}, domain.Lane{}, ErrRunNotPending
	}

	record, err := e.lanes.GetLane(ctx, run.Lane)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("%w: %s", ErrLaneNotFound, run.Lane)
	}
	if err != nil {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("load lane %q: %w", run.Lane, err)
	}
	doc, err := lanespec.Parse(record.Config)
	if err != nil {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("%w: %s: %v", ErrLaneInvalid, run.Lane, err)
	}
	lane, err := doc.ToLane()
	if err != nil {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("%w: %s: %v", ErrLaneInvalid, run.Lane, err)
	}

	started := time.Now().UTC()
	applied, err := e.runs.StartRun(ctx, runID, started)
	if err != nil {
		return domain.Run{}, domain.Lane{}, fmt.Errorf("start run: %w", err)
	}
	if !applied {
		return domain.Run{}, domain.Lane{}, ErrRunNotPending
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &started

	metrics.RunsStarted.Inc()
	e.logger.Info("run started", "run_id", run.ID, "lane", lane.Name, "trace_id", run.TraceID)
	return run, lane, nil
}

// Execute drives a running run to a terminal state. It is meant to be
// called on its own goroutine; progress is observable through the event
// stream. Persistence uses a context detached from ctx so cancellation
// stops provider work without losing the terminal record.
func (e *Engine) Execute(ctx context.Context, run domain.Run, lane domain.Lane) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(run.ID, cancel)
	defer e.dropCancel(run.ID)

	persistCtx := context.WithoutCancel(ctx)
	startedAt := time.Now().UTC()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	st := &runState{
		run:        run,
		lane:       lane,
		endpoint:   endpointFor(lane),
		meter:      budget.NewMeter(lane.PerJobTokenCap),
		em:         &emitter{logger: e.logger, events: e.events, ctx: persistCtx, runID: run.ID},
		persistCtx: persistCtx,
		startedAt:  startedAt,
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	st.em.emit(domain.EventTypeProgress, progressPayload{Stage: domain.StagePlanning})
	plan, res := e.runPlanner(runCtx, st)
	if !res.ok {
		code := domain.ErrorCodePlannerFailed
		message := res.errMessage
		switch {
		case res.budgetDenied || res.breached:
			code = domain.ErrorCodeTokenCapBreach
		case res.canceled:
			code = domain.ErrorCodeCanceled
			message = "run canceled during planning"
		}
		e.finalizeError(st, code, res.errKind, message)
		return
	}
	st.em.emit(domain.EventTypePlan, planToPayload(plan))

	if plan.NeedsEvidence {
		st.em.emit(domain.EventTypeProgress, progressPayload{Stage: domain.StageEvidence})
		e.gatherEvidence(runCtx, st, plan)
		st.em.emit(domain.EventTypeEvidence, artifactsToPayload(st.artifacts))
	}

	st.em.emit(domain.EventTypeProgress, progressPayload{Stage: domain.StageSolving})
	out := e.runSolvers(runCtx, st, plan)
	switch {
	case out.winner != nil:
		e.finalizeSuccess(st, out.winner)
	case out.breach:
		message := out.breachMessage
		if message == "" {
			message = "per-run token cap exhausted"
		}
		e.finalizeError(st, domain.ErrorCodeTokenCapBreach, domain.ErrorCodeTokenCapBreach, message)
	case out.canceled:
		e.finalizeError(st, domain.ErrorCodeCanceled, domain.ErrorCodeCanceled, "run canceled by caller")
	default:
		e.finalizeError(st, domain.ErrorCodeAllFailed, domain.ErrorCodeAllFailed, "no candidate passed verification")
	}
}

// Cancel aborts a run's in-flight work. Cancellation is cooperative: a
// provider call already dispatched may still complete server-side; its
// result is discarded but its token usage is still committed to the
// ledger. Reports whether the run was executing on this instance.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) dropCancel(runID string) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
}

func (e *Engine) finalizeSuccess(st *runState, w *winner) {
	now := time.Now().UTC()
	in, out, cost := st.totals()
	latency := now.Sub(st.startedAt).Milliseconds()
	risk := domain.RiskNone
	if st.evidenceUnavailable {
		risk = domain.RiskEvidenceUnavailable
	}
	score := w.score

	run := st.run
	run.Status = domain.RunStatusSuccess
	run.FinalText = w.answer
	run.FinalCitations = w.citations
	run.VerificationScore = &score
	run.ResidualRisk = risk
	run.EvidenceUnavailable = st.evidenceUnavailable
	run.InputTokens = in
	run.OutputTokens = out
	run.CostAmount = cost
	run.LatencyMS = latency
	run.EndedAt = &now

	// A persistence failure still terminates the stream; only a duplicate
	// finalize stays silent, since the first one already emitted.
	applied, err := e.runs.FinalizeRun(st.persistCtx, run)
	if err != nil {
		e.logger.Error("finalize run", "run_id", run.ID, "error", err)
	} else if !applied {
		e.logger.Warn("run already terminal, dropping duplicate finalize", "run_id", run.ID)
		return
	}

	st.em.emit(domain.EventTypeFinal, finalPayload{
		Text:        w.answer,
		Citations:   citationsToPayload(w.citations),
		Score:       score,
		Limitations: limitationsText(risk),
		Tokens:      in + out,
		Cost:        cost,
		LatencyMS:   latency,
	})
	st.em.emit(domain.EventTypeDone, struct{}{})

	metrics.RunsFinished.WithLabelValues(domain.RunStatusSuccess, "").Inc()
	metrics.RunDuration.Observe(now.Sub(st.startedAt).Seconds())
	e.export(run.ID)
	e.logger.Info("run finished", "run_id", run.ID, "status", run.Status, "candidate", w.index,
		"score", score, "tokens", in+out, "cost", cost, "latency_ms", latency)
}

// finalizeError records a terminal failure. code is the terminal reason
// stored as the run's residual risk; kind is the underlying error kind
// surfaced in the error event.
func (e *Engine) finalizeError(st *runState, code, kind, message string) {
	now := time.Now().UTC()
	in, out, cost := st.totals()
	latency := now.Sub(st.startedAt).Milliseconds()
	if kind == "" {
		kind = domain.ErrorKindUnknown
	}

	run := st.run
	run.Status = domain.RunStatusError
	run.ResidualRisk = code
	run.ErrorKind = kind
	run.ErrorMessage = message
	run.EvidenceUnavailable = st.evidenceUnavailable
	run.InputTokens = in
	run.OutputTokens = out
	run.CostAmount = cost
	run.LatencyMS = latency
	run.EndedAt = &now

	applied, err := e.runs.FinalizeRun(st.persistCtx, run)
	if err != nil {
		e.logger.Error("finalize run", "run_id", run.ID, "error", err)
	} else if !applied {
		e.logger.Warn("run already terminal, dropping duplicate finalize", "run_id", run.ID)
		return
	}

	st.em.emit(domain.EventTypeError, errorPayload{Kind: code, Message: message})
	st.em.emit(domain.EventTypeDone, struct{}{})

	if code == domain.ErrorCodeTokenCapBreach {
		metrics.BudgetBreaches.Inc()
	}
	metrics.RunsFinished.WithLabelValues(domain.RunStatusError, code).Inc()
	metrics.RunDuration.Observe(now.Sub(st.startedAt).Seconds())
	e.export(run.ID)
	e.logger.Warn("run failed", "run_id", run.ID, "code", code, "kind", kind,
		"message", message, "tokens", in+out, "latency_ms", latency)
}

func (e *Engine) export(runID string) {
	if e.exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.exporter.ExportRun(ctx, runID); err != nil {
		e.logger.Warn("audit export failed", "run_id", runID, "error", err)
	}
}

func limitationsText(risk string) string {
	switch risk {
	case domain.RiskNone:
		return "none"
	case domain.RiskEvidenceUnavailable:
		return "evidence retrieval was unavailable; the answer cites no sources"
	default:
		return risk
	}
}
