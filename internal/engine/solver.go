package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/metrics"
)

type solverWire struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

type candidateOutput struct {
	index      int
	answer     string
	confidence float64
	passID     string
}

const (
	msgStarted = iota
	msgCompleted
	msgFailed
	msgCanceled
	msgBudgetDenied
	msgBreach
)

// solverMsg is one worker-to-orchestrator notification. dispatched reports
// whether the candidate ever held a reservation; candidates that never
// dispatched leave no trace in the event log.
type solverMsg struct {
	index      int
	kind       int
	candidate  *candidateOutput
	errKind    string
	errMessage string
	dispatched bool
}

type solveOutcome struct {
	winner        *winner
	breach        bool
	breachMessage string
	canceled      bool
}

type winner struct {
	index      int
	answer     string
	confidence float64
	score      float64
	citations  []domain.Citation
}

// runSolvers fans out one worker per candidate and folds their messages in
// a single loop, which also owns verification. The first accepted candidate
// wins; remaining workers are canceled and their late completions rejected
// as superseded. A budget denial or cap breach anywhere stops everything.
func (e *Engine) runSolvers(ctx context.Context, st *runState, plan domain.Plan) solveOutcome {
	parallel := st.lane.Solver.Parallel
	if parallel < 1 {
		parallel = 1
	}
	temps := st.lane.SolverTemperatures()

	solverCtx, cancelSolvers := context.WithCancel(ctx)
	defer cancelSolvers()

	msgs := make(chan solverMsg, parallel*4)
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(index int, temp float64) {
			defer wg.Done()
			e.solveCandidate(solverCtx, st, plan, index, temp, msgs)
		}(i, temps[i])
	}
	go func() {
		wg.Wait()
		close(msgs)
	}()

	var out solveOutcome
	verifyingAnnounced := false
	settled := 0

	stop := func(message string) {
		out.breach = true
		out.breachMessage = message
		cancelSolvers()
	}

	for msg := range msgs {
		switch msg.kind {
		case msgStarted:
			if out.winner == nil && !out.breach {
				st.em.emit(domain.EventTypeCandidate, candidatePayload{Index: msg.index, Status: candidateStatusStarted})
			}

		case msgCompleted:
			settled++
			if out.winner != nil || out.breach {
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: reasonSuperseded})
				continue
			}
			conf := msg.candidate.confidence
			st.em.emit(domain.EventTypeCandidate, candidatePayload{Index: msg.index, Status: candidateStatusCompleted, Confidence: &conf})
			if !verifyingAnnounced {
				st.em.emit(domain.EventTypeProgress, progressPayload{Stage: domain.StageVerifying})
				verifyingAnnounced = true
			}
			v := e.verifyCandidate(ctx, st, msg.candidate)
			switch {
			case v.budgetDenied || v.breached:
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: domain.ErrorCodeTokenCapBreach})
				stop(v.message)
			case v.canceled:
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: reasonCanceled})
			case v.accepted:
				if settled < parallel {
					metrics.EarlyExits.Inc()
				}
				out.winner = &winner{
					index:      msg.index,
					answer:     msg.candidate.answer,
					confidence: msg.candidate.confidence,
					score:      v.score,
					citations:  v.citations,
				}
				cancelSolvers()
			default:
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: v.reason})
			}

		case msgFailed:
			settled++
			st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: msg.errKind})

		case msgCanceled:
			settled++
			if msg.dispatched {
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: reasonCanceled})
			}

		case msgBudgetDenied:
			settled++
			if msg.dispatched {
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: domain.ErrorCodeTokenCapBreach})
			}
			if out.winner == nil && !out.breach {
				stop(msg.errMessage)
			}

		case msgBreach:
			settled++
			if msg.dispatched {
				st.em.emit(domain.EventTypeCandidateRejected, rejectedPayload{Index: msg.index, Reason: domain.ErrorCodeTokenCapBreach})
			}
			if out.winner == nil && !out.breach {
				stop(msg.errMessage)
			}
		}
	}

	if out.winner == nil && !out.breach && ctx.Err() != nil {
		out.canceled = true
	}
	return out
}

// solveCandidate drives one candidate through the shared pass loop and
// translates the result into a message. A completion that lands after the
// run context was canceled is discarded, but its cost stays committed.
func (e *Engine) solveCandidate(ctx context.Context, st *runState, plan domain.Plan, index int, temperature float64, out chan<- solverMsg) {
	idx := index
	var decoded solverWire
	dispatched := false

	res := e.executePass(ctx, st, passRequest{
		passType:    domain.PassTypeSolver,
		candidate:   &idx,
		config:      st.lane.Solver,
		temperature: temperature,
		system:      solverSystem,
		prompt:      solverPrompt(st.run.Goal, plan, st.artifacts),
		onDispatch: func() {
			dispatched = true
			metrics.CandidatesDispatched.Inc()
			out <- solverMsg{index: index, kind: msgStarted, dispatched: true}
		},
	}, func(text string) error {
		var w solverWire
		if err := json.Unmarshal([]byte(extractJSON(text)), &w); err != nil {
			return fmt.Errorf("decode solver output: %w", err)
		}
		if strings.TrimSpace(w.Answer) == "" {
			return errors.New("solver output missing answer")
		}
		if w.Confidence < 0 || w.Confidence > 1 {
			return fmt.Errorf("solver confidence %v out of range", w.Confidence)
		}
		decoded = w
		return nil
	})

	switch {
	case res.budgetDenied:
		out <- solverMsg{index: index, kind: msgBudgetDenied, dispatched: dispatched, errMessage: res.errMessage}
	case res.breached:
		out <- solverMsg{index: index, kind: msgBreach, dispatched: dispatched, errMessage: res.errMessage}
	case res.canceled:
		out <- solverMsg{index: index, kind: msgCanceled, dispatched: dispatched}
	case res.ok:
		if ctx.Err() != nil {
			out <- solverMsg{index: index, kind: msgCanceled, dispatched: true}
			return
		}
		out <- solverMsg{index: index, kind: msgCompleted, dispatched: true, candidate: &candidateOutput{
			index:      index,
			answer:     decoded.Answer,
			confidence: decoded.Confidence,
			passID:     res.passID,
		}}
	default:
		out <- solverMsg{index: index, kind: msgFailed, dispatched: dispatched, errKind: res.errKind, errMessage: res.errMessage}
	}
}
