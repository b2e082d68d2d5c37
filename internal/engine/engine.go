// Package engine orchestrates runs through the planner, evidence, solver
// and verifier passes, enforcing the lane's budget and retry policy.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepthink-labs/deepthink-go/internal/budget"
	"github.com/deepthink-labs/deepthink-go/internal/cache"
	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/metrics"
	"github.com/deepthink-labs/deepthink-go/internal/provider"
	"github.com/deepthink-labs/deepthink-go/internal/repo"
	"github.com/deepthink-labs/deepthink-go/internal/search"
)

var (
	ErrRunNotPending = errors.New("run is not pending")
	ErrLaneNotFound  = errors.New("lane not found")
	ErrLaneInvalid   = errors.New("lane config invalid")
	ErrEmptyGoal     = errors.New("goal is empty")
)

// Exporter ships a finished run's audit bundle to object storage. Export
// failures never affect the run outcome.
type Exporter interface {
	ExportRun(ctx context.Context, runID string) error
}

type Config struct {
	Logger    *slog.Logger
	Gateway   provider.Gateway
	Search    search.Provider
	Cache     cache.Store
	Lanes     repo.LaneRepository
	Runs      repo.RunRepository
	Passes    repo.PassRepository
	Artifacts repo.ArtifactRepository
	Checks    repo.CheckRepository
	Events    repo.EventRepository
	Ledger    repo.LedgerRepository
	Exporter  Exporter
}

type Engine struct {
	logger    *slog.Logger
	gateway   provider.Gateway
	search    search.Provider
	cache     cache.Store
	lanes     repo.LaneRepository
	runs      repo.RunRepository
	passes    repo.PassRepository
	artifacts repo.ArtifactRepository
	checks    repo.CheckRepository
	events    repo.EventRepository
	ledger    repo.LedgerRepository
	exporter  Exporter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New validates the wiring. Search and Exporter are optional; runs work
// without them, marked evidence_unavailable or unexported respectively.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Lanes == nil || cfg.Runs == nil || cfg.Passes == nil || cfg.Artifacts == nil ||
		cfg.Checks == nil || cfg.Events == nil || cfg.Ledger == nil {
		return nil, errors.New("all repositories are required")
	}
	return &Engine{
		logger:    cfg.Logger,
		gateway:   cfg.Gateway,
		search:    cfg.Search,
		cache:     cfg.Cache,
		lanes:     cfg.Lanes,
		runs:      cfg.Runs,
		passes:    cfg.Passes,
		artifacts: cfg.Artifacts,
		checks:    cfg.Checks,
		events:    cfg.Events,
		ledger:    cfg.Ledger,
		exporter:  cfg.Exporter,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// runState carries one run's execution context: its budget meter, the
// resolved provider endpoint and accumulated totals. Totals are updated
// from concurrent solver workers and guarded accordingly.
type runState struct {
	run        domain.Run
	lane       domain.Lane
	endpoint   provider.Endpoint
	meter      *budget.Meter
	em         *emitter
	persistCtx context.Context
	startedAt  time.Time

	artifacts           []domain.Artifact
	evidenceUnavailable bool

	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	cost         float64
}

func (st *runState) addUsage(in, out int64, cost float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inputTokens += in
	st.outputTokens += out
	st.cost += cost
}

func (st *runState) totals() (in, out int64, cost float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inputTokens, st.outputTokens, st.cost
}

func endpointFor(lane domain.Lane) provider.Endpoint {
	ep := provider.Endpoint{BaseURL: lane.Provider.BaseURL}
	if lane.Provider.APIKeyEnv != "" {
		ep.APIKey = os.Getenv(lane.Provider.APIKeyEnv)
	}
	return ep
}

type passRequest struct {
	passType    string
	candidate   *int
	config      domain.PassConfig
	temperature float64
	system      string
	prompt      string
	onDispatch  func()
}

type passResult struct {
	ok           bool
	passID       string
	budgetDenied bool
	breached     bool
	canceled     bool
	errKind      string
	errMessage   string
}

// executePass runs the reserve/invoke/commit cycle for one pass, retrying
// per the lane policy. Every provider response is committed to the budget
// and recorded before the result is interpreted, including on cancellation,
// so accounting reflects real spend even for discarded work.
func (e *Engine) executePass(ctx context.Context, st *runState, req passRequest, parse func(string) error) passResult {
	maxAttempts := st.lane.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	estimate := req.config.CapTokens
	dispatched := false
	var last passResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return passResult{canceled: true}
		}
		if err := st.meter.Reserve(estimate); err != nil {
			return passResult{budgetDenied: true, errKind: domain.ErrorCodeTokenCapBreach, errMessage: err.Error()}
		}
		if !dispatched {
			dispatched = true
			if req.onDispatch != nil {
				req.onDispatch()
			}
		}

		start := time.Now()
		resp, err := e.gateway.Invoke(ctx, provider.Request{
			Endpoint:     st.endpoint,
			Model:        req.config.Model,
			System:       req.system,
			Prompt:       req.prompt,
			MaxTokens:    req.config.CapTokens,
			Temperature:  req.temperature,
			Timeout:      req.config.Timeout,
			ResponseJSON: true,
		})
		latency := time.Since(start).Milliseconds()

		if err != nil {
			st.meter.Release(estimate)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return passResult{canceled: true}
			}
			kind := provider.Kind(err)
			e.recordAttempt(st, req, attempt, "", provider.Usage{}, latency, domain.PassOutcomeFailed, kind)
			last = passResult{errKind: kind, errMessage: err.Error()}
			if st.lane.Retry.Retryable(kind) && attempt < maxAttempts {
				if serr := sleepBackoff(ctx, st.lane.Retry.Delay(attempt)); serr != nil {
					return passResult{canceled: true}
				}
				continue
			}
			return last
		}

		actual := resp.Usage.InputTokens + resp.Usage.OutputTokens
		breached := st.meter.Commit(estimate, actual)

		var parseErr error
		if parse != nil {
			parseErr = parse(resp.Text)
		}
		outcome := domain.PassOutcomeSucceeded
		errKind := ""
		if parseErr != nil {
			outcome = domain.PassOutcomeFailed
			errKind = domain.ErrorKindSchemaMismatch
		}
		passID := e.recordAttempt(st, req, attempt, resp.Text, resp.Usage, latency, outcome, errKind)

		if breached {
			return passResult{breached: true, passID: passID, errKind: domain.ErrorCodeTokenCapBreach,
				errMessage: "actual usage exceeded the reserved cap"}
		}
		if parseErr == nil {
			return passResult{ok: true, passID: passID}
		}
		last = passResult{passID: passID, errKind: domain.ErrorKindSchemaMismatch, errMessage: parseErr.Error()}
		if st.lane.Retry.Retryable(domain.ErrorKindSchemaMismatch) && attempt < maxAttempts {
			if serr := sleepBackoff(ctx, st.lane.Retry.Delay(attempt)); serr != nil {
				return passResult{canceled: true}
			}
			continue
		}
		return last
	}
	return last
}

// recordAttempt persists the pass row and its ledger entry and folds usage
// into run totals. Persistence failures are logged, not propagated: a run
// should not die because an audit row failed to insert.
func (e *Engine) recordAttempt(st *runState, req passRequest, attempt int, output string, usage provider.Usage, latencyMS int64, outcome, errKind string) string {
	now := time.Now().UTC()
	pass := domain.PassExecution{
		ID:             uuid.NewString(),
		RunID:          st.run.ID,
		PassType:       req.passType,
		CandidateIndex: req.candidate,
		Attempt:        attempt,
		Model:          req.config.Model,
		InputSHA256:    inputHash(req.prompt),
		Output:         output,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		LatencyMS:      latencyMS,
		Outcome:        outcome,
		ErrorKind:      errKind,
		CreatedAt:      now,
	}
	if err := e.passes.CreatePass(st.persistCtx, pass); err != nil {
		e.logger.Error("record pass attempt", "run_id", st.run.ID, "pass_type", req.passType, "attempt", attempt, "error", err)
	}

	cost := req.config.Cost(usage.InputTokens, usage.OutputTokens)
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		RunID:        st.run.ID,
		PassID:       pass.ID,
		Period:       domain.LedgerPeriod(now),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostAmount:   cost,
		RecordedAt:   now,
	}
	if err := e.ledger.AppendEntry(st.persistCtx, entry); err != nil {
		e.logger.Error("append ledger entry", "run_id", st.run.ID, "pass_id", pass.ID, "error", err)
	}
	st.addUsage(usage.InputTokens, usage.OutputTokens, cost)

	metrics.ProviderCalls.WithLabelValues(req.passType, outcome).Inc()
	if errKind != "" {
		metrics.ProviderErrors.WithLabelValues(errKind).Inc()
	}
	metrics.TokensConsumed.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.TokensConsumed.WithLabelValues("output").Add(float64(usage.OutputTokens))
	metrics.CostTotal.Add(cost)
	return pass.ID
}

// extractJSON strips an optional markdown code fence around a model reply.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
