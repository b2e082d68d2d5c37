package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepthink-labs/deepthink-go/internal/cache"
	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/metrics"
)

// runPlanner produces the run's plan, serving it from the pass cache when a
// normalized (model, goal) pair was planned before. A cache hit consumes no
// budget and records no pass execution.
func (e *Engine) runPlanner(ctx context.Context, st *runState) (domain.Plan, passResult) {
	key := cache.Key(st.lane.Planner.Model, st.run.Goal)
	if payload, err := e.cache.Get(ctx, domain.PassTypePlanner, key); err == nil {
		if plan, ok := decodeCachedPlan(payload); ok {
			metrics.CacheHits.WithLabelValues(domain.PassTypePlanner).Inc()
			e.logger.Info("planner cache hit", "run_id", st.run.ID, "lane", st.lane.Name)
			return plan, passResult{ok: true}
		}
		e.logger.Warn("planner cache entry undecodable, treating as miss", "run_id", st.run.ID)
	} else if !errors.Is(err, cache.ErrMiss) {
		e.logger.Warn("planner cache read failed", "run_id", st.run.ID, "error", err)
	}
	metrics.CacheMisses.WithLabelValues(domain.PassTypePlanner).Inc()

	var plan domain.Plan
	res := e.executePass(ctx, st, passRequest{
		passType:    domain.PassTypePlanner,
		config:      st.lane.Planner,
		temperature: st.lane.Planner.Temperature,
		system:      plannerSystem,
		prompt:      plannerPrompt(st.run.Goal),
	}, func(text string) error {
		var w planPayload
		if err := json.Unmarshal([]byte(extractJSON(text)), &w); err != nil {
			return fmt.Errorf("decode plan: %w", err)
		}
		p := payloadToPlan(w)
		if err := p.Validate(); err != nil {
			return err
		}
		plan = p
		return nil
	})
	if !res.ok {
		return domain.Plan{}, res
	}

	if payload, err := json.Marshal(planToPayload(plan)); err == nil {
		if perr := e.cache.Put(st.persistCtx, domain.PassTypePlanner, key, payload, st.lane.CacheTTL); perr != nil {
			e.logger.Warn("planner cache write failed", "run_id", st.run.ID, "error", perr)
		}
	}
	return plan, res
}

func decodeCachedPlan(payload []byte) (domain.Plan, bool) {
	var w planPayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Plan{}, false
	}
	plan := payloadToPlan(w)
	if err := plan.Validate(); err != nil {
		return domain.Plan{}, false
	}
	return plan, true
}

func payloadToPlan(w planPayload) domain.Plan {
	return domain.Plan{
		GoalRestated:   w.GoalRestated,
		Approach:       w.Approach,
		Considerations: w.Considerations,
		Complexity:     w.Complexity,
		NeedsEvidence:  w.NeedsEvidence,
	}
}
