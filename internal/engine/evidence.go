package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
	"github.com/deepthink-labs/deepthink-go/internal/search"
)

const maxEvidenceQueries = 3

// gatherEvidence runs the evidence stage: a bounded fan-out of search
// queries derived from the goal and plan, deduplicated by URL and ranked by
// relevance. Individual query failures are tolerated; the run is marked
// evidence_unavailable only when nothing came back and at least one query
// failed, or no search backend is configured at all.
func (e *Engine) gatherEvidence(ctx context.Context, st *runState, plan domain.Plan) {
	if e.search == nil {
		st.evidenceUnavailable = true
		e.logger.Info("evidence requested but no search backend configured", "run_id", st.run.ID)
		return
	}

	queries := evidenceQueries(st.run.Goal, plan)
	maxResults := st.lane.Planner.MaxEvidence

	var (
		g         errgroup.Group
		mu        sync.Mutex
		collected []search.Result
		failed    int
	)
	g.SetLimit(maxEvidenceQueries)
	for _, q := range queries {
		query := q
		g.Go(func() error {
			results, err := e.search.Search(ctx, query, maxResults)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				e.logger.Warn("evidence query failed", "run_id", st.run.ID, "query", query, "error", err)
				return nil
			}
			collected = append(collected, results...)
			return nil
		})
	}
	_ = g.Wait()

	ranked := dedupeAndRank(collected, maxResults)
	if len(ranked) == 0 {
		if failed > 0 {
			st.evidenceUnavailable = true
		}
		e.logger.Info("evidence stage produced no artifacts", "run_id", st.run.ID, "queries", len(queries), "failed", failed)
		return
	}

	now := time.Now().UTC()
	artifacts := make([]domain.Artifact, 0, len(ranked))
	for i, r := range ranked {
		artifacts = append(artifacts, domain.Artifact{
			ID:        uuid.NewString(),
			RunID:     st.run.ID,
			RefID:     fmt.Sprintf("R%d", i+1),
			Source:    r.URL,
			Content:   snippetText(r),
			Relevance: r.Score,
			CreatedAt: now,
		})
	}
	if err := e.artifacts.CreateArtifacts(st.persistCtx, artifacts); err != nil {
		e.logger.Error("persist evidence artifacts", "run_id", st.run.ID, "error", err)
	}
	st.artifacts = artifacts
	e.logger.Info("evidence gathered", "run_id", st.run.ID, "artifacts", len(artifacts), "failed_queries", failed)
}

// evidenceQueries derives up to maxEvidenceQueries search queries: the goal
// itself plus the plan's leading considerations as refinements.
func evidenceQueries(goal string, plan domain.Plan) []string {
	queries := []string{goal}
	for _, c := range plan.Considerations {
		if len(queries) >= maxEvidenceQueries {
			break
		}
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		queries = append(queries, goal+" "+c)
	}
	return queries
}

func dedupeAndRank(results []search.Result, max int) []search.Result {
	seen := make(map[string]struct{}, len(results))
	out := make([]search.Result, 0, len(results))
	for _, r := range results {
		key := strings.ToLower(strings.TrimSpace(r.URL))
		if key == "" || snippetText(r) == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func snippetText(r search.Result) string {
	if s := strings.TrimSpace(r.Snippet); s != "" {
		return s
	}
	return strings.TrimSpace(r.Title)
}
