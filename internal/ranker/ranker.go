// Package ranker scores candidate runbooks for a natural-language query:
// semantic similarity against stored embeddings, weighted by past success,
// context fit, automation, popularity and human feedback.
package ranker

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

const (
	// Scoring weights.
	weightSemantic = 0.5
	weightSuccess  = 0.3
	weightContext  = 0.2

	// Second-pass bonuses.
	bonusAutomation = 0.15
	bonusPopularity = 0.10
	bonusFeedback   = 0.15

	scoreFloor = 0.1
	scoreCeil  = 1.0

	// Window of recent executions feeding the success rate.
	successWindow = 20
	// Window for click popularity.
	popularityWindow = 30 * 24 * time.Hour

	DefaultLimit = 3
)

// Presentation strategies derived from the top two scores.
const (
	StrategySingle          = "single_solution"
	StrategyMultiple        = "multiple_options"
	StrategyPrimaryWithAlts = "primary_with_alternatives"
	StrategyExperimental    = "experimental_options"
	StrategyPrimaryPlusOne  = "primary_plus_one"
)

// Roles that see every enabled runbook regardless of view restrictions.
var privilegedRoles = []string{"admin", "owner", "maintainer", "operator"}

// Store is the persistence surface the ranker reads.
type Store interface {
	// EnabledRunbooksWithEmbeddings returns enabled runbooks that carry an
	// embedding, with Steps populated for OS matching.
	EnabledRunbooksWithEmbeddings(ctx context.Context) ([]model.Runbook, error)
	// RestrictedRunbookIDs returns the ids of runbooks with an explicit
	// view restriction.
	RestrictedRunbookIDs(ctx context.Context) (map[uuid.UUID]bool, error)
	// ExecutionStats counts successes over the runbook's most recent
	// non-dry-run executions, at most lastN of them.
	ExecutionStats(ctx context.Context, runbookID uuid.UUID, lastN int) (successes, total int, err error)
	// ClickCounts returns per-runbook click counts since the given time.
	ClickCounts(ctx context.Context, since time.Time) (map[uuid.UUID]int, error)
	// FeedbackCounts returns thumbs up/down totals for a runbook.
	FeedbackCounts(ctx context.Context, runbookID uuid.UUID) (up, down int, err error)
}

// QueryContext narrows ranking toward the caller's environment. Empty
// fields are neutral.
type QueryContext struct {
	OSType string
	Tags   []string
}

// Solution is one ranked candidate.
type Solution struct {
	Runbook *model.Runbook
	Score   float64

	Semantic    float64
	SuccessRate float64
	Context     float64
}

// Result is the ranked answer for one query.
type Result struct {
	Solutions []Solution
	Strategy  string
}

// Ranker ranks runbooks against natural-language queries.
type Ranker struct {
	store    Store
	embedder model.Embedder
	limit    int
	now      func() time.Time
}

// New creates a ranker returning up to DefaultLimit solutions.
func New(store Store, embedder model.Embedder) *Ranker {
	return &Ranker{
		store:    store,
		embedder: embedder,
		limit:    DefaultLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rank embeds the query, retrieves candidates by cosine distance, filters
// by the principal's view permission, and scores the survivors. Without a
// usable embedding the result is empty.
func (r *Ranker) Rank(ctx context.Context, query string, qctx QueryContext, principal model.Principal) (*Result, error) {
	if r.embedder == nil {
		return &Result{}, nil
	}
	queryVec, err := r.embedder.Embed(query)
	if err != nil || len(queryVec) == 0 {
		log.Printf("[ranker] Embedding unavailable for query: %v", err)
		return &Result{}, nil
	}

	runbooks, err := r.store.EnabledRunbooksWithEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	var candidates []candidate
	for i := range runbooks {
		rb := &runbooks[i]
		d, ok := cosineDistance(queryVec, rb.Embedding)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{rb: rb, distance: d})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if max := 3 * r.limit; len(candidates) > max {
		candidates = candidates[:max]
	}

	candidates, err = r.filterACL(ctx, candidates, principal)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Result{}, nil
	}

	clicks, err := r.store.ClickCounts(ctx, r.now().Add(-popularityWindow))
	if err != nil {
		log.Printf("[ranker] Click counts: %v", err)
		clicks = nil
	}
	topClicks := 0
	for _, n := range clicks {
		if n > topClicks {
			topClicks = n
		}
	}

	var solutions []Solution
	for _, c := range candidates {
		sol, err := r.score(ctx, c.rb, c.distance, qctx, clicks, topClicks)
		if err != nil {
			return nil, err
		}
		solutions = append(solutions, sol)
	}
	sort.SliceStable(solutions, func(i, j int) bool { return solutions[i].Score > solutions[j].Score })
	if len(solutions) > r.limit {
		solutions = solutions[:r.limit]
	}

	return &Result{
		Solutions: solutions,
		Strategy:  strategy(solutions),
	}, nil
}

// candidate pairs a runbook with its cosine distance to the query.
type candidate struct {
	rb       *model.Runbook
	distance float64
}

func (r *Ranker) filterACL(ctx context.Context, candidates []candidate, principal model.Principal) ([]candidate, error) {
	if principal.HasAnyRole(privilegedRoles) {
		return candidates, nil
	}
	restricted, err := r.store.RestrictedRunbookIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load restrictions: %w", err)
	}
	out := candidates[:0]
	for _, c := range candidates {
		if !restricted[c.rb.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Ranker) score(ctx context.Context, rb *model.Runbook, distance float64, qctx QueryContext, clicks map[uuid.UUID]int, topClicks int) (Solution, error) {
	semantic := 1 - distance

	successes, total, err := r.store.ExecutionStats(ctx, rb.ID, successWindow)
	if err != nil {
		return Solution{}, fmt.Errorf("execution stats for %s: %w", rb.ID, err)
	}
	success := 0.5
	if total > 0 {
		success = float64(successes) / float64(total)
	}

	contextScore := 0.5*tagMatch(rb, qctx.Tags) + 0.5*osMatch(rb, qctx.OSType)

	score := weightSemantic*semantic + weightSuccess*success + weightContext*contextScore

	if rb.AutoExecute {
		score += bonusAutomation
	}
	if topClicks > 0 {
		score += bonusPopularity * float64(clicks[rb.ID]) / float64(topClicks)
	}
	up, down, err := r.store.FeedbackCounts(ctx, rb.ID)
	if err != nil {
		return Solution{}, fmt.Errorf("feedback for %s: %w", rb.ID, err)
	}
	if up+down > 0 {
		score += bonusFeedback * float64(up-down) / float64(up+down)
	}

	score = math.Min(scoreCeil, math.Max(scoreFloor, score))
	return Solution{
		Runbook:     rb,
		Score:       score,
		Semantic:    semantic,
		SuccessRate: success,
		Context:     contextScore,
	}, nil
}

// tagMatch is 1 when any query tag appears on the runbook, 0.5 when the
// query carries no tags, 0 otherwise.
func tagMatch(rb *model.Runbook, tags []string) float64 {
	if len(tags) == 0 {
		return 0.5
	}
	for _, want := range tags {
		for _, have := range rb.Tags {
			if strings.EqualFold(want, have) {
				return 1
			}
		}
		if strings.EqualFold(want, rb.Category) {
			return 1
		}
	}
	return 0
}

// osMatch is 1 when the runbook has a step runnable on the queried OS,
// 0.5 when no OS is given, 0 otherwise.
func osMatch(rb *model.Runbook, osType string) float64 {
	if osType == "" {
		return 0.5
	}
	if len(rb.Steps) == 0 {
		return 0.5
	}
	for _, step := range rb.Steps {
		if step.TargetOS == model.OSAny || step.TargetOS == "" || strings.EqualFold(string(step.TargetOS), osType) {
			return 1
		}
	}
	return 0
}

// strategy derives the presentation strategy from the top two scores.
func strategy(solutions []Solution) string {
	if len(solutions) == 0 {
		return StrategyMultiple
	}
	top := solutions[0].Score
	if len(solutions) == 1 {
		return StrategySingle
	}
	delta := top - solutions[1].Score

	switch {
	case delta >= 0.15 || top > 0.85:
		return StrategySingle
	case delta < 0.10:
		return StrategyMultiple
	case top > 0.90:
		return StrategyPrimaryWithAlts
	case top < 0.60:
		return StrategyExperimental
	default:
		return StrategyPrimaryPlusOne
	}
}

// cosineDistance returns 1 − cosine similarity. The second return is false
// when either vector is unusable (dimension mismatch or zero norm).
func cosineDistance(a, b model.Vector) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), true
}
