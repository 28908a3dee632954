// Package resolve implements fuzzy name resolution over the resource
// cache's name index.
package resolve

import (
	"sort"

	"github.com/kaalabs/hue-gateway/internal/cache"
)

// Candidates below this score are not shown in ambiguity reports.
const displayFloor = 0.3

// Maximum candidates listed in an Ambiguous outcome.
const maxCandidates = 5

// Decision classifies a resolution outcome.
type Decision int

const (
	// Matched means exactly one candidate won.
	Matched Decision = iota
	// Ambiguous means candidates exist but none wins decisively.
	Ambiguous
	// NotFound means no candidates of the type exist at all.
	NotFound
)

// ScoredCandidate is a candidate with its similarity to the query.
type ScoredCandidate struct {
	RID        string  `json:"rid"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of a resolution.
type Result struct {
	Decision   Decision
	RID        string            // set when Decision == Matched
	Name       string            // display name of the match
	Confidence float64           // score of the match
	Candidates []ScoredCandidate // set when Decision == Ambiguous, sorted descending
}

// Thresholds is the decision policy. All scores are in [0,1].
type Thresholds struct {
	Match    float64 // minimum score to accept a match (default 0.90)
	Autopick float64 // score that wins regardless of margin (default 0.95)
	Margin   float64 // required lead over the runner-up (default 0.05)
}

// Resolver scores cache name-index candidates against queries. Purely a
// read over the current snapshot; it never touches the bridge.
type Resolver struct {
	cache      *cache.Cache
	score      ScoreFunc
	thresholds Thresholds
}

// New creates a resolver using the default Levenshtein-ratio scorer.
func New(c *cache.Cache, thresholds Thresholds) *Resolver {
	return NewWithScorer(c, thresholds, Similarity)
}

// NewWithScorer creates a resolver with a custom scoring strategy.
func NewWithScorer(c *cache.Cache, thresholds Thresholds, score ScoreFunc) *Resolver {
	if thresholds.Match == 0 {
		thresholds.Match = 0.90
	}
	if thresholds.Autopick == 0 {
		thresholds.Autopick = 0.95
	}
	if thresholds.Margin == 0 {
		thresholds.Margin = 0.05
	}
	return &Resolver{cache: c, score: score, thresholds: thresholds}
}

// Resolve matches rawName against the cached names of the given type.
func (r *Resolver) Resolve(rtype, rawName string) Result {
	query := cache.NormalizeName(rawName)
	candidates := r.cache.Candidates(rtype)
	if len(candidates) == 0 {
		return Result{Decision: NotFound}
	}

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		scored = append(scored, ScoredCandidate{
			RID:        cand.RID,
			Name:       cand.Name,
			Confidence: r.score(query, cand.NameNorm),
		})
	}
	// Candidates arrive ordered by (name, rid); a stable sort on score keeps
	// the full ordering deterministic for equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Confidence > scored[j].Confidence
	})

	best := scored[0]
	if best.Confidence >= r.thresholds.Autopick {
		return Result{Decision: Matched, RID: best.RID, Name: best.Name, Confidence: best.Confidence}
	}

	secondBest := 0.0
	if len(scored) > 1 {
		secondBest = scored[1].Confidence
	}
	if best.Confidence >= r.thresholds.Match && (best.Confidence-secondBest) >= r.thresholds.Margin {
		return Result{Decision: Matched, RID: best.RID, Name: best.Name, Confidence: best.Confidence}
	}

	shown := make([]ScoredCandidate, 0, maxCandidates)
	for _, sc := range scored {
		if sc.Confidence < displayFloor {
			break
		}
		shown = append(shown, sc)
		if len(shown) == maxCandidates {
			break
		}
	}
	return Result{Decision: Ambiguous, Candidates: shown}
}
