package search

import (
	"context"
	"sort"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// Weights are the ranker's signal weights.
type Weights struct {
	RRF        float64
	Keyword    float64
	Recency    float64
	Importance float64
	TypeMatch  float64
	Diversity  float64
}

// DefaultWeights returns the tuned default weight set.
func DefaultWeights() Weights {
	return Weights{
		RRF:        0.40,
		Keyword:    0.20,
		Recency:    0.15,
		Importance: 0.10,
		TypeMatch:  0.10,
		Diversity:  0.05,
	}
}

// merged fills zero-valued weights from the defaults.
func (w Weights) merged() Weights {
	d := DefaultWeights()
	if w.RRF == 0 {
		w.RRF = d.RRF
	}
	if w.Keyword == 0 {
		w.Keyword = d.Keyword
	}
	if w.Recency == 0 {
		w.Recency = d.Recency
	}
	if w.Importance == 0 {
		w.Importance = d.Importance
	}
	if w.TypeMatch == 0 {
		w.TypeMatch = d.TypeMatch
	}
	if w.Diversity == 0 {
		w.Diversity = d.Diversity
	}
	return w
}

var recencyScores = map[string]float64{
	"hot":     1.0,
	"active":  0.8,
	"new":     0.7,
	"stable":  0.5,
	"dormant": 0.3,
	"unknown": 0.5,
}

var importanceScores = map[string]float64{
	"high":   1.0,
	"medium": 0.6,
	"low":    0.3,
}

// Ranked is a candidate with its final score and the metadata fetched for
// scoring, passed along so the assembler does not refetch.
type Ranked struct {
	Candidate
	Final    float64             `json:"final_score"`
	Metadata *store.UnitMetadata `json:"-"`
}

// Ranker re-ranks merged candidates with Reciprocal Rank Fusion over the
// per-strategy rank lists followed by a weighted signal combination.
// Deterministic: identical inputs yield identical orderings, ties broken by
// identifier.
type Ranker struct {
	metadata store.MetadataStore
	weights  Weights
	rrfK     int
}

// NewRanker creates a Ranker. rrfK zero means the default constant 60.
func NewRanker(metadata store.MetadataStore, weights Weights, rrfK int) *Ranker {
	if rrfK <= 0 {
		rrfK = 60
	}
	return &Ranker{metadata: metadata, weights: weights.merged(), rrfK: rrfK}
}

// Rank scores and orders the result's candidates, returning at most limit.
// Exactly one metadata fetch is issued per candidate; results are cached for
// the invocation.
func (r *Ranker) Rank(ctx context.Context, res *Result, cls Classification, limit int) ([]Ranked, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(res.Candidates) == 0 {
		return nil, nil
	}

	rrf := rrfScores(res.RankLists, r.rrfK)
	maxRRF := 0.0
	for _, s := range rrf {
		if s > maxRRF {
			maxRRF = s
		}
	}

	// One metadata fetch per candidate, cached within this invocation.
	metaCache := make(map[string]*store.UnitMetadata, len(res.Candidates))
	fetch := func(id string) *store.UnitMetadata {
		if m, ok := metaCache[id]; ok {
			return m
		}
		m, err := r.metadata.Find(ctx, id)
		if err != nil {
			// Candidates without metadata rank on neutral signals.
			metaCache[id] = nil
			return nil
		}
		metaCache[id] = m
		return m
	}

	type scored struct {
		Ranked
		base float64 // score before the diversity penalty
	}
	pool := make([]scored, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		if err := railerr.FromContext(ctx, "search.rank"); err != nil {
			return nil, err
		}
		meta := fetch(c.Identifier)

		rrfNorm := 0.0
		if maxRRF > 0 {
			rrfNorm = rrf[c.Identifier] / maxRRF
		}
		base := r.weights.RRF*rrfNorm +
			r.weights.Keyword*keywordSignal(c) +
			r.weights.Recency*recencySignal(meta) +
			r.weights.Importance*importanceSignal(meta) +
			r.weights.TypeMatch*typeMatchSignal(meta, cls)

		pool = append(pool, scored{
			Ranked: Ranked{Candidate: c, Metadata: meta},
			base:   base,
		})
	}

	// Greedy selection with the diversity penalty applied against what has
	// already been picked.
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].base != pool[j].base {
			return pool[i].base > pool[j].base
		}
		return pool[i].Identifier < pool[j].Identifier
	})

	type bucket struct{ namespace, unitType string }
	selectedBuckets := map[bucket]int{}
	var out []Ranked
	remaining := pool
	for len(out) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, s := range remaining {
			penalty := 0.0
			if s.Metadata != nil {
				n := selectedBuckets[bucket{s.Metadata.Namespace, s.Metadata.Type}]
				penalty = 0.1 * float64(n)
				if penalty > 0.5 {
					penalty = 0.5
				}
			}
			final := s.base - r.weights.Diversity*penalty
			if final > bestScore ||
				(final == bestScore && s.Identifier < remaining[bestIdx].Identifier) {
				bestScore = final
				bestIdx = i
			}
		}
		chosen := remaining[bestIdx]
		chosen.Final = bestScore
		out = append(out, chosen.Ranked)
		if chosen.Metadata != nil {
			selectedBuckets[bucket{chosen.Metadata.Namespace, chosen.Metadata.Type}]++
		}
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out, nil
}

// rrfScores computes Σ 1/(k + rank) per identifier over the rank lists.
func rrfScores(rankLists map[string][]string, k int) map[string]float64 {
	out := map[string]float64{}
	for _, list := range rankLists {
		seen := map[string]bool{}
		rank := 0
		for _, id := range list {
			if seen[id] {
				continue
			}
			seen[id] = true
			rank++
			out[id] += 1.0 / float64(k+rank)
		}
	}
	return out
}

func keywordSignal(c Candidate) float64 {
	s := 0.25 * float64(len(c.MatchedFields))
	if s > 1 {
		return 1
	}
	return s
}

func recencySignal(meta *store.UnitMetadata) float64 {
	if meta == nil {
		return recencyScores["unknown"]
	}
	if s, ok := recencyScores[meta.ChangeFrequency]; ok {
		return s
	}
	return recencyScores["unknown"]
}

func importanceSignal(meta *store.UnitMetadata) float64 {
	if meta == nil {
		return importanceScores["low"]
	}
	if s, ok := importanceScores[meta.Importance]; ok {
		return s
	}
	return importanceScores["low"]
}

func typeMatchSignal(meta *store.UnitMetadata, cls Classification) float64 {
	if cls.TargetType == unit.TypeUnknown || cls.TargetType == "" {
		return 0.5
	}
	if meta != nil && meta.Type == string(cls.TargetType) {
		return 1.0
	}
	return 0.3
}
