// Package search implements query understanding and hybrid retrieval: a
// deterministic heuristic classifier, a strategy-dispatching executor with
// circuit-aware degradation, and a rank-fusion re-ranker.
package search

import (
	"github.com/railscope/railscope/internal/unit"
)

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentUnderstand Intent = "understand"
	IntentLocate     Intent = "locate"
	IntentTrace      Intent = "trace"
	IntentDebug      Intent = "debug"
	IntentImplement  Intent = "implement"
	IntentReference  Intent = "reference"
	IntentCompare    Intent = "compare"
	IntentFramework  Intent = "framework"
)

// Scope is the classified breadth of a query.
type Scope string

const (
	ScopePinpoint      Scope = "pinpoint"
	ScopeFocused       Scope = "focused"
	ScopeExploratory   Scope = "exploratory"
	ScopeComprehensive Scope = "comprehensive"
)

// Classification is the classifier's deterministic output for a query.
type Classification struct {
	Intent           Intent             `json:"intent"`
	Scope            Scope              `json:"scope"`
	TargetType       unit.Type          `json:"target_type"`
	FrameworkContext bool               `json:"framework_context"`
	Entities         []string           `json:"entities,omitempty"`
	Confidences      map[string]float64 `json:"confidences,omitempty"`
}

// Strategy names used in candidate sources, rank lists, and traces.
const (
	StrategyVector    = "vector"
	StrategyKeyword   = "keyword"
	StrategyGraph     = "graph_expansion"
	StrategyDirect    = "direct"
	StrategyFramework = "framework"
)

// Candidate is one retrieval hit, keyed by unit identifier. Chunk-level hits
// resolve to their owning unit; ChunkID preserves the specific chunk.
type Candidate struct {
	Identifier    string   `json:"identifier"`
	ChunkID       string   `json:"chunk_id,omitempty"`
	Score         float64  `json:"score"`
	Sources       []string `json:"sources"`
	ExpandedFrom  string   `json:"expanded_from,omitempty"`
	MatchedFields []string `json:"matched_fields,omitempty"`
}

// HasSource reports whether the candidate carries the given source tag.
func (c *Candidate) HasSource(s string) bool {
	for _, src := range c.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// Degradation records a strategy skipped or failed during execution.
type Degradation struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

// Result is the executor's merged output: deduplicated candidates plus the
// per-strategy rank lists the ranker needs for RRF.
type Result struct {
	Candidates  []Candidate         `json:"candidates"`
	RankLists   map[string][]string `json:"rank_lists"`
	StrategySet string              `json:"strategy_set"`
	Degraded    []Degradation       `json:"degraded,omitempty"`
}
