package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/railscope/railscope/internal/embed"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/graph"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

const (
	// graphExpansionScore is the fixed score of depth-1 expansion hits.
	graphExpansionScore = 0.5
	// directLookupScore is the score of an exact identifier hit.
	directLookupScore = 1.0
)

// Executor dispatches retrieval strategies based on a classification, runs
// them concurrently, and merges their candidates. Open circuits degrade the
// strategy set rather than failing the request.
type Executor struct {
	provider embed.Provider
	vectors  store.VectorStore
	metadata store.MetadataStore
	graphs   store.GraphStore
	units    *unit.Store
	breakers *resilience.Registry

	candidateLimit int
	expansionTopK  int
}

// ExecutorOptions tunes the executor.
type ExecutorOptions struct {
	// CandidateLimit caps per-strategy results. Default 30.
	CandidateLimit int
	// ExpansionTopK is how many top candidates seed graph expansion.
	// Default 5.
	ExpansionTopK int
}

// NewExecutor wires an Executor over the stores and provider.
func NewExecutor(provider embed.Provider, vectors store.VectorStore,
	metadata store.MetadataStore, graphs store.GraphStore, units *unit.Store,
	breakers *resilience.Registry, opts ExecutorOptions) *Executor {

	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 30
	}
	if opts.ExpansionTopK <= 0 {
		opts.ExpansionTopK = 5
	}
	return &Executor{
		provider:       provider,
		vectors:        vectors,
		metadata:       metadata,
		graphs:         graphs,
		units:          units,
		breakers:       breakers,
		candidateLimit: opts.CandidateLimit,
		expansionTopK:  opts.ExpansionTopK,
	}
}

// Execute selects the strategy set for the classification, runs it, and
// merges candidates. Returns a Degraded error only when every strategy is
// unavailable.
func (e *Executor) Execute(ctx context.Context, query string, cls Classification, filters store.Filters) (*Result, error) {
	if err := store.ValidateFilters(filters); err != nil {
		return nil, err
	}

	switch {
	case cls.Intent == IntentFramework || cls.FrameworkContext:
		return e.executeFramework(ctx, query, cls, filters)
	case e.knownEntity(cls.Entities) != "":
		return e.executeDirect(ctx, e.knownEntity(cls.Entities), "direct+graph")
	case (cls.Intent == IntentReference || cls.Intent == IntentLocate) && cls.Scope == ScopePinpoint:
		return e.executePinpoint(ctx, query, cls, filters)
	case cls.Intent == IntentTrace:
		if id := e.knownEntity(cls.Entities); id != "" {
			return e.executeTrace(ctx, id)
		}
		return e.executeHybrid(ctx, query, cls, filters, "hybrid")
	default:
		return e.executeHybrid(ctx, query, cls, filters, "hybrid")
	}
}

// knownEntity returns the first entity that resolves to a unit identifier.
func (e *Executor) knownEntity(entities []string) string {
	for _, ent := range entities {
		if e.units.TypeOf(ent) != unit.TypeUnknown {
			return ent
		}
	}
	return ""
}

// executeHybrid fans out vector and keyword search concurrently, then
// expands the top candidates through the graph.
func (e *Executor) executeHybrid(ctx context.Context, query string, cls Classification, filters store.Filters, setName string) (*Result, error) {
	res := &Result{RankLists: map[string][]string{}, StrategySet: setName}
	var mu sync.Mutex
	byID := map[string]*Candidate{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cands, err := e.vectorSearch(gctx, query, filters)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyVector, Reason: degradeReason(err)})
			return nil
		}
		mergeCandidates(byID, res.RankLists, StrategyVector, cands)
		return nil
	})
	g.Go(func() error {
		cands, err := e.keywordSearch(gctx, query, cls, filters)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyKeyword, Reason: degradeReason(err)})
			return nil
		}
		mergeCandidates(byID, res.RankLists, StrategyKeyword, cands)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cands, err := e.expandTop(ctx, byID); err != nil {
		res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyGraph, Reason: degradeReason(err)})
	} else {
		mergeCandidates(byID, res.RankLists, StrategyGraph, cands)
	}

	if len(byID) == 0 && len(res.Degraded) >= 2 {
		return nil, railerr.New(railerr.KindDegraded, "search.execute",
			"retrieval unavailable: all strategies degraded")
	}

	res.Candidates = flatten(byID)
	logDegradations(res)
	return res, nil
}

// executeFramework runs a vector search restricted to framework sources,
// falling back to keyword search over the framework type when the vector
// path is down.
func (e *Executor) executeFramework(ctx context.Context, query string, cls Classification, filters store.Filters) (*Result, error) {
	res := &Result{RankLists: map[string][]string{}, StrategySet: StrategyFramework}
	byID := map[string]*Candidate{}

	fw := store.Filters{"type": string(unit.TypeFramework)}
	for k, v := range filters {
		if k != "type" {
			fw[k] = v
		}
	}

	cands, err := e.vectorSearch(ctx, query, fw)
	if err != nil {
		res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyVector, Reason: degradeReason(err)})
		cands, err = e.keywordSearch(ctx, query, cls, fw)
		if err != nil {
			return nil, railerr.Wrap(railerr.KindDegraded, "search.framework", err)
		}
		mergeCandidates(byID, res.RankLists, StrategyKeyword, cands)
	} else {
		for i := range cands {
			cands[i].Sources = []string{StrategyFramework}
		}
		mergeCandidates(byID, res.RankLists, StrategyFramework, cands)
	}

	res.Candidates = flatten(byID)
	logDegradations(res)
	return res, nil
}

// executeDirect looks the identifier up and expands its dependencies.
func (e *Executor) executeDirect(ctx context.Context, id, setName string) (*Result, error) {
	res := &Result{RankLists: map[string][]string{}, StrategySet: setName}
	byID := map[string]*Candidate{}

	mergeCandidates(byID, res.RankLists, StrategyDirect, []Candidate{{
		Identifier: id,
		Score:      directLookupScore,
		Sources:    []string{StrategyDirect},
	}})

	if cands, err := e.expandTop(ctx, byID); err != nil {
		res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyGraph, Reason: degradeReason(err)})
	} else {
		mergeCandidates(byID, res.RankLists, StrategyGraph, cands)
	}

	res.Candidates = flatten(byID)
	logDegradations(res)
	return res, nil
}

// executePinpoint tries direct lookup on each entity, then keyword search.
func (e *Executor) executePinpoint(ctx context.Context, query string, cls Classification, filters store.Filters) (*Result, error) {
	res := &Result{RankLists: map[string][]string{}, StrategySet: "direct+keyword"}
	byID := map[string]*Candidate{}

	var direct []Candidate
	for _, ent := range cls.Entities {
		if e.units.TypeOf(ent) != unit.TypeUnknown {
			direct = append(direct, Candidate{
				Identifier: ent,
				Score:      directLookupScore,
				Sources:    []string{StrategyDirect},
			})
		}
	}
	mergeCandidates(byID, res.RankLists, StrategyDirect, direct)

	if cands, err := e.keywordSearch(ctx, query, cls, filters); err != nil {
		res.Degraded = append(res.Degraded, Degradation{Strategy: StrategyKeyword, Reason: degradeReason(err)})
	} else {
		mergeCandidates(byID, res.RankLists, StrategyKeyword, cands)
	}

	if len(byID) == 0 && len(res.Degraded) > 0 {
		// Keyword path down and nothing direct: fall back to hybrid.
		return e.executeHybrid(ctx, query, cls, filters, "hybrid_fallback")
	}
	res.Candidates = flatten(byID)
	logDegradations(res)
	return res, nil
}

// executeTrace walks forward from the entry identifier, scoring hits by
// depth.
func (e *Executor) executeTrace(ctx context.Context, entry string) (*Result, error) {
	res := &Result{RankLists: map[string][]string{}, StrategySet: "trace"}
	byID := map[string]*Candidate{}

	levels, err := e.graphTraverse(ctx, entry, 3)
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for depth, level := range levels {
		score := directLookupScore - 0.2*float64(depth)
		if score < 0.2 {
			score = 0.2
		}
		for _, id := range level {
			c := Candidate{Identifier: id, Score: score, Sources: []string{StrategyGraph}}
			if depth > 0 {
				c.ExpandedFrom = entry
			} else {
				c.Sources = []string{StrategyDirect}
			}
			cands = append(cands, c)
		}
	}
	mergeCandidates(byID, res.RankLists, StrategyGraph, cands)
	res.Candidates = flatten(byID)
	return res, nil
}

// vectorSearch embeds the query once and searches the vector store. Chunk
// hits collapse to their owning unit keeping the best similarity.
func (e *Executor) vectorSearch(ctx context.Context, query string, filters store.Filters) ([]Candidate, error) {
	var vec []float32
	err := e.breakers.For(resilience.ComponentEmbedder).Call(func() error {
		var embedErr error
		vec, embedErr = e.provider.Embed(ctx, query)
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	var hits []store.VectorResult
	err = e.breakers.For(resilience.ComponentVectorStore).Call(func() error {
		var searchErr error
		hits, searchErr = e.vectors.Search(ctx, vec, filters, e.candidateLimit)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]int{}
	var out []Candidate
	for _, h := range hits {
		parent := h.Metadata.Parent
		if parent == "" {
			parent = h.ID
		}
		if idx, ok := seen[parent]; ok {
			if float64(h.Similarity) > out[idx].Score {
				out[idx].Score = float64(h.Similarity)
				out[idx].ChunkID = h.ID
			}
			continue
		}
		seen[parent] = len(out)
		out = append(out, Candidate{
			Identifier: parent,
			ChunkID:    h.ID,
			Score:      float64(h.Similarity),
			Sources:    []string{StrategyVector},
		})
	}
	return out, nil
}

// keywordSearch runs the metadata keyword search over query terms and
// extracted entities.
func (e *Executor) keywordSearch(ctx context.Context, query string, cls Classification, filters store.Filters) ([]Candidate, error) {
	keywords := keywordTerms(query, cls.Entities)
	if len(keywords) == 0 {
		return nil, nil
	}

	var hits []store.KeywordResult
	err := e.breakers.For(resilience.ComponentMetadataStore).Call(func() error {
		var searchErr error
		hits, searchErr = e.metadata.SearchKeywords(ctx, keywords, nil, filters, e.candidateLimit)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		score := 0.25 * float64(len(h.MatchedFields))
		if score > 1 {
			score = 1
		}
		out = append(out, Candidate{
			Identifier:    h.ID,
			Score:         score,
			Sources:       []string{StrategyKeyword},
			MatchedFields: h.MatchedFields,
		})
	}
	return out, nil
}

// expandTop takes the current top-K candidates and adds their depth-1
// forward dependencies with a fixed score.
func (e *Executor) expandTop(ctx context.Context, byID map[string]*Candidate) ([]Candidate, error) {
	top := flatten(byID)
	if len(top) > e.expansionTopK {
		top = top[:e.expansionTopK]
	}

	var out []Candidate
	for _, c := range top {
		var deps []graph.Edge
		err := e.breakers.For(resilience.ComponentGraphStore).Call(func() error {
			var depErr error
			deps, depErr = e.graphs.DependenciesOf(ctx, c.Identifier)
			if railerr.IsKind(depErr, railerr.KindNotFound) {
				deps = nil
				return nil
			}
			return depErr
		})
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			out = append(out, Candidate{
				Identifier:   d.To,
				Score:        graphExpansionScore,
				Sources:      []string{StrategyGraph},
				ExpandedFrom: c.Identifier,
			})
		}
	}
	return out, nil
}

func (e *Executor) graphTraverse(ctx context.Context, start string, depth int) ([][]string, error) {
	var levels [][]string
	err := e.breakers.For(resilience.ComponentGraphStore).Call(func() error {
		var travErr error
		levels, travErr = e.graphs.TraverseForward(ctx, start, depth)
		return travErr
	})
	return levels, err
}

// mergeCandidates folds cands into byID, unioning sources and keeping the
// max score, and appends the strategy's rank list.
func mergeCandidates(byID map[string]*Candidate, rankLists map[string][]string, strategy string, cands []Candidate) {
	if len(cands) == 0 {
		return
	}
	ranked := make([]string, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, c.Identifier)
		existing, ok := byID[c.Identifier]
		if !ok {
			copied := c
			byID[c.Identifier] = &copied
			continue
		}
		if c.Score > existing.Score {
			existing.Score = c.Score
			if c.ChunkID != "" {
				existing.ChunkID = c.ChunkID
			}
		}
		for _, src := range c.Sources {
			if !existing.HasSource(src) {
				existing.Sources = append(existing.Sources, src)
			}
		}
		if existing.ExpandedFrom == "" {
			existing.ExpandedFrom = c.ExpandedFrom
		}
		if len(existing.MatchedFields) == 0 {
			existing.MatchedFields = c.MatchedFields
		}
	}
	rankLists[strategy] = append(rankLists[strategy], ranked...)
}

// flatten returns candidates ordered by score desc, identifier asc.
func flatten(byID map[string]*Candidate) []Candidate {
	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// keywordTerms builds the keyword list: entities first, then query tokens
// longer than two runes, minus duplicates.
func keywordTerms(query string, entities []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, e := range entities {
		add(e)
	}
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, `.,;:!?"'()`)
		if len(tok) > 2 {
			add(tok)
		}
	}
	return out
}

func degradeReason(err error) string {
	if err == nil {
		return ""
	}
	if railerr.IsKind(err, railerr.KindCircuitOpen) {
		return "circuit_open"
	}
	return err.Error()
}

func logDegradations(res *Result) {
	for _, d := range res.Degraded {
		slog.Warn("search strategy degraded",
			slog.String("strategy", d.Strategy),
			slog.String("reason", d.Reason))
	}
}
