// Package retrieve is the single entry point for read operations: it chains
// classify, execute, rank, and assemble under one request deadline, and wraps
// the thin lookup and graph pass-throughs in the same output shape.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/railscope/railscope/internal/assemble"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/search"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// Trace records how a retrieval was produced.
type Trace struct {
	Classification search.Classification `json:"classification"`
	StrategySet    string                `json:"strategy_set"`
	StrategyCounts map[string]int        `json:"strategy_counts"`
	Degraded       []search.Degradation  `json:"degraded,omitempty"`
	Layers         map[string]int        `json:"layers,omitempty"`
	Duration       time.Duration         `json:"duration"`
}

// RetrievalResult is the engine's answer to a retrieval request.
type RetrievalResult struct {
	Bundle *assemble.Bundle `json:"bundle"`
	Trace  *Trace           `json:"trace,omitempty"`
}

// Options control one retrieval.
type Options struct {
	// Budget is the per-call token budget; zero uses the default.
	Budget int
	// Format overrides the output format.
	Format string
	// Filters restrict the candidate set; validated against the allow-list.
	Filters store.Filters
	// Limit caps ranked candidates. Default 10.
	Limit int
	// IncludeTrace attaches the trace to the result.
	IncludeTrace bool
	// PreviouslyRetrieved identifiers are demoted to avoid repeats.
	PreviouslyRetrieved []string
}

// Retriever composes the retrieval pipeline.
type Retriever struct {
	classifier *search.Classifier
	executor   *search.Executor
	ranker     *search.Ranker
	assembler  *assemble.Assembler
	units      *unit.Store
	graphs     store.GraphStore

	deadline time.Duration
}

// New wires a Retriever. deadline zero defaults to 30 seconds.
func New(classifier *search.Classifier, executor *search.Executor, ranker *search.Ranker,
	assembler *assemble.Assembler, units *unit.Store, graphs store.GraphStore,
	deadline time.Duration) *Retriever {

	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Retriever{
		classifier: classifier,
		executor:   executor,
		ranker:     ranker,
		assembler:  assembler,
		units:      units,
		graphs:     graphs,
		deadline:   deadline,
	}
}

// searchShare is the fraction of the request deadline granted to search and
// ranking; assembly gets the rest.
const searchShare = 0.7

// Retrieve classifies, executes, ranks, and assembles. Degradations never
// fail the request as long as any strategy produced candidates; the trace
// records what was skipped.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*RetrievalResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	if strings.TrimSpace(query) == "" {
		return nil, railerr.New(railerr.KindValidation, "retrieve", "empty query")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	cls := r.classifier.Classify(query)

	searchCtx, searchCancel := context.WithTimeout(ctx,
		time.Duration(float64(r.deadline)*searchShare))
	res, err := r.executor.Execute(searchCtx, query, cls, opts.Filters)
	if err != nil {
		searchCancel()
		return nil, err
	}

	demoted := demote(res, opts.PreviouslyRetrieved)
	ranked, err := r.ranker.Rank(searchCtx, demoted, cls, limit)
	searchCancel()
	if err != nil {
		return nil, err
	}

	bundle, err := r.assembler.Assemble(ctx, ranked, assemble.Options{
		Budget:          opts.Budget,
		Format:          opts.Format,
		FrameworkNeeded: cls.FrameworkContext || cls.Intent == search.IntentFramework,
	})
	if err != nil {
		return nil, err
	}

	result := &RetrievalResult{Bundle: bundle}
	if opts.IncludeTrace {
		result.Trace = &Trace{
			Classification: cls,
			StrategySet:    res.StrategySet,
			StrategyCounts: strategyCounts(res),
			Degraded:       res.Degraded,
			Layers:         bundle.Layers,
			Duration:       time.Since(start),
		}
	}
	return result, nil
}

// LookupOptions control a single-unit lookup.
type LookupOptions struct {
	// Budget is the token budget; zero uses the assembler default.
	Budget int
	// OmitSource renders the unit's metadata sections instead of its source.
	OmitSource bool
	// Sections restricts the rendered sections; implies OmitSource.
	Sections []string
}

// Lookup fetches one unit at full detail through the assembler. The ranker
// never runs for a lookup.
func (r *Retriever) Lookup(ctx context.Context, identifier string, opts LookupOptions) (*RetrievalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	u, err := r.units.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	bundle, err := r.assembler.Assemble(ctx, []search.Ranked{{
		Candidate: search.Candidate{
			Identifier: u.Identifier,
			Score:      1.0,
			Sources:    []string{search.StrategyDirect},
		},
		Final: 1.0,
	}}, assemble.Options{
		Budget:     opts.Budget,
		OmitSource: opts.OmitSource,
		Sections:   opts.Sections,
	})
	if err != nil {
		return nil, err
	}
	return &RetrievalResult{Bundle: bundle}, nil
}

// Dependencies assembles the forward closure of id up to depth. types, when
// non-empty, restricts the traversal output to units of the named types.
func (r *Retriever) Dependencies(ctx context.Context, id string, depth, budget int, types []unit.Type) (*RetrievalResult, error) {
	return r.traversal(ctx, id, depth, budget, types, true)
}

// Dependents assembles the reverse closure of id up to depth. types, when
// non-empty, restricts the traversal output to units of the named types.
func (r *Retriever) Dependents(ctx context.Context, id string, depth, budget int, types []unit.Type) (*RetrievalResult, error) {
	return r.traversal(ctx, id, depth, budget, types, false)
}

func (r *Retriever) traversal(ctx context.Context, id string, depth, budget int, types []unit.Type, forward bool) (*RetrievalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	if depth <= 0 {
		depth = 1
	}

	var levels [][]string
	var err error
	if forward {
		levels, err = r.graphs.TraverseForward(ctx, id, depth)
	} else {
		levels, err = r.graphs.TraverseReverse(ctx, id, depth)
	}
	if err != nil {
		return nil, err
	}

	typeSet := map[unit.Type]bool{}
	for _, t := range types {
		typeSet[t] = true
	}

	var ranked []search.Ranked
	for d, level := range levels {
		if d == 0 {
			continue // the start node itself
		}
		score := 1.0 - 0.2*float64(d-1)
		for _, nodeID := range level {
			if len(typeSet) > 0 && !typeSet[r.units.TypeOf(nodeID)] {
				continue
			}
			ranked = append(ranked, search.Ranked{
				Candidate: search.Candidate{
					Identifier:   nodeID,
					Score:        score,
					Sources:      []string{search.StrategyGraph},
					ExpandedFrom: id,
				},
				Final: score,
			})
		}
	}

	bundle, err := r.assembler.Assemble(ctx, ranked, assemble.Options{Budget: budget})
	if err != nil {
		return nil, err
	}
	return &RetrievalResult{Bundle: bundle}, nil
}

// Structure reports the extraction tree's shape. Detail "full" adds the
// per-type identifier lists to the summary counts.
func (r *Retriever) Structure(ctx context.Context, detail string) (string, error) {
	if err := railerr.FromContext(ctx, "retrieve.structure"); err != nil {
		return "", err
	}
	m := r.units.Manifest()

	byType := map[unit.Type][]string{}
	for _, id := range r.units.AllIDs() {
		t := r.units.TypeOf(id)
		byType[t] = append(byType[t], id)
	}
	var types []unit.Type
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "Extracted at %s, git %s, schema v%d\n",
		m.ExtractedAt.Format(time.RFC3339), m.GitSHA, m.SchemaVersion)
	for _, t := range types {
		fmt.Fprintf(&b, "%s: %d\n", t, len(byType[t]))
		if detail == "full" {
			for _, id := range byType[t] {
				fmt.Fprintf(&b, "  %s\n", id)
			}
		}
	}
	return b.String(), nil
}

// RecentChanges assembles the most recently changed units.
func (r *Retriever) RecentChanges(ctx context.Context, limit int, unitType unit.Type, budget int) (*RetrievalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	units, err := r.units.RecentlyChanged(ctx, limit, unitType)
	if err != nil {
		return nil, err
	}
	var ranked []search.Ranked
	for i, u := range units {
		score := 1.0 - 0.05*float64(i)
		ranked = append(ranked, search.Ranked{
			Candidate: search.Candidate{
				Identifier: u.Identifier,
				Score:      score,
				Sources:    []string{search.StrategyDirect},
			},
			Final: score,
		})
	}
	bundle, err := r.assembler.Assemble(ctx, ranked, assemble.Options{Budget: budget})
	if err != nil {
		return nil, err
	}
	return &RetrievalResult{Bundle: bundle}, nil
}

// demote pushes previously retrieved identifiers to the bottom of the
// candidate list so fresh material surfaces first.
func demote(res *search.Result, previous []string) *search.Result {
	if len(previous) == 0 {
		return res
	}
	prev := make(map[string]bool, len(previous))
	for _, id := range previous {
		prev[id] = true
	}
	out := *res
	out.Candidates = make([]search.Candidate, len(res.Candidates))
	copy(out.Candidates, res.Candidates)
	for i := range out.Candidates {
		if prev[out.Candidates[i].Identifier] {
			out.Candidates[i].Score *= 0.5
		}
	}
	return &out
}

func strategyCounts(res *search.Result) map[string]int {
	counts := map[string]int{}
	for strategy, list := range res.RankLists {
		counts[strategy] = len(list)
	}
	return counts
}
