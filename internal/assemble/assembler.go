package assemble

import (
	"context"
	"fmt"
	"sort"
	"strings"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/search"
	"github.com/railscope/railscope/internal/unit"
)

const (
	// structuralFraction is the budget share always reserved for the
	// structural overview block.
	structuralFraction = 0.10

	// minInclusionTokens is the smallest truncated inclusion; below this a
	// candidate is dropped instead of clipped to uselessness.
	minInclusionTokens = 200
)

// Attribution records one emitted candidate.
type Attribution struct {
	Identifier string  `json:"identifier"`
	Type       string  `json:"type"`
	Score      float64 `json:"score"`
	FilePath   string  `json:"file_path"`
	Truncated  bool    `json:"truncated"`
}

// Bundle is the assembled context.
type Bundle struct {
	Text         string        `json:"text"`
	Format       string        `json:"format"`
	Budget       int           `json:"budget"`
	TokensUsed   int           `json:"tokens_used"`
	Attributions []Attribution `json:"attributions"`
	Dependencies []string      `json:"dependencies,omitempty"`
	// Layers reports the per-layer token allocation for traces.
	Layers map[string]int `json:"layers"`
}

// Options control one assembly call.
type Options struct {
	// Budget overrides the default token budget when positive. The per-call
	// value is always honored.
	Budget int
	// Format selects the adapter; empty uses the assembler default.
	Format string
	// FrameworkNeeded switches the layer split to reserve framework share.
	FrameworkNeeded bool
	// OmitSource replaces unit source bodies with their metadata sections.
	OmitSource bool
	// Sections restricts the rendered metadata sections to the named keys
	// (associations, callbacks, validations, scopes). Implies OmitSource.
	Sections []string
}

// Assembler allocates a token budget across structural, primary, supporting,
// and framework layers and renders the included units.
type Assembler struct {
	units         *unit.Store
	defaultBudget int
	defaultFormat string
}

// New creates an Assembler over the unit store.
func New(units *unit.Store, defaultBudget int, defaultFormat string) *Assembler {
	if defaultBudget <= 0 {
		defaultBudget = 8000
	}
	if defaultFormat == "" {
		defaultFormat = "markdown"
	}
	return &Assembler{units: units, defaultBudget: defaultBudget, defaultFormat: defaultFormat}
}

// Assemble renders ranked candidates into a budgeted bundle. Candidates
// sourced only from graph expansion fill the supporting layer; framework-
// typed candidates fill the framework layer when FrameworkNeeded.
func (a *Assembler) Assemble(ctx context.Context, ranked []search.Ranked, opts Options) (*Bundle, error) {
	budget := opts.Budget
	if budget <= 0 {
		budget = a.defaultBudget
	}
	format := opts.Format
	if format == "" {
		format = a.defaultFormat
	}
	adapter := NewAdapter(format)

	bundle := &Bundle{Format: adapter.Name(), Budget: budget, Layers: map[string]int{}}
	var text strings.Builder

	structuralBudget := int(float64(budget) * structuralFraction)
	structural := adapter.StructuralBlock(a.structuralText(structuralBudget))
	text.WriteString(structural)
	used := unit.EstimateTokens(structural)
	bundle.Layers["structural"] = used

	remainder := budget - used
	if remainder < 0 {
		remainder = 0
	}
	primaryShare, supportShare, frameworkShare := 0.65, 0.35, 0.0
	if opts.FrameworkNeeded {
		primaryShare, supportShare, frameworkShare = 0.55, 0.25, 0.20
	}

	primary, supporting, framework := partition(ranked, opts.FrameworkNeeded)

	layers := []struct {
		name   string
		budget int
		cands  []search.Ranked
	}{
		{"primary", int(float64(remainder) * primaryShare), primary},
		{"supporting", int(float64(remainder) * supportShare), supporting},
		{"framework", int(float64(remainder) * frameworkShare), framework},
	}

	var included []*unit.ExtractedUnit
	for _, layer := range layers {
		if layer.budget <= 0 || len(layer.cands) == 0 {
			continue
		}
		layerUsed := 0
		for _, cand := range layer.cands {
			if err := railerr.FromContext(ctx, "assemble"); err != nil {
				return nil, err
			}
			u, err := a.units.Get(ctx, cand.Identifier)
			if err != nil {
				continue
			}

			remainingLayer := layer.budget - layerUsed
			block, truncated, tokens := a.renderUnit(adapter, u, cand, remainingLayer, opts)
			if block == "" {
				break
			}
			text.WriteString(block)
			layerUsed += tokens
			bundle.Attributions = append(bundle.Attributions, Attribution{
				Identifier: u.Identifier,
				Type:       string(u.Type),
				Score:      cand.Final,
				FilePath:   u.FilePath,
				Truncated:  truncated,
			})
			included = append(included, u)
		}
		bundle.Layers[layer.name] = layerUsed
		used += layerUsed
	}

	bundle.Dependencies = dependencyLines(included)
	trailer := adapter.DependencyBlock(bundle.Dependencies)
	text.WriteString(trailer)
	used += unit.EstimateTokens(trailer)

	bundle.Text = text.String()
	bundle.TokensUsed = used
	return bundle, nil
}

// renderUnit formats one unit within the remaining layer budget. Returns the
// empty string when the unit cannot fit even truncated.
func (a *Assembler) renderUnit(adapter Adapter, u *unit.ExtractedUnit, cand search.Ranked, remaining int, opts Options) (string, bool, int) {
	overhead := adapter.OverheadTokens()
	contentBudget := remaining - overhead
	if contentBudget <= 0 {
		return "", false, 0
	}

	var body string
	if opts.OmitSource || len(opts.Sections) > 0 {
		body = sectionBody(u, opts.Sections)
	} else {
		body = normalizeBody(u.SourceCode)
	}
	attrs := UnitAttrs{
		Identifier:      u.Identifier,
		Type:            string(u.Type),
		Relevance:       cand.Final,
		ChangeFrequency: string(u.ChangeFrequency()),
		FilePath:        u.FilePath,
	}

	if unit.EstimateTokens(body) <= contentBudget {
		block := adapter.UnitBlock(attrs, body)
		return block, false, unit.EstimateTokens(block)
	}
	if contentBudget < minInclusionTokens {
		return "", false, 0
	}

	truncatedBody := truncateHeadTail(body, contentBudget)
	block := adapter.UnitBlock(attrs, truncatedBody)
	return block, true, unit.EstimateTokens(block)
}

// structuralText summarizes the extraction tree within the structural token
// budget: counts per type, sorted, clipped to fit.
func (a *Assembler) structuralText(budget int) string {
	m := a.units.Manifest()
	var types []string
	for t := range m.Counts {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Extracted at %s (git %s)\n", m.ExtractedAt.Format("2006-01-02"), shortSHA(m.GitSHA))
	for _, t := range types {
		line := fmt.Sprintf("- %s: %d\n", t, m.Counts[t])
		if unit.EstimateTokens(b.String()+line) > budget {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// partition splits ranked candidates into the three content layers. A
// candidate reached only through graph expansion is supporting; framework-
// typed candidates move to the framework layer when it is active.
func partition(ranked []search.Ranked, frameworkNeeded bool) (primary, supporting, framework []search.Ranked) {
	for _, r := range ranked {
		isFramework := r.Metadata != nil && r.Metadata.Type == string(unit.TypeFramework)
		onlyExpansion := len(r.Sources) == 1 && r.Sources[0] == search.StrategyGraph

		switch {
		case frameworkNeeded && isFramework:
			framework = append(framework, r)
		case onlyExpansion:
			supporting = append(supporting, r)
		default:
			primary = append(primary, r)
		}
	}
	return primary, supporting, framework
}

// sectionBody renders metadata sections instead of source. Empty keys render
// every known section; sections absent from the unit are skipped.
func sectionBody(u *unit.ExtractedUnit, keys []string) string {
	if len(keys) == 0 {
		keys = []string{"associations", "callbacks", "validations", "scopes"}
	}
	var parts []string
	for _, key := range keys {
		lines := u.MetadataStrings(key)
		if len(lines) == 0 {
			continue
		}
		parts = append(parts, key+":\n  "+strings.Join(lines, "\n  "))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s (%s), source omitted", u.Identifier, u.Type)
	}
	return strings.Join(parts, "\n")
}

// dependencyLines renders the compact arrow trailer for included units.
func dependencyLines(included []*unit.ExtractedUnit) []string {
	var lines []string
	for _, u := range included {
		if len(u.Dependencies) == 0 {
			continue
		}
		targets := make([]string, 0, len(u.Dependencies))
		seen := map[string]bool{}
		for _, d := range u.Dependencies {
			if !seen[d.Target] {
				seen[d.Target] = true
				targets = append(targets, d.Target)
			}
		}
		lines = append(lines, fmt.Sprintf("%s -> %s", u.Identifier, strings.Join(targets, ", ")))
	}
	return lines
}

// normalizeBody strips trailing whitespace per line and normalizes line
// endings. Code is otherwise preserved verbatim.
func normalizeBody(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.Join(lines, "\n")
}

// truncateHeadTail keeps the head and tail of the body within the token
// budget and inserts an explicit marker noting what was omitted.
func truncateHeadTail(body string, tokenBudget int) string {
	lines := strings.Split(body, "\n")
	total := len(lines)

	// Reserve space for the marker itself.
	marker := fmt.Sprintf("# ... [%d lines omitted, %d lines total] ...", 0, total)
	contentChars := unit.TokensToChars(tokenBudget) - len(marker)
	if contentChars < 0 {
		contentChars = 0
	}
	headChars := contentChars * 2 / 3
	tailChars := contentChars - headChars

	var head []string
	usedChars := 0
	headEnd := 0
	for i, line := range lines {
		if usedChars+len(line)+1 > headChars {
			break
		}
		head = append(head, line)
		usedChars += len(line) + 1
		headEnd = i + 1
	}

	var tail []string
	usedChars = 0
	tailStart := total
	for i := total - 1; i > headEnd; i-- {
		if usedChars+len(lines[i])+1 > tailChars {
			break
		}
		tail = append([]string{lines[i]}, tail...)
		usedChars += len(lines[i]) + 1
		tailStart = i
	}

	omitted := tailStart - headEnd
	if omitted <= 0 {
		return body
	}
	marker = fmt.Sprintf("# ... [%d lines omitted, %d lines total] ...", omitted, total)

	out := append([]string{}, head...)
	out = append(out, marker)
	out = append(out, tail...)
	return strings.Join(out, "\n")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
