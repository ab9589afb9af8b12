package ui

import (
	"fmt"
	"sort"
	"time"

	"github.com/railscope/railscope/internal/assemble"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/pipeline"
)

// Status renders the pipeline status report.
func (p *Printer) Status(r *pipeline.StatusReport) {
	fmt.Fprintln(p.out, p.styles.Title.Render("Railscope status"))

	p.field("Extracted", fmt.Sprintf("%s (git %s, schema v%d)",
		formatTime(r.ExtractedAt), r.GitSHA, r.SchemaVersion))
	p.field("Units", fmt.Sprintf("%d extracted, %d indexed", r.TotalUnits, r.IndexedUnits))
	p.field("Chunks", fmt.Sprintf("%d embedded", r.EmbeddedChunks))
	if r.ProviderModel != "" {
		p.field("Embedded", fmt.Sprintf("%s with %s", formatTime(r.EmbeddedAt), r.ProviderModel))
	}
	if r.QueueDepth > 0 {
		p.field("Queue", fmt.Sprintf("%d batch(es) in flight", r.QueueDepth))
	}

	if r.Stale {
		fmt.Fprintln(p.out, p.styles.Warning.Render("  index is stale, run an embed"))
	} else {
		fmt.Fprintln(p.out, p.styles.Success.Render("  index is current"))
	}

	if r.Lock != nil {
		fmt.Fprintln(p.out, p.styles.Warning.Render(fmt.Sprintf(
			"  locked by %s (%s) since %s",
			r.Lock.Agent, r.Lock.Operation, formatTime(r.Lock.StartedAt))))
	}

	if len(r.UnitCounts) > 0 {
		fmt.Fprintln(p.out, p.styles.Header.Render("Unit counts"))
		var types []string
		for t := range r.UnitCounts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			p.field(t, fmt.Sprintf("%d", r.UnitCounts[t]))
		}
	}

	if len(r.Breakers) > 0 {
		fmt.Fprintln(p.out, p.styles.Header.Render("Circuits"))
		for _, b := range r.Breakers {
			style := p.styles.Success
			if b.State != "closed" {
				style = p.styles.Warning
			}
			fmt.Fprintf(p.out, "  %s %s\n",
				p.styles.Label.Render(fmt.Sprintf("%-16s", b.Component)),
				style.Render(b.State))
		}
	}
}

// Validation renders a drift report.
func (p *Printer) Validation(r *pipeline.ValidationReport) {
	if r.Clean() {
		fmt.Fprintln(p.out, p.styles.Success.Render("index is consistent"))
		return
	}
	fmt.Fprintln(p.out, p.styles.Warning.Render("index drift detected"))
	p.driftList("missing", r.Missing)
	p.driftList("orphaned", r.Orphaned)
	p.driftList("hash mismatch", r.HashMismatch)
	p.driftList("stale vectors", r.StaleVectors)
}

func (p *Printer) driftList(label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(p.out, "  %s (%d):\n", p.styles.Header.Render(label), len(ids))
	for _, id := range ids {
		fmt.Fprintf(p.out, "    %s\n", p.styles.Value.Render(id))
	}
}

// Probes renders health probe results.
func (p *Printer) Probes(probes []pipeline.Probe) {
	for _, probe := range probes {
		mark := p.styles.Success.Render("ok")
		if !probe.OK {
			mark = p.styles.Error.Render("FAIL")
		}
		line := fmt.Sprintf("  %s %s (%s)",
			p.styles.Label.Render(fmt.Sprintf("%-16s", probe.Component)),
			mark, probe.Latency.Round(time.Millisecond))
		if probe.Detail != "" {
			line += " " + p.styles.Dim.Render(probe.Detail)
		}
		fmt.Fprintln(p.out, line)
	}
}

// Repair renders a repair outcome.
func (p *Printer) Repair(r *pipeline.RepairReport) {
	if len(r.Affected) == 0 {
		fmt.Fprintln(p.out, p.styles.Success.Render(
			fmt.Sprintf("%s: nothing to repair", r.Issue)))
		return
	}
	fmt.Fprintln(p.out, p.styles.Header.Render(
		fmt.Sprintf("%s: repaired %d item(s)", r.Issue, len(r.Affected))))
	if r.Index != nil {
		p.IndexReport(r.Index)
	}
}

// IndexReport renders an indexing run summary.
func (p *Printer) IndexReport(r *index.Report) {
	p.field("Units", fmt.Sprintf("%d seen, %d indexed, %d deleted",
		r.UnitsSeen, r.UnitsIndexed, r.UnitsDeleted))
	p.field("Chunks", fmt.Sprintf("%d embedded, %d unchanged", r.ChunksEmbed, r.ChunksSkipped))
	p.field("Duration", r.Duration.Round(time.Millisecond).String())
	for _, f := range r.Failures {
		fmt.Fprintf(p.out, "  %s %s\n", p.styles.Error.Render("failed:"), f)
	}
}

// Bundle renders an assembled context bundle with its attribution footer.
func (p *Printer) Bundle(b *assemble.Bundle) {
	fmt.Fprintln(p.out, b.Text)
	fmt.Fprintln(p.out, p.styles.Dim.Render(fmt.Sprintf(
		"-- %d/%d tokens, %d unit(s)", b.TokensUsed, b.Budget, len(b.Attributions))))
	for _, a := range b.Attributions {
		marker := ""
		if a.Truncated {
			marker = " (truncated)"
		}
		fmt.Fprintf(p.out, "  %s %.2f %s%s\n",
			p.styles.Label.Render(fmt.Sprintf("%-30s", a.Identifier)),
			a.Score, p.styles.Dim.Render(a.FilePath), marker)
	}
}

// Error renders an error line.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.out, p.styles.Error.Render("error: ")+err.Error())
}

func (p *Printer) field(label, value string) {
	fmt.Fprintf(p.out, "  %s %s\n",
		p.styles.Label.Render(fmt.Sprintf("%-12s", label)),
		p.styles.Value.Render(value))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
