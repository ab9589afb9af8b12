package chunker

import (
	"fmt"
	"strings"

	"github.com/railscope/railscope/internal/unit"
)

// Preparer renders the text that is embedded and the same framing used when
// a chunk is emitted into a context bundle. The header grounds chunk
// embeddings in their owning unit; changing its composition invalidates all
// embeddings, so the schema version below must be bumped with any edit.
type Preparer struct {
	// CharCeiling is the per-provider character ceiling, derived from the
	// same token divisor as the estimator.
	CharCeiling int
}

// HeaderSchemaVersion identifies the header composition. Stored in the
// checkpoint; a mismatch triggers a full re-embed.
const HeaderSchemaVersion = 1

// maxHeaderDependencies caps the dependency list in the header.
const maxHeaderDependencies = 3

// NewPreparer returns a Preparer with the given character ceiling.
func NewPreparer(charCeiling int) *Preparer {
	if charCeiling <= 0 {
		charCeiling = 8000
	}
	return &Preparer{CharCeiling: charCeiling}
}

// Prepare renders the embedding-ready text for a chunk of u. On overflow the
// body is truncated, never the header. Malformed unit metadata degrades to a
// header without the optional fields.
func (p *Preparer) Prepare(u *unit.ExtractedUnit, c unit.Chunk) string {
	header := p.header(u, c)
	body := c.Content

	budget := p.CharCeiling - len(header)
	if budget < 0 {
		budget = 0
	}
	if len(body) > budget {
		body = truncateMiddle(body, budget)
	}
	return header + body
}

// header renders the minimal chunk header, enriched for whole/summary chunks
// with column, association, dependent, and change-frequency context.
func (p *Preparer) header(u *unit.ExtractedUnit, c unit.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Unit: %s (%s)\n", u.Identifier, u.Type)
	fmt.Fprintf(&b, "# File: %s\n", u.FilePath)
	fmt.Fprintf(&b, "# Section: %s\n", c.Kind)

	if deps := topDependencies(u, maxHeaderDependencies); len(deps) > 0 {
		fmt.Fprintf(&b, "# Dependencies: %s\n", strings.Join(deps, ", "))
	}

	if c.Kind == unit.ChunkWhole || c.Kind == unit.ChunkSummary {
		if cols := u.MetadataStrings("columns"); len(cols) > 0 {
			fmt.Fprintf(&b, "# Columns: %s\n", strings.Join(cols, ", "))
		}
		if n := u.MetadataCount("associations"); n > 0 {
			fmt.Fprintf(&b, "# Associations: %d\n", n)
		}
		if n := len(u.Dependents); n > 0 {
			fmt.Fprintf(&b, "# Dependents: %d\n", n)
		}
		if freq := u.ChangeFrequency(); freq != unit.ChangeUnknown {
			fmt.Fprintf(&b, "# Change frequency: %s\n", freq)
		}
	}
	return b.String()
}

func topDependencies(u *unit.ExtractedUnit, limit int) []string {
	if len(u.Dependencies) == 0 {
		return nil
	}
	out := make([]string, 0, limit)
	for _, d := range u.Dependencies {
		out = append(out, d.Target)
		if len(out) == limit {
			break
		}
	}
	return out
}
