// Package chunker partitions extracted units into embedding-sized chunks and
// renders the embedding/context header text. Chunk identity is content
// addressed: identical source always yields identical chunk ids and hashes.
package chunker

import (
	"fmt"
	"strings"

	"github.com/railscope/railscope/internal/unit"
)

// Policy thresholds, by unit kind.
const (
	// modelWholeLOC is the line count under which a model stays whole.
	modelWholeLOC = 100
	// modelSplitLOC is the line count above which oversize concern chunks
	// are further split at natural boundaries.
	modelSplitLOC = 500
	// controllerActionThreshold is the action count at which controllers
	// get per-action chunks.
	controllerActionThreshold = 5
	// graphqlFieldThreshold is the field count at which GraphQL types get
	// field-group chunks.
	graphqlFieldThreshold = 10
	// graphqlFieldGroupSize is the fields per field-group chunk.
	graphqlFieldGroupSize = 10
)

// Chunker applies the per-kind chunking policy.
type Chunker struct {
	// CharCeiling is the provider character ceiling; chunks above it are
	// truncated from the middle after every natural boundary is exhausted.
	CharCeiling int
}

// New returns a Chunker with the given provider character ceiling.
func New(charCeiling int) *Chunker {
	if charCeiling <= 0 {
		charCeiling = 8000
	}
	return &Chunker{CharCeiling: charCeiling}
}

// Chunk partitions u according to the policy for its type. The returned
// chunks are ordered, reference the owning unit through their ids, and carry
// content hashes and token estimates.
func (c *Chunker) Chunk(u *unit.ExtractedUnit) []unit.Chunk {
	var chunks []unit.Chunk
	switch u.Type {
	case unit.TypeModel:
		chunks = c.chunkModel(u)
	case unit.TypeController:
		chunks = c.chunkController(u)
	case unit.TypeGraphQLType:
		chunks = c.chunkGraphQLType(u)
	default:
		chunks = []unit.Chunk{c.makeChunk(u, unit.ChunkWhole, 0, u.SourceCode)}
	}

	for i := range chunks {
		if len(chunks[i].Content) > c.CharCeiling {
			chunks[i].Content = truncateMiddle(chunks[i].Content, c.CharCeiling)
			chunks[i].ContentHash = unit.HashContent(chunks[i].Content)
			chunks[i].TokenEstimate = unit.EstimateTokens(chunks[i].Content)
		}
	}
	return chunks
}

func (c *Chunker) chunkModel(u *unit.ExtractedUnit) []unit.Chunk {
	loc := lineCount(u.SourceCode)
	if loc <= modelWholeLOC {
		return []unit.Chunk{c.makeChunk(u, unit.ChunkWhole, 0, u.SourceCode)}
	}

	var chunks []unit.Chunk
	seq := 0
	add := func(kind unit.ChunkKind, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		chunks = append(chunks, c.makeChunk(u, kind, seq, content))
		seq++
	}

	add(unit.ChunkSummary, summaryText(u))
	add(unit.ChunkAssociations, sectionText(u, "associations"))
	add(unit.ChunkCallbacks, sectionText(u, "callbacks"))
	add(unit.ChunkValidations, sectionText(u, "validations"))
	add(unit.ChunkScopes, sectionText(u, "scopes"))

	for _, concern := range concernSections(u) {
		if loc > modelSplitLOC && len(concern) > c.CharCeiling {
			for _, part := range splitAtBoundaries(concern, c.CharCeiling) {
				add(unit.ChunkConcern, part)
			}
			continue
		}
		add(unit.ChunkConcern, concern)
	}

	if len(chunks) == 0 {
		add(unit.ChunkWhole, u.SourceCode)
	}
	return chunks
}

func (c *Chunker) chunkController(u *unit.ExtractedUnit) []unit.Chunk {
	actions := actionSections(u)
	if len(actions) < controllerActionThreshold {
		return []unit.Chunk{c.makeChunk(u, unit.ChunkWhole, 0, u.SourceCode)}
	}
	chunks := make([]unit.Chunk, 0, len(actions))
	for i, action := range actions {
		chunks = append(chunks, c.makeChunk(u, unit.ChunkAction, i, action))
	}
	return chunks
}

func (c *Chunker) chunkGraphQLType(u *unit.ExtractedUnit) []unit.Chunk {
	fields := u.MetadataStrings("fields")
	if len(fields) <= graphqlFieldThreshold {
		return []unit.Chunk{c.makeChunk(u, unit.ChunkWhole, 0, u.SourceCode)}
	}

	var chunks []unit.Chunk
	seq := 0
	add := func(kind unit.ChunkKind, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		chunks = append(chunks, c.makeChunk(u, kind, seq, content))
		seq++
	}

	add(unit.ChunkSummary, summaryText(u))
	for i := 0; i < len(fields); i += graphqlFieldGroupSize {
		end := i + graphqlFieldGroupSize
		if end > len(fields) {
			end = len(fields)
		}
		add(unit.ChunkFieldGroup, "Fields:\n"+strings.Join(fields[i:end], "\n"))
	}
	add(unit.ChunkBody, sectionText(u, "arguments"))

	if len(chunks) == 0 {
		add(unit.ChunkWhole, u.SourceCode)
	}
	return chunks
}

// makeChunk builds a chunk whose id is derived from the owning unit, the
// kind, the position, and the content hash, so unchanged source re-chunks to
// identical ids.
func (c *Chunker) makeChunk(u *unit.ExtractedUnit, kind unit.ChunkKind, seq int, content string) unit.Chunk {
	hash := unit.HashContent(content)
	return unit.Chunk{
		ID:            fmt.Sprintf("%s:%s:%d:%s", u.Identifier, kind, seq, hash[:12]),
		Kind:          kind,
		Content:       content,
		ContentHash:   hash,
		TokenEstimate: unit.EstimateTokens(content),
	}
}

// summaryText renders the header-level summary for a unit.
func summaryText(u *unit.ExtractedUnit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) in %s\n", u.Identifier, u.Type, u.FilePath)
	if u.Namespace != "" {
		fmt.Fprintf(&b, "Namespace: %s\n", u.Namespace)
	}
	if cols := u.MetadataStrings("columns"); len(cols) > 0 {
		fmt.Fprintf(&b, "Columns: %s\n", strings.Join(cols, ", "))
	}
	if n := u.MetadataCount("associations"); n > 0 {
		fmt.Fprintf(&b, "Associations: %d\n", n)
	}
	if len(u.Dependencies) > 0 {
		targets := make([]string, 0, len(u.Dependencies))
		for _, d := range u.Dependencies {
			targets = append(targets, d.Target)
		}
		fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(targets, ", "))
	}
	return b.String()
}

// sectionText renders a named metadata section as text; empty when absent or
// malformed (malformed metadata never fails the pipeline).
func sectionText(u *unit.ExtractedUnit, key string) string {
	lines := u.MetadataStrings(key)
	if len(lines) == 0 {
		return ""
	}
	return strings.ToUpper(key[:1]) + key[1:] + ":\n" + strings.Join(lines, "\n")
}

// concernSections extracts inlined concern bodies from metadata.
func concernSections(u *unit.ExtractedUnit) []string {
	return u.MetadataStrings("concern_sections")
}

// actionSections extracts per-action bodies (action, filters, route,
// permitted params bundled by the extractor) from metadata; falls back to
// whole-source when absent.
func actionSections(u *unit.ExtractedUnit) []string {
	return u.MetadataStrings("action_sections")
}

// splitAtBoundaries splits text at blank-line boundaries into parts no larger
// than limit. A single oversized paragraph is passed through for the middle
// truncation pass.
func splitAtBoundaries(text string, limit int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var parts []string
	var cur strings.Builder
	for _, p := range paragraphs {
		if cur.Len() > 0 && cur.Len()+len(p)+2 > limit {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// truncateMiddle keeps the head and tail of content within limit, marking
// the elision explicitly.
func truncateMiddle(content string, limit int) string {
	const marker = "\n... [truncated middle] ...\n"
	if len(content) <= limit {
		return content
	}
	keep := limit - len(marker)
	if keep < 2 {
		return content[:limit]
	}
	head := keep * 2 / 3
	tail := keep - head
	return content[:head] + marker + content[len(content)-tail:]
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
