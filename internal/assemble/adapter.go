// Package assemble turns ranked candidates into a token-budgeted context
// bundle: layered allocation, head/tail truncation with explicit markers,
// attribution records, and pluggable output formats.
package assemble

import (
	"fmt"
	"strings"
)

// Adapter renders the context bundle in one output format. Overhead is the
// per-unit framing cost deducted from the budget before content allocation.
type Adapter interface {
	Name() string
	OverheadTokens() int
	UnitBlock(attrs UnitAttrs, body string) string
	StructuralBlock(text string) string
	DependencyBlock(lines []string) string
}

// UnitAttrs is the boundary-marker metadata for one emitted unit.
type UnitAttrs struct {
	Identifier      string
	Type            string
	Relevance       float64
	ChangeFrequency string
	FilePath        string
}

// NewAdapter selects an adapter by name, defaulting to markdown.
func NewAdapter(format string) Adapter {
	switch format {
	case "xml":
		return xmlAdapter{}
	case "plain":
		return plainAdapter{}
	default:
		return markdownAdapter{}
	}
}

type markdownAdapter struct{}

func (markdownAdapter) Name() string        { return "markdown" }
func (markdownAdapter) OverheadTokens() int { return 30 }

func (markdownAdapter) UnitBlock(a UnitAttrs, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", a.Identifier)
	fmt.Fprintf(&b, "<!-- type=%s relevance=%.2f change_frequency=%s file=%s -->\n",
		a.Type, a.Relevance, a.ChangeFrequency, a.FilePath)
	b.WriteString("```ruby\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")
	return b.String()
}

func (markdownAdapter) StructuralBlock(text string) string {
	return "# Codebase structure\n\n" + text + "\n"
}

func (markdownAdapter) DependencyBlock(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "## Dependencies\n\n" + strings.Join(lines, "\n") + "\n"
}

type xmlAdapter struct{}

func (xmlAdapter) Name() string        { return "xml" }
func (xmlAdapter) OverheadTokens() int { return 40 }

func (xmlAdapter) UnitBlock(a UnitAttrs, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		`<unit identifier=%q type=%q relevance="%.2f" change_frequency=%q file=%q>`,
		a.Identifier, a.Type, a.Relevance, a.ChangeFrequency, a.FilePath)
	b.WriteString("\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("</unit>\n\n")
	return b.String()
}

func (xmlAdapter) StructuralBlock(text string) string {
	return "<structure>\n" + text + "\n</structure>\n\n"
}

func (xmlAdapter) DependencyBlock(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "<dependencies>\n" + strings.Join(lines, "\n") + "\n</dependencies>\n"
}

type plainAdapter struct{}

func (plainAdapter) Name() string        { return "plain" }
func (plainAdapter) OverheadTokens() int { return 20 }

func (plainAdapter) UnitBlock(a UnitAttrs, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s (%s, relevance %.2f, %s) %s\n",
		a.Identifier, a.Type, a.Relevance, a.ChangeFrequency, a.FilePath)
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (plainAdapter) StructuralBlock(text string) string {
	return "STRUCTURE\n" + text + "\n\n"
}

func (plainAdapter) DependencyBlock(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "DEPENDENCIES\n" + strings.Join(lines, "\n") + "\n"
}
