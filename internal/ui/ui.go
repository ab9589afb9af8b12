// Package ui renders operator-facing CLI output: status tables, validation
// and repair summaries, and health probes. Color is applied only on
// interactive terminals and degrades to plain text for pipes and CI.
package ui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// Printer writes styled output to a single destination.
type Printer struct {
	out    io.Writer
	styles Styles
}

// Option modifies a Printer.
type Option func(*Printer)

// WithNoColor forces plain output regardless of terminal detection.
func WithNoColor() Option {
	return func(p *Printer) { p.styles = NoColorStyles() }
}

// NewPrinter creates a printer over out. Color is enabled only when out is
// an interactive terminal, NO_COLOR is unset, and no CI environment is
// detected.
func NewPrinter(out io.Writer, opts ...Option) *Printer {
	noColor := !IsTTY(out) || DetectNoColor() || DetectCI()
	p := &Printer{out: out, styles: GetStyles(noColor)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsTTY checks if the writer is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor checks the NO_COLOR convention.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks common CI environment markers.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
