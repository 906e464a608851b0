// Package report renders ratchet verdicts and migration results for humans and tools.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/nixvet/pkg/problem"
	"github.com/Sumatoshi-tech/nixvet/pkg/validation"
)

// ErrUnknownFormat is returned for an unsupported output format.
var ErrUnknownFormat = errors.New("unknown output format")

// Format is an output format for problems.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Printer writes reports to one destination.
type Printer struct {
	w      io.Writer
	format Format

	red    *color.Color
	green  *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
}

// NewPrinter creates a Printer. noColor disables colors even on a terminal.
func NewPrinter(w io.Writer, format Format, noColor bool) *Printer {
	p := &Printer{
		w:      w,
		format: format,
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		bold:   color.New(color.Bold),
	}

	if noColor {
		for _, c := range []*color.Color{p.red, p.green, p.yellow, p.cyan, p.bold} {
			c.DisableColor()
		}
	}

	return p
}

// problemRecord is the machine-readable form of a problem.
type problemRecord struct {
	Kind    problem.Kind    `json:"kind"    yaml:"kind"`
	Package string          `json:"package" yaml:"package"`
	Message string          `json:"message" yaml:"message"`
	Details problem.Problem `json:"details" yaml:"details"`
}

type verdictRecord struct {
	OK       bool            `json:"ok"       yaml:"ok"`
	Problems []problemRecord `json:"problems" yaml:"problems"`
}

// Problems writes every problem of the verdict followed by a summary.
func (p *Printer) Problems(v validation.Validation) error {
	problems := v.Problems()

	switch p.format {
	case FormatText:
		return p.problemsText(problems)
	case FormatJSON, FormatYAML:
		rec := verdictRecord{OK: v.OK(), Problems: make([]problemRecord, 0, len(problems))}
		for _, prob := range problems {
			rec.Problems = append(rec.Problems, problemRecord{
				Kind:    prob.Kind(),
				Package: prob.Package(),
				Message: prob.String(),
				Details: prob,
			})
		}

		return p.encode(rec)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, p.format)
	}
}

func (p *Printer) problemsText(problems []problem.Problem) error {
	for _, prob := range problems {
		if _, err := p.red.Fprintf(p.w, "- %s\n", prob); err != nil {
			return fmt.Errorf("write problem: %w", err)
		}
	}

	if len(problems) == 0 {
		_, err := p.green.Fprintln(p.w, "Validated successfully")

		return err
	}

	packages := make(map[string]struct{}, len(problems))
	for _, prob := range problems {
		packages[prob.Package()] = struct{}{}
	}

	_, err := p.bold.Fprintf(p.w, "This PR introduces %s in %s.\n",
		english.Plural(len(problems), "problem", ""),
		english.Plural(len(packages), "package", ""))

	return err
}

func (p *Printer) encode(v any) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	case FormatText:
	}

	return fmt.Errorf("%w: %q", ErrUnknownFormat, p.format)
}

// Count renders n with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}
