package rewrite

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContext is the number of unchanged lines kept around each change.
const diffContext = 2

// LineOp classifies a diff line.
type LineOp byte

// Diff line operations.
const (
	LineEqual  LineOp = ' '
	LineInsert LineOp = '+'
	LineDelete LineOp = '-'
	// LineSkip stands for a run of unchanged lines that were elided.
	LineSkip LineOp = '@'
)

// DiffLine is one line of a FileDiff.
type DiffLine struct {
	Op   LineOp
	Text string
}

// FileDiff is a line-oriented diff of one file.
type FileDiff struct {
	Path  string
	Lines []DiffLine
}

// NewFileDiff computes a line diff between two versions of a file, keeping
// only a little context around changes.
func NewFileDiff(path, before, after string) FileDiff {
	dmp := diffmatchpatch.New()

	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lineArray)

	var lines []DiffLine

	for _, d := range diffs {
		op := LineEqual

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = LineInsert
		case diffmatchpatch.DiffDelete:
			op = LineDelete
		case diffmatchpatch.DiffEqual:
		}

		for _, text := range splitLines(d.Text) {
			lines = append(lines, DiffLine{Op: op, Text: text})
		}
	}

	return FileDiff{Path: path, Lines: trimContext(lines)}
}

// String renders the diff in a unified-like text form.
func (d FileDiff) String() string {
	var sb strings.Builder

	sb.WriteString("--- " + d.Path + "\n")
	sb.WriteString("+++ " + d.Path + "\n")

	for _, line := range d.Lines {
		if line.Op == LineSkip {
			sb.WriteString("@@\n")

			continue
		}

		sb.WriteByte(byte(line.Op))
		sb.WriteString(line.Text)
		sb.WriteByte('\n')
	}

	return sb.String()
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}

	return strings.Split(text, "\n")
}

// trimContext drops unchanged lines further than diffContext from any change.
func trimContext(lines []DiffLine) []DiffLine {
	keep := make([]bool, len(lines))

	for i, line := range lines {
		if line.Op == LineEqual {
			continue
		}

		for j := max(0, i-diffContext); j <= min(len(lines)-1, i+diffContext); j++ {
			keep[j] = true
		}
	}

	var out []DiffLine

	skipping := false

	for i, line := range lines {
		if keep[i] {
			out = append(out, line)
			skipping = false

			continue
		}

		if !skipping {
			out = append(out, DiffLine{Op: LineSkip})
			skipping = true
		}
	}

	return out
}
