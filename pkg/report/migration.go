package report

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
)

type migrationRecord struct {
	DryRun bool          `json:"dry_run" yaml:"dry_run"`
	Files  []fileRecord  `json:"files"   yaml:"files"`
	Moves  []moveRecord  `json:"moves"   yaml:"moves"`
	Manual []manualEntry `json:"manual"  yaml:"manual"`
}

type fileRecord struct {
	Path        string `json:"path"         yaml:"path"`
	Edits       int    `json:"edits"        yaml:"edits"`
	BytesBefore int    `json:"bytes_before" yaml:"bytes_before"`
	BytesAfter  int    `json:"bytes_after"  yaml:"bytes_after"`
}

type moveRecord struct {
	From    string `json:"from"    yaml:"from"`
	To      string `json:"to"      yaml:"to"`
	Package string `json:"package" yaml:"package"`
}

type manualEntry struct {
	Package string `json:"package" yaml:"package"`
	Reason  string `json:"reason"  yaml:"reason"`
}

// Migration writes what a migration changed, or would change in a dry run.
func (p *Printer) Migration(result *rewrite.Result) error {
	if p.format != FormatText {
		return p.encode(migrationRecordOf(result))
	}

	var sb strings.Builder

	if len(result.FileChanges) > 0 {
		sb.WriteString(fileTable(result.FileChanges))
		sb.WriteString("\n")
	}

	for _, move := range result.Moves {
		sb.WriteString(p.cyan.Sprintf("move %s -> %s", move.From, move.To))
		sb.WriteString("\n")
	}

	if len(result.Manual) > 0 {
		sb.WriteString(p.yellow.Sprintf("Manual migration needed for %s:",
			english.Plural(len(result.Manual), "package", "")))
		sb.WriteString("\n")

		for _, m := range result.Manual {
			sb.WriteString(p.yellow.Sprintf("  - %s: %s", m.Package, m.Reason))
			sb.WriteString("\n")
		}
	}

	for _, diff := range result.Diffs {
		sb.WriteString(p.diff(diff))
	}

	sb.WriteString(p.bold.Sprint(migrationSummary(result)))
	sb.WriteString("\n")

	if _, err := fmt.Fprint(p.w, sb.String()); err != nil {
		return fmt.Errorf("write migration report: %w", err)
	}

	return nil
}

func migrationRecordOf(result *rewrite.Result) migrationRecord {
	rec := migrationRecord{
		DryRun: result.DryRun,
		Files:  make([]fileRecord, 0, len(result.FileChanges)),
		Moves:  make([]moveRecord, 0, len(result.Moves)),
		Manual: make([]manualEntry, 0, len(result.Manual)),
	}

	for _, fc := range result.FileChanges {
		rec.Files = append(rec.Files, fileRecord{
			Path: fc.Path, Edits: fc.EditCount, BytesBefore: fc.BytesBefore, BytesAfter: fc.BytesAfter,
		})
	}

	for _, m := range result.Moves {
		rec.Moves = append(rec.Moves, moveRecord{From: m.From, To: m.To, Package: m.Owner})
	}

	for _, m := range result.Manual {
		rec.Manual = append(rec.Manual, manualEntry{Package: m.Package, Reason: m.Reason})
	}

	return rec
}

func fileTable(changes []rewrite.FileChange) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"File", "Edits", "Before", "After"})

	edits := 0

	for _, fc := range changes {
		edits += fc.EditCount
		tbl.AppendRow(table.Row{
			fc.Path,
			Count(fc.EditCount),
			humanize.Bytes(uint64(fc.BytesBefore)),
			humanize.Bytes(uint64(fc.BytesAfter)),
		})
	}

	tbl.AppendFooter(table.Row{"Total", Count(edits), "", ""})

	return tbl.Render()
}

func migrationSummary(result *rewrite.Result) string {
	verb := "Changed"
	if result.DryRun {
		verb = "Would change"
	}

	return fmt.Sprintf("%s %s, %s; %s need manual migration.",
		verb,
		english.Plural(len(result.FileChanges), "file", ""),
		english.Plural(len(result.Moves), "move", ""),
		english.Plural(len(result.Manual), "package", ""))
}

func (p *Printer) diff(d rewrite.FileDiff) string {
	var sb strings.Builder

	sb.WriteString(p.bold.Sprintf("--- %s\n+++ %s", d.Path, d.Path))
	sb.WriteString("\n")

	for _, line := range d.Lines {
		switch line.Op {
		case rewrite.LineInsert:
			sb.WriteString(p.green.Sprint("+" + line.Text))
		case rewrite.LineDelete:
			sb.WriteString(p.red.Sprint("-" + line.Text))
		case rewrite.LineSkip:
			sb.WriteString(p.cyan.Sprint("@@"))
		case rewrite.LineEqual:
			sb.WriteString(" " + line.Text)
		}

		sb.WriteString("\n")
	}

	return sb.String()
}
