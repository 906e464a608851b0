package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// dirMode is used for directories created as move targets.
const dirMode = 0o755

// ApplyOptions controls how a plan is materialised.
type ApplyOptions struct {
	// DryRun computes the result without writing or moving anything.
	DryRun bool
	// Diff attaches a line diff per changed file to the result.
	Diff bool
}

// FileChange summarises the edits made to one file.
type FileChange struct {
	Path        string
	EditCount   int
	BytesBefore int
	BytesAfter  int
}

// Result describes what a migration run changed or, in dry-run mode, would change.
type Result struct {
	DryRun      bool
	FileChanges []FileChange
	Moves       []Move
	Manual      []ManualMigration
	Diffs       []FileDiff
}

// Apply rewrites every edited file once, then performs the moves in the order
// they were planned. Moves are checked against the layout the earlier moves
// leave behind and every edit is checked against the current file contents
// before the first write, so a plan that cannot be applied leaves the tree
// untouched.
func (p *Plan) Apply(ctx context.Context, opts ApplyOptions) (*Result, error) {
	result := &Result{
		DryRun: opts.DryRun,
		Manual: p.ManualMigrations(),
	}

	moves := p.Moves()
	if err := p.checkMoves(moves); err != nil {
		return result, err
	}

	var pending []pendingFile

	for _, path := range p.files() {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("apply edits: %w", err)
		}

		file, err := p.prepareFile(path, opts)
		if err != nil {
			return result, err
		}

		pending = append(pending, file)
	}

	for _, file := range pending {
		if !opts.DryRun {
			if err := os.WriteFile(file.path, file.content, file.perm); err != nil {
				return result, fmt.Errorf("write %s: %w", file.change.Path, err)
			}
		}

		result.FileChanges = append(result.FileChanges, file.change)

		if opts.Diff {
			result.Diffs = append(result.Diffs, file.diff)
		}
	}

	for _, move := range moves {
		if !opts.DryRun {
			if err := ctx.Err(); err != nil {
				return result, fmt.Errorf("apply moves: %w", err)
			}

			if err := p.applyMove(move); err != nil {
				return result, err
			}
		}

		result.Moves = append(result.Moves, Move{From: p.rel(move.From), To: p.rel(move.To), Owner: move.Owner})
	}

	p.logger.Info("applied migration plan",
		"dry_run", opts.DryRun,
		"files", len(result.FileChanges),
		"moves", len(result.Moves),
		"manual", len(result.Manual))

	return result, nil
}

// pendingFile is the edited content of one file, ready to be written.
type pendingFile struct {
	path    string
	perm    fs.FileMode
	content []byte
	change  FileChange
	diff    FileDiff
}

func (p *Plan) prepareFile(path string, opts ApplyOptions) (pendingFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return pendingFile{}, fmt.Errorf("stat %s: %w", p.rel(path), err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		return pendingFile{}, fmt.Errorf("read %s: %w", p.rel(path), err)
	}

	edits := p.Edits(path)

	after, err := applyEdits(before, edits)
	if err != nil {
		return pendingFile{}, fmt.Errorf("%s: %w", p.rel(path), err)
	}

	file := pendingFile{
		path:    path,
		perm:    info.Mode().Perm(),
		content: after,
		change: FileChange{
			Path:        p.rel(path),
			EditCount:   len(edits),
			BytesBefore: len(before),
			BytesAfter:  len(after),
		},
	}

	if opts.Diff {
		file.diff = NewFileDiff(file.change.Path, string(before), string(after))
	}

	return file, nil
}

// applyEdits applies sorted, non-overlapping edits back to front so earlier
// offsets stay valid.
func applyEdits(content []byte, edits []Edit) ([]byte, error) {
	working := append([]byte(nil), content...)

	for i := len(edits) - 1; i >= 0; i-- {
		edit := edits[i]
		if edit.End > len(working) {
			return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrEditOutOfRange, edit.Start, edit.End, len(working))
		}

		if string(working[edit.Start:edit.End]) != edit.OldText {
			return nil, fmt.Errorf("%w: [%d, %d) for %s", ErrStaleEdit, edit.Start, edit.End, edit.Owner)
		}

		suffix := append([]byte(nil), working[edit.End:]...)
		working = append(append(working[:edit.Start], edit.NewText...), suffix...)
	}

	return working, nil
}

// checkMoves replays the moves on a virtual layout: each source must exist and
// each target must be free once the earlier moves are done. Nothing is changed
// on disk, so dry runs and real runs are checked the same way.
func (p *Plan) checkMoves(moves []Move) error {
	for i, move := range moves {
		done := moves[:i]

		exists, err := virtualExists(move.From, done)
		if err != nil {
			return fmt.Errorf("move %s: %w", p.rel(move.From), err)
		}

		if !exists {
			return fmt.Errorf("move %s: %w", p.rel(move.From), fs.ErrNotExist)
		}

		exists, err = virtualExists(move.To, done)
		if err != nil {
			return fmt.Errorf("move %s: %w", p.rel(move.To), err)
		}

		if exists {
			return fmt.Errorf("%w: %s", ErrTargetExists, p.rel(move.To))
		}
	}

	return nil
}

// virtualExists reports whether path exists after the given moves, judging
// from what is on disk before any of them.
func virtualExists(path string, done []Move) (bool, error) {
	for _, prev := range done {
		// A parent directory created for an earlier target.
		if path != prev.To && within(path, prev.To) {
			return true, nil
		}
	}

	onDisk, ok := unmove(path, done)
	if !ok {
		return false, nil
	}

	_, err := os.Lstat(onDisk)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// unmove maps path back through the given moves, latest first, to where its
// content lives on disk now. ok is false when an earlier move took the path
// away and nothing was moved back in.
func unmove(path string, done []Move) (string, bool) {
	for i := len(done) - 1; i >= 0; i-- {
		prev := done[i]

		if within(prev.To, path) {
			rel, _ := filepath.Rel(prev.To, path)
			path = filepath.Join(prev.From, rel)

			continue
		}

		if within(prev.From, path) {
			return "", false
		}
	}

	return path, true
}

// applyMove performs one move on disk.
func (p *Plan) applyMove(move Move) error {
	if _, err := os.Lstat(move.To); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, p.rel(move.To))
	}

	if err := os.MkdirAll(filepath.Dir(move.To), dirMode); err != nil {
		return fmt.Errorf("create %s: %w", p.rel(filepath.Dir(move.To)), err)
	}

	if err := os.Rename(move.From, move.To); err != nil {
		return fmt.Errorf("move %s to %s: %w", p.rel(move.From), p.rel(move.To), err)
	}

	return nil
}
