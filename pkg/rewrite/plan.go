// Package rewrite accumulates the source edits and file relocations requested by
// migrations and materialises them in a single deterministic pass.
//
// Nothing touches the disk until Apply is called. Every edit is checked against
// the pending edits of the same file when it is added, so an overlap surfaces
// as a fatal error before any write happens.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
)

// Sentinel errors for planning and applying rewrites.
var (
	ErrOverlappingEdits = errors.New("overlapping edits")
	ErrConflictingMoves = errors.New("conflicting file moves")
	ErrPathClaimed      = errors.New("path already claimed by another move")
	ErrStaleEdit        = errors.New("file changed since edit was planned")
	ErrEditOutOfRange   = errors.New("edit range out of bounds")
	ErrTargetExists     = errors.New("move target already exists")
)

// Edit replaces the bytes [Start, End) of Path with NewText.
type Edit struct {
	Path    string
	Start   int
	End     int
	NewText string
	// OldText is the content the range held when the edit was planned.
	OldText string
	// Owner names the package whose migration requested the edit.
	Owner       string
	Description string
}

// Move relocates a file or directory.
type Move struct {
	From  string
	To    string
	Owner string
}

// ManualMigration records a package whose fix could not be derived automatically.
type ManualMigration struct {
	Package string
	Reason  string
}

// Plan is the shared file-rewrite collaborator of one migration run.
// It is safe for concurrent use.
type Plan struct {
	root   string
	store  *nixfile.Store
	logger *slog.Logger

	mu     sync.Mutex
	edits  map[string][]Edit
	moves  []Move
	manual []ManualMigration
}

// NewPlan creates an empty plan for the tree at root.
func NewPlan(root string, store *nixfile.Store, logger *slog.Logger) *Plan {
	if store == nil {
		store = nixfile.NewStore(nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Plan{
		root:   filepath.Clean(root),
		store:  store,
		logger: logger,
		edits:  make(map[string][]Edit),
	}
}

// Root returns the tree root the plan operates on.
func (p *Plan) Root() string {
	return p.root
}

// NixFile returns the parsed file at path. Relative paths are resolved against the root.
func (p *Plan) NixFile(ctx context.Context, path string) (*nixfile.File, error) {
	return p.store.Get(ctx, p.abs(path))
}

// Edit adds an edit intent. An edit overlapping a pending edit of the same
// file is rejected with ErrOverlappingEdits.
func (p *Plan) Edit(edit Edit) error {
	if edit.Start < 0 || edit.End < edit.Start {
		return fmt.Errorf("%w: [%d, %d) in %s", ErrEditOutOfRange, edit.Start, edit.End, edit.Path)
	}

	edit.Path = p.abs(edit.Path)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, prev := range p.edits[edit.Path] {
		if spansConflict(prev, edit) {
			return fmt.Errorf("%w in %s: [%d, %d) from %s and [%d, %d) from %s",
				ErrOverlappingEdits, p.rel(edit.Path),
				prev.Start, prev.End, prev.Owner,
				edit.Start, edit.End, edit.Owner)
		}
	}

	p.edits[edit.Path] = append(p.edits[edit.Path], edit)

	p.logger.Debug("planned edit",
		"file", p.rel(edit.Path), "start", edit.Start, "end", edit.End,
		"package", edit.Owner, "description", edit.Description)

	return nil
}

// Move adds the relocations of one package as a group. Moves of a group may
// chain, e.g. a directory move followed by a rename inside the new directory.
// A group that moves one path twice or to one target twice is rejected with
// ErrConflictingMoves. A group touching a path that is, contains or lies inside
// a path of an earlier group is rejected with ErrPathClaimed. Either way nothing
// of the group is recorded.
func (p *Plan) Move(moves ...Move) error {
	group := make([]Move, 0, len(moves))

	for _, move := range moves {
		move.From = p.abs(move.From)
		move.To = p.abs(move.To)

		for _, prev := range group {
			if prev.From == move.From || prev.To == move.To {
				return p.moveConflict(ErrConflictingMoves, prev, move)
			}
		}

		group = append(group, move)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, move := range group {
		for _, prev := range p.moves {
			if pathsRelated(prev.From, move.From) || pathsRelated(prev.From, move.To) ||
				pathsRelated(prev.To, move.From) || pathsRelated(prev.To, move.To) {
				return p.moveConflict(ErrPathClaimed, prev, move)
			}
		}
	}

	p.moves = append(p.moves, group...)

	for _, move := range group {
		p.logger.Debug("planned move", "from", p.rel(move.From), "to", p.rel(move.To), "package", move.Owner)
	}

	return nil
}

func (p *Plan) moveConflict(sentinel error, prev, move Move) error {
	return fmt.Errorf("%w: %s -> %s (%s) and %s -> %s (%s)",
		sentinel,
		p.rel(prev.From), p.rel(prev.To), prev.Owner,
		p.rel(move.From), p.rel(move.To), move.Owner)
}

// Manual records that a package needs a manual migration. It is not an error.
func (p *Plan) Manual(name, reason string) {
	p.mu.Lock()
	p.manual = append(p.manual, ManualMigration{Package: name, Reason: reason})
	p.mu.Unlock()

	p.logger.Warn("manual migration needed", "package", name, "reason", reason)
}

// Edits returns the pending edits of path ordered by start offset.
func (p *Plan) Edits(path string) []Edit {
	p.mu.Lock()
	defer p.mu.Unlock()

	edits := append([]Edit(nil), p.edits[p.abs(path)]...)
	sortEdits(edits)

	return edits
}

// Moves returns the pending moves in the order they were added.
func (p *Plan) Moves() []Move {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Move(nil), p.moves...)
}

// ManualMigrations returns the packages flagged for manual migration.
func (p *Plan) ManualMigrations() []ManualMigration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]ManualMigration(nil), p.manual...)
}

// Empty reports whether the plan holds no edits and no moves.
func (p *Plan) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.edits) == 0 && len(p.moves) == 0
}

func (p *Plan) files() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	paths := make([]string, 0, len(p.edits))
	for path := range p.edits {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

func (p *Plan) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(p.root, path)
}

func (p *Plan) rel(path string) string {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return path
	}

	return filepath.ToSlash(rel)
}

// spansConflict reports whether two edits of the same file overlap.
// Ranges are half-open, so edits that merely touch do not conflict. Two
// insertions at the same offset conflict because their order is ambiguous.
func spansConflict(a, b Edit) bool {
	aEmpty := a.Start == a.End
	bEmpty := b.Start == b.End

	switch {
	case aEmpty && bEmpty:
		return a.Start == b.Start
	case aEmpty:
		return b.Start < a.Start && a.Start < b.End
	case bEmpty:
		return a.Start < b.Start && b.Start < a.End
	default:
		return a.Start < b.End && b.Start < a.End
	}
}

// pathsRelated reports whether a and b are the same path or one contains the other.
func pathsRelated(a, b string) bool {
	return within(a, b) || within(b, a)
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func sortEdits(edits []Edit) {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].Start != edits[j].Start {
			return edits[i].Start < edits[j].Start
		}

		return edits[i].End < edits[j].End
	})
}
