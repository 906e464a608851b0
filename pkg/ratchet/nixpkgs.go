package ratchet

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/nixvet/pkg/validation"
)

// ErrDuplicatePackage is returned when a snapshot gets the same package twice.
var ErrDuplicatePackage = errors.New("duplicate package")

var (
	_ Check[ManualDefinitionContext] = ManualDefinition{}
	_ Check[UsesByNameContext]       = UsesByName{}
)

// Package holds the ratchet state of every check for one package.
// The zero value is non-applicable for all checks.
type Package struct {
	ManualDefinition State[ManualDefinitionContext]
	UsesByName       State[UsesByNameContext]
}

// Compare validates the transition from the previous state of the package
// (nil for a new package) to p. Problems of all checks are collected.
func (p Package) Compare(name string, from *Package) validation.Validation {
	var (
		fromManual *State[ManualDefinitionContext]
		fromUses   *State[UsesByNameContext]
	)

	if from != nil {
		fromManual = &from.ManualDefinition
		fromUses = &from.UsesByName
	}

	return validation.Sequence(
		CompareState[ManualDefinitionContext](ManualDefinition{}, name, fromManual, p.ManualDefinition),
		CompareState[UsesByNameContext](UsesByName{}, name, fromUses, p.UsesByName),
	)
}

// Migrate records the fixes for every loose check of the package.
func (p Package) Migrate(ctx context.Context, rw Rewriter, name string) error {
	return p.migrate(ctx, rw, name, false)
}

// migrate is Migrate for a package whose source may be shared with another
// package, in which case moving it would break the other definition.
func (p Package) migrate(ctx context.Context, rw Rewriter, name string, sharedSource bool) error {
	if err := MigrateState[ManualDefinitionContext](ctx, ManualDefinition{}, rw, name, p.ManualDefinition); err != nil {
		return err
	}

	if sharedSource && p.UsesByName.Kind() == KindLoose {
		rw.Manual(name, reasonSharedSource)

		return nil
	}

	return MigrateState[UsesByNameContext](ctx, UsesByName{}, rw, name, p.UsesByName)
}

// Nixpkgs is a snapshot of the whole tree: packages in sorted name order.
type Nixpkgs struct {
	names    []string
	packages map[string]Package
}

// NewNixpkgs creates an empty snapshot.
func NewNixpkgs() *Nixpkgs {
	return &Nixpkgs{packages: make(map[string]Package)}
}

// Add inserts a package, keeping names sorted.
func (n *Nixpkgs) Add(name string, pkg Package) error {
	if n.packages == nil {
		n.packages = make(map[string]Package)
	}

	if _, ok := n.packages[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePackage, name)
	}

	idx := sort.SearchStrings(n.names, name)
	n.names = append(n.names, "")
	copy(n.names[idx+1:], n.names[idx:])
	n.names[idx] = name
	n.packages[name] = pkg

	return nil
}

// Names returns the package names in order.
func (n *Nixpkgs) Names() []string {
	if n == nil {
		return nil
	}

	return append([]string(nil), n.names...)
}

// Package returns the state of the named package.
func (n *Nixpkgs) Package(name string) (Package, bool) {
	if n == nil {
		return Package{}, false
	}

	pkg, ok := n.packages[name]

	return pkg, ok
}

// Len returns the number of packages.
func (n *Nixpkgs) Len() int {
	if n == nil {
		return 0
	}

	return len(n.names)
}

// lookup returns a pointer to a copy of the named package, or nil.
func (n *Nixpkgs) lookup(name string) *Package {
	if n == nil {
		return nil
	}

	pkg, ok := n.packages[name]
	if !ok {
		return nil
	}

	return &pkg
}

// Compare validates every package of to against its state in from. A nil
// from treats every package as new. Packages only present in from are ignored.
func Compare(from, to *Nixpkgs) validation.Validation {
	if to == nil {
		return validation.Success()
	}

	results := make([]validation.Validation, 0, to.Len())

	for _, name := range to.names {
		results = append(results, to.packages[name].Compare(name, from.lookup(name)))
	}

	return validation.Sequence(results...)
}

// CompareConcurrent is Compare with packages checked by up to workers
// goroutines. Problems are reported in the same order as Compare.
func CompareConcurrent(ctx context.Context, from, to *Nixpkgs, workers int) (validation.Validation, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	if to == nil {
		return validation.Success(), nil
	}

	results := make([]validation.Validation, to.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, name := range to.names {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			results[i] = to.packages[name].Compare(name, from.lookup(name))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return validation.Validation{}, fmt.Errorf("compare packages: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return validation.Validation{}, fmt.Errorf("compare packages: %w", err)
	}

	return validation.Sequence(results...), nil
}

// Migrate records the fixes of every package in order, stopping at the first
// error. Packages whose callPackage source is the same as, contains or lies
// inside the source of another loose package are flagged for manual migration:
// moving one would strand the other.
func (n *Nixpkgs) Migrate(ctx context.Context, rw Rewriter) error {
	if n == nil {
		return nil
	}

	shared := n.sharedSources()

	for _, name := range n.names {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		if err := n.packages[name].migrate(ctx, rw, name, shared[name]); err != nil {
			return err
		}
	}

	return nil
}

// sharedSources returns the loose UsesByName packages whose source path is
// related to the source of another one.
func (n *Nixpkgs) sharedSources() map[string]bool {
	owners := make(map[string][]string)

	for _, name := range n.names {
		loose, ok := n.packages[name].UsesByName.Context()
		if !ok || loose.CallPackage.RelativePath == "" {
			continue
		}

		source := path.Clean(filepath.ToSlash(loose.CallPackage.RelativePath))
		owners[source] = append(owners[source], name)
	}

	shared := make(map[string]bool)

	for source, names := range owners {
		related := len(names) > 1

		for dir := path.Dir(source); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if outer, ok := owners[dir]; ok {
				related = true

				for _, name := range outer {
					shared[name] = true
				}
			}
		}

		if related {
			for _, name := range names {
				shared[name] = true
			}
		}
	}

	return shared
}
