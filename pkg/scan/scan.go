// Package scan derives a ratchet snapshot from a Nixpkgs source tree.
//
// Two sources of facts are combined: the by-name directory layout, and the
// top-level bindings of the definition files (all-packages.nix and friends).
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
	"github.com/Sumatoshi-tech/nixvet/pkg/structure"
)

const tracerName = "nixvet/scan"

// DefaultDefinitionFiles are the files holding manual package definitions.
var DefaultDefinitionFiles = []string{"pkgs/top-level/all-packages.nix"}

// ErrNotATree is returned when the scanned root is not a directory.
var ErrNotATree = errors.New("not a source tree")

// Options configures a Scanner.
type Options struct {
	// DefinitionFiles are relative to the tree root, in precedence order.
	DefinitionFiles []string
	// Workers bounds concurrent parsing. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Scanner builds snapshots. It is safe for concurrent use.
type Scanner struct {
	store  *nixfile.Store
	opts   Options
	logger *slog.Logger
}

// New creates a Scanner parsing through store. A nil store gets a fresh one.
func New(store *nixfile.Store, opts Options) *Scanner {
	if store == nil {
		store = nixfile.NewStore(nil)
	}

	if len(opts.DefinitionFiles) == 0 {
		opts.DefinitionFiles = DefaultDefinitionFiles
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{store: store, opts: opts, logger: logger}
}

// definition is a manual top-level binding found in a definition file.
type definition struct {
	file    *nixfile.File
	relFile string
	binding nixfile.Binding
}

// Scan derives the snapshot of the tree at root.
func (s *Scanner) Scan(ctx context.Context, root string) (*ratchet.Nixpkgs, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "nixvet.scan",
		trace.WithAttributes(attribute.String("scan.root", root)))
	defer span.End()

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotATree, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotATree, root)
	}

	byName, err := s.byNamePackages(root)
	if err != nil {
		return nil, err
	}

	definitions, err := s.definitions(ctx, root)
	if err != nil {
		return nil, err
	}

	n := ratchet.NewNixpkgs()

	for name := range byName {
		def, ok := definitions[name]
		if err := n.Add(name, classifyByName(root, name, def, ok)); err != nil {
			return nil, err
		}
	}

	for name, def := range definitions {
		if _, ok := byName[name]; ok {
			continue
		}

		if err := n.Add(name, classifyManual(root, name, def)); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("scan.by_name", len(byName)),
		attribute.Int("scan.definitions", len(definitions)),
		attribute.Int("scan.packages", n.Len()))

	s.logger.Info("scanned tree",
		"root", root, "packages", n.Len(), "by_name", len(byName), "definitions", len(definitions))

	return n, nil
}

// byNamePackages lists the well-formed by-name packages of the tree.
func (s *Scanner) byNamePackages(root string) (map[string]struct{}, error) {
	base := filepath.Join(root, filepath.FromSlash(structure.ByNameDir))
	packages := make(map[string]struct{})

	shards, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("no by-name directory", "path", base)

		return packages, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read by-name directory: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			if shard.Name() != "README.md" {
				s.logger.Warn("skipping non-directory in by-name", "entry", shard.Name())
			}

			continue
		}

		entries, err := os.ReadDir(filepath.Join(base, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("read shard %s: %w", shard.Name(), err)
		}

		for _, entry := range entries {
			name := entry.Name()

			switch {
			case !entry.IsDir():
				s.logger.Warn("skipping non-directory in shard", "shard", shard.Name(), "entry", name)
			case !structure.IsValidPackageName(name):
				s.logger.Warn("skipping invalid by-name package name", "shard", shard.Name(), "package", name)
			case structure.ShardForPackage(name) != shard.Name():
				s.logger.Warn("skipping package in wrong shard",
					"package", name, "shard", shard.Name(), "expected", structure.ShardForPackage(name))
			default:
				if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(structure.RelativeFileForPackage(name)))); err != nil {
					s.logger.Warn("skipping by-name package without package.nix", "package", name)

					continue
				}

				packages[name] = struct{}{}
			}
		}
	}

	return packages, nil
}

// definitions parses the definition files concurrently and merges their
// bindings in precedence order. The first definition of a name wins.
func (s *Scanner) definitions(ctx context.Context, root string) (map[string]definition, error) {
	files := make([]*nixfile.File, len(s.opts.DefinitionFiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, rel := range s.opts.DefinitionFiles {
		g.Go(func() error {
			file, err := s.store.Get(gctx, filepath.Join(root, filepath.FromSlash(rel)))
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("definition file not found", "file", rel)

				return nil
			}

			if err != nil {
				return fmt.Errorf("parse %s: %w", rel, err)
			}

			files[i] = file

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	defs := make(map[string]definition)

	for i, file := range files {
		if file == nil {
			continue
		}

		rel := filepath.ToSlash(filepath.Clean(s.opts.DefinitionFiles[i]))

		for _, binding := range file.Bindings() {
			if strings.Contains(binding.Name, ".") {
				continue
			}

			if prev, ok := defs[binding.Name]; ok {
				s.logger.Debug("ignoring duplicate definition",
					"package", binding.Name, "file", rel, "line", binding.Line,
					"first_file", prev.relFile, "first_line", prev.binding.Line)

				continue
			}

			defs[binding.Name] = definition{file: file, relFile: rel, binding: binding}
		}
	}

	return defs, nil
}

// classifyByName derives the state of a package living in by-name.
func classifyByName(root, name string, def definition, defined bool) ratchet.Package {
	pkg := ratchet.Package{
		ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
		UsesByName:       ratchet.Tight[ratchet.UsesByNameContext](),
	}

	if !defined {
		return pkg
	}

	call := def.binding.Call
	if call == nil || call.Path == nil || !call.EmptyArg {
		return pkg
	}

	target := filepath.Join(root, filepath.FromSlash(structure.RelativeFileForPackage(name)))
	if def.file.ResolvePath(call.Path.Text) != target {
		return pkg
	}

	pkg.ManualDefinition = ratchet.Loose(ratchet.ManualDefinitionContext{
		File: def.relFile,
		Line: def.binding.Line,
	})

	return pkg
}

// classifyManual derives the state of a package defined only manually.
func classifyManual(root, name string, def definition) ratchet.Package {
	pkg := ratchet.Package{
		ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
		UsesByName:       ratchet.NonApplicable[ratchet.UsesByNameContext](),
	}

	call := def.binding.Call
	if call == nil || !structure.IsValidPackageName(name) {
		return pkg
	}

	info := ratchet.CallPackageArgumentInfo{EmptyArg: call.EmptyArg}
	if call.Path != nil {
		info.RelativePath = relativeInside(root, def.file.ResolvePath(call.Path.Text))
	}

	pkg.UsesByName = ratchet.Loose(ratchet.UsesByNameContext{
		CallPackage: info,
		File:        def.relFile,
		Line:        def.binding.Line,
	})

	return pkg
}

// relativeInside returns path relative to root, or "" when it lies outside.
func relativeInside(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}

	return filepath.ToSlash(rel)
}
