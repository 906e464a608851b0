package ratchet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/problem"
	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
	"github.com/Sumatoshi-tech/nixvet/pkg/structure"
)

// Check names, as used in snapshots.
const (
	ManualDefinitionName = "manual_definition"
	UsesByNameName       = "uses_by_name"
)

// legacyEntryFile is what a directory passed to callPackage resolves to.
const legacyEntryFile = "default.nix"

// Reasons given when a fix has to be done by hand.
const (
	reasonNoDefinition   = "definition not found at the recorded location"
	reasonNotCall        = "definition is no longer a callPackage"
	reasonNonEmptyArg    = "definition has a non-empty second argument"
	reasonNoPath         = "callPackage path could not be resolved"
	reasonMissingSource  = "package source does not exist"
	reasonTargetExists   = "by-name location already exists"
	reasonInvalidName    = "attribute name is not a valid by-name package name"
	reasonAmbiguousDir   = "package directory has no default.nix or already has a package.nix"
	reasonSourceInByName = "callPackage path points into by-name"
	reasonSharedSource   = "package source is shared with or nested in another package's source"
)

// ManualDefinitionContext locates a manual definition that is redundant because
// the package is already in by-name.
type ManualDefinitionContext struct {
	// File is the definition file relative to the tree root.
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
}

// ManualDefinition is loose when a by-name package is also defined manually as
// `callPackage <its by-name file> { }`, a definition that can simply be removed.
type ManualDefinition struct{}

// Name implements Check.
func (ManualDefinition) Name() string { return ManualDefinitionName }

// Problem implements Check. The wording does not depend on regressed.
func (ManualDefinition) Problem(name string, _ bool, _ ManualDefinitionContext) problem.Problem {
	return problem.WrongCallPackage{
		PackageName:         name,
		RelativePackageFile: structure.RelativeFileForPackage(name),
	}
}

// Migrate implements Check by deleting the redundant definition.
func (ManualDefinition) Migrate(ctx context.Context, rw Rewriter, loose ManualDefinitionContext, name string) error {
	file, binding, reason, err := locate(ctx, rw, loose.File, loose.Line, name)
	if err != nil {
		return err
	}

	if reason == "" && !binding.Call.EmptyArg {
		reason = reasonNonEmptyArg
	}

	if reason != "" {
		rw.Manual(name, reason)

		return nil
	}

	err = rw.Edit(rewrite.Edit{
		Path:        loose.File,
		Start:       binding.DeleteStart,
		End:         binding.DeleteEnd,
		OldText:     file.Text(binding.DeleteStart, binding.DeleteEnd),
		Owner:       name,
		Description: "remove redundant manual definition",
	})
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}

	return nil
}

// CallPackageArgumentInfo describes the arguments of a manual callPackage.
type CallPackageArgumentInfo struct {
	// RelativePath is the first argument relative to the tree root, or empty
	// when it is not a literal path inside the tree.
	RelativePath string `json:"relative_path,omitempty" yaml:"relative_path,omitempty"`
	EmptyArg     bool   `json:"empty_arg"               yaml:"empty_arg"`
}

// UsesByNameContext locates a manual callPackage definition that should move to by-name.
type UsesByNameContext struct {
	CallPackage CallPackageArgumentInfo `json:"call_package" yaml:"call_package"`
	File        string                  `json:"file"         yaml:"file"`
	Line        int                     `json:"line"         yaml:"line"`
}

// UsesByName is loose when a package is defined with a manual callPackage
// instead of living in by-name.
type UsesByName struct{}

// Name implements Check.
func (UsesByName) Name() string { return UsesByNameName }

// Problem implements Check.
func (UsesByName) Problem(name string, regressed bool, loose UsesByNameContext) problem.Problem {
	if regressed {
		return problem.MovedOutOfByName{
			PackageName:     name,
			CallPackagePath: loose.CallPackage.RelativePath,
			EmptyArg:        loose.CallPackage.EmptyArg,
		}
	}

	return problem.NewPackageNotUsingByName{
		PackageName:         name,
		CallPackagePath:     loose.CallPackage.RelativePath,
		RelativePackageFile: structure.RelativeFileForPackage(name),
		EmptyArg:            loose.CallPackage.EmptyArg,
	}
}

// Migrate implements Check. The package source is moved into by-name. An empty
// second argument makes the manual definition redundant, so it is deleted;
// otherwise its path is pointed at the new location and the overrides stay.
func (UsesByName) Migrate(ctx context.Context, rw Rewriter, loose UsesByNameContext, name string) error {
	if loose.CallPackage.RelativePath == "" {
		rw.Manual(name, reasonNoPath)

		return nil
	}

	if !structure.IsValidPackageName(name) {
		rw.Manual(name, reasonInvalidName)

		return nil
	}

	// A variant of a by-name package; moving its file would take it from the package.
	if inByName(loose.CallPackage.RelativePath) {
		rw.Manual(name, reasonSourceInByName)

		return nil
	}

	file, binding, reason, err := locate(ctx, rw, loose.File, loose.Line, name)
	if err != nil {
		return err
	}

	if reason == "" && binding.Call.Path == nil {
		reason = reasonNoPath
	}

	if reason != "" {
		rw.Manual(name, reason)

		return nil
	}

	moves, reason, err := relocation(rw.Root(), loose.CallPackage.RelativePath, name)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}

	if reason != "" {
		rw.Manual(name, reason)

		return nil
	}

	edit, err := usesByNameEdit(file, binding, loose, name, filepath.Join(rw.Root(), structure.RelativeFileForPackage(name)))
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}

	// Moves first: a source claimed by another package leaves no edit behind.
	if err := rw.Move(moves...); err != nil {
		if errors.Is(err, rewrite.ErrPathClaimed) {
			rw.Manual(name, reasonSharedSource)

			return nil
		}

		return fmt.Errorf("migrate %s: %w", name, err)
	}

	if err := rw.Edit(edit); err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}

	return nil
}

func usesByNameEdit(
	file *nixfile.File, binding nixfile.Binding, loose UsesByNameContext, name, target string,
) (rewrite.Edit, error) {
	if binding.Call.EmptyArg {
		return rewrite.Edit{
			Path:        loose.File,
			Start:       binding.DeleteStart,
			End:         binding.DeleteEnd,
			OldText:     file.Text(binding.DeleteStart, binding.DeleteEnd),
			Owner:       name,
			Description: "remove manual definition of package moved to by-name",
		}, nil
	}

	literal, err := file.PathLiteral(target)
	if err != nil {
		return rewrite.Edit{}, err
	}

	old := binding.Call.Path

	return rewrite.Edit{
		Path:        loose.File,
		Start:       old.Start,
		End:         old.End,
		NewText:     literal,
		OldText:     old.Text,
		Owner:       name,
		Description: "point callPackage at by-name location",
	}, nil
}

// relocation plans the moves bringing the package source at rel into by-name.
// A non-empty reason means the package has to be moved by hand.
func relocation(root, rel, name string) ([]rewrite.Move, string, error) {
	source := filepath.Join(root, rel)
	targetDir := filepath.Join(root, structure.RelativeDirForPackage(name))
	targetFile := filepath.Join(root, structure.RelativeFileForPackage(name))

	info, err := os.Stat(source)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, reasonMissingSource, nil
	}

	if err != nil {
		return nil, "", err
	}

	exists, err := pathExists(targetDir)
	if err != nil {
		return nil, "", err
	}

	if exists {
		return nil, reasonTargetExists, nil
	}

	if !info.IsDir() {
		return []rewrite.Move{{From: source, To: targetFile, Owner: name}}, "", nil
	}

	hasEntry, err := pathExists(filepath.Join(source, legacyEntryFile))
	if err != nil {
		return nil, "", err
	}

	hasPackageFile, err := pathExists(filepath.Join(source, structure.PackageNixFile))
	if err != nil {
		return nil, "", err
	}

	if !hasEntry || hasPackageFile {
		return nil, reasonAmbiguousDir, nil
	}

	return []rewrite.Move{
		{From: source, To: targetDir, Owner: name},
		{From: filepath.Join(targetDir, legacyEntryFile), To: targetFile, Owner: name},
	}, "", nil
}

// locate finds the binding a fix applies to. A non-empty reason means the
// binding is no longer in a shape the fix understands.
func locate(
	ctx context.Context, rw Rewriter, path string, line int, name string,
) (*nixfile.File, nixfile.Binding, string, error) {
	if path == "" {
		return nil, nixfile.Binding{}, reasonNoDefinition, nil
	}

	file, err := rw.NixFile(ctx, path)
	if err != nil {
		return nil, nixfile.Binding{}, "", fmt.Errorf("migrate %s: %w", name, err)
	}

	binding, ok := file.Binding(name, line)
	if !ok {
		return file, binding, reasonNoDefinition, nil
	}

	if binding.Call == nil {
		return file, binding, reasonNotCall, nil
	}

	return file, binding, "", nil
}

// inByName reports whether the tree-relative path lies inside the by-name directory.
func inByName(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))

	return rel == structure.ByNameDir || strings.HasPrefix(rel, structure.ByNameDir+"/")
}

func pathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}
