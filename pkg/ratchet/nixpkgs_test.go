package ratchet_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/nixvet/pkg/problem"
	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
)

const allPackagesPath = "pkgs/top-level/all-packages.nix"

const allPackages = `{ callPackage }:

{
  foo = callPackage ../tools/foo { };

  bar = callPackage ../tools/bar.nix { withX = true; };

  baz = callPackage ../by-name/ba/baz/package.nix { };
}
`

func tightPackage() ratchet.Package {
	return ratchet.Package{
		ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
		UsesByName:       ratchet.Tight[ratchet.UsesByNameContext](),
	}
}

func loosePackage(path string) ratchet.Package {
	return ratchet.Package{
		ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
		UsesByName:       ratchet.Loose(usesCtx(path, true)),
	}
}

func snapshotOf(t *testing.T, packages map[string]ratchet.Package) *ratchet.Nixpkgs {
	t.Helper()

	n := ratchet.NewNixpkgs()
	for name, pkg := range packages {
		require.NoError(t, n.Add(name, pkg))
	}

	return n
}

func problemKinds(problems []problem.Problem) []string {
	out := make([]string, 0, len(problems))
	for _, p := range problems {
		out = append(out, p.Package()+":"+string(p.Kind()))
	}

	return out
}

func TestNixpkgsKeepsNamesSortedAndUnique(t *testing.T) {
	t.Parallel()

	n := ratchet.NewNixpkgs()
	require.NoError(t, n.Add("zlib", tightPackage()))
	require.NoError(t, n.Add("hello", tightPackage()))
	require.NoError(t, n.Add("curl", tightPackage()))

	require.ErrorIs(t, n.Add("hello", tightPackage()), ratchet.ErrDuplicatePackage)

	assert.Equal(t, []string{"curl", "hello", "zlib"}, n.Names())
	assert.Equal(t, 3, n.Len())

	_, ok := n.Package("curl")
	assert.True(t, ok)

	_, ok = n.Package("missing")
	assert.False(t, ok)
}

func TestCompareScenarios(t *testing.T) {
	t.Parallel()

	empty := map[string]ratchet.Package{}

	tests := []struct {
		name string
		from map[string]ratchet.Package
		to   map[string]ratchet.Package
		want []string
	}{
		{
			name: "new tight package",
			from: empty,
			to:   map[string]ratchet.Package{"foo": tightPackage()},
		},
		{
			name: "regression",
			from: map[string]ratchet.Package{"foo": tightPackage()},
			to:   map[string]ratchet.Package{"foo": loosePackage("pkgs/foo")},
			want: []string{"foo:moved_out_of_by_name"},
		},
		{
			name: "new violation",
			from: empty,
			to:   map[string]ratchet.Package{"foo": loosePackage("pkgs/foo")},
			want: []string{"foo:new_package_not_using_by_name"},
		},
		{
			name: "grandfathered with different context",
			from: map[string]ratchet.Package{"foo": loosePackage("pkgs/foo")},
			to:   map[string]ratchet.Package{"foo": loosePackage("pkgs/other/foo")},
		},
		{
			name: "only the loose package is reported",
			from: empty,
			to:   map[string]ratchet.Package{"foo": loosePackage("pkgs/foo"), "bar": tightPackage()},
			want: []string{"foo:new_package_not_using_by_name"},
		},
		{
			name: "removed packages are ignored",
			from: map[string]ratchet.Package{"gone": tightPackage()},
			to:   empty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ratchet.Compare(snapshotOf(t, tt.from), snapshotOf(t, tt.to))

			assert.Equal(t, len(tt.want) == 0, got.OK())

			if len(tt.want) == 0 {
				assert.Empty(t, got.Problems())

				return
			}

			assert.Equal(t, tt.want, problemKinds(got.Problems()))
		})
	}
}

func TestCompareWithoutBaseTreatsEveryPackageAsNew(t *testing.T) {
	t.Parallel()

	to := snapshotOf(t, map[string]ratchet.Package{"foo": loosePackage("pkgs/foo")})

	assert.Equal(t, []string{"foo:new_package_not_using_by_name"}, problemKinds(ratchet.Compare(nil, to).Problems()))
}

func TestCompareCollectsAllChecksOfAPackage(t *testing.T) {
	t.Parallel()

	from := snapshotOf(t, map[string]ratchet.Package{"foo": tightPackage()})
	to := snapshotOf(t, map[string]ratchet.Package{"foo": {
		ManualDefinition: ratchet.Loose(ratchet.ManualDefinitionContext{File: allPackagesPath, Line: 3}),
		UsesByName:       ratchet.Loose(usesCtx("pkgs/foo", false)),
	}})

	assert.Equal(t,
		[]string{"foo:wrong_call_package", "foo:moved_out_of_by_name"},
		problemKinds(ratchet.Compare(from, to).Problems()))
}

func TestCompareConcurrentMatchesSequentialOrder(t *testing.T) {
	t.Parallel()

	packages := make(map[string]ratchet.Package)
	for i := range 200 {
		name := fmt.Sprintf("pkg%03d", i)
		if i%3 == 0 {
			packages[name] = loosePackage("pkgs/" + name)
		} else {
			packages[name] = tightPackage()
		}
	}

	to := snapshotOf(t, packages)

	got, err := ratchet.CompareConcurrent(context.Background(), nil, to, 8)
	require.NoError(t, err)

	want := ratchet.Compare(nil, to)
	assert.Equal(t, problemKinds(want.Problems()), problemKinds(got.Problems()))
	assert.Len(t, got.Problems(), 67)
}

func TestCompareConcurrentHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	to := snapshotOf(t, map[string]ratchet.Package{"foo": loosePackage("pkgs/foo")})

	_, err := ratchet.CompareConcurrent(ctx, nil, to, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readTreeFile(t *testing.T, root, rel string) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)

	return string(content)
}

func legacyTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		allPackagesPath:                   allPackages,
		"pkgs/tools/foo/default.nix":      "{ stdenv }: stdenv.mkDerivation { }\n",
		"pkgs/tools/foo/fix.patch":        "",
		"pkgs/tools/bar.nix":              "{ stdenv, withX ? false }: stdenv.mkDerivation { }\n",
		"pkgs/by-name/ba/baz/package.nix": "{ stdenv }: stdenv.mkDerivation { }\n",
	})

	return root
}

func migrationSnapshot(t *testing.T) *ratchet.Nixpkgs {
	t.Helper()

	return snapshotOf(t, map[string]ratchet.Package{
		"foo": {
			ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
			UsesByName: ratchet.Loose(ratchet.UsesByNameContext{
				CallPackage: ratchet.CallPackageArgumentInfo{RelativePath: "pkgs/tools/foo", EmptyArg: true},
				File:        allPackagesPath,
				Line:        4,
			}),
		},
		"bar": {
			ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
			UsesByName: ratchet.Loose(ratchet.UsesByNameContext{
				CallPackage: ratchet.CallPackageArgumentInfo{RelativePath: "pkgs/tools/bar.nix"},
				File:        allPackagesPath,
				Line:        6,
			}),
		},
		"baz": {
			ManualDefinition: ratchet.Loose(ratchet.ManualDefinitionContext{File: allPackagesPath, Line: 8}),
			UsesByName:       ratchet.Tight[ratchet.UsesByNameContext](),
		},
	})
}

func TestNixpkgsMigrateRewritesTree(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)
	plan := rewrite.NewPlan(root, nil, nil)

	require.NoError(t, migrationSnapshot(t).Migrate(context.Background(), plan))
	assert.Empty(t, plan.ManualMigrations())

	_, err := plan.Apply(context.Background(), rewrite.ApplyOptions{})
	require.NoError(t, err)

	got := readTreeFile(t, root, allPackagesPath)
	assert.NotContains(t, got, "foo =")
	assert.NotContains(t, got, "baz =")
	assert.Contains(t, got, "  bar = callPackage ../by-name/ba/bar/package.nix { withX = true; };\n")
	assert.True(t, strings.HasPrefix(got, "{ callPackage }:\n\n{\n"))

	assert.FileExists(t, filepath.Join(root, "pkgs/by-name/fo/foo/package.nix"))
	assert.FileExists(t, filepath.Join(root, "pkgs/by-name/fo/foo/fix.patch"))
	assert.NoFileExists(t, filepath.Join(root, "pkgs/by-name/fo/foo/default.nix"))
	assert.NoDirExists(t, filepath.Join(root, "pkgs/tools/foo"))
	assert.FileExists(t, filepath.Join(root, "pkgs/by-name/ba/bar/package.nix"))
	assert.NoFileExists(t, filepath.Join(root, "pkgs/tools/bar.nix"))
}

func TestNixpkgsMigrateFlagsExistingTargetAsManual(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)
	writeTree(t, root, map[string]string{"pkgs/by-name/fo/foo/package.nix": "{ }: null\n"})

	plan := rewrite.NewPlan(root, nil, nil)
	require.NoError(t, migrationSnapshot(t).Migrate(context.Background(), plan))

	manual := plan.ManualMigrations()
	require.Len(t, manual, 1)
	assert.Equal(t, "foo", manual[0].Package)

	edits := plan.Edits(allPackagesPath)
	require.Len(t, edits, 2)

	for _, edit := range edits {
		assert.NotEqual(t, "foo", edit.Owner)
	}
}

func TestNixpkgsMigrateRejectsOverlappingFixes(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)

	// Both checks of foo try to delete the same definition.
	snapshot := snapshotOf(t, map[string]ratchet.Package{
		"foo": {
			ManualDefinition: ratchet.Loose(ratchet.ManualDefinitionContext{File: allPackagesPath, Line: 4}),
			UsesByName: ratchet.Loose(ratchet.UsesByNameContext{
				CallPackage: ratchet.CallPackageArgumentInfo{RelativePath: "pkgs/tools/foo", EmptyArg: true},
				File:        allPackagesPath,
				Line:        4,
			}),
		},
	})

	plan := rewrite.NewPlan(root, nil, nil)
	err := snapshot.Migrate(context.Background(), plan)
	require.ErrorIs(t, err, rewrite.ErrOverlappingEdits)
}

func TestNixpkgsMigrateFlagsStaleLocationAsManual(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)

	snapshot := snapshotOf(t, map[string]ratchet.Package{
		"baz": {
			ManualDefinition: ratchet.Loose(ratchet.ManualDefinitionContext{File: allPackagesPath, Line: 2}),
		},
	})

	plan := rewrite.NewPlan(root, nil, nil)
	require.NoError(t, snapshot.Migrate(context.Background(), plan))

	assert.True(t, plan.Empty())
	require.Len(t, plan.ManualMigrations(), 1)
	assert.Equal(t, "baz", plan.ManualMigrations()[0].Package)
}

const entangledPackages = `{ callPackage }:

{
  foo = callPackage ../tools/foo { };

  foo-tools = callPackage ../tools/foo/tools.nix { };

  sbcl = callPackage ../development/sbcl { };

  sbcl_2 = callPackage ../development/sbcl { version = "2"; };

  zlib = callPackage ../development/zlib.nix { };

  hello_2 = callPackage ../by-name/he/hello/package.nix { version = 2; };
}
`

func looseAt(rel string, empty bool, line int) ratchet.Package {
	return ratchet.Package{
		ManualDefinition: ratchet.Tight[ratchet.ManualDefinitionContext](),
		UsesByName: ratchet.Loose(ratchet.UsesByNameContext{
			CallPackage: ratchet.CallPackageArgumentInfo{RelativePath: rel, EmptyArg: empty},
			File:        allPackagesPath,
			Line:        line,
		}),
	}
}

func entangledTree(t *testing.T) (string, *ratchet.Nixpkgs) {
	t.Helper()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		allPackagesPath:                     entangledPackages,
		"pkgs/tools/foo/default.nix":        "{ stdenv }: stdenv.mkDerivation { }\n",
		"pkgs/tools/foo/tools.nix":          "{ stdenv }: stdenv.mkDerivation { }\n",
		"pkgs/development/sbcl/default.nix": "{ stdenv, version ? \"1\" }: stdenv.mkDerivation { }\n",
		"pkgs/development/zlib.nix":         "{ stdenv }: stdenv.mkDerivation { }\n",
		"pkgs/by-name/he/hello/package.nix": "{ stdenv, version ? 1 }: stdenv.mkDerivation { }\n",
	})

	snapshot := snapshotOf(t, map[string]ratchet.Package{
		"foo":       looseAt("pkgs/tools/foo", true, 4),
		"foo-tools": looseAt("pkgs/tools/foo/tools.nix", true, 6),
		"sbcl":      looseAt("pkgs/development/sbcl", true, 8),
		"sbcl_2":    looseAt("pkgs/development/sbcl", false, 10),
		"zlib":      looseAt("pkgs/development/zlib.nix", true, 12),
		"hello_2":   looseAt("pkgs/by-name/he/hello/package.nix", false, 14),
		"hello":     tightPackage(),
	})

	return root, snapshot
}

func manualPackages(plan *rewrite.Plan) []string {
	var names []string
	for _, m := range plan.ManualMigrations() {
		names = append(names, m.Package)
	}

	return names
}

func TestNixpkgsMigrateFlagsEntangledSourcesAsManual(t *testing.T) {
	t.Parallel()

	root, snapshot := entangledTree(t)
	plan := rewrite.NewPlan(root, nil, nil)

	require.NoError(t, snapshot.Migrate(context.Background(), plan))
	assert.Equal(t, []string{"foo", "foo-tools", "hello_2", "sbcl", "sbcl_2"}, manualPackages(plan))

	moves := plan.Moves()
	require.Len(t, moves, 1)
	assert.Equal(t, "zlib", moves[0].Owner)

	_, err := plan.Apply(context.Background(), rewrite.ApplyOptions{})
	require.NoError(t, err)

	got := readTreeFile(t, root, allPackagesPath)
	assert.Equal(t, strings.Replace(entangledPackages, "  zlib = callPackage ../development/zlib.nix { };\n", "", 1), got)

	assert.FileExists(t, filepath.Join(root, "pkgs/by-name/zl/zlib/package.nix"))
	assert.FileExists(t, filepath.Join(root, "pkgs/tools/foo/tools.nix"))
	assert.FileExists(t, filepath.Join(root, "pkgs/tools/foo/default.nix"))
	assert.FileExists(t, filepath.Join(root, "pkgs/development/sbcl/default.nix"))
	assert.FileExists(t, filepath.Join(root, "pkgs/by-name/he/hello/package.nix"))
	assert.NoDirExists(t, filepath.Join(root, "pkgs/by-name/he/hello_2"))
}

func TestUsesByNameMigrateFlagsClaimedSourceAsManual(t *testing.T) {
	t.Parallel()

	root, _ := entangledTree(t)
	plan := rewrite.NewPlan(root, nil, nil)

	require.NoError(t, plan.Move(rewrite.Move{From: "pkgs/development/sbcl", To: "pkgs/by-name/sb/sbcl", Owner: "sbcl"}))

	loose, ok := looseAt("pkgs/development/sbcl", false, 10).UsesByName.Context()
	require.True(t, ok)

	require.NoError(t, ratchet.UsesByName{}.Migrate(context.Background(), plan, loose, "sbcl_2"))
	assert.Equal(t, []string{"sbcl_2"}, manualPackages(plan))
	assert.Empty(t, plan.Edits(allPackagesPath))
	assert.Len(t, plan.Moves(), 1)
}

func TestNilNixpkgs(t *testing.T) {
	t.Parallel()

	var n *ratchet.Nixpkgs

	_, ok := n.Package("foo")
	assert.False(t, ok)
	assert.Zero(t, n.Len())
	assert.Empty(t, n.Names())

	plan := rewrite.NewPlan(t.TempDir(), nil, nil)
	require.NoError(t, n.Migrate(context.Background(), plan))
	assert.True(t, plan.Empty())
}
