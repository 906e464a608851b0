package scan_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
	"github.com/Sumatoshi-tech/nixvet/pkg/scan"
)

const allPackages = `{ lib, callPackage }:

{
  hello = callPackage ../by-name/he/hello/package.nix { };

  world = callPackage ../by-name/wo/world/package.nix { enableX = true; };

  foo = callPackage ../tools/foo { };

  bar = callPackage ../tools/bar.nix { withX = true; };

  external = callPackage /nix/store/abc { };

  fooAlias = foo;

  python3Packages.thing = callPackage ../tools/thing { };
}
`

const derivation = "{ stdenv }: stdenv.mkDerivation { }\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func legacyTree(t *testing.T) string {
	t.Helper()

	return writeTree(t, map[string]string{
		"pkgs/top-level/all-packages.nix":       allPackages,
		"pkgs/by-name/README.md":                "",
		"pkgs/by-name/he/hello/package.nix":     derivation,
		"pkgs/by-name/wo/world/package.nix":     derivation,
		"pkgs/by-name/xx/misplaced/package.nix": derivation,
		"pkgs/by-name/em/empty/.keep":           "",
		"pkgs/tools/foo/default.nix":            derivation,
		"pkgs/tools/bar.nix":                    derivation,
	})
}

func newScanner(store *nixfile.Store, files ...string) *scan.Scanner {
	return scan.New(store, scan.Options{DefinitionFiles: files, Workers: 2, Logger: discardLogger()})
}

func TestScanClassifiesPackages(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)

	n, err := newScanner(nil).Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"bar", "external", "foo", "fooAlias", "hello", "world"}, n.Names())

	hello, _ := n.Package("hello")
	assert.Equal(t, ratchet.Loose(ratchet.ManualDefinitionContext{
		File: "pkgs/top-level/all-packages.nix",
		Line: 4,
	}), hello.ManualDefinition)
	assert.Equal(t, ratchet.KindTight, hello.UsesByName.Kind())

	world, _ := n.Package("world")
	assert.Equal(t, ratchet.KindTight, world.ManualDefinition.Kind())
	assert.Equal(t, ratchet.KindTight, world.UsesByName.Kind())

	foo, _ := n.Package("foo")
	assert.Equal(t, ratchet.KindTight, foo.ManualDefinition.Kind())
	assert.Equal(t, ratchet.Loose(ratchet.UsesByNameContext{
		CallPackage: ratchet.CallPackageArgumentInfo{RelativePath: "pkgs/tools/foo", EmptyArg: true},
		File:        "pkgs/top-level/all-packages.nix",
		Line:        8,
	}), foo.UsesByName)

	bar, _ := n.Package("bar")
	barCtx, ok := bar.UsesByName.Context()
	require.True(t, ok)
	assert.Equal(t, "pkgs/tools/bar.nix", barCtx.CallPackage.RelativePath)
	assert.False(t, barCtx.CallPackage.EmptyArg)

	external, _ := n.Package("external")
	externalCtx, ok := external.UsesByName.Context()
	require.True(t, ok)
	assert.Empty(t, externalCtx.CallPackage.RelativePath)

	alias, _ := n.Package("fooAlias")
	assert.Equal(t, ratchet.KindNonApplicable, alias.UsesByName.Kind())
}

func TestScanFirstDefinitionWins(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkgs/top-level/aliases.nix"),
		[]byte("self: super: {\n  foo = callPackage ../tools/other { };\n  late = callPackage ../tools/late.nix { };\n}\n"), 0o644))

	n, err := newScanner(nil,
		"pkgs/top-level/all-packages.nix",
		"pkgs/top-level/missing.nix",
		"pkgs/top-level/aliases.nix",
	).Scan(context.Background(), root)
	require.NoError(t, err)

	foo, _ := n.Package("foo")
	fooCtx, ok := foo.UsesByName.Context()
	require.True(t, ok)
	assert.Equal(t, "pkgs/top-level/all-packages.nix", fooCtx.File)
	assert.Equal(t, "pkgs/tools/foo", fooCtx.CallPackage.RelativePath)

	late, ok := n.Package("late")
	require.True(t, ok)

	lateCtx, ok := late.UsesByName.Context()
	require.True(t, ok)
	assert.Equal(t, "pkgs/top-level/aliases.nix", lateCtx.File)
	assert.Equal(t, 3, lateCtx.Line)
}

func TestScanFailsOnSyntaxError(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"pkgs/top-level/all-packages.nix": "{ foo = 1; ]]] }\n",
	})

	_, err := newScanner(nil).Scan(context.Background(), root)
	require.ErrorIs(t, err, nixfile.ErrSyntax)
}

func TestScanRejectsNonDirectory(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"facts.json": "{}"})

	_, err := newScanner(nil).Scan(context.Background(), filepath.Join(root, "facts.json"))
	require.ErrorIs(t, err, scan.ErrNotATree)
}

func TestScanEmptyTree(t *testing.T) {
	t.Parallel()

	n, err := newScanner(nil).Scan(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n.Len())
}

func TestMigrateThenRescanIsIdempotent(t *testing.T) {
	t.Parallel()

	root := legacyTree(t)
	ctx := context.Background()

	store := nixfile.NewStore(nil)

	before, err := newScanner(store).Scan(ctx, root)
	require.NoError(t, err)

	plan := rewrite.NewPlan(root, store, discardLogger())
	require.NoError(t, before.Migrate(ctx, plan))

	_, err = plan.Apply(ctx, rewrite.ApplyOptions{})
	require.NoError(t, err)

	after, err := newScanner(nil).Scan(ctx, root)
	require.NoError(t, err)

	for _, name := range []string{"foo", "bar", "hello", "world"} {
		pkg, ok := after.Package(name)
		require.True(t, ok, name)
		assert.Equal(t, ratchet.KindTight, pkg.ManualDefinition.Kind(), name)
		assert.Equal(t, ratchet.KindTight, pkg.UsesByName.Kind(), name)
	}

	assert.True(t, ratchet.Compare(before, after).OK())

	second := rewrite.NewPlan(root, nil, discardLogger())
	require.NoError(t, after.Migrate(ctx, second))

	assert.True(t, second.Empty())
	require.Len(t, second.ManualMigrations(), 1)
	assert.Equal(t, "external", second.ManualMigrations()[0].Package)
}

const entangledPackages = `{ lib, callPackage }:

{
  hello_2 = callPackage ../by-name/he/hello/package.nix { version = 2; };

  foo = callPackage ../tools/foo { };

  foo-tools = callPackage ../tools/foo/tools.nix { };

  sbcl = callPackage ../development/sbcl { };

  sbcl_2 = callPackage ../development/sbcl { version = "2"; };

  zlib = callPackage ../development/zlib.nix { };
}
`

func TestMigrateKeepsEntangledPackagesIntact(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"pkgs/top-level/all-packages.nix":   entangledPackages,
		"pkgs/by-name/he/hello/package.nix": derivation,
		"pkgs/tools/foo/default.nix":        derivation,
		"pkgs/tools/foo/tools.nix":          derivation,
		"pkgs/development/sbcl/default.nix": derivation,
		"pkgs/development/zlib.nix":         derivation,
	})
	ctx := context.Background()

	store := nixfile.NewStore(nil)

	before, err := newScanner(store).Scan(ctx, root)
	require.NoError(t, err)

	plan := rewrite.NewPlan(root, store, discardLogger())
	require.NoError(t, before.Migrate(ctx, plan))
	assert.Len(t, plan.ManualMigrations(), 5)

	_, err = plan.Apply(ctx, rewrite.ApplyOptions{})
	require.NoError(t, err)

	after, err := newScanner(nil).Scan(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, before.Names(), after.Names())
	assert.True(t, ratchet.Compare(before, after).OK())

	for _, name := range []string{"hello", "zlib"} {
		pkg, ok := after.Package(name)
		require.True(t, ok, name)
		assert.Equal(t, ratchet.KindTight, pkg.UsesByName.Kind(), name)
	}

	for _, name := range []string{"hello_2", "foo", "foo-tools", "sbcl", "sbcl_2"} {
		pkg, ok := after.Package(name)
		require.True(t, ok, name)
		assert.Equal(t, ratchet.KindLoose, pkg.UsesByName.Kind(), name)
	}
}
