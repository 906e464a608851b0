package problem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/nixvet/pkg/problem"
)

func TestProblemIdentity(t *testing.T) {
	t.Parallel()

	problems := []problem.Problem{
		problem.WrongCallPackage{PackageName: "foo"},
		problem.MovedOutOfByName{PackageName: "foo"},
		problem.NewPackageNotUsingByName{PackageName: "foo"},
	}
	kinds := []problem.Kind{
		problem.KindWrongCallPackage,
		problem.KindMovedOutOfByName,
		problem.KindNewPackageNotUsingByName,
	}

	for i, p := range problems {
		assert.Equal(t, "foo", p.Package())
		assert.Equal(t, kinds[i], p.Kind())
	}
}

func TestWrongCallPackageMessage(t *testing.T) {
	t.Parallel()

	p := problem.WrongCallPackage{
		PackageName:         "hello",
		RelativePackageFile: "pkgs/by-name/he/hello/package.nix",
	}

	assert.Contains(t, p.String(), "pkgs.hello: This attribute is manually defined")
	assert.Contains(t, p.String(), "`pkgs.callPackage pkgs/by-name/he/hello/package.nix { ... }`")
}

func TestMovedOutOfByNameMessage(t *testing.T) {
	t.Parallel()

	empty := problem.MovedOutOfByName{PackageName: "foo", CallPackagePath: "pkgs/tools/foo", EmptyArg: true}
	assert.Contains(t, empty.String(), "`callPackage ./pkgs/tools/foo { }`")
	assert.Contains(t, empty.String(), "Please move the package back")

	nonEmpty := problem.MovedOutOfByName{PackageName: "foo", CallPackagePath: "pkgs/tools/foo"}
	assert.Contains(t, nonEmpty.String(), "`callPackage ./pkgs/tools/foo { ... }`")
	assert.Contains(t, nonEmpty.String(), "not necessary to move the package files")
}

func TestNewPackageNotUsingByNameMessage(t *testing.T) {
	t.Parallel()

	p := problem.NewPackageNotUsingByName{
		PackageName:         "foo",
		RelativePackageFile: "pkgs/by-name/fo/foo/package.nix",
		EmptyArg:            true,
	}
	assert.Contains(t, p.String(), "`callPackage ... { }`")
	assert.Contains(t, p.String(), "Please define it in pkgs/by-name/fo/foo/package.nix instead")
	assert.Contains(t, p.String(), "no manual `callPackage`")

	p.EmptyArg = false
	assert.Contains(t, p.String(), "is still needed")
}
