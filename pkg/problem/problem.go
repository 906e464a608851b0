// Package problem defines the closed set of convention violations reported by nixvet.
package problem

import "fmt"

// Kind identifies a problem variant.
type Kind string

// Problem kinds.
const (
	KindWrongCallPackage         Kind = "wrong_call_package"
	KindMovedOutOfByName         Kind = "moved_out_of_by_name"
	KindNewPackageNotUsingByName Kind = "new_package_not_using_by_name"
)

// unknownCallPath is rendered when no callPackage path could be determined.
const unknownCallPath = "..."

// Problem is a single convention violation of one package.
// The set of implementations is closed to this package.
type Problem interface {
	fmt.Stringer

	// Package returns the attribute name the problem belongs to.
	Package() string
	// Kind returns the problem variant.
	Kind() Kind

	isProblem()
}

// WrongCallPackage is reported for a by-name package that still carries a manual
// definition which could be removed.
type WrongCallPackage struct {
	PackageName         string `json:"package"       yaml:"package"`
	RelativePackageFile string `json:"package_file"  yaml:"package_file"`
}

// MovedOutOfByName is reported when a package that used by-name is defined manually again.
type MovedOutOfByName struct {
	PackageName     string `json:"package"                     yaml:"package"`
	CallPackagePath string `json:"call_package_path,omitempty" yaml:"call_package_path,omitempty"`
	EmptyArg        bool   `json:"empty_arg"                   yaml:"empty_arg"`
}

// NewPackageNotUsingByName is reported when a new package is defined manually.
type NewPackageNotUsingByName struct {
	PackageName         string `json:"package"                     yaml:"package"`
	CallPackagePath     string `json:"call_package_path,omitempty" yaml:"call_package_path,omitempty"`
	RelativePackageFile string `json:"package_file"                yaml:"package_file"`
	EmptyArg            bool   `json:"empty_arg"                   yaml:"empty_arg"`
}

func (WrongCallPackage) isProblem()         {}
func (MovedOutOfByName) isProblem()         {}
func (NewPackageNotUsingByName) isProblem() {}

// Package implements Problem.
func (p WrongCallPackage) Package() string { return p.PackageName }

// Package implements Problem.
func (p MovedOutOfByName) Package() string { return p.PackageName }

// Package implements Problem.
func (p NewPackageNotUsingByName) Package() string { return p.PackageName }

// Kind implements Problem.
func (WrongCallPackage) Kind() Kind { return KindWrongCallPackage }

// Kind implements Problem.
func (MovedOutOfByName) Kind() Kind { return KindMovedOutOfByName }

// Kind implements Problem.
func (NewPackageNotUsingByName) Kind() Kind { return KindNewPackageNotUsingByName }

func (p WrongCallPackage) String() string {
	return fmt.Sprintf(
		"pkgs.%s: This attribute is manually defined (most likely in pkgs/top-level/all-packages.nix), "+
			"which is only allowed if the definition is of the form `pkgs.callPackage %s { ... }` "+
			"with a non-empty second argument.",
		p.PackageName, p.RelativePackageFile,
	)
}

func (p MovedOutOfByName) String() string {
	if p.EmptyArg {
		return fmt.Sprintf(
			"pkgs.%s: This top-level package was previously defined in pkgs/by-name, "+
				"but is now manually defined as `callPackage %s { }` (e.g. in `pkgs/top-level/all-packages.nix`). "+
				"Please move the package back and remove the manual `callPackage`.",
			p.PackageName, callPath(p.CallPackagePath),
		)
	}

	return fmt.Sprintf(
		"pkgs.%s: This top-level package was previously defined in pkgs/by-name, "+
			"but is now manually defined as `callPackage %s { ... }` (e.g. in `pkgs/top-level/all-packages.nix`). "+
			"While the manual `callPackage` is still needed, it's not necessary to move the package files.",
		p.PackageName, callPath(p.CallPackagePath),
	)
}

func (p NewPackageNotUsingByName) String() string {
	if p.EmptyArg {
		return fmt.Sprintf(
			"pkgs.%s: This is a new top-level package of the form `callPackage %s { }`. "+
				"Please define it in %s instead. See `pkgs/by-name/README.md` for more details. "+
				"Since the second `callPackage` argument is `{ }`, no manual `callPackage` "+
				"(e.g. in `pkgs/top-level/all-packages.nix`) is needed anymore.",
			p.PackageName, callPath(p.CallPackagePath), p.RelativePackageFile,
		)
	}

	return fmt.Sprintf(
		"pkgs.%s: This is a new top-level package of the form `callPackage %s { ... }`. "+
			"Please define it in %s instead. See `pkgs/by-name/README.md` for more details. "+
			"Since the second `callPackage` argument is not `{ }`, the manual `callPackage` "+
			"(e.g. in `pkgs/top-level/all-packages.nix`) is still needed.",
		p.PackageName, callPath(p.CallPackagePath), p.RelativePackageFile,
	)
}

func callPath(p string) string {
	if p == "" {
		return unknownCallPath
	}

	return "./" + p
}
