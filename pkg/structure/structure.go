// Package structure defines where packages live inside the by-name hierarchy.
package structure

import (
	"path"
	"regexp"
	"strings"
)

// ByNameDir is the tree-relative directory holding all by-name packages.
const ByNameDir = "pkgs/by-name"

// PackageNixFile is the file name every by-name package directory must contain.
const PackageNixFile = "package.nix"

// shardLength is the number of leading name bytes forming a shard.
const shardLength = 2

var packageNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ShardForPackage returns the shard directory name for a package.
func ShardForPackage(name string) string {
	lower := strings.ToLower(name)
	if len(lower) <= shardLength {
		return lower
	}

	return lower[:shardLength]
}

// RelativeDirForShard returns the tree-relative directory of a shard.
func RelativeDirForShard(shard string) string {
	return path.Join(ByNameDir, shard)
}

// RelativeDirForPackage returns the tree-relative directory a package must live in.
func RelativeDirForPackage(name string) string {
	return path.Join(ByNameDir, ShardForPackage(name), name)
}

// RelativeFileForPackage returns the tree-relative package.nix path of a package.
func RelativeFileForPackage(name string) string {
	return path.Join(RelativeDirForPackage(name), PackageNixFile)
}

// IsValidPackageName reports whether name may be used as a by-name directory.
func IsValidPackageName(name string) bool {
	return packageNameRegex.MatchString(name)
}
