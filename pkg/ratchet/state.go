// Package ratchet implements the ratchet checks: per-package conventions that may
// only move towards compliance between two snapshots of the tree.
//
// Each check classifies a package into one of three states. Comparing the state
// of a package in the previous snapshot with its state in the current snapshot
// yields either nothing or exactly one problem:
//
//	from        to          outcome
//	Tight       Loose       regression problem
//	(absent)    Loose       new-violation problem
//	Loose       Loose       allowed (grandfathered)
//	any         Tight       allowed
//	NonApplicable on either side: allowed
package ratchet

import (
	"context"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/problem"
	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
	"github.com/Sumatoshi-tech/nixvet/pkg/validation"
)

// Kind is the tag of a State.
type Kind uint8

// State kinds. The zero value is NonApplicable.
const (
	// KindNonApplicable means the check does not apply to the package.
	KindNonApplicable Kind = iota
	// KindTight means the package already satisfies the convention.
	KindTight
	// KindLoose means the package violates the convention but is tolerated
	// as long as it did so before.
	KindLoose
)

func (k Kind) String() string {
	switch k {
	case KindTight:
		return "tight"
	case KindLoose:
		return "loose"
	case KindNonApplicable:
		return "non_applicable"
	default:
		return "unknown"
	}
}

// State is the ratchet value of one check for one package. Only Loose states
// carry a context of type C.
type State[C any] struct {
	kind    Kind
	context C
}

// Loose returns a violating-but-tolerated state.
func Loose[C any](ctx C) State[C] {
	return State[C]{kind: KindLoose, context: ctx}
}

// Tight returns a compliant state.
func Tight[C any]() State[C] {
	return State[C]{kind: KindTight}
}

// NonApplicable returns a state for a check that does not apply.
func NonApplicable[C any]() State[C] {
	return State[C]{kind: KindNonApplicable}
}

// Kind returns the state's tag.
func (s State[C]) Kind() Kind {
	return s.kind
}

// Context returns the loose context, if the state is loose.
func (s State[C]) Context() (C, bool) {
	if s.kind != KindLoose {
		var zero C

		return zero, false
	}

	return s.context, true
}

// Rewriter is the file-rewrite collaborator migrations record their fixes with.
// Implementations must reject overlapping edits.
type Rewriter interface {
	// Root returns the tree root all relative paths are resolved against.
	Root() string
	// NixFile returns the parsed Nix file at path.
	NixFile(ctx context.Context, path string) (*nixfile.File, error)
	// Edit records a text replacement.
	Edit(edit rewrite.Edit) error
	// Move records the relocations of one package as a group. A group touching
	// a path claimed by an earlier group fails with rewrite.ErrPathClaimed.
	Move(moves ...rewrite.Move) error
	// Manual flags a package whose fix has to be done by hand.
	Manual(name, reason string)
}

// Check is the capability every concrete ratchet check provides.
type Check[C any] interface {
	// Name identifies the check in snapshots and logs.
	Name() string
	// Problem describes a loose state of package name. regressed is set when
	// the package was tight before, and unset when the package is new.
	Problem(name string, regressed bool, ctx C) problem.Problem
	// Migrate records the fix for a loose state. Packages that cannot be fixed
	// automatically are flagged through Rewriter.Manual and return nil.
	Migrate(ctx context.Context, rw Rewriter, loose C, name string) error
}

// CompareState checks the transition of one package from its previous state
// (nil when the package is new) to its current state.
func CompareState[C any](check Check[C], name string, from *State[C], to State[C]) validation.Validation {
	if to.kind != KindLoose {
		return validation.Success()
	}

	if from == nil {
		return validation.Failure(check.Problem(name, false, to.context))
	}

	if from.kind == KindTight {
		return validation.Failure(check.Problem(name, true, to.context))
	}

	return validation.Success()
}

// MigrateState runs the check's fix for a loose state; other states are left alone.
func MigrateState[C any](ctx context.Context, check Check[C], rw Rewriter, name string, state State[C]) error {
	if state.kind != KindLoose {
		return nil
	}

	return check.Migrate(ctx, rw, state.context, name)
}
