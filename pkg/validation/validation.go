// Package validation holds the verdict type produced by ratchet comparisons.
//
// A Validation is either a success or an ordered, non-empty list of problems.
// Problems are data: producing them never fails the comparison itself.
package validation

import "github.com/Sumatoshi-tech/nixvet/pkg/problem"

// Validation is the outcome of checking one or more ratchets.
// The zero value is a success.
type Validation struct {
	problems []problem.Problem
}

// Success returns a passing verdict.
func Success() Validation {
	return Validation{}
}

// Failure returns a verdict carrying the given problems. Calling it without
// problems yields a success.
func Failure(problems ...problem.Problem) Validation {
	if len(problems) == 0 {
		return Validation{}
	}

	return Validation{problems: append([]problem.Problem(nil), problems...)}
}

// OK reports whether the verdict passed.
func (v Validation) OK() bool {
	return len(v.problems) == 0
}

// Problems returns the problems in report order.
func (v Validation) Problems() []problem.Problem {
	return append([]problem.Problem(nil), v.problems...)
}

// Sequence combines verdicts in order, collecting every problem.
func Sequence(validations ...Validation) Validation {
	total := 0
	for _, v := range validations {
		total += len(v.problems)
	}

	if total == 0 {
		return Validation{}
	}

	merged := make([]problem.Problem, 0, total)
	for _, v := range validations {
		merged = append(merged, v.problems...)
	}

	return Validation{problems: merged}
}
