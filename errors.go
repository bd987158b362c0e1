// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import "fmt"

// ConfigurationError indicates a malformed experiment design: wrong number
// of covariate levels, unknown covariate, or mismatched row counts between
// metadata and a feature matrix. It aborts the whole engine invocation.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DimensionMismatchError indicates disagreeing axis lengths: a contrast
// whose length differs from the design column count, or feature matrices
// whose sample/feature axes disagree.
type DimensionMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: %s: want %d, got %d", e.What, e.Want, e.Got)
}

// DegenerateInputError indicates input on which the requested test is
// undefined: a feature constant across all samples, or a comparison group
// with zero samples. Raised per-feature it marks that feature failed;
// raised for a group it aborts the run.
type DegenerateInputError struct {
	Feature string // empty for run-level degeneracy
	Msg     string
}

func (e *DegenerateInputError) Error() string {
	if e.Feature == "" {
		return "degenerate input: " + e.Msg
	}
	return fmt.Sprintf("degenerate input: feature %q: %s", e.Feature, e.Msg)
}

// InvalidPValueError indicates a NaN or out-of-range p-value reaching the
// multiple-testing corrector. A test that could not be computed must be
// excluded before correction, never fed through as 0 or 1.
type InvalidPValueError struct {
	Index int
	Value float64
}

func (e *InvalidPValueError) Error() string {
	return fmt.Sprintf("invalid p-value %v at index %d", e.Value, e.Index)
}

// ConvergenceError indicates an iterative fit that did not converge for one
// feature. The feature is excluded from results; the run continues.
type ConvergenceError struct {
	Feature string
	Msg     string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("fit did not converge for feature %q: %s", e.Feature, e.Msg)
}

// InsufficientDataError indicates too few valid observations for a
// feature/group combination, or (run-level, empty Feature) a sample with
// zero total count.
type InsufficientDataError struct {
	Feature string
	Msg     string
}

func (e *InsufficientDataError) Error() string {
	if e.Feature == "" {
		return "insufficient data: " + e.Msg
	}
	return fmt.Sprintf("insufficient data for feature %q: %s", e.Feature, e.Msg)
}
