// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Design is a numeric encoding of sample covariates as linear-model
// predictors: one row per sample (same order as the SampleTable it was
// built from), one column per model term. The first column is an intercept
// of all 1s; the second is the indicator for the non-reference level of the
// response covariate; any further columns are additive pairing-block terms.
type Design struct {
	X     *mat.Dense
	Terms []string

	// Groups maps each sample row to false (reference level) or true
	// (non-reference level) of the response covariate.
	Groups []bool
	// RefLevel and AltLevel are the two response levels, reference first.
	RefLevel, AltLevel string
}

// DesignOpts adjusts design construction.
type DesignOpts struct {
	// RefLevel forces the reference level of the response covariate.
	// Empty means lexicographically first.
	RefLevel string
	// BlockTerms adds an indicator column per non-reference pairing
	// block, turning a matched design into additive fixed block effects.
	BlockTerms bool
}

// NewDesign builds the design matrix and the default two-group contrast
// for the named response covariate. The response must have exactly two
// distinct levels across the samples.
func NewDesign(st *SampleTable, response string, opts DesignOpts) (*Design, []float64, error) {
	levels, err := st.Levels(response)
	if err != nil {
		return nil, nil, err
	}
	if len(levels) != 2 {
		return nil, nil, configErrorf("response covariate %q has %d levels, need exactly 2", response, len(levels))
	}
	ref, alt := levels[0], levels[1]
	if opts.RefLevel != "" {
		switch opts.RefLevel {
		case ref:
		case alt:
			ref, alt = alt, ref
		default:
			return nil, nil, configErrorf("reference level %q is not a level of %q", opts.RefLevel, response)
		}
	}

	col, err := st.Covariate(response)
	if err != nil {
		return nil, nil, err
	}
	n := st.Len()
	terms := []string{"(intercept)", response + alt}
	groups := make([]bool, n)

	var blockLevels []string
	blockIdx := map[string]int{}
	if opts.BlockTerms && st.NBlocks() > 1 {
		seen := map[string]bool{}
		for _, b := range st.Blocks() {
			if !seen[b] {
				seen[b] = true
				blockLevels = append(blockLevels, b)
			}
		}
		// first block observed is the reference block
		for _, b := range blockLevels[1:] {
			blockIdx[b] = len(terms)
			terms = append(terms, "block"+b)
		}
	}

	x := mat.NewDense(n, len(terms), nil)
	blocks := st.Blocks()
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		if col[i] == alt {
			x.Set(i, 1, 1)
			groups[i] = true
		}
		if j, ok := blockIdx[blocks[i]]; ok {
			x.Set(i, j, 1)
		}
	}

	contrast := make([]float64, len(terms))
	contrast[1] = 1
	return &Design{
		X:        x,
		Terms:    terms,
		Groups:   groups,
		RefLevel: ref,
		AltLevel: alt,
	}, contrast, nil
}

// NCols returns the number of model terms.
func (d *Design) NCols() int {
	_, c := d.X.Dims()
	return c
}

// NRows returns the number of sample rows.
func (d *Design) NRows() int {
	r, _ := d.X.Dims()
	return r
}

// CheckContrast validates a caller-supplied contrast vector against the
// design's column count and rejects non-finite or all-zero contrasts.
func (d *Design) CheckContrast(contrast []float64) error {
	if len(contrast) != d.NCols() {
		return &DimensionMismatchError{What: "contrast length", Want: d.NCols(), Got: len(contrast)}
	}
	nonzero := false
	for _, v := range contrast {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return configErrorf("contrast contains non-finite value %v", v)
		}
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		return configErrorf("contrast is all zero")
	}
	return nil
}

// reducedDesign returns the design restricted to the null space of the
// contrast: columns spanning {b : contrast·b unconstrained} are replaced by
// X·N where N is an orthonormal basis of the contrast's null space. Fitting
// on the reduced design constrains contrast·coefficients to zero, which is
// the reduced model of the likelihood-ratio test.
func (d *Design) reducedDesign(contrast []float64) *mat.Dense {
	p := d.NCols()
	c := mat.NewDense(1, p, append([]float64(nil), contrast...))
	var svd mat.SVD
	svd.Factorize(c, mat.SVDFullV)
	var v mat.Dense
	svd.VTo(&v)
	// null space of a rank-1 row vector: last p-1 right singular vectors
	null := v.Slice(0, p, 1, p)
	var xr mat.Dense
	xr.Mul(d.X, null)
	return &xr
}
