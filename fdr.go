// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"sort"
)

// AdjustBH converts raw p-values into Benjamini-Hochberg adjusted p-values
// controlling the false discovery rate. The output preserves input order;
// callers rely on positional correspondence to features.
//
// Each adjusted value is in [0,1] and never below its raw value. A NaN or
// out-of-range input fails with InvalidPValueError: a test that could not
// be computed must be excluded before correction, never coerced.
func AdjustBH(p []float64) ([]float64, error) {
	m := len(p)
	if m == 0 {
		return []float64{}, nil
	}
	for i, v := range p {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, &InvalidPValueError{Index: i, Value: v}
		}
	}

	idx := make([]int, m)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })

	adj := make([]float64, m)
	running := 1.0
	for k := m - 1; k >= 0; k-- {
		i := idx[k]
		// ratio first: the largest rank multiplies by exactly 1, so an
		// all-equal input comes back unchanged
		candidate := p[i] * (float64(m) / float64(k+1))
		if candidate > 1 {
			candidate = 1
		}
		if candidate < running {
			running = candidate
		}
		adj[i] = running
	}
	return adj, nil
}
