// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mathext"
)

// Empirical-Bayes variance shrinkage: the per-feature residual variances
// are modeled as draws from a scaled inverse-chi-squared prior with d0
// degrees of freedom and location s0². The prior is fit by the method of
// moments on log variances (the marginal distribution of log s² is a
// shifted log-F), then each variance is shrunk toward the prior:
//
//	s²_post = (d0·s0² + df·s²) / (d0 + df)
//
// Moderated t-statistics use s²_post with d0+df degrees of freedom.

// fitVarPrior estimates (d0, s0²) from variances s2 with residual degrees
// of freedom df. d0 is +Inf when the variances are more concordant than
// sampling noise alone predicts (all shrink fully to s0²).
func fitVarPrior(s2, df []float64) (d0, s02 float64) {
	var e []float64
	var triSum float64
	for j := range s2 {
		if s2[j] <= 0 || df[j] <= 0 {
			continue
		}
		half := df[j] / 2
		e = append(e, math.Log(s2[j])-mathext.Digamma(half)+math.Log(half))
		triSum += trigamma(half)
	}
	n := float64(len(e))
	if n < 2 {
		// nothing to pool: an improper flat prior, no shrinkage
		return 0, 0
	}
	mean := 0.0
	for _, v := range e {
		mean += v
	}
	mean /= n
	ss := 0.0
	for _, v := range e {
		ss += (v - mean) * (v - mean)
	}
	evar := ss/(n-1) - triSum/n

	if evar <= 0 {
		return math.Inf(1), math.Exp(mean)
	}
	d0 = 2 * trigammaInverse(evar)
	s02 = math.Exp(mean + mathext.Digamma(d0/2) - math.Log(d0/2))
	return d0, s02
}

// squeezeVar returns the posterior variances given the fitted prior. A d0
// of zero (no pooling possible) leaves the variances untouched.
func squeezeVar(s2, df []float64, d0, s02 float64) []float64 {
	out := make([]float64, len(s2))
	for j := range s2 {
		switch {
		case d0 == 0:
			out[j] = s2[j]
		case math.IsInf(d0, 1):
			out[j] = s02
		default:
			out[j] = (d0*s02 + df[j]*s2[j]) / (d0 + df[j])
		}
	}
	return out
}

// trigamma is the derivative of the digamma function, computed by the
// recurrence trigamma(x) = trigamma(x+1) + 1/x² and the asymptotic series
// for large x. gonum's mathext stops at digamma.
func trigamma(x float64) float64 {
	if math.IsNaN(x) || x <= 0 {
		return math.NaN()
	}
	v := 0.0
	for x < 8 {
		v += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	// 1/x + 1/(2x²) + sum of Bernoulli terms
	v += inv * (1 + inv*(0.5+inv*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2/30)))))
	return v
}

// trigammaInverse solves trigamma(y) = x by bisection; trigamma is
// strictly decreasing on (0, inf).
func trigammaInverse(x float64) float64 {
	if x <= 0 {
		return math.Inf(1)
	}
	lo, hi := 1e-6, 1e7
	if x >= trigamma(lo) {
		return lo
	}
	if x <= trigamma(hi) {
		return hi
	}
	for i := 0; i < 100; i++ {
		mid := math.Sqrt(lo * hi)
		if trigamma(mid) > x {
			lo = mid
		} else {
			hi = mid
		}
	}
	return math.Sqrt(lo * hi)
}

// trendValues returns, for each entry, the moving average of values over a
// window of neighbors ordered by the paired covariate. Used for the
// abundance-dependent prior ("trend") in both engines' shrinkage schemes.
func trendValues(values, covariate []float64, window int) []float64 {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sortByKey(order, covariate)
	if window > n {
		window = n
	}
	out := make([]float64, n)
	for pos, j := range order {
		lo := pos - window/2
		if lo < 0 {
			lo = 0
		}
		hi := lo + window
		if hi > n {
			hi = n
			if lo = hi - window; lo < 0 {
				lo = 0
			}
		}
		sum := 0.0
		for _, jj := range order[lo:hi] {
			sum += values[jj]
		}
		out[j] = sum / float64(hi-lo)
	}
	return out
}

func sortByKey(idx []int, key []float64) {
	sort.Slice(idx, func(a, b int) bool { return key[idx[a]] < key[idx[b]] })
}
