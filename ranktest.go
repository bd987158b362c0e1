// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// RankTestOpts adjusts the rank-test engine.
type RankTestOpts struct {
	// RefLevel forces the reference level of the response covariate.
	RefLevel string
	// ExactLimit is the largest per-group size for which the exact null
	// distribution is used when the pooled values are tie-free. 0 means
	// the default of 10. The asymptotic normal approximation with tie
	// and continuity correction is used otherwise.
	ExactLimit int
}

// RankTest runs a two-sample Wilcoxon rank-sum (Mann-Whitney) test on
// every feature column of fm, comparing the two levels of the response
// covariate. It is the differential-abundance test for proportion
// matrices and also applies to continuous summaries.
//
// Features constant across all samples are excluded with a per-feature
// DegenerateInputError; a response group with zero samples aborts the run.
func RankTest(fm *FeatureMatrix, st *SampleTable, response string, opts RankTestOpts) (*ResultTable, error) {
	if err := st.CheckAlignment(fm); err != nil {
		return nil, err
	}
	design, _, err := NewDesign(st, response, DesignOpts{RefLevel: opts.RefLevel})
	if err != nil {
		return nil, err
	}
	var nRef, nAlt int
	for _, alt := range design.Groups {
		if alt {
			nAlt++
		} else {
			nRef++
		}
	}
	if nRef == 0 || nAlt == 0 {
		return nil, &DegenerateInputError{Msg: "a response group has no samples"}
	}
	if nRef < 4 || nAlt < 4 {
		log.Warnf("rank: group sizes %d (%s) and %d (%s); asymptotic p-values degrade below 4 samples per group",
			nRef, design.RefLevel, nAlt, design.AltLevel)
	}
	exactLimit := opts.ExactLimit
	if exactLimit == 0 {
		exactLimit = 10
	}

	rt := &ResultTable{Engine: "rank", Results: make([]Result, fm.NFeatures())}
	for j, name := range fm.Features() {
		col := fm.FeatureColumn(j)
		var ref, alt []float64
		for i, v := range col {
			if math.IsNaN(v) {
				continue
			}
			if design.Groups[i] {
				alt = append(alt, v)
			} else {
				ref = append(ref, v)
			}
		}
		res := Result{Feature: name, Coef: math.NaN(), Dispersion: math.NaN()}
		switch {
		case len(ref) == 0 || len(alt) == 0:
			res.Err = &InsufficientDataError{Feature: name, Msg: "a group has no valid observations"}
		case isConstant(ref, alt):
			res.Err = &DegenerateInputError{Feature: name, Msg: "constant across all samples"}
		default:
			res.PValue = ranksumPvalue(ref, alt, exactLimit)
			res.FoldChange, res.Log2FC, res.Log10FC = foldChanges(stat.Mean(alt, nil), stat.Mean(ref, nil))
		}
		rt.Results[j] = res
	}
	if err := rt.adjust(); err != nil {
		return nil, err
	}
	return rt, nil
}

func isConstant(a, b []float64) bool {
	var first float64
	if len(a) > 0 {
		first = a[0]
	} else {
		first = b[0]
	}
	for _, v := range a {
		if v != first {
			return false
		}
	}
	for _, v := range b {
		if v != first {
			return false
		}
	}
	return true
}

// ranksumPvalue computes the two-sided Mann-Whitney p-value for the pooled
// samples. With small tie-free groups the exact null distribution of the
// rank sum is used; otherwise the normal approximation with midrank tie
// correction and 0.5 continuity correction.
func ranksumPvalue(ref, alt []float64, exactLimit int) float64 {
	n1, n2 := len(ref), len(alt)
	pooled := make([]float64, 0, n1+n2)
	pooled = append(pooled, ref...)
	pooled = append(pooled, alt...)
	ranks, tieSum := midranks(pooled)

	r1 := 0.0
	for i := 0; i < n1; i++ {
		r1 += ranks[i]
	}
	f1, f2 := float64(n1), float64(n2)
	u1 := r1 - f1*(f1+1)/2
	u2 := f1*f2 - u1

	if tieSum == 0 && n1 <= exactLimit && n2 <= exactLimit {
		return exactRanksumPvalue(n1, n2, u1)
	}

	u := math.Min(u1, u2)
	mu := f1 * f2 / 2
	n := f1 + f2
	sigma := math.Sqrt(f1 * f2 * ((n + 1) - tieSum/(n*(n-1))) / 12)
	if sigma == 0 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	p := 2 * stdNormal.CDF(z)
	if p > 1 {
		p = 1
	}
	return p
}

// midranks assigns average ranks (1-based) to tied values and returns the
// tie correction term sum(t^3 - t) over tie groups.
func midranks(v []float64) (ranks []float64, tieSum float64) {
	n := len(v)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })
	ranks = make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && v[idx[j]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	return ranks, tieSum
}

// exactRanksumPvalue computes the exact two-sided p-value of the
// Mann-Whitney U statistic by counting, for every k-subset of the pooled
// ranks, how many achieve each U value. Valid only for tie-free data.
func exactRanksumPvalue(n1, n2 int, u1 float64) float64 {
	// counts[u] = number of n1-subsets of ranks 1..n1+n2 with U statistic u
	counts := exactUCounts(n1, n2)
	total := 0.0
	for _, c := range counts {
		total += c
	}
	u := int(math.Round(u1))
	lower, upper := 0.0, 0.0
	for i, c := range counts {
		if i <= u {
			lower += c
		}
		if i >= u {
			upper += c
		}
	}
	p := 2 * math.Min(lower, upper) / total
	if p > 1 {
		p = 1
	}
	return p
}

// exactUCounts returns the null distribution of U for group sizes n1, n2
// via the standard recurrence on subset rank sums.
func exactUCounts(n1, n2 int) []float64 {
	maxU := n1 * n2
	// f[k][u]: number of ways to pick k of the first n ranks giving U=u,
	// built by iterating n from 0 to n1+n2.
	f := make([][]float64, n1+1)
	for k := range f {
		f[k] = make([]float64, maxU+1)
	}
	f[0][0] = 1
	for n := 1; n <= n1+n2; n++ {
		for k := min(n, n1); k >= 1; k-- {
			// adding rank n as a group-1 member contributes n-k to U
			// relative to the densest packing; equivalent recurrence:
			// c(n,k,u) = c(n-1,k,u) + c(n-1,k-1,u-(n-k))
			for u := maxU; u >= 0; u-- {
				if d := u - (n - k); d >= 0 {
					f[k][u] += f[k-1][d]
				}
			}
		}
	}
	return f[n1]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
