// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"

	"github.com/montanaflynn/stats"
)

// TMM trim fractions: the middle of the log-ratio distribution and the
// middle of the average-abundance distribution are kept.
const (
	tmmLogRatioTrim = 0.3
	tmmAbundTrim    = 0.05
)

// TMMFactors computes one normalization factor per sample by the trimmed
// mean of M-values: log ratios of each feature's count against a reference
// sample are trimmed at both tails, weighted by inverse asymptotic
// variance, and averaged. Factors are rescaled so their geometric mean
// is 1. The reference sample is the one whose upper-quartile scaled count
// is closest to the mean upper quartile.
//
// Robust scaling factors keep a handful of dominant clusters from dragging
// the library-size normalization of every other cluster.
func TMMFactors(counts *FeatureMatrix) ([]float64, error) {
	n := counts.NSamples()
	if n == 1 {
		return []float64{1}, nil
	}
	totals := make([]float64, n)
	for i := 0; i < n; i++ {
		for _, v := range counts.SampleRow(i) {
			totals[i] += v
		}
		if totals[i] == 0 {
			return nil, &InsufficientDataError{Msg: "sample " + counts.samples[i] + " has zero total count"}
		}
	}

	refIdx, err := tmmReference(counts, totals)
	if err != nil {
		return nil, err
	}
	ref := counts.SampleRow(refIdx)

	factors := make([]float64, n)
	for i := 0; i < n; i++ {
		factors[i] = tmmFactor(counts.SampleRow(i), totals[i], ref, totals[refIdx])
	}

	// rescale to geometric mean 1
	logSum := 0.0
	for _, f := range factors {
		logSum += math.Log(f)
	}
	scale := math.Exp(logSum / float64(n))
	for i := range factors {
		factors[i] /= scale
	}
	return factors, nil
}

// tmmReference picks the sample whose 75th percentile of scaled counts is
// closest to the mean 75th percentile across samples.
func tmmReference(counts *FeatureMatrix, totals []float64) (int, error) {
	n := counts.NSamples()
	q75 := make([]float64, n)
	for i := 0; i < n; i++ {
		row := counts.SampleRow(i)
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = v / totals[i]
		}
		q, err := stats.Percentile(scaled, 75)
		if err != nil {
			return 0, configErrorf("upper-quartile reference selection: %s", err)
		}
		q75[i] = q
	}
	mean, err := stats.Mean(q75)
	if err != nil {
		return 0, configErrorf("upper-quartile reference selection: %s", err)
	}
	ref := 0
	best := math.Abs(q75[0] - mean)
	for i, q := range q75[1:] {
		if d := math.Abs(q - mean); d < best {
			best = d
			ref = i + 1
		}
	}
	return ref, nil
}

// tmmFactor computes one sample's factor against the reference profile.
func tmmFactor(obs []float64, obsTotal float64, ref []float64, refTotal float64) float64 {
	eq := true
	for j := range obs {
		if obs[j] != ref[j] {
			eq = false
			break
		}
	}
	if eq {
		return 1
	}

	var logR, absE, weight []float64
	for j := range obs {
		if obs[j] == 0 || ref[j] == 0 {
			continue
		}
		po := obs[j] / obsTotal
		pr := ref[j] / refTotal
		m := math.Log2(po / pr)
		a := math.Log2(po*pr) / 2
		if math.IsInf(m, 0) || math.IsNaN(m) || math.IsInf(a, 0) || math.IsNaN(a) {
			continue
		}
		logR = append(logR, m)
		absE = append(absE, a)
		weight = append(weight, (obsTotal-obs[j])/(obsTotal*obs[j])+(refTotal-ref[j])/(refTotal*ref[j]))
	}
	if len(logR) == 0 {
		return 1
	}

	nf := float64(len(logR))
	loM := math.Floor(nf * tmmLogRatioTrim)
	hiM := nf - loM - 1
	loA := math.Floor(nf * tmmAbundTrim)
	hiA := nf - loA - 1

	rankM, _ := midranks(logR)
	rankA, _ := midranks(absE)

	var num, den float64
	for j := range logR {
		// midranks are 1-based
		rm, ra := rankM[j]-1, rankA[j]-1
		if rm < loM || rm > hiM || ra < loA || ra > hiA {
			continue
		}
		num += logR[j] / weight[j]
		den += 1 / weight[j]
	}
	if den == 0 {
		return 1
	}
	return math.Pow(2, num/den)
}
