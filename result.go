// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

// Result holds one feature's test outcome. FoldChange uses the signed
// convention: a raw ratio below 1 is reported as the negative reciprocal
// (0.5 becomes -2), so the sign always indicates direction and the
// magnitude is comparable regardless of direction. Log2FC and Log10FC are
// taken from the raw (unsigned) ratio.
//
// Err is the per-feature failure marker. When non-nil the numeric fields
// are meaningless and the feature is excluded from multiple-testing
// correction.
type Result struct {
	Feature    string
	FoldChange float64
	Log2FC     float64
	Log10FC    float64
	PValue     float64
	AdjPValue  float64

	// Coef is the fitted contrast coefficient on the model's natural
	// scale (log link for the count engine, identity for the linear
	// engine); NaN for the rank engine, which has no model coefficients.
	Coef float64

	// Dispersion is the negative-binomial dispersion (count engine) or
	// the moderated posterior variance (linear engine); NaN for the
	// rank engine.
	Dispersion float64

	Err error
}

// ResultTable is the ordered per-feature output of one engine invocation,
// immutable once returned. Feature order matches the input matrix.
type ResultTable struct {
	Engine  string
	Results []Result
}

// adjust fills AdjPValue for all succeeded rows by running BH over their
// raw p-values in feature order. Failed rows keep NaN.
func (rt *ResultTable) adjust() error {
	var raw []float64
	var idx []int
	for i := range rt.Results {
		if rt.Results[i].Err == nil {
			raw = append(raw, rt.Results[i].PValue)
			idx = append(idx, i)
		} else {
			rt.Results[i].AdjPValue = math.NaN()
		}
	}
	adj, err := AdjustBH(raw)
	if err != nil {
		return err
	}
	for k, i := range idx {
		rt.Results[i].AdjPValue = adj[k]
	}
	return nil
}

// Report summarizes how the run went: how many features succeeded, how
// many were excluded, and why.
type Report struct {
	Engine   string
	Tested   int
	Excluded int
	Reasons  []Exclusion
}

// Exclusion names one excluded feature and its error.
type Exclusion struct {
	Feature string
	Err     error
}

// Report enumerates succeeded and excluded features.
func (rt *ResultTable) Report() Report {
	rep := Report{Engine: rt.Engine}
	for _, r := range rt.Results {
		if r.Err != nil {
			rep.Excluded++
			rep.Reasons = append(rep.Reasons, Exclusion{Feature: r.Feature, Err: r.Err})
		} else {
			rep.Tested++
		}
	}
	return rep
}

// Log writes the report through logrus, one warning line per exclusion.
func (rep Report) Log() {
	log.Infof("%s: %d features tested, %d excluded", rep.Engine, rep.Tested, rep.Excluded)
	for _, ex := range rep.Reasons {
		log.Warnf("%s: excluded %s: %s", rep.Engine, ex.Feature, ex.Err)
	}
}

// String renders a one-line summary.
func (rep Report) String() string {
	return fmt.Sprintf("%s: tested=%d excluded=%d", rep.Engine, rep.Tested, rep.Excluded)
}

// signedFold converts a raw ratio into the signed fold-change convention.
func signedFold(ratio float64) float64 {
	if ratio < 1 && ratio > 0 {
		return -1 / ratio
	}
	return ratio
}

// foldChanges computes the (signed fold, log2, log10) triple for a raw
// ratio of group estimates. A tiny pseudo-value keeps zero estimates off
// the Inf path without hiding the direction.
func foldChanges(alt, ref float64) (fc, log2fc, log10fc float64) {
	const eps = 1e-9
	ratio := (alt + eps) / (ref + eps)
	return signedFold(ratio), math.Log2(ratio), math.Log10(ratio)
}
