// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"runtime"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// LinearTestOpts adjusts the linear-model engine.
type LinearTestOpts struct {
	// Threads bounds the per-feature fit workers; 0 means NumCPU.
	Threads int
	// Trend lets the prior variance vary with average feature signal.
	Trend bool
}

// linFit carries one feature's per-feature OLS results into the shared
// shrinkage step.
type linFit struct {
	cBeta   float64 // contrast coefficient
	stdevU  float64 // unscaled stdev of the contrast coefficient
	s2      float64 // residual variance
	df      float64 // residual degrees of freedom
	meanRef float64
	meanAlt float64
	mean    float64 // average signal, trend covariate
	err     error
}

// LinearTest tests differential state on continuous per-(cluster, marker)
// summaries: an ordinary least-squares fit per feature against the design
// matrix, then empirical-Bayes moderation of the residual variances across
// all features, then moderated t-statistics for the contrast.
//
// Missing values (NaN) are dropped per feature; a feature with fewer than
// two valid observations in either response group is excluded with an
// InsufficientDataError marker. A feature whose valid rows leave the
// design singular is excluded with a DegenerateInputError marker.
func LinearTest(values *FeatureMatrix, st *SampleTable, design *Design, contrast []float64, opts LinearTestOpts) (*ResultTable, error) {
	if err := st.CheckAlignment(values); err != nil {
		return nil, err
	}
	if design.NRows() != values.NSamples() {
		return nil, &DimensionMismatchError{What: "design rows", Want: values.NSamples(), Got: design.NRows()}
	}
	if err := design.CheckContrast(contrast); err != nil {
		return nil, err
	}

	nf := values.NFeatures()
	features := values.Features()
	fits := make([]linFit, nf)

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	thr := newThrottle(threads)
	for j := 0; j < nf; j++ {
		j := j
		thr.Go(func() error {
			fits[j] = olsFit(features[j], values.FeatureColumn(j), design, contrast)
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}

	// pool residual variances across succeeded features
	var s2, df []float64
	var idx []int
	for j := range fits {
		if fits[j].err == nil {
			s2 = append(s2, fits[j].s2)
			df = append(df, fits[j].df)
			idx = append(idx, j)
		}
	}
	d0, s02 := fitVarPrior(s2, df)
	var s2post []float64
	if opts.Trend && len(idx) >= 2 {
		logs2 := make([]float64, len(idx))
		abund := make([]float64, len(idx))
		for k, j := range idx {
			logs2[k] = math.Log(math.Max(fits[j].s2, 1e-300))
			abund[k] = fits[j].mean
		}
		window := len(idx) / 5
		if window < 5 {
			window = 5
		}
		trend := trendValues(logs2, abund, window)
		s2post = make([]float64, len(idx))
		for k := range idx {
			s2post[k] = squeezeVar([]float64{s2[k]}, []float64{df[k]}, d0, math.Exp(trend[k]))[0]
		}
	} else {
		s2post = squeezeVar(s2, df, d0, s02)
	}

	dfPrior := d0
	if math.IsInf(dfPrior, 1) || dfPrior > 1e6 {
		dfPrior = 1e6
	}

	rt := &ResultTable{Engine: "linear-ebayes", Results: make([]Result, nf)}
	for j := range fits {
		rt.Results[j] = Result{Feature: features[j], Coef: math.NaN(), Dispersion: math.NaN(), Err: fits[j].err}
	}
	for k, j := range idx {
		f := fits[j]
		res := &rt.Results[j]
		res.Dispersion = s2post[k]
		res.Coef = f.cBeta
		res.PValue = moderatedPvalue(f.cBeta, f.stdevU, s2post[k], f.df+dfPrior)
		res.FoldChange, res.Log2FC, res.Log10FC = foldChanges(f.meanAlt, f.meanRef)
	}
	if err := rt.adjust(); err != nil {
		return nil, err
	}
	return rt, nil
}

// olsFit runs one feature's least-squares fit on the rows with valid
// observations.
func olsFit(feature string, col []float64, design *Design, contrast []float64) linFit {
	var fit linFit
	p := design.NCols()
	var rows []int
	var nRef, nAlt int
	for i, v := range col {
		if math.IsNaN(v) {
			continue
		}
		rows = append(rows, i)
		if design.Groups[i] {
			nAlt++
		} else {
			nRef++
		}
	}
	if nRef < 2 || nAlt < 2 {
		fit.err = &InsufficientDataError{Feature: feature, Msg: "fewer than 2 valid observations in a group"}
		return fit
	}
	nv := len(rows)
	if nv-p < 1 {
		fit.err = &InsufficientDataError{Feature: feature, Msg: "no residual degrees of freedom"}
		return fit
	}

	x := mat.NewDense(nv, p, nil)
	y := mat.NewDense(nv, 1, nil)
	var sRef, sAlt, sAll, yss float64
	for r, i := range rows {
		for k := 0; k < p; k++ {
			x.Set(r, k, design.X.At(i, k))
		}
		y.Set(r, 0, col[i])
		sAll += col[i]
		yss += col[i] * col[i]
		if design.Groups[i] {
			sAlt += col[i]
		} else {
			sRef += col[i]
		}
	}
	fit.meanRef = sRef / float64(nRef)
	fit.meanAlt = sAlt / float64(nAlt)
	fit.mean = sAll / float64(nv)

	var qr mat.QR
	qr.Factorize(x)
	var beta mat.Dense
	if err := qr.SolveTo(&beta, false, y); err != nil {
		fit.err = &DegenerateInputError{Feature: feature, Msg: "singular design after dropping missing observations"}
		return fit
	}

	// residual variance
	var fitted mat.Dense
	fitted.Mul(x, &beta)
	rss := 0.0
	for r := 0; r < nv; r++ {
		d := y.At(r, 0) - fitted.At(r, 0)
		rss += d * d
	}
	if rss < yss*1e-20 {
		// rounding noise from a numerically exact fit
		rss = 0
	}
	fit.df = float64(nv - p)
	fit.s2 = rss / fit.df

	// contrast coefficient and its unscaled stdev via (XᵀX)⁻¹
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		fit.err = &DegenerateInputError{Feature: feature, Msg: "singular design after dropping missing observations"}
		return fit
	}
	c := mat.NewDense(p, 1, append([]float64(nil), contrast...))
	var tmp, quad mat.Dense
	tmp.Mul(&inv, c)
	quad.Mul(c.T(), &tmp)
	fit.stdevU = math.Sqrt(quad.At(0, 0))
	for k := 0; k < p; k++ {
		fit.cBeta += contrast[k] * beta.At(k, 0)
	}
	if math.IsNaN(fit.cBeta) || math.IsNaN(fit.s2) {
		fit.err = &DegenerateInputError{Feature: feature, Msg: "non-finite fit"}
	}
	return fit
}

// moderatedPvalue computes the two-sided p-value of the moderated t
// statistic with dfTotal degrees of freedom.
func moderatedPvalue(cBeta, stdevU, s2post, dfTotal float64) float64 {
	se := stdevU * math.Sqrt(s2post)
	if se == 0 {
		if cBeta == 0 {
			return 1
		}
		return 0
	}
	t := cBeta / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfTotal}
	p := 2 * dist.CDF(-math.Abs(t))
	if p > 1 {
		p = 1
	}
	return p
}
