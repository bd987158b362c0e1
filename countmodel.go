// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"fmt"
	"io"
	"log"
	"math"
	"runtime"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1}

// CountTestOpts adjusts the count-model engine.
type CountTestOpts struct {
	// Threads bounds the per-feature fit workers; 0 means NumCPU.
	Threads int
	// PriorWeight pulls feature-wise dispersion maximizers toward the
	// abundance trend; 0 means the default of 10.
	PriorWeight float64
}

// CountTest tests differential abundance on raw cluster counts with a
// negative-binomial generalized linear model: TMM normalization factors
// enter as per-sample offsets, a per-feature dispersion is estimated with
// common/trended/feature-wise shrinkage, coefficients are fit by IRLS, and
// the contrast is tested by a likelihood-ratio test against the reduced
// model, asymptotically chi-squared with one degree of freedom.
//
// Modeling the counts directly keeps the sampling noise of low-count
// clusters in the model, which proportions discard.
func CountTest(counts *FeatureMatrix, st *SampleTable, design *Design, contrast []float64, opts CountTestOpts) (*ResultTable, error) {
	if err := st.CheckAlignment(counts); err != nil {
		return nil, err
	}
	if design.NRows() != counts.NSamples() {
		return nil, &DimensionMismatchError{What: "design rows", Want: counts.NSamples(), Got: design.NRows()}
	}
	if err := design.CheckContrast(contrast); err != nil {
		return nil, err
	}
	if err := counts.CheckCounts(); err != nil {
		return nil, err
	}

	factors, err := TMMFactors(counts)
	if err != nil {
		return nil, err
	}
	n := counts.NSamples()
	totals := make([]float64, n)
	for i := 0; i < n; i++ {
		for _, v := range counts.SampleRow(i) {
			totals[i] += v
		}
	}
	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = math.Log(totals[i] * factors[i])
	}

	nf := counts.NFeatures()
	ys := make([][]float64, nf)
	for j := 0; j < nf; j++ {
		ys[j] = counts.FeatureColumn(j)
	}

	// first pass: Poisson fitted means feed the dispersion profiles
	mus := make([][]float64, nf)
	aveLogCPM := make([]float64, nf)
	for j := 0; j < nf; j++ {
		mus[j] = poissonMeans(ys[j], offsets, design)
		cpm := 0.0
		for i, y := range ys[j] {
			cpm += y / (totals[i] * factors[i]) * 1e6
		}
		aveLogCPM[j] = math.Log2(cpm/float64(n) + 0.5)
	}
	priorWeight := opts.PriorWeight
	if priorWeight == 0 {
		priorWeight = 10
	}
	disp := estimateDispersions(ys, mus, aveLogCPM, priorWeight)

	xr := design.reducedDesign(contrast)
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	rt := &ResultTable{Engine: "count-glm", Results: make([]Result, nf)}
	features := counts.Features()
	thr := newThrottle(threads)
	for j := 0; j < nf; j++ {
		j := j
		thr.Go(func() error {
			rt.Results[j] = nbFeatureTest(features[j], ys[j], offsets, design, xr, contrast, disp.tagwise[j])
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	if err := rt.adjust(); err != nil {
		return nil, err
	}
	return rt, nil
}

// nbFeatureTest runs the full and reduced NB fits for one feature and
// turns the likelihood ratio into a p-value. Fit failures become a
// per-feature ConvergenceError marker rather than failing the run.
func nbFeatureTest(feature string, y, offsets []float64, design *Design, reduced *mat.Dense, contrast []float64, alpha float64) Result {
	res := Result{Feature: feature, Dispersion: alpha}

	llFull, params, err := fitNB(y, offsets, design.X, alpha)
	if err != nil {
		res.Err = &ConvergenceError{Feature: feature, Msg: err.Error()}
		return res
	}
	llRed, _, err := fitNB(y, offsets, reduced, alpha)
	if err != nil {
		res.Err = &ConvergenceError{Feature: feature, Msg: err.Error()}
		return res
	}

	dot := 0.0
	for k, c := range contrast {
		dot += c * params[k]
	}
	lrt := -2 * (llRed - llFull)
	if lrt < 0 {
		lrt = 0
	}
	if math.IsNaN(dot) || math.IsNaN(lrt) || math.IsInf(lrt, 0) {
		res.Err = &ConvergenceError{Feature: feature, Msg: "non-finite fit"}
		return res
	}
	res.PValue = chisquared.Survival(lrt)
	res.Coef = dot
	res.Log2FC = dot / math.Ln2
	res.Log10FC = dot / math.Log(10)
	res.FoldChange = signedFold(math.Exp(dot))
	return res
}

var nbFitLog = log.New(io.Discard, "", 0)

// fitNB fits a negative-binomial GLM (log link, fixed dispersion) of y on
// the columns of x with the given per-sample offsets, returning the
// log-likelihood and coefficients. Singular or otherwise failed IRLS fits
// surface as errors; statmodel panics on near-singular systems, so those
// are recovered here.
func fitNB(y, offsets []float64, x mat.Matrix, alpha float64) (ll float64, params []float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			err = fmt.Errorf("IRLS did not converge")
		}
	}()

	fam := glm.NewNegBinomFamily(alpha, glm.NewLink(glm.LogLink))
	return fitGLM(y, offsets, x, &glm.Config{
		Family:         fam,
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "offset",
		Log:            nbFitLog,
	})
}

// poissonMeans returns the fitted means from a Poisson first-pass fit,
// used only to anchor the dispersion profile likelihood. When the fit
// fails the overall scaled mean is used instead.
func poissonMeans(y, offsets []float64, design *Design) []float64 {
	mu := make([]float64, len(y))
	_, params, err := fitPoisson(y, offsets, design.X)
	if err == nil {
		r, c := design.X.Dims()
		for i := 0; i < r; i++ {
			eta := offsets[i]
			for k := 0; k < c; k++ {
				eta += design.X.At(i, k) * params[k]
			}
			mu[i] = math.Exp(eta)
		}
		return mu
	}
	var sy, se float64
	for i := range y {
		sy += y[i]
		se += math.Exp(offsets[i])
	}
	rate := sy / se
	for i := range mu {
		mu[i] = rate * math.Exp(offsets[i])
	}
	return mu
}

func fitPoisson(y, offsets []float64, x mat.Matrix) (ll float64, params []float64, err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("IRLS did not converge")
		}
	}()
	return fitGLM(y, offsets, x, &glm.Config{
		Family:         glm.NewFamily(glm.PoissonFamily),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "offset",
		Log:            nbFitLog,
	})
}

// fitGLM assembles a statmodel dataset from the outcome, offset, and
// design columns and runs the configured fit.
func fitGLM(y, offsets []float64, x mat.Matrix, config *glm.Config) (float64, []float64, error) {
	r, c := x.Dims()
	data := [][]statmodel.Dtype{toDtype(y), toDtype(offsets)}
	names := []string{"y", "offset"}
	for k := 0; k < c; k++ {
		col := make([]statmodel.Dtype, r)
		for i := 0; i < r; i++ {
			col[i] = x.At(i, k)
		}
		data = append(data, col)
		names = append(names, fmt.Sprintf("x%d", k))
	}
	dataset := statmodel.NewDataset(data, names)

	model, err := glm.NewGLM(dataset, "y", names[2:], config)
	if err != nil {
		return 0, nil, err
	}
	result := model.Fit()
	ll := result.LogLike()
	params := result.Params()
	for _, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return 0, nil, fmt.Errorf("non-finite coefficient")
		}
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return 0, nil, fmt.Errorf("non-finite log-likelihood")
	}
	return ll, params, nil
}

func toDtype(v []float64) []statmodel.Dtype {
	out := make([]statmodel.Dtype, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}
