// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// FeatureMatrix is a named-axis 2-D table of per-sample feature values:
// rows are samples, columns are features. The three logical variants
// (cluster proportions, cluster counts, per-cluster marker summaries) all
// use this one representation; counts are float64-valued but must hold
// non-negative integers, and continuous summaries may hold NaN where a
// cluster received no events in a sample.
//
// A FeatureMatrix is immutable after construction. Accessors copy.
type FeatureMatrix struct {
	samples  []string
	features []string
	data     *mat.Dense
}

// NewFeatureMatrix validates axis names against the data dimensions and
// returns a matrix that owns a copy of data. Sample and feature names must
// be unique and non-empty.
func NewFeatureMatrix(samples, features []string, data []float64) (*FeatureMatrix, error) {
	if len(samples) == 0 || len(features) == 0 {
		return nil, configErrorf("feature matrix needs at least one sample and one feature")
	}
	if len(data) != len(samples)*len(features) {
		return nil, &DimensionMismatchError{What: "feature matrix values", Want: len(samples) * len(features), Got: len(data)}
	}
	if err := checkUnique("sample", samples); err != nil {
		return nil, err
	}
	if err := checkUnique("feature", features); err != nil {
		return nil, err
	}
	return &FeatureMatrix{
		samples:  append([]string(nil), samples...),
		features: append([]string(nil), features...),
		data:     mat.NewDense(len(samples), len(features), append([]float64(nil), data...)),
	}, nil
}

func checkUnique(kind string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return configErrorf("empty %s name", kind)
		}
		if seen[n] {
			return configErrorf("duplicate %s name %q", kind, n)
		}
		seen[n] = true
	}
	return nil
}

func (fm *FeatureMatrix) NSamples() int      { return len(fm.samples) }
func (fm *FeatureMatrix) NFeatures() int     { return len(fm.features) }
func (fm *FeatureMatrix) Samples() []string  { return append([]string(nil), fm.samples...) }
func (fm *FeatureMatrix) Features() []string { return append([]string(nil), fm.features...) }

// At returns the value for sample row i, feature column j.
func (fm *FeatureMatrix) At(i, j int) float64 { return fm.data.At(i, j) }

// FeatureColumn returns a copy of feature column j across all samples.
func (fm *FeatureMatrix) FeatureColumn(j int) []float64 {
	col := make([]float64, len(fm.samples))
	mat.Col(col, j, fm.data)
	return col
}

// SampleRow returns a copy of sample row i across all features.
func (fm *FeatureMatrix) SampleRow(i int) []float64 {
	row := make([]float64, len(fm.features))
	mat.Row(row, i, fm.data)
	return row
}

// AlignCheck verifies that other has the same samples and features in the
// same order. Counts and proportions derived from the same clustering must
// pass this check before being used interchangeably; misaligned axes would
// silently corrupt every downstream test.
func (fm *FeatureMatrix) AlignCheck(other *FeatureMatrix) error {
	if len(other.samples) != len(fm.samples) {
		return &DimensionMismatchError{What: "sample axis", Want: len(fm.samples), Got: len(other.samples)}
	}
	if len(other.features) != len(fm.features) {
		return &DimensionMismatchError{What: "feature axis", Want: len(fm.features), Got: len(other.features)}
	}
	for i, s := range fm.samples {
		if other.samples[i] != s {
			return configErrorf("sample axis mismatch at row %d: %q vs %q", i, s, other.samples[i])
		}
	}
	for j, f := range fm.features {
		if other.features[j] != f {
			return configErrorf("feature axis mismatch at column %d: %q vs %q", j, f, other.features[j])
		}
	}
	return nil
}

// CheckCounts verifies every value is a finite non-negative integer.
func (fm *FeatureMatrix) CheckCounts() error {
	r, c := fm.data.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := fm.data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v != math.Trunc(v) {
				return configErrorf("count matrix value %v at (%s, %s) is not a non-negative integer", v, fm.samples[i], fm.features[j])
			}
		}
	}
	return nil
}

// DropSamples returns a new matrix without the named samples. Unknown names
// are an error: exclusions are an explicit, auditable input and a typo must
// not silently keep a sample in.
func (fm *FeatureMatrix) DropSamples(names []string) (*FeatureMatrix, error) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	idx := make(map[string]bool, len(fm.samples))
	for _, s := range fm.samples {
		idx[s] = true
	}
	for _, n := range names {
		if !idx[n] {
			return nil, configErrorf("cannot exclude unknown sample %q", n)
		}
	}
	var keepSamples []string
	var data []float64
	for i, s := range fm.samples {
		if drop[s] {
			continue
		}
		keepSamples = append(keepSamples, s)
		data = append(data, fm.SampleRow(i)...)
	}
	return NewFeatureMatrix(keepSamples, fm.features, data)
}

// SampleTable holds per-sample metadata: a unique sample identifier, an
// optional pairing-block label (samples sharing a label form a matched
// block; all samples in one block means unpaired), and named categorical
// covariates, one of which is the response whose two levels define the
// comparison groups.
type SampleTable struct {
	ids      []string
	blocks   []string
	covNames []string
	covs     map[string][]string
}

// NewSampleTable validates and copies its arguments. blocks may be nil
// (single block). Covariate columns must all have one entry per sample.
func NewSampleTable(ids, blocks []string, covNames []string, covs map[string][]string) (*SampleTable, error) {
	if len(ids) == 0 {
		return nil, configErrorf("sample table needs at least one sample")
	}
	if err := checkUnique("sample", ids); err != nil {
		return nil, err
	}
	if blocks != nil && len(blocks) != len(ids) {
		return nil, &DimensionMismatchError{What: "block column", Want: len(ids), Got: len(blocks)}
	}
	if blocks == nil {
		blocks = make([]string, len(ids))
	}
	st := &SampleTable{
		ids:      append([]string(nil), ids...),
		blocks:   append([]string(nil), blocks...),
		covNames: append([]string(nil), covNames...),
		covs:     map[string][]string{},
	}
	for _, name := range covNames {
		col, ok := covs[name]
		if !ok {
			return nil, configErrorf("covariate %q has no column", name)
		}
		if len(col) != len(ids) {
			return nil, &DimensionMismatchError{What: "covariate " + name, Want: len(ids), Got: len(col)}
		}
		st.covs[name] = append([]string(nil), col...)
	}
	return st, nil
}

func (st *SampleTable) Len() int       { return len(st.ids) }
func (st *SampleTable) IDs() []string  { return append([]string(nil), st.ids...) }
func (st *SampleTable) Blocks() []string {
	return append([]string(nil), st.blocks...)
}

// Covariate returns a copy of the named covariate column.
func (st *SampleTable) Covariate(name string) ([]string, error) {
	col, ok := st.covs[name]
	if !ok {
		return nil, configErrorf("unknown covariate %q", name)
	}
	return append([]string(nil), col...), nil
}

// Levels returns the distinct values of the named covariate in sorted
// (lexicographic) order.
func (st *SampleTable) Levels(name string) ([]string, error) {
	col, ok := st.covs[name]
	if !ok {
		return nil, configErrorf("unknown covariate %q", name)
	}
	seen := map[string]bool{}
	var levels []string
	for _, v := range col {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	sort.Strings(levels)
	return levels, nil
}

// NBlocks returns the number of distinct pairing blocks.
func (st *SampleTable) NBlocks() int {
	seen := map[string]bool{}
	for _, b := range st.blocks {
		seen[b] = true
	}
	return len(seen)
}

// DropSamples returns a table without the named samples.
func (st *SampleTable) DropSamples(names []string) (*SampleTable, error) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	have := make(map[string]bool, len(st.ids))
	for _, s := range st.ids {
		have[s] = true
	}
	for _, n := range names {
		if !have[n] {
			return nil, configErrorf("cannot exclude unknown sample %q", n)
		}
	}
	var ids, blocks []string
	covs := map[string][]string{}
	for i, s := range st.ids {
		if drop[s] {
			continue
		}
		ids = append(ids, s)
		blocks = append(blocks, st.blocks[i])
		for _, name := range st.covNames {
			covs[name] = append(covs[name], st.covs[name][i])
		}
	}
	return NewSampleTable(ids, blocks, st.covNames, covs)
}

// CheckAlignment verifies the feature matrix rows match this table's
// samples, in order.
func (st *SampleTable) CheckAlignment(fm *FeatureMatrix) error {
	if fm.NSamples() != len(st.ids) {
		return &DimensionMismatchError{What: "sample rows", Want: len(st.ids), Got: fm.NSamples()}
	}
	for i, s := range st.ids {
		if fm.samples[i] != s {
			return configErrorf("sample order mismatch at row %d: metadata %q, matrix %q", i, s, fm.samples[i])
		}
	}
	return nil
}
