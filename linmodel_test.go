// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type linSuite struct{}

var _ = check.Suite(&linSuite{})

func (s *linSuite) fixture(c *check.C, features []string, data []float64) (*FeatureMatrix, *SampleTable, *Design, []float64) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), features, data)
	c.Assert(err, check.IsNil)
	design, contrast, err := NewDesign(st, "condition", DesignOpts{RefLevel: "WT"})
	c.Assert(err, check.IsNil)
	return fm, st, design, contrast
}

func (s *linSuite) TestGroupMeanShift(c *check.C) {
	// WT around 5, KO around 10: the contrast coefficient is the
	// difference of group means
	fm, st, design, contrast := s.fixture(c, []string{"m1"}, []float64{
		4.9, 5.1, 4.95, 5.05,
		9.9, 10.1, 9.95, 10.05,
	})
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{Threads: 1})
	c.Assert(err, check.IsNil)
	c.Assert(rt.Results, check.HasLen, 1)
	r := rt.Results[0]
	c.Assert(r.Err, check.IsNil)
	if math.Abs(r.Coef-5) > 1e-9 {
		c.Errorf("coefficient = %v, want 5", r.Coef)
	}
	c.Check(r.PValue < 0.01, check.Equals, true)
	c.Check(r.FoldChange > 1, check.Equals, true)
	c.Check(r.Log2FC > 0, check.Equals, true)
}

func (s *linSuite) TestZeroResidualVariance(c *check.C) {
	// perfectly separated groups with no within-group spread: the
	// estimate is exact and the evidence against the null is unbounded
	fm, st, design, contrast := s.fixture(c, []string{"m1"}, []float64{
		5, 5, 5, 5,
		10, 10, 10, 10,
	})
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{Threads: 1})
	c.Assert(err, check.IsNil)
	r := rt.Results[0]
	c.Assert(r.Err, check.IsNil)
	if math.Abs(r.Coef-5) > 1e-9 {
		c.Errorf("coefficient = %v, want 5", r.Coef)
	}
	c.Check(r.PValue, check.Equals, 0.0)
}

func (s *linSuite) TestMissingObservations(c *check.C) {
	nan := math.NaN()
	fm, st, design, contrast := s.fixture(c, []string{"sparse", "ok"}, []float64{
		nan, 1.0,
		nan, 1.2,
		nan, 0.9,
		5.1, 1.1,
		9.9, 2.0,
		nan, 2.2,
		10.1, 1.9,
		9.95, 2.1,
	})
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{Threads: 1})
	c.Assert(err, check.IsNil)
	c.Check(rt.Results[0].Err, check.FitsTypeOf, &InsufficientDataError{})
	c.Check(rt.Results[1].Err, check.IsNil)
	c.Check(rt.Results[1].Coef > 0, check.Equals, true)

	rep := rt.Report()
	c.Check(rep.Tested, check.Equals, 1)
	c.Check(rep.Excluded, check.Equals, 1)
}

func (s *linSuite) TestShrinkagePullsTowardPrior(c *check.C) {
	// many null features with heterogeneous noise: every posterior
	// variance must lie between the raw variance and the prior location
	rng := rand.New(rand.NewSource(11))
	nf := 50
	features := make([]string, nf)
	data := make([]float64, 8*nf)
	for j := 0; j < nf; j++ {
		features[j] = "m" + string(rune('a'+j%26)) + string(rune('a'+j/26))
		sd := 0.5 + rng.Float64()
		for i := 0; i < 8; i++ {
			data[i*nf+j] = rng.NormFloat64() * sd
		}
	}
	fm, st, design, contrast := s.fixture(c, features, data)
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{})
	c.Assert(err, check.IsNil)

	d0, s02 := func() (float64, float64) {
		var s2, df []float64
		for j := 0; j < nf; j++ {
			f := olsFit(features[j], fm.FeatureColumn(j), design, contrast)
			c.Assert(f.err, check.IsNil)
			s2 = append(s2, f.s2)
			df = append(df, f.df)
		}
		return fitVarPrior(s2, df)
	}()
	c.Assert(d0 > 0, check.Equals, true)
	for j := 0; j < nf; j++ {
		f := olsFit(features[j], fm.FeatureColumn(j), design, contrast)
		lo, hi := f.s2, s02
		if lo > hi {
			lo, hi = hi, lo
		}
		got := rt.Results[j].Dispersion
		c.Check(got >= lo-1e-12 && got <= hi+1e-12, check.Equals, true)
	}
}

func (s *linSuite) TestTrendOption(c *check.C) {
	rng := rand.New(rand.NewSource(3))
	nf := 30
	features := make([]string, nf)
	data := make([]float64, 8*nf)
	for j := 0; j < nf; j++ {
		features[j] = "t" + string(rune('a'+j%26)) + string(rune('a'+j/26))
		base := float64(j)
		for i := 0; i < 8; i++ {
			data[i*nf+j] = base + rng.NormFloat64()*(0.2+0.05*base)
		}
	}
	fm, st, design, contrast := s.fixture(c, features, data)
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{Trend: true})
	c.Assert(err, check.IsNil)
	for _, r := range rt.Results {
		c.Assert(r.Err, check.IsNil)
		c.Check(r.Dispersion > 0, check.Equals, true)
		c.Check(r.PValue >= 0 && r.PValue <= 1, check.Equals, true)
	}
}
