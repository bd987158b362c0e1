// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type ebayesSuite struct{}

var _ = check.Suite(&ebayesSuite{})

func (s *ebayesSuite) TestTrigamma(c *check.C) {
	// trigamma(1) = pi^2/6, trigamma(0.5) = pi^2/2
	if d := trigamma(1) - math.Pi*math.Pi/6; math.Abs(d) > 1e-10 {
		c.Errorf("trigamma(1) off by %v", d)
	}
	if d := trigamma(0.5) - math.Pi*math.Pi/2; math.Abs(d) > 1e-10 {
		c.Errorf("trigamma(0.5) off by %v", d)
	}
	// recurrence: trigamma(x) = trigamma(x+1) + 1/x^2
	for _, x := range []float64{0.3, 1.7, 4.2, 25} {
		if d := trigamma(x) - trigamma(x+1) - 1/(x*x); math.Abs(d) > 1e-9 {
			c.Errorf("recurrence violated at %v by %v", x, d)
		}
	}
	c.Check(math.IsNaN(trigamma(-1)), check.Equals, true)
	c.Check(math.IsNaN(trigamma(0)), check.Equals, true)
}

func (s *ebayesSuite) TestTrigammaInverse(c *check.C) {
	for _, y := range []float64{0.2, 0.5, 1, 2, 5, 40} {
		got := trigammaInverse(trigamma(y))
		if math.Abs(got-y) > 1e-6*y {
			c.Errorf("inverse(trigamma(%v)) = %v", y, got)
		}
	}
}

func (s *ebayesSuite) TestPriorEqualVariances(c *check.C) {
	// identical observed variances are more concordant than chi-squared
	// sampling noise allows: the prior takes over completely
	s2 := []float64{2, 2, 2, 2, 2}
	df := []float64{6, 6, 6, 6, 6}
	d0, s02 := fitVarPrior(s2, df)
	c.Check(math.IsInf(d0, 1), check.Equals, true)
	c.Check(s02 > 0, check.Equals, true)
	post := squeezeVar(s2, df, d0, s02)
	for _, v := range post {
		c.Check(v, check.Equals, s02)
	}
}

func (s *ebayesSuite) TestPriorTooFewFeatures(c *check.C) {
	d0, s02 := fitVarPrior([]float64{3}, []float64{4})
	c.Check(d0, check.Equals, 0.0)
	c.Check(s02, check.Equals, 0.0)
	post := squeezeVar([]float64{3}, []float64{4}, d0, s02)
	c.Check(post, check.DeepEquals, []float64{3})
}

func (s *ebayesSuite) TestPosteriorIsConvex(c *check.C) {
	rng := rand.New(rand.NewSource(7))
	n := 200
	s2 := make([]float64, n)
	df := make([]float64, n)
	for j := range s2 {
		// chi-squared-ish draws around a true variance of 1
		v := 0.0
		for k := 0; k < 6; k++ {
			z := rng.NormFloat64()
			v += z * z
		}
		s2[j] = v / 6
		df[j] = 6
	}
	d0, s02 := fitVarPrior(s2, df)
	c.Assert(d0 > 0, check.Equals, true)
	c.Assert(s02 > 0, check.Equals, true)
	post := squeezeVar(s2, df, d0, s02)
	for j := range post {
		lo, hi := s2[j], s02
		if lo > hi {
			lo, hi = hi, lo
		}
		c.Check(post[j] >= lo-1e-12 && post[j] <= hi+1e-12, check.Equals, true)
	}
}

func (s *ebayesSuite) TestTrendValues(c *check.C) {
	vals := []float64{1, 1, 1, 1, 1, 1}
	cov := []float64{6, 5, 4, 3, 2, 1}
	out := trendValues(vals, cov, 4)
	for _, v := range out {
		c.Check(v, check.Equals, 1.0)
	}

	// a step in covariate order: the moving average is monotone between
	// the two plateaus
	vals = []float64{0, 0, 0, 0, 10, 10, 10, 10}
	cov = []float64{1, 2, 3, 4, 5, 6, 7, 8}
	out = trendValues(vals, cov, 4)
	c.Check(out[0] <= out[3], check.Equals, true)
	c.Check(out[3] <= out[4], check.Equals, true)
	c.Check(out[4] <= out[7], check.Equals, true)
}
