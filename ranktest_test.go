// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"math"

	"gopkg.in/check.v1"
)

type rankSuite struct{}

var _ = check.Suite(&rankSuite{})

func twoGroupTable(c *check.C, n int) *SampleTable {
	ids := make([]string, 2*n)
	cond := make([]string, 2*n)
	for i := 0; i < n; i++ {
		ids[i] = "wt" + string(rune('1'+i))
		cond[i] = "WT"
		ids[n+i] = "ko" + string(rune('1'+i))
		cond[n+i] = "KO"
	}
	st, err := NewSampleTable(ids, nil, []string{"condition"}, map[string][]string{"condition": cond})
	c.Assert(err, check.IsNil)
	return st
}

func (s *rankSuite) TestCompleteSeparationExact(c *check.C) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), []string{"m1"}, []float64{
		0.50, 0.51, 0.52, 0.53, // WT, reference (KO < WT lexicographically)
		0.30, 0.31, 0.32, 0.33, // KO
	})
	c.Assert(err, check.IsNil)

	rt, err := RankTest(fm, st, "condition", RankTestOpts{RefLevel: "WT"})
	c.Assert(err, check.IsNil)
	c.Assert(rt.Results, check.HasLen, 1)
	r := rt.Results[0]
	c.Assert(r.Err, check.IsNil)
	// exact two-sided minimum for 4 vs 4: 2/C(8,4) = 1/35
	if math.Abs(r.PValue-1.0/35) > 1e-12 {
		c.Errorf("p = %v, want 1/35", r.PValue)
	}
	// KO below WT: negative signed fold change
	c.Check(r.FoldChange < 0, check.Equals, true)
	c.Check(r.Log2FC < 0, check.Equals, true)
}

func (s *rankSuite) TestSeparationDirection(c *check.C) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), []string{"up"}, []float64{
		1, 2, 3, 4, // WT
		10, 11, 12, 13, // KO
	})
	c.Assert(err, check.IsNil)
	rt, err := RankTest(fm, st, "condition", RankTestOpts{RefLevel: "WT"})
	c.Assert(err, check.IsNil)
	r := rt.Results[0]
	c.Assert(r.Err, check.IsNil)
	if math.Abs(r.PValue-1.0/35) > 1e-12 {
		c.Errorf("p = %v, want 1/35", r.PValue)
	}
	c.Check(r.FoldChange > 1, check.Equals, true)
}

func (s *rankSuite) TestConstantFeatureExcluded(c *check.C) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), []string{"flat", "ok"}, []float64{
		0.5, 0.2,
		0.5, 0.3,
		0.5, 0.25,
		0.5, 0.22,
		0.5, 0.6,
		0.5, 0.7,
		0.5, 0.65,
		0.5, 0.72,
	})
	c.Assert(err, check.IsNil)
	rt, err := RankTest(fm, st, "condition", RankTestOpts{})
	c.Assert(err, check.IsNil)
	c.Check(rt.Results[0].Err, check.FitsTypeOf, &DegenerateInputError{})
	c.Check(rt.Results[1].Err, check.IsNil)
	c.Check(rt.Results[1].PValue <= 1, check.Equals, true)

	rep := rt.Report()
	c.Check(rep.Tested, check.Equals, 1)
	c.Check(rep.Excluded, check.Equals, 1)
	c.Check(rep.Reasons[0].Feature, check.Equals, "flat")
}

func (s *rankSuite) TestSingleLevelResponse(c *check.C) {
	st, err := NewSampleTable([]string{"a", "b"}, nil, []string{"condition"},
		map[string][]string{"condition": {"WT", "WT"}})
	c.Assert(err, check.IsNil)
	fm, err := NewFeatureMatrix([]string{"a", "b"}, []string{"m1"}, []float64{1, 2})
	c.Assert(err, check.IsNil)
	_, err = RankTest(fm, st, "condition", RankTestOpts{})
	c.Check(err, check.FitsTypeOf, &ConfigurationError{})
}

func (s *rankSuite) TestTiesUseAsymptotic(c *check.C) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), []string{"m1"}, []float64{
		0.5, 0.5, 0.5, 0.5,
		0.3, 0.3, 0.3, 0.3,
	})
	c.Assert(err, check.IsNil)
	rt, err := RankTest(fm, st, "condition", RankTestOpts{RefLevel: "WT"})
	c.Assert(err, check.IsNil)
	r := rt.Results[0]
	c.Assert(r.Err, check.IsNil)
	c.Check(r.PValue > 0 && r.PValue < 0.05, check.Equals, true)
}

// The canonical two-cluster experiment: cluster 1 shrinks in KO, cluster 2
// is its complement.
func (s *rankSuite) TestTwoClusterScenario(c *check.C) {
	st := twoGroupTable(c, 4)
	fm, err := NewFeatureMatrix(st.IDs(), []string{"cluster1", "cluster2"}, []float64{
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
		0.5, 0.5,
		0.3, 0.7,
		0.3, 0.7,
		0.3, 0.7,
		0.3, 0.7,
	})
	c.Assert(err, check.IsNil)
	rt, err := RankTest(fm, st, "condition", RankTestOpts{RefLevel: "WT"})
	c.Assert(err, check.IsNil)

	c1, c2 := rt.Results[0], rt.Results[1]
	c.Assert(c1.Err, check.IsNil)
	c.Assert(c2.Err, check.IsNil)
	c.Check(c1.PValue < 0.05, check.Equals, true)
	c.Check(c1.FoldChange < 0, check.Equals, true) // KO lower
	c.Check(c2.FoldChange > 1, check.Equals, true) // KO higher
	// two equal p-values: BH leaves them unchanged, and never scales by
	// more than the number of tests
	c.Check(c1.AdjPValue, check.Equals, c1.PValue)
	c.Check(c2.AdjPValue <= 2*c2.PValue, check.Equals, true)
	c.Check(c1.AdjPValue <= 1.0, check.Equals, true)
}

func (s *rankSuite) TestExactUCountsUniformPair(c *check.C) {
	counts := exactUCounts(1, 1)
	c.Check(counts, check.DeepEquals, []float64{1, 1})
}

func (s *rankSuite) TestMidranks(c *check.C) {
	ranks, tieSum := midranks([]float64{3, 1, 2})
	c.Check(ranks, check.DeepEquals, []float64{3, 1, 2})
	c.Check(tieSum, check.Equals, 0.0)

	ranks, tieSum = midranks([]float64{1, 2, 2, 3})
	c.Check(ranks, check.DeepEquals, []float64{1, 2.5, 2.5, 4})
	c.Check(tieSum, check.Equals, 6.0)
}
