// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// testArgs are the flags shared by all three test commands.
type testArgs struct {
	input    string
	meta     string
	output   string
	response string
	refLevel string
	contrast string
	exclude  string
	blocks   bool
	threads  int
}

func (a *testArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&a.input, "i", "-", "feature matrix CSV `file` (.gz ok, - for stdin)")
	flags.StringVar(&a.meta, "meta", "", "sample metadata CSV `file` (required)")
	flags.StringVar(&a.output, "o", "-", "result CSV `file` (.gz ok, - for stdout)")
	flags.StringVar(&a.response, "response", "", "response covariate `name` (required)")
	flags.StringVar(&a.refLevel, "ref", "", "reference `level` of the response covariate (default: lexicographically first)")
	flags.StringVar(&a.exclude, "exclude-samples", "", "comma-separated sample `IDs` to drop before analysis")
}

// ModelFlags registers the flags that only make sense for the design-matrix
// engines; the rank command compares groups directly and takes none of them.
func (a *testArgs) ModelFlags(flags *flag.FlagSet) {
	flags.StringVar(&a.contrast, "contrast", "", "comma-separated contrast `coefficients` (default: two-group contrast)")
	flags.BoolVar(&a.blocks, "block-terms", false, "include pairing blocks as additive design terms")
	flags.IntVar(&a.threads, "threads", 0, "max `concurrency` for per-feature fits (0 = all CPUs)")
}

// load reads and aligns the matrix and metadata, applying exclusions.
func (a *testArgs) load(stdin io.Reader) (*FeatureMatrix, *SampleTable, error) {
	if a.meta == "" {
		return nil, nil, configErrorf("-meta is required")
	}
	if a.response == "" {
		return nil, nil, configErrorf("-response is required")
	}
	in, err := openInput(a.input, stdin)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close()
	fm, err := LoadFeatureCSV(in)
	if err != nil {
		return nil, nil, err
	}
	mf, err := openInput(a.meta, nil)
	if err != nil {
		return nil, nil, err
	}
	defer mf.Close()
	st, err := LoadSampleCSV(mf)
	if err != nil {
		return nil, nil, err
	}
	if a.exclude != "" {
		drop := strings.Split(a.exclude, ",")
		log.Infof("excluding %d samples by explicit request: %s", len(drop), a.exclude)
		if fm, err = fm.DropSamples(drop); err != nil {
			return nil, nil, err
		}
		if st, err = st.DropSamples(drop); err != nil {
			return nil, nil, err
		}
	}
	if err = st.CheckAlignment(fm); err != nil {
		return nil, nil, err
	}
	return fm, st, nil
}

// design builds the design matrix and resolves the contrast flag.
func (a *testArgs) design(st *SampleTable) (*Design, []float64, error) {
	design, contrast, err := NewDesign(st, a.response, DesignOpts{RefLevel: a.refLevel, BlockTerms: a.blocks})
	if err != nil {
		return nil, nil, err
	}
	if a.contrast != "" {
		var custom []float64
		for _, s := range strings.Split(a.contrast, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, nil, configErrorf("bad contrast entry %q", s)
			}
			custom = append(custom, v)
		}
		if err := design.CheckContrast(custom); err != nil {
			return nil, nil, err
		}
		contrast = custom
	}
	return design, contrast, nil
}

func (a *testArgs) write(rt *ResultTable, stdout io.Writer) error {
	rt.Report().Log()
	out, err := openOutput(a.output, stdout)
	if err != nil {
		return err
	}
	if err := WriteResultCSV(out, rt); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// rankCmd is the rank-based differential-abundance test on proportions.
type rankCmd struct {
	testArgs
}

func (cmd *rankCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	fm, st, err := cmd.load(stdin)
	if err != nil {
		return 1
	}
	rt, err := RankTest(fm, st, cmd.response, RankTestOpts{RefLevel: cmd.refLevel})
	if err != nil {
		return 1
	}
	err = cmd.write(rt, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// countCmd is the negative-binomial differential-abundance test on raw
// counts.
type countCmd struct {
	testArgs
}

func (cmd *countCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.Flags(flags)
	cmd.ModelFlags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	fm, st, err := cmd.load(stdin)
	if err != nil {
		return 1
	}
	design, contrast, err := cmd.design(st)
	if err != nil {
		return 1
	}
	rt, err := CountTest(fm, st, design, contrast, CountTestOpts{Threads: cmd.threads})
	if err != nil {
		return 1
	}
	err = cmd.write(rt, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// lmCmd is the moderated linear-model differential-state test on marker
// summaries.
type lmCmd struct {
	testArgs
	trend bool
}

func (cmd *lmCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.Flags(flags)
	cmd.ModelFlags(flags)
	flags.BoolVar(&cmd.trend, "trend", false, "let the prior variance follow average feature signal")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	fm, st, err := cmd.load(stdin)
	if err != nil {
		return 1
	}
	design, contrast, err := cmd.design(st)
	if err != nil {
		return 1
	}
	rt, err := LinearTest(fm, st, design, contrast, LinearTestOpts{Threads: cmd.threads, Trend: cmd.trend})
	if err != nil {
		return 1
	}
	err = cmd.write(rt, stdout)
	if err != nil {
		return 1
	}
	return 0
}
