// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/kshedden/gonpy"
)

// exportNumpy converts a feature-matrix CSV into a numpy array for the
// downstream Python plotting collaborators, with sample and feature names
// in JSON sidecar files so the axes stay auditable.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input feature matrix CSV `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	annotationsFilename := flags.String("output-annotations", "", "output sample/feature names JSON `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	input, err := openInput(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	fm, err := LoadFeatureCSV(input)
	if err != nil {
		input.Close()
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	rows, cols := fm.NSamples(), fm.NFeatures()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		data = append(data, fm.SampleRow(i)...)
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}

	if *annotationsFilename != "" {
		annow, err2 := openOutput(*annotationsFilename, stdout)
		if err2 != nil {
			err = err2
			return 1
		}
		defer annow.Close()
		err = json.NewEncoder(annow).Encode(map[string][]string{
			"samples":  fm.Samples(),
			"features": fm.Features(),
		})
		if err != nil {
			return 1
		}
		err = annow.Close()
		if err != nil {
			return 1
		}
	}
	return 0
}
