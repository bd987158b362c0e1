// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// File layouts, shared by all commands:
//
//   feature matrix:  header "sample,<feature>,<feature>,..."; one row per
//                    sample. Empty cells and "NA" read as NaN.
//   sample metadata: header "sample[,block][,<covariate>...]"; one row per
//                    sample, same order as the matrices.
//
// Any path ending in .gz is read/written pgzip-compressed; "-" means
// stdin/stdout.

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	var in io.ReadCloser
	if path == "-" {
		in = io.NopCloser(stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		in = f
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(bufio.NewReaderSize(in, 1<<20))
		if err != nil {
			in.Close()
			return nil, err
		}
		return gz, nil
	}
	return in, nil
}

func openOutput(path string, stdout io.Writer) (io.WriteCloser, error) {
	var out io.WriteCloser
	if path == "-" {
		out = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return nil, err
		}
		out = f
	}
	if strings.HasSuffix(path, ".gz") {
		return pgzip.NewWriter(out), nil
	}
	return out, nil
}

// LoadFeatureCSV reads a feature matrix.
func LoadFeatureCSV(r io.Reader) (*FeatureMatrix, error) {
	rows, err := csv.NewReader(bufio.NewReader(r)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 || len(rows[0]) < 2 {
		return nil, configErrorf("feature matrix CSV needs a header row and at least one sample row")
	}
	features := rows[0][1:]
	var samples []string
	var data []float64
	for _, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			return nil, configErrorf("row %q has %d fields, header has %d", row[0], len(row), len(rows[0]))
		}
		samples = append(samples, row[0])
		for _, cell := range row[1:] {
			switch cell {
			case "", "NA", "NaN":
				data = append(data, math.NaN())
			default:
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, configErrorf("sample %q: bad value %q", row[0], cell)
				}
				data = append(data, v)
			}
		}
	}
	return NewFeatureMatrix(samples, features, data)
}

// LoadSampleCSV reads a sample metadata table. A column named "block" (if
// present) becomes the pairing-block labels; all other non-"sample"
// columns become covariates.
func LoadSampleCSV(r io.Reader) (*SampleTable, error) {
	rows, err := csv.NewReader(bufio.NewReader(r)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, configErrorf("sample metadata CSV needs a header row and at least one sample row")
	}
	header := rows[0]
	if len(header) < 2 || header[0] != "sample" {
		return nil, configErrorf("sample metadata CSV must start with a %q column", "sample")
	}
	var ids, blocks []string
	covs := map[string][]string{}
	var covNames []string
	blockCol := -1
	for c, name := range header[1:] {
		if name == "block" {
			blockCol = c + 1
			continue
		}
		covNames = append(covNames, name)
	}
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, configErrorf("row %q has %d fields, header has %d", row[0], len(row), len(header))
		}
		ids = append(ids, row[0])
		if blockCol >= 0 {
			blocks = append(blocks, row[blockCol])
		}
		for c, name := range header[1:] {
			if c+1 == blockCol {
				continue
			}
			covs[name] = append(covs[name], row[c+1])
		}
	}
	if blockCol < 0 {
		blocks = nil
	}
	return NewSampleTable(ids, blocks, covNames, covs)
}

// WriteResultCSV writes a result table. Failed features carry empty
// numeric cells and the error kind in the last column.
func WriteResultCSV(w io.Writer, rt *ResultTable) error {
	bufw := bufio.NewWriter(w)
	cw := csv.NewWriter(bufw)
	if err := cw.Write([]string{"feature", "fold_change", "log2_fc", "log10_fc", "p_value", "adj_p_value", "dispersion", "error"}); err != nil {
		return err
	}
	for _, r := range rt.Results {
		if r.Err != nil {
			if err := cw.Write([]string{r.Feature, "", "", "", "", "", "", r.Err.Error()}); err != nil {
				return err
			}
			continue
		}
		rec := []string{
			r.Feature,
			fmtFloat(r.FoldChange),
			fmtFloat(r.Log2FC),
			fmtFloat(r.Log10FC),
			fmtFloat(r.PValue),
			fmtFloat(r.AdjPValue),
			fmtFloat(r.Dispersion),
			"",
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bufw.Flush()
}

func fmtFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return fmt.Sprintf("%g", v)
}
