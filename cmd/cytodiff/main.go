// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/cytodiff/cytodiff"

func main() {
	cytodiff.Main()
}
