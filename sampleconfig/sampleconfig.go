// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleDcrconndConf is a string containing the commented example config for
// dcrconnd.
//
//go:embed sample-dcrconnd.conf
var sampleDcrconndConf string

// Dcrconnd returns a string containing the commented example config for
// dcrconnd.
func Dcrconnd() string {
	return sampleDcrconndConf
}
