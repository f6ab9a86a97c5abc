// Copyright 2026 The Slipway Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides slipway's standard CBOR encoding
// configuration.
//
// Slipway uses two serialization formats with a clear boundary: JSON
// for operator-inspectable files (per-release metadata) and CLI
// output, CBOR for machine state files (the attempt journal). This
// package provides the shared CBOR modes so every consumer encodes
// identically. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps state-file comparisons and tests trivial.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When the decode target is any, pick map[string]any rather
		// than the CBOR default map[any]any; slipway never writes
		// non-string map keys and map[string]any interoperates with
		// encoding/json and the rest of the codebase.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with journals written by newer builds.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
