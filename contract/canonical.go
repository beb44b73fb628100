//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode parses raw JSON into the canonical in-memory form: maps, slices,
// strings, json.Number, bool and nil. Numbers are kept verbatim so that a
// parse/serialize round trip reproduces the canonical input bytes.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	// Trailing content after the first JSON value is a malformed payload.
	if err := dec.Decode(new(any)); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data after JSON value")
	}
	return value, nil
}

// Canonicalize renders a decoded value in canonical JSON form: object keys
// sorted, no insignificant whitespace, numbers verbatim. encoding/json sorts
// map keys, which is the property canonical ids rely on.
func Canonicalize(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return data, nil
}
