//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"trpc.group/trpc-go/trpc-finagent-go/event"
)

// compileResumeSchema compiles the JSON Schema carried by an interrupt
// request. Interrupt schemas are authored by agents at build time, so a
// compile failure is a programming error surfaced loudly.
func compileResumeSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal resume schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("resume.json", doc); err != nil {
		return nil, fmt.Errorf("add resume schema resource: %w", err)
	}
	sch, err := c.Compile("resume.json")
	if err != nil {
		return nil, fmt.Errorf("compile resume schema: %w", err)
	}
	return sch, nil
}

// validateResumePayload checks a resume payload against the pending
// interrupt's schema. The payload is the decoded JSON document. A schema
// violation is returned as *InvalidResumePayloadError with the failing
// fields cited; the thread stays paused and nothing is applied.
func validateResumePayload(schema json.RawMessage, payload any) error {
	sch, err := compileResumeSchema(schema)
	if err != nil {
		return err
	}
	if err := sch.Validate(payload); err != nil {
		return &InvalidResumePayloadError{Detail: resumeDetail(err)}
	}
	return nil
}

// ValidateResume checks a resume payload against the pending interrupt's
// schema without touching execution. Callers that must reject bad payloads
// before scheduling a resume use this; the executor validates again before
// applying.
func ValidateResume(req event.InterruptRequest, payload map[string]any) error {
	return validateResumePayload(req.Schema, anyMap(payload))
}

var detailPrinter = message.NewPrinter(language.English)

// resumeDetail flattens a jsonschema validation error into per-field lines.
func resumeDetail(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := "/" + strings.Join(v.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", loc, v.ErrorKind.LocalizedString(detailPrinter)))
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	if len(out) == 0 {
		out = []string{ve.Error()}
	}
	return out
}
