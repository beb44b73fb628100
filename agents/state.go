//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package agents assembles the research pipeline: the shared state contract
// between the per-agent subgraphs and the global graph that composes them.
package agents

import (
	"fmt"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
	"trpc.group/trpc-go/trpc-finagent-go/workflow"
)

// Shared state keys. Agents read and write state only through these; every
// value is a canonical JSON form so checkpoints round-trip.
const (
	StateKeyQuery          = workflow.StateKeyQuery
	StateKeyThreadID       = workflow.StateKeyThreadID
	StateKeySelectedSymbol = "selected_symbol"
	StateKeyCandidates     = "candidates"
	StateKeyIntentRef      = "intent_ref"
	StateKeyFundamentalRef = "fundamental_ref"
	StateKeyNewsRef        = "news_ref"
	StateKeyTechnicalRef   = "technical_ref"
	StateKeyVerdictRef     = "verdict_ref"
	StateKeyMessages       = "messages"
)

// NewStateSchema declares the pipeline state. Artifact references are
// single-writer scalars; messages accumulate across the whole run.
func NewStateSchema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField(StateKeyMessages, graph.StateField{
			Reducer: graph.AppendReducer,
			Default: func() any { return []any{} },
		}).
		AddField(StateKeyQuery, graph.StateField{}).
		AddField(StateKeyThreadID, graph.StateField{}).
		AddField(StateKeySelectedSymbol, graph.StateField{}).
		AddField(StateKeyCandidates, graph.StateField{}).
		AddField(StateKeyIntentRef, graph.StateField{}).
		AddField(StateKeyFundamentalRef, graph.StateField{}).
		AddField(StateKeyNewsRef, graph.StateField{}).
		AddField(StateKeyTechnicalRef, graph.StateField{}).
		AddField(StateKeyVerdictRef, graph.StateField{})
}

// StringFrom reads a required string state key.
func StringFrom(state graph.State, key string) (string, error) {
	v, present := state[key]
	if !present {
		return "", fmt.Errorf("state key %q is missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("state key %q holds %T, expected string", key, v)
	}
	return s, nil
}

// RefValue renders an artifact reference in state form.
func RefValue(ref artifact.Reference) map[string]any {
	return map[string]any{
		"artifact_id": ref.ArtifactID,
		"kind":        ref.Kind,
		"version":     ref.Version,
	}
}

// RefFrom reads an artifact reference state key written by RefValue.
func RefFrom(state graph.State, key string) (artifact.Reference, error) {
	v, present := state[key]
	if !present {
		return artifact.Reference{}, fmt.Errorf("state key %q is missing", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return artifact.Reference{}, fmt.Errorf("state key %q holds %T, expected reference", key, v)
	}
	ref := artifact.Reference{}
	if ref.ArtifactID, ok = m["artifact_id"].(string); !ok || ref.ArtifactID == "" {
		return artifact.Reference{}, fmt.Errorf("state key %q has no artifact_id", key)
	}
	ref.Kind, _ = m["kind"].(string)
	ref.Version, _ = m["version"].(string)
	return ref, nil
}
