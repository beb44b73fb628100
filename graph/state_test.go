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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSchemaInitDefaults(t *testing.T) {
	schema := NewStateSchema().
		AddField("messages", StateField{
			Reducer: AppendReducer,
			Default: func() any { return []any{} },
		}).
		AddField("ticker", StateField{})

	state := schema.Init(State{"ticker": "GOOG"})
	assert.Equal(t, []any{}, state["messages"])
	assert.Equal(t, "GOOG", state["ticker"])
}

func TestAppendReducer(t *testing.T) {
	out, err := AppendReducer(nil, []any{"a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)

	out, err = AppendReducer(out, []any{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)

	_, err = AppendReducer(out, "not a list")
	assert.Error(t, err)
}

func TestMergeReducer(t *testing.T) {
	out, err := MergeReducer(map[string]any{"a": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, out)

	out, err = MergeReducer(out, map[string]any{"a": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, out)
}

func TestApplyUsesDeclaredReducers(t *testing.T) {
	schema := NewStateSchema().
		AddField("messages", StateField{Reducer: AppendReducer})

	state := State{"messages": []any{"first"}}
	next, err := schema.Apply(state, State{"messages": []any{"second"}, "ticker": "GOOG"})
	require.NoError(t, err)

	assert.Equal(t, []any{"first", "second"}, next["messages"])
	assert.Equal(t, "GOOG", next["ticker"])
	// The original state is untouched.
	assert.Equal(t, []any{"first"}, state["messages"])
}

func TestMergeRoundIsDeterministic(t *testing.T) {
	schema := NewStateSchema().
		AddField("messages", StateField{Reducer: AppendReducer})

	updates := []State{
		{"messages": []any{"from-a"}},
		{"messages": []any{"from-b"}},
		{"messages": []any{"from-c"}},
	}
	merged, err := schema.MergeRound(State{}, updates)
	require.NoError(t, err)
	assert.Equal(t, []any{"from-a", "from-b", "from-c"}, merged["messages"])
}

func TestMergeRoundRejectsConflictingScalarWrites(t *testing.T) {
	schema := NewStateSchema()

	_, err := schema.MergeRound(State{}, []State{
		{"verdict": "buy"},
		{"verdict": "sell"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single-writer")
}

func TestMergeRoundAllowsIdenticalScalarWrites(t *testing.T) {
	schema := NewStateSchema()

	merged, err := schema.MergeRound(State{}, []State{
		{"ticker": "GOOG"},
		{"ticker": "GOOG"},
	})
	require.NoError(t, err)
	assert.Equal(t, "GOOG", merged["ticker"])
}
