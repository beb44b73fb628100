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
	"fmt"
)

// State is the execution state that flows through the graph. Values are
// canonical JSON forms (maps, slices, scalars) so checkpoints serialize
// without surprises.
type State map[string]any

// Clone creates a shallow copy of the state. Values are treated as
// immutable once written; reducers return new values instead of mutating.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Reducer merges an update into the existing value for one state key.
type Reducer func(existing, update any) (any, error)

// DefaultReducer overwrites the existing value. Keys using it are
// single-writer within a round; the join merge errors on conflicts.
func DefaultReducer(existing, update any) (any, error) {
	return update, nil
}

// AppendReducer appends list updates to the existing list.
func AppendReducer(existing, update any) (any, error) {
	items, ok := update.([]any)
	if !ok {
		return nil, fmt.Errorf("append reducer requires a list update, got %T", update)
	}
	if existing == nil {
		out := make([]any, len(items))
		copy(out, items)
		return out, nil
	}
	base, ok := existing.([]any)
	if !ok {
		return nil, fmt.Errorf("append reducer requires a list state, got %T", existing)
	}
	out := make([]any, 0, len(base)+len(items))
	out = append(out, base...)
	out = append(out, items...)
	return out, nil
}

// MergeReducer merges map updates key-wise, last writer wins within a round.
func MergeReducer(existing, update any) (any, error) {
	m, ok := update.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge reducer requires a mapping update, got %T", update)
	}
	out := make(map[string]any)
	if existing != nil {
		base, ok := existing.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge reducer requires a mapping state, got %T", existing)
		}
		for k, v := range base {
			out[k] = v
		}
	}
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// StateField declares the merge behavior and default for one state key.
type StateField struct {
	// Reducer merges updates for the key; DefaultReducer when nil.
	Reducer Reducer
	// Default produces the initial value for the key, when set.
	Default func() any
}

// StateSchema declares the state keys and their reducers.
type StateSchema struct {
	fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{fields: make(map[string]StateField)}
}

// AddField declares a state key.
func (s *StateSchema) AddField(key string, field StateField) *StateSchema {
	s.fields[key] = field
	return s
}

// Init builds the initial state from the declared defaults plus the input.
func (s *StateSchema) Init(input State) State {
	state := make(State)
	for key, field := range s.fields {
		if field.Default != nil {
			state[key] = field.Default()
		}
	}
	for k, v := range input {
		state[k] = v
	}
	return state
}

func (s *StateSchema) reducer(key string) Reducer {
	if field, ok := s.fields[key]; ok && field.Reducer != nil {
		return field.Reducer
	}
	return DefaultReducer
}

// Apply merges one update into the state through the declared reducers and
// returns the new state.
func (s *StateSchema) Apply(state State, update State) (State, error) {
	out := state.Clone()
	for key, value := range update {
		merged, err := s.reducer(key)(out[key], value)
		if err != nil {
			return nil, fmt.Errorf("apply update to %q: %w", key, err)
		}
		out[key] = merged
	}
	return out, nil
}

// MergeRound merges the updates of one fan-out round deterministically.
// Updates must be ordered by the caller (the executor orders them by child
// node id). Keys on DefaultReducer are single-writer: two children writing
// different values to the same scalar key is an error.
func (s *StateSchema) MergeRound(state State, updates []State) (State, error) {
	out := state.Clone()
	scalarWriters := make(map[string]any)
	for _, update := range updates {
		for key, value := range update {
			field, declared := s.fields[key]
			if !declared || field.Reducer == nil {
				if prev, written := scalarWriters[key]; written {
					if !equalValues(prev, value) {
						return nil, fmt.Errorf(
							"conflicting writes to single-writer key %q in one round", key)
					}
					continue
				}
				scalarWriters[key] = value
				out[key] = value
				continue
			}
			merged, err := field.Reducer(out[key], value)
			if err != nil {
				return nil, fmt.Errorf("merge round update to %q: %w", key, err)
			}
			out[key] = merged
		}
	}
	return out, nil
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}
