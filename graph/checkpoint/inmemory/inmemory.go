//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local checkpoint saver for development
// and tests.
package inmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

// Saver stores checkpoints in memory, most recent first per thread.
// Checkpoints are serialized on write so later state mutations by the caller
// cannot alias stored snapshots.
type Saver struct {
	mu      sync.RWMutex
	threads map[string][][]byte
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{threads: make(map[string][][]byte)}
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// Put stores a checkpoint.
func (s *Saver) Put(_ context.Context, cp *graph.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[cp.ThreadID] = append([][]byte{data}, s.threads[cp.ThreadID]...)
	return nil
}

// Latest returns the most recent checkpoint for the thread, nil when none.
func (s *Saver) Latest(_ context.Context, threadID string) (*graph.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	return decode(cps[0])
}

// List returns up to limit checkpoints for the thread, most recent first.
func (s *Saver) List(_ context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	if limit <= 0 || limit > len(cps) {
		limit = len(cps)
	}
	out := make([]*graph.Checkpoint, 0, limit)
	for _, data := range cps[:limit] {
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// decode restores a checkpoint preserving numeric fidelity in the state.
func decode(data []byte) (*graph.Checkpoint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cp graph.Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
