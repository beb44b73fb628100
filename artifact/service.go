//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service errors.
var (
	// ErrNotFound indicates no artifact exists for the given id.
	ErrNotFound = errors.New("artifact not found")
	// ErrKindMismatch indicates the stored kind differs from the expected one.
	ErrKindMismatch = errors.New("artifact kind mismatch")
	// ErrConflict indicates a re-save with different content for an existing
	// id. Content addressing makes this a producer bug, never a race.
	ErrConflict = errors.New("artifact content conflict")
)

// Service defines the interface for artifact storage and retrieval.
// Implementations must be safe for concurrent use and must serialize writes
// per artifact id.
type Service interface {
	// Save persists a pre-validated envelope and returns its artifact id.
	// The id is derived from content; saving identical content again returns
	// the same id without a second write.
	Save(ctx context.Context, env *Envelope) (string, error)

	// Load returns the stored envelope. Fails with ErrNotFound or, when the
	// stored kind differs from expectedKind, ErrKindMismatch.
	Load(ctx context.Context, artifactID, expectedKind string) (*Envelope, error)

	// Get returns the stored envelope without a kind expectation. Read-only
	// surfaces use it; agent consumption goes through Load so kind checks
	// stay mandatory at boundaries.
	Get(ctx context.Context, artifactID string) (*Envelope, error)

	// LoadJSON returns the canonical data form used for cross-agent
	// interoperation: always a plain JSON DTO, never a typed record.
	LoadJSON(ctx context.Context, artifactID, expectedKind string) (map[string]any, error)
}

// TypedPort is a thin typed facade over a Service for one (kind, version).
// It performs the boundary conversion between typed records and canonical
// DTOs exactly once, at the adapter site.
type TypedPort[T any] struct {
	svc     Service
	kind    string
	version string
	agentID string
}

// NewTypedPort creates a typed facade for the given kind and producing agent.
func NewTypedPort[T any](svc Service, kind, version, agentID string) *TypedPort[T] {
	return &TypedPort[T]{svc: svc, kind: kind, version: version, agentID: agentID}
}

// Kind returns the contract kind this port reads and writes.
func (p *TypedPort[T]) Kind() string { return p.kind }

// Save converts the typed value to its canonical DTO form and persists it.
func (p *TypedPort[T]) Save(ctx context.Context, threadID string, value T) (Reference, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Reference{}, fmt.Errorf("marshal %s payload: %w", p.kind, err)
	}
	var dto any
	if err := json.Unmarshal(data, &dto); err != nil {
		return Reference{}, fmt.Errorf("convert %s payload: %w", p.kind, err)
	}
	env := &Envelope{
		Kind:       p.kind,
		Version:    p.version,
		ProducedBy: p.agentID,
		ThreadID:   threadID,
		Data:       dto,
	}
	id, err := p.svc.Save(ctx, env)
	if err != nil {
		return Reference{}, err
	}
	return Reference{ArtifactID: id, Kind: p.kind, Version: p.version}, nil
}

// Load reads the canonical DTO and converts it into the typed value.
func (p *TypedPort[T]) Load(ctx context.Context, artifactID string) (T, error) {
	var value T
	dto, err := p.svc.LoadJSON(ctx, artifactID, p.kind)
	if err != nil {
		return value, err
	}
	data, err := json.Marshal(dto)
	if err != nil {
		return value, fmt.Errorf("re-encode %s payload: %w", p.kind, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("decode %s payload: %w", p.kind, err)
	}
	return value, nil
}
