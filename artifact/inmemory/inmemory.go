//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory artifact service implementation.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
)

type stored struct {
	env       artifact.Envelope
	canonical []byte
}

// Service is an in-memory artifact.Service. Suitable for tests and
// single-process deployments; the BlobStore port swaps in durable backends.
type Service struct {
	registry *contract.Registry

	mu      sync.RWMutex
	entries map[string]stored
}

// New creates an in-memory artifact service backed by the given registry.
func New(registry *contract.Registry) *Service {
	return &Service{
		registry: registry,
		entries:  make(map[string]stored),
	}
}

// Save persists a validated envelope, deriving the content-addressed id.
func (s *Service) Save(ctx context.Context, env *artifact.Envelope) (string, error) {
	canonical, err := s.registry.Serialize(env.Kind, env.Version, env.Data)
	if err != nil {
		return "", fmt.Errorf("save artifact %s: %w", env.Kind, err)
	}
	id := artifact.ComputeID(env.Kind, env.Version, canonical, env.ThreadID)
	if env.ArtifactID != "" && env.ArtifactID != id {
		return "", fmt.Errorf("%w: envelope id %s does not match content id %s",
			artifact.ErrConflict, env.ArtifactID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[id]; ok {
		if !bytes.Equal(existing.canonical, canonical) {
			return "", fmt.Errorf("%w: id %s", artifact.ErrConflict, id)
		}
		// Idempotent re-save: write exactly once.
		return id, nil
	}
	copyEnv := *env
	copyEnv.ArtifactID = id
	copyEnv.CreatedAt = time.Now().UTC()
	// Store the parsed canonical form so reads hand out DTOs, not aliases of
	// the producer's value.
	dto, err := s.registry.Parse(env.Kind, env.Version, canonical)
	if err != nil {
		return "", fmt.Errorf("save artifact %s: %w", env.Kind, err)
	}
	copyEnv.Data = dto
	s.entries[id] = stored{env: copyEnv, canonical: canonical}
	return id, nil
}

// Load returns the stored envelope, checking the expected kind.
func (s *Service) Load(ctx context.Context, artifactID, expectedKind string) (*artifact.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[artifactID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, artifactID)
	}
	if entry.env.Kind != expectedKind {
		return nil, fmt.Errorf("%w: stored %s, expected %s",
			artifact.ErrKindMismatch, entry.env.Kind, expectedKind)
	}
	env := entry.env
	return &env, nil
}

// Get returns the stored envelope without a kind expectation.
func (s *Service) Get(ctx context.Context, artifactID string) (*artifact.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[artifactID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, artifactID)
	}
	env := entry.env
	return &env, nil
}

// LoadJSON returns the canonical DTO for the artifact data.
func (s *Service) LoadJSON(ctx context.Context, artifactID, expectedKind string) (map[string]any, error) {
	s.mu.RLock()
	entry, ok := s.entries[artifactID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, artifactID)
	}
	if entry.env.Kind != expectedKind {
		return nil, fmt.Errorf("%w: stored %s, expected %s",
			artifact.ErrKindMismatch, entry.env.Kind, expectedKind)
	}
	// Re-parse from canonical bytes so each consumer gets its own DTO.
	dto, err := s.registry.Parse(entry.env.Kind, entry.env.Version, entry.canonical)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", artifactID, err)
	}
	m, ok := dto.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("load artifact %s: payload is not an object", artifactID)
	}
	return m, nil
}
