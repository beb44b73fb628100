//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package artifact provides the definition and service for cross-agent
// artifact envelopes. Artifacts are immutable once stored and addressable by
// a content-derived id.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Envelope is the cross-agent exchange unit. Data holds the canonical DTO
// form validated by the contract registry; it is never a typed record.
type Envelope struct {
	// ArtifactID identifies the envelope. Left empty on save, the store
	// derives it from content.
	ArtifactID string `json:"artifact_id"`
	// Kind is the contract kind, drawn from the closed registry.
	Kind string `json:"kind"`
	// Version is the contract version discriminator.
	Version string `json:"version"`
	// ProducedBy is the id of the producing agent.
	ProducedBy string `json:"produced_by"`
	// ThreadID scopes the artifact to one execution lineage.
	ThreadID string `json:"thread_id"`
	// CreatedAt is when the envelope was stored.
	CreatedAt time.Time `json:"created_at"`
	// Data is the validated payload in canonical DTO form.
	Data any `json:"data"`
}

// Reference is an out-of-band pointer to a stored artifact. Preview and
// summary envelopes carry references so streamed events stay small.
type Reference struct {
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
	Version    string `json:"version"`
}

// Ref returns the reference for a stored envelope.
func (e *Envelope) Ref() Reference {
	return Reference{ArtifactID: e.ArtifactID, Kind: e.Kind, Version: e.Version}
}

// ComputeID derives the content-addressed artifact id from the kind, version,
// canonical data bytes and thread id. Identical content always yields the
// same id, which makes re-saves idempotent and fan-in outputs deterministic.
func ComputeID(kind, version string, canonical []byte, threadID string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(threadID))
	return "art-" + hex.EncodeToString(h.Sum(nil))[:40]
}
