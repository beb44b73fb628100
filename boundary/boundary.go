//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package boundary emits one structured record per boundary crossing: node
// start and end, artifact save and load, cross-agent consumption, interrupt.
// It is the only structured log path for the core; every non-OK outcome
// carries a replay diagnostics snapshot so incidents reproduce offline.
package boundary

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/log"
)

// Crossing names the boundary being crossed. Domain-neutral by rule.
type Crossing string

// Boundary crossings.
const (
	CrossingNodeStart   Crossing = "node.start"
	CrossingNodeEnd     Crossing = "node.end"
	CrossingArtifactOut Crossing = "artifact.save"
	CrossingArtifactIn  Crossing = "artifact.load"
	CrossingConsumption Crossing = "consumption"
	CrossingInterrupt   Crossing = "interrupt"
)

// Replay is the diagnostics snapshot attached to non-OK outcomes.
type Replay struct {
	CurrentNode       string               `json:"current_node"`
	ArtifactRefs      []artifact.Reference `json:"artifact_refs,omitempty"`
	StateSnapshotHash string               `json:"state_snapshot_hash"`
}

// Incident is the structured diagnostic record for a failed crossing.
type Incident struct {
	Node         string  `json:"node"`
	ArtifactID   string  `json:"artifact_id,omitempty"`
	ContractKind string  `json:"contract_kind,omitempty"`
	ErrorCode    string  `json:"error_code"`
	Message      string  `json:"message,omitempty"`
	Replay       *Replay `json:"replay,omitempty"`
}

type record struct {
	Crossing Crossing  `json:"crossing"`
	ThreadID string    `json:"thread_id"`
	Node     string    `json:"node,omitempty"`
	Outcome  string    `json:"outcome"`
	Incident *Incident `json:"incident,omitempty"`
}

// Logger writes boundary records through the project log package.
type Logger struct {
	threadID string
}

// NewLogger creates a boundary logger scoped to one thread.
func NewLogger(threadID string) *Logger {
	return &Logger{threadID: threadID}
}

// OK records a successful crossing.
func (l *Logger) OK(crossing Crossing, node string) {
	l.write(record{Crossing: crossing, ThreadID: l.threadID, Node: node, Outcome: "ok"})
}

// Fail records a failed crossing with its incident envelope.
func (l *Logger) Fail(crossing Crossing, inc Incident) {
	l.write(record{
		Crossing: crossing,
		ThreadID: l.threadID,
		Node:     inc.Node,
		Outcome:  "error",
		Incident: &inc,
	})
}

func (l *Logger) write(r record) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Errorf("boundary: marshal record: %v", err)
		return
	}
	if r.Outcome == "ok" {
		log.Debugf("boundary %s", data)
		return
	}
	log.Errorf("boundary %s", data)
}

// HashState computes the replay hash of a state slice. Keys are hashed in
// sorted order so the hash is stable across map iteration order, with
// redacted keys masked before hashing.
func HashState(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		if log.Redacted(k) {
			h.Write([]byte("[REDACTED]"))
		} else if data, err := json.Marshal(state[k]); err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
