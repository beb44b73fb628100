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
	"context"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/event"
)

// PendingInterrupt is the persisted pause record of a thread.
type PendingInterrupt struct {
	// Request is the wire-level interrupt request, including the resume
	// payload schema.
	Request event.InterruptRequest `json:"request"`
	// NodeID is the node that raised the interrupt.
	NodeID string `json:"node_id"`
	// AgentID is the owning agent namespace.
	AgentID string `json:"agent_id"`
	// Successors are the nodes re-queued as ready after a valid resume.
	Successors []string `json:"successors"`
}

// Checkpoint is a snapshot of thread execution at one suspension point.
// Recovery replays no work: resumption reads the last checkpoint and
// continues from the next ready node.
type Checkpoint struct {
	// ThreadID identifies the thread.
	ThreadID string `json:"thread_id"`
	// CheckpointSeq is monotonic per thread.
	CheckpointSeq int64 `json:"checkpoint_seq"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
	// State is the full state tree.
	State State `json:"state"`
	// Frontier is the ready-set to continue from.
	Frontier []string `json:"frontier"`
	// LastSeqID is the last event seq id emitted before this checkpoint.
	LastSeqID int64 `json:"last_seq_id"`
	// Interrupt is the pending interrupt, if the thread is paused.
	Interrupt *PendingInterrupt `json:"interrupt,omitempty"`
	// Done marks a terminal checkpoint.
	Done bool `json:"done"`
}

// CheckpointSaver is the port checkpoints are persisted through.
// Implementations serialize writes per thread id.
type CheckpointSaver interface {
	// Put stores a checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the most recent checkpoint for the thread, or nil when
	// none exists.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// List returns up to limit checkpoints for the thread, most recent
	// first. For diagnostics and offline replay.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
	// DeleteThread removes all checkpoints for a thread.
	DeleteThread(ctx context.Context, threadID string) error
}
