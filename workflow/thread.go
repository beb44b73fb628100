//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package workflow exposes the thread-level facade over the graph executor:
// starting and resuming research threads, rehydrating thread state from the
// event log, and paging history for reconnecting clients.
package workflow

import (
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/event"
)

// Message is one conversational turn on a thread.
type Message struct {
	// ID orders the transcript; ids are dense from 1 per thread and serve as
	// the history cursor.
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AgentView is the derived status of one agent on a thread.
type AgentView struct {
	AgentID string `json:"agent_id"`
	// Status is the latest agent.status observed, idle when none.
	Status event.AgentState `json:"status"`
	// Node is the node the latest status referred to.
	Node string `json:"node,omitempty"`
	// Output references the agent's most recent artifact, nil when the agent
	// has published nothing yet. The payload itself stays behind the
	// artifact endpoint.
	Output *artifact.Reference `json:"output,omitempty"`
}

// ThreadState is a point-in-time view of one thread, rebuilt from the event
// log plus the latest checkpoint. Frontends rehydrate from this after a
// reload, then tail the stream from LastSeqID.
type ThreadState struct {
	ThreadID  string `json:"thread_id"`
	IsRunning bool   `json:"is_running"`
	// RunStatus is the latest lifecycle status, running when the thread has
	// started and emitted nothing newer.
	RunStatus event.RunState `json:"run_status"`
	// LastSeqID is the highest seq id on the thread's event log.
	LastSeqID int64 `json:"last_seq_id"`
	// Agents maps agent id to its derived view.
	Agents map[string]*AgentView `json:"agents"`
	// PendingInterrupt is set while the thread is paused awaiting a resume.
	PendingInterrupt *event.InterruptRequest `json:"pending_interrupt,omitempty"`
	// Messages is the conversational transcript of the thread.
	Messages []Message `json:"messages"`
}

// HistoryPage is one page of the thread's transcript, newest message first.
type HistoryPage struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
	// NextBefore is the cursor for the following (older) page: pass it back
	// as the before parameter. Equal to the oldest message id on the page.
	NextBefore int64 `json:"next_before"`
	// HasMore reports whether messages older than this page exist.
	HasMore bool `json:"has_more"`
}
