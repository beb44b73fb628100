//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the protocol-level wire unit for the research
// pipeline event stream. Every event carries protocol_version "v1" and a
// per-thread strictly monotonic, gap-free seq_id assigned by the bus.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/boundary"
)

// ProtocolV1 is the only protocol version this process emits or accepts.
// Unknown versions are rejected fail-fast; there is no silent downgrade.
const ProtocolV1 = "v1"

// ErrProtocolVersionMismatch indicates an event with an unknown protocol
// version. Fatal to the producer, terminal for consumers.
var ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

// Type discriminates the shape of Event.Data.
type Type string

// Event types.
const (
	TypeContentDelta     Type = "content.delta"
	TypeAgentStatus      Type = "agent.status"
	TypeStateUpdate      Type = "state.update"
	TypeInterruptRequest Type = "interrupt.request"
	TypeLifecycleStatus  Type = "lifecycle.status"
	TypeError            Type = "error"
)

// AgentState is the per-agent status carried by agent.status events.
type AgentState string

// Agent states.
const (
	AgentIdle      AgentState = "idle"
	AgentRunning   AgentState = "running"
	AgentDone      AgentState = "done"
	AgentError     AgentState = "error"
	AgentAttention AgentState = "attention"
	AgentRetrying  AgentState = "retrying"
)

// RunState is the thread lifecycle status.
type RunState string

// Run states.
const (
	RunRunning RunState = "running"
	RunPaused  RunState = "paused"
	RunDone    RunState = "done"
	RunError   RunState = "error"
)

// ContentDelta is the payload of content.delta events.
type ContentDelta struct {
	Content string `json:"content"`
}

// AgentStatus is the payload of agent.status events.
type AgentStatus struct {
	Status AgentState `json:"status"`
	Node   string     `json:"node"`
}

// AgentOutput is the payload of state.update events: the per-step emission
// from an agent. When Reference is set, the referenced artifact exists in
// the store before the event is emitted.
type AgentOutput struct {
	Kind      string              `json:"kind"`
	Version   string              `json:"version"`
	Summary   string              `json:"summary"`
	Preview   map[string]any      `json:"preview,omitempty"`
	Reference *artifact.Reference `json:"reference"`
	ErrorLogs []boundary.Incident `json:"error_logs,omitempty"`
}

// InterruptRequest is the payload of interrupt.request events. Schema is a
// JSON-Schema document describing the expected resume payload; producers
// serialize the canonical enum + oneOf[{const,title}] shape directly.
type InterruptRequest struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Data        map[string]any  `json:"data,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	UIHints     map[string]any  `json:"ui_hints,omitempty"`
}

// Lifecycle is the payload of lifecycle.status events.
type Lifecycle struct {
	Status RunState `json:"status"`
}

// ErrorData is the payload of error events.
type ErrorData struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	Node      string `json:"node,omitempty"`
}

// Error codes carried by ErrorData and boundary incidents.
const (
	CodeValidation       = "ValidationError"
	CodeTransientIO      = "TransientIOError"
	CodeNodeTimeout      = "NodeTimeout"
	CodeArtifactConflict = "ArtifactConflict"
	CodeUnknownKind      = "UnknownKind"
	CodeKindMismatch     = "KindMismatch"
	CodeProtocolVersion  = "ProtocolVersionMismatch"
	CodeSubscriberLagged = "SubscriberLagged"
	CodeInternal         = "InternalError"
)

// Event is the wire unit. SeqID is zero until the bus assigns it.
type Event struct {
	ProtocolVersion string    `json:"protocol_version"`
	SeqID           int64     `json:"seq_id"`
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Type            Type      `json:"type"`
	Data            any       `json:"data"`
}

// New creates an event with a generated id and timestamp.
func New(source string, typ Type, data any) *Event {
	return &Event{
		ProtocolVersion: ProtocolV1,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		Source:          source,
		Type:            typ,
		Data:            data,
	}
}

// NewContentDelta creates a content.delta event.
func NewContentDelta(source, content string) *Event {
	return New(source, TypeContentDelta, ContentDelta{Content: content})
}

// NewAgentStatus creates an agent.status event.
func NewAgentStatus(source, node string, status AgentState) *Event {
	return New(source, TypeAgentStatus, AgentStatus{Status: status, Node: node})
}

// NewStateUpdate creates a state.update event carrying an agent output.
func NewStateUpdate(source string, output AgentOutput) *Event {
	return New(source, TypeStateUpdate, output)
}

// NewInterruptRequest creates an interrupt.request event.
func NewInterruptRequest(source string, req InterruptRequest) *Event {
	return New(source, TypeInterruptRequest, req)
}

// NewLifecycle creates a lifecycle.status event.
func NewLifecycle(source string, status RunState) *Event {
	return New(source, TypeLifecycleStatus, Lifecycle{Status: status})
}

// NewError creates an error event.
func NewError(source, node, code, message string) *Event {
	return New(source, TypeError, ErrorData{Message: message, ErrorCode: code, Node: node})
}

// Validate checks the protocol version and the data shape for the type.
func (e *Event) Validate() error {
	if e.ProtocolVersion != ProtocolV1 {
		return fmt.Errorf("%w: %q", ErrProtocolVersionMismatch, e.ProtocolVersion)
	}
	ok := false
	switch e.Type {
	case TypeContentDelta:
		_, ok = e.Data.(ContentDelta)
	case TypeAgentStatus:
		_, ok = e.Data.(AgentStatus)
	case TypeStateUpdate:
		_, ok = e.Data.(AgentOutput)
	case TypeInterruptRequest:
		_, ok = e.Data.(InterruptRequest)
	case TypeLifecycleStatus:
		_, ok = e.Data.(Lifecycle)
	case TypeError:
		_, ok = e.Data.(ErrorData)
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event type %s carries %T", e.Type, e.Data)
	}
	return nil
}

// wireEvent mirrors Event with raw data for two-phase decoding.
type wireEvent struct {
	ProtocolVersion string          `json:"protocol_version"`
	SeqID           int64           `json:"seq_id"`
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Source          string          `json:"source"`
	Type            Type            `json:"type"`
	Data            json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the envelope, rejecting unknown protocol versions
// before looking at the payload, then decodes Data by its discriminator.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	if w.ProtocolVersion != ProtocolV1 {
		return fmt.Errorf("%w: %q", ErrProtocolVersionMismatch, w.ProtocolVersion)
	}
	e.ProtocolVersion = w.ProtocolVersion
	e.SeqID = w.SeqID
	e.ID = w.ID
	e.Timestamp = w.Timestamp
	e.Source = w.Source
	e.Type = w.Type

	decode := func(v any) error {
		if len(w.Data) == 0 {
			return fmt.Errorf("event %s has no data", w.Type)
		}
		return json.Unmarshal(w.Data, v)
	}
	switch w.Type {
	case TypeContentDelta:
		var d ContentDelta
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeAgentStatus:
		var d AgentStatus
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeStateUpdate:
		var d AgentOutput
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeInterruptRequest:
		var d InterruptRequest
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeLifecycleStatus:
		var d Lifecycle
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeError:
		var d ErrorData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}
