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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/eventbus"
)

// memorySaver is a minimal in-test checkpoint saver; the real backends live
// under graph/checkpoint.
type memorySaver struct {
	mu  sync.Mutex
	cps map[string][]*Checkpoint
}

func newMemorySaver() *memorySaver {
	return &memorySaver{cps: make(map[string][]*Checkpoint)}
}

func (s *memorySaver) Put(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.ThreadID] = append(s.cps[cp.ThreadID], cp)
	return nil
}

func (s *memorySaver) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.cps[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[len(cps)-1], nil
}

func (s *memorySaver) List(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.cps[threadID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cps[i])
	}
	return out, nil
}

func (s *memorySaver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, threadID)
	return nil
}

func eventTypes(events []*event.Event) []event.Type {
	out := make([]event.Type, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

func newTestExecutor(t *testing.T, g *Graph) (*Executor, *eventbus.Bus, *memorySaver) {
	t.Helper()
	bus := eventbus.New()
	saver := newMemorySaver()
	exec, err := NewExecutor(g, bus, saver)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec, bus, saver
}

func TestRunEmitsOrderedStream(t *testing.T) {
	ref := &artifact.Reference{ArtifactID: "art-abc", Kind: "news.items_list", Version: "v1"}
	g := NewStateGraph(NewStateSchema()).
		AddNode("fetch", func(_ context.Context, _ State) (*Command, error) {
			return &Command{
				Update: State{"fetched": true},
				Output: &event.AgentOutput{
					Kind:      "news.items_list",
					Version:   "v1",
					Summary:   "3 items",
					Reference: ref,
				},
			}, nil
		}, WithAgentID("news")).
		AddNode("report", noopNode, WithAgentID("news")).
		AddEdge("fetch", "report").
		SetEntryPoint("fetch").
		SetFinishPoint("report").
		MustCompile()

	exec, bus, saver := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	events := bus.Events("t1", 0)
	assert.Equal(t, []event.Type{
		event.TypeLifecycleStatus, // running
		event.TypeAgentStatus,     // fetch running
		event.TypeStateUpdate,     // output precedes done
		event.TypeAgentStatus,     // fetch done
		event.TypeAgentStatus,     // report running
		event.TypeAgentStatus,     // report done
		event.TypeLifecycleStatus, // done
	}, eventTypes(events))

	// Gap-free monotonic seq ids from 1.
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.SeqID)
	}

	out := events[2].Data.(event.AgentOutput)
	assert.Equal(t, ref, out.Reference)
	done := events[3].Data.(event.AgentStatus)
	assert.Equal(t, event.AgentDone, done.Status)

	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Done)
	assert.Equal(t, true, cp.State["fetched"])
	assert.Equal(t, int64(len(events)), cp.LastSeqID)
}

func TestRunCheckpointsAfterEveryNode(t *testing.T) {
	g := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()

	exec, _, saver := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	cps, err := saver.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	// One per completed node plus the terminal checkpoint.
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, int64(len(cps)-i), cp.CheckpointSeq)
	}
}

func TestConditionalRouting(t *testing.T) {
	var visited []string
	record := func(name string) NodeFunc {
		return func(_ context.Context, _ State) (*Command, error) {
			visited = append(visited, name)
			return &Command{}, nil
		}
	}
	g := NewStateGraph(NewStateSchema()).
		AddNode("route", record("route")).
		AddNode("deep", record("deep")).
		AddNode("quick", record("quick")).
		AddConditionalEdges("route", func(_ context.Context, state State) (string, error) {
			if state["mode"] == "deep" {
				return "deep", nil
			}
			return "quick", nil
		}, map[string]string{"deep": "deep", "quick": "quick"}).
		SetEntryPoint("route").
		SetFinishPoint("deep").
		SetFinishPoint("quick").
		MustCompile()

	exec, _, _ := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{"mode": "deep"}))
	assert.Equal(t, []string{"route", "deep"}, visited)
}

func TestFanOutMergesDeterministically(t *testing.T) {
	schema := NewStateSchema().
		AddField("messages", StateField{Reducer: AppendReducer})

	child := func(name string, delay time.Duration) NodeFunc {
		return func(_ context.Context, _ State) (*Command, error) {
			time.Sleep(delay)
			return &Command{Update: State{"messages": []any{name}}}, nil
		}
	}
	g := NewStateGraph(schema).
		AddNode("plan", noopNode).
		// Later ids finish first; the merge still orders by child id.
		AddNode("c_fundamental", child("c_fundamental", 30*time.Millisecond), WithAgentID("fundamental")).
		AddNode("c_news", child("c_news", 20*time.Millisecond), WithAgentID("news")).
		AddNode("c_technical", child("c_technical", 0), WithAgentID("technical")).
		AddNode("join", noopNode).
		AddFanOut("plan", []string{"c_fundamental", "c_news", "c_technical"}, "join").
		AddEdge("c_fundamental", "join").
		AddEdge("c_news", "join").
		AddEdge("c_technical", "join").
		SetEntryPoint("plan").
		SetFinishPoint("join").
		MustCompile()

	exec, bus, saver := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []any{"c_fundamental", "c_news", "c_technical"}, cp.State["messages"])

	// Done statuses emit in child-id order regardless of completion order.
	var doneOrder []string
	for _, evt := range bus.Events("t1", 0) {
		if evt.Type != event.TypeAgentStatus {
			continue
		}
		status := evt.Data.(event.AgentStatus)
		if status.Status == event.AgentDone && status.Node != "plan" && status.Node != "join" {
			doneOrder = append(doneOrder, status.Node)
		}
	}
	assert.Equal(t, []string{"c_fundamental", "c_news", "c_technical"}, doneOrder)
}

func TestFanOutRejectsConflictingScalarWrites(t *testing.T) {
	writer := func(value string) NodeFunc {
		return func(_ context.Context, _ State) (*Command, error) {
			return &Command{Update: State{"verdict": value}}, nil
		}
	}
	g := NewStateGraph(NewStateSchema()).
		AddNode("plan", noopNode).
		AddNode("left", writer("buy")).
		AddNode("right", writer("sell")).
		AddNode("join", noopNode).
		AddFanOut("plan", []string{"left", "right"}, "join").
		AddEdge("left", "join").
		AddEdge("right", "join").
		SetEntryPoint("plan").
		SetFinishPoint("join").
		MustCompile()

	exec, bus, _ := newTestExecutor(t, g)
	err := exec.Run(context.Background(), "t1", State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single-writer")

	events := bus.Events("t1", 0)
	last := events[len(events)-1]
	require.Equal(t, event.TypeLifecycleStatus, last.Type)
	assert.Equal(t, event.RunError, last.Data.(event.Lifecycle).Status)
}

func TestNodeRetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	g := NewStateGraph(NewStateSchema()).
		AddNode("flaky", func(_ context.Context, _ State) (*Command, error) {
			if attempts.Add(1) < 3 {
				return nil, Transient(errors.New("upstream hiccup"))
			}
			return &Command{}, nil
		}, WithRetry(&RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			Multiplier:      1.5,
		})).
		SetEntryPoint("flaky").
		SetFinishPoint("flaky").
		MustCompile()

	exec, bus, _ := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))
	assert.Equal(t, int32(3), attempts.Load())

	var retrying int
	for _, evt := range bus.Events("t1", 0) {
		if evt.Type == event.TypeAgentStatus &&
			evt.Data.(event.AgentStatus).Status == event.AgentRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	g := NewStateGraph(NewStateSchema()).
		AddNode("bad", func(_ context.Context, _ State) (*Command, error) {
			attempts.Add(1)
			return nil, errors.New("contract violation")
		}, WithRetry(&RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond})).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		MustCompile()

	exec, _, _ := newTestExecutor(t, g)
	require.Error(t, exec.Run(context.Background(), "t1", State{}))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestNodeTimeout(t *testing.T) {
	g := NewStateGraph(NewStateSchema()).
		AddNode("slow", func(ctx context.Context, _ State) (*Command, error) {
			select {
			case <-time.After(time.Second):
				return &Command{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, WithTimeout(20*time.Millisecond)).
		SetEntryPoint("slow").
		SetFinishPoint("slow").
		MustCompile()

	exec, bus, _ := newTestExecutor(t, g)
	err := exec.Run(context.Background(), "t1", State{})
	require.ErrorIs(t, err, ErrNodeTimeout)

	var codes []string
	for _, evt := range bus.Events("t1", 0) {
		if evt.Type == event.TypeError {
			codes = append(codes, evt.Data.(event.ErrorData).ErrorCode)
		}
	}
	assert.Equal(t, []string{event.CodeNodeTimeout}, codes)
}

func interruptGraph(t *testing.T) *Graph {
	t.Helper()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"selected_symbol": {
				"type": "string",
				"enum": ["GOOG", "GOOGL"],
				"oneOf": [
					{"const": "GOOG", "title": "Alphabet Inc. Class C"},
					{"const": "GOOGL", "title": "Alphabet Inc. Class A"}
				]
			}
		},
		"required": ["selected_symbol"],
		"additionalProperties": false
	}`)
	return NewStateGraph(NewStateSchema()).
		AddNode("resolve", func(_ context.Context, _ State) (*Command, error) {
			return &Command{
				Interrupt: &event.InterruptRequest{
					Type:        "ticker_selection",
					Title:       "Select a ticker",
					Description: "The query matched multiple listings.",
					Schema:      schema,
				},
			}, nil
		}, WithAgentID("intent")).
		AddNode("analyze", noopNode, WithAgentID("intent")).
		AddEdge("resolve", "analyze").
		SetEntryPoint("resolve").
		SetFinishPoint("analyze").
		MustCompile()
}

func TestInterruptPausesWithRequestLast(t *testing.T) {
	exec, bus, saver := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	events := bus.Events("t1", 0)
	require.NotEmpty(t, events)
	assert.Equal(t, []event.Type{
		event.TypeLifecycleStatus,  // running
		event.TypeAgentStatus,      // resolve running
		event.TypeAgentStatus,      // resolve attention
		event.TypeLifecycleStatus,  // paused
		event.TypeInterruptRequest, // last until resume
	}, eventTypes(events))

	attention := events[2].Data.(event.AgentStatus)
	assert.Equal(t, event.AgentAttention, attention.Status)
	paused := events[3].Data.(event.Lifecycle)
	assert.Equal(t, event.RunPaused, paused.Status)

	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, cp.Interrupt)
	assert.Equal(t, "resolve", cp.Interrupt.NodeID)
	assert.Equal(t, []string{"analyze"}, cp.Interrupt.Successors)
}

func TestResumeRejectsInvalidPayload(t *testing.T) {
	exec, bus, _ := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))
	before := bus.LatestSeq("t1")

	err := exec.Resume(context.Background(), "t1", map[string]any{"selected_symbol": "MSFT"})
	var invalid *InvalidResumePayloadError
	require.ErrorAs(t, err, &invalid)
	require.NotEmpty(t, invalid.Detail)
	assert.Contains(t, invalid.Detail[0], "selected_symbol")

	// The thread stays paused; nothing was emitted or applied.
	assert.Equal(t, before, bus.LatestSeq("t1"))
	err = exec.Resume(context.Background(), "t1", map[string]any{"selected_symbol": "GOOG"})
	require.NoError(t, err)
}

func TestResumeReportsDoneOnlyAfterNodesRun(t *testing.T) {
	exec, bus, _ := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))
	before := bus.LatestSeq("t1")

	require.NoError(t, exec.Resume(context.Background(), "t1",
		map[string]any{"selected_symbol": "GOOGL"}))

	resumed := bus.Events("t1", before)
	require.NotEmpty(t, resumed)
	running, ok := resumed[0].Data.(event.Lifecycle)
	require.True(t, ok)
	assert.Equal(t, event.RunRunning, running.Status)

	// Every done on the resumed stream belongs to an agent that actually ran
	// after the resume; the continuation must not report the interrupted node
	// done on the scheduler's behalf.
	ran := map[string]bool{}
	for _, evt := range resumed {
		status, ok := evt.Data.(event.AgentStatus)
		if !ok {
			continue
		}
		switch status.Status {
		case event.AgentRunning:
			ran[evt.Source] = true
		case event.AgentDone:
			assert.True(t, ran[evt.Source],
				"agent %s done at seq %d before running", evt.Source, evt.SeqID)
		}
	}
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	exec, bus, saver := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	require.NoError(t, exec.Resume(context.Background(), "t1",
		map[string]any{"selected_symbol": "GOOG"}))

	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, cp.Done)
	assert.Nil(t, cp.Interrupt)
	assert.Equal(t, "GOOG", cp.State["selected_symbol"])

	events := bus.Events("t1", 0)
	last := events[len(events)-1]
	assert.Equal(t, event.RunDone, last.Data.(event.Lifecycle).Status)
}

func TestResumeWithoutPendingInterrupt(t *testing.T) {
	exec, _, _ := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))
	require.NoError(t, exec.Resume(context.Background(), "t1",
		map[string]any{"selected_symbol": "GOOGL"}))

	// Duplicate resume after completion.
	err := exec.Resume(context.Background(), "t1", map[string]any{"selected_symbol": "GOOG"})
	assert.ErrorIs(t, err, ErrNoPendingInterrupt)

	// Unknown thread.
	err = exec.Resume(context.Background(), "t2", map[string]any{"selected_symbol": "GOOG"})
	assert.ErrorIs(t, err, ErrNoPendingInterrupt)
}

func TestStartPausedThreadIsRejected(t *testing.T) {
	exec, _, _ := newTestExecutor(t, interruptGraph(t))
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	err := exec.Run(context.Background(), "t1", State{})
	assert.ErrorIs(t, err, ErrThreadAlreadyRunning)
}

func TestContentDeltasStreamThroughEmitter(t *testing.T) {
	g := NewStateGraph(NewStateSchema()).
		AddNode("narrate", func(ctx context.Context, _ State) (*Command, error) {
			emitter := EmitterFrom(ctx)
			emitter.Delta("analyzing ")
			emitter.Delta("GOOG")
			return &Command{}, nil
		}, WithAgentID("news")).
		SetEntryPoint("narrate").
		SetFinishPoint("narrate").
		MustCompile()

	exec, bus, _ := newTestExecutor(t, g)
	require.NoError(t, exec.Run(context.Background(), "t1", State{}))

	var deltas []string
	for _, evt := range bus.Events("t1", 0) {
		if evt.Type == event.TypeContentDelta {
			deltas = append(deltas, evt.Data.(event.ContentDelta).Content)
			assert.Equal(t, "news", evt.Source)
		}
	}
	assert.Equal(t, []string{"analyzing ", "GOOG"}, deltas)
}

func TestRunUnknownGoToFails(t *testing.T) {
	g := NewStateGraph(NewStateSchema()).
		AddNode("a", func(_ context.Context, _ State) (*Command, error) {
			return &Command{GoTo: []string{"missing"}}, nil
		}).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()

	exec, _, _ := newTestExecutor(t, g)
	err := exec.Run(context.Background(), "t1", State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("x: %w", ErrNodeTimeout), event.CodeNodeTimeout},
		{fmt.Errorf("x: %w", artifact.ErrConflict), event.CodeArtifactConflict},
		{Transient(errors.New("io")), event.CodeTransientIO},
		{&InvalidResumePayloadError{Detail: []string{"bad"}}, event.CodeValidation},
		{errors.New("anything else"), event.CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err), tc.err.Error())
	}
}

func TestCancelAbandonsRunAfterGrace(t *testing.T) {
	started := make(chan struct{})
	g := NewStateGraph(NewStateSchema()).
		AddNode("slow", func(_ context.Context, _ State) (*Command, error) {
			close(started)
			// Ignores cancellation on purpose: the grace must expire and the
			// attempt be abandoned.
			time.Sleep(500 * time.Millisecond)
			return &Command{}, nil
		}, WithAgentID("news")).
		AddNode("after", noopNode, WithAgentID("news")).
		AddEdge("slow", "after").
		SetEntryPoint("slow").
		SetFinishPoint("after").
		MustCompile()

	bus := eventbus.New()
	saver := newMemorySaver()
	exec, err := NewExecutor(g, bus, saver, WithCancelGrace(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Run(context.Background(), "t1", State{}) }()
	<-started
	assert.True(t, exec.Cancel("t1"))

	runErr := <-errCh
	require.ErrorIs(t, runErr, ErrRunCancelled)

	events := bus.Events("t1", 0)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, event.TypeLifecycleStatus, last.Type)
	assert.Equal(t, event.RunError, last.Data.(event.Lifecycle).Status)

	cp, err := saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Done)

	// No run left to cancel.
	assert.False(t, exec.Cancel("t1"))
}

func TestCancelWithoutActiveRun(t *testing.T) {
	g := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()
	exec, _, _ := newTestExecutor(t, g)
	assert.False(t, exec.Cancel("nope"))
}
