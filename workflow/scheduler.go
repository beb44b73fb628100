//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/eventbus"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
	"trpc.group/trpc-go/trpc-finagent-go/log"
)

// ErrThreadNotFound indicates a lookup for a thread with no events and no
// checkpoints.
var ErrThreadNotFound = errors.New("thread not found")

// State keys the scheduler seeds into every fresh run.
const (
	// StateKeyQuery carries the user's query.
	StateKeyQuery = "query"
	// StateKeyThreadID carries the thread id so nodes can address artifacts.
	StateKeyThreadID = "thread_id"
)

// Scheduler is the thread-level facade over the executor. Starts and resumes
// are asynchronous: the caller gets synchronous validation, then tails the
// event stream.
type Scheduler struct {
	exec   *graph.Executor
	bus    *eventbus.Bus
	saver  graph.CheckpointSaver
	agents []string

	mu       sync.Mutex
	running  map[string]chan struct{}
	messages map[string][]Message
}

// SchedulerOption configures the Scheduler.
type SchedulerOption func(*Scheduler)

// WithAgents declares the agent ids shown as idle before they emit anything.
func WithAgents(agents ...string) SchedulerOption {
	return func(s *Scheduler) { s.agents = agents }
}

// NewScheduler creates a scheduler over an executor, its bus and its saver.
func NewScheduler(exec *graph.Executor, bus *eventbus.Bus, saver graph.CheckpointSaver,
	opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		exec:     exec,
		bus:      bus,
		saver:    saver,
		running:  make(map[string]chan struct{}),
		messages: make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches a fresh run. An empty threadID allocates one. The run
// executes in the background; returned errors cover only synchronous
// admission checks.
func (s *Scheduler) Start(ctx context.Context, threadID, query string) (string, error) {
	if threadID == "" {
		threadID = "thread-" + uuid.New().String()
	}
	cp, err := s.saver.Latest(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if cp != nil && !cp.Done {
		return "", fmt.Errorf("%w: %s", graph.ErrThreadAlreadyRunning, threadID)
	}

	s.mu.Lock()
	if _, active := s.running[threadID]; active {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", graph.ErrThreadAlreadyRunning, threadID)
	}
	done := make(chan struct{})
	s.running[threadID] = done
	if query != "" {
		s.messages[threadID] = append(s.messages[threadID], Message{
			Role:      RoleUser,
			Content:   query,
			Timestamp: time.Now().UTC(),
		})
	}
	s.mu.Unlock()

	go func() {
		defer s.finish(threadID, done)
		if err := s.exec.Run(context.WithoutCancel(ctx), threadID,
			graph.State{StateKeyQuery: query, StateKeyThreadID: threadID}); err != nil {
			log.Errorf("workflow: run thread %s: %v", threadID, err)
		}
	}()
	return threadID, nil
}

// Resume continues a paused thread. The payload is validated synchronously
// against the pending interrupt's schema; on success the continuation runs
// in the background.
func (s *Scheduler) Resume(ctx context.Context, threadID string, payload map[string]any) error {
	s.mu.Lock()
	if _, active := s.running[threadID]; active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", graph.ErrThreadAlreadyRunning, threadID)
	}
	s.mu.Unlock()

	cp, err := s.saver.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if cp == nil || cp.Done || cp.Interrupt == nil {
		return fmt.Errorf("%w: %s", graph.ErrNoPendingInterrupt, threadID)
	}
	if err := graph.ValidateResume(cp.Interrupt.Request, payload); err != nil {
		return err
	}

	s.mu.Lock()
	if _, active := s.running[threadID]; active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", graph.ErrThreadAlreadyRunning, threadID)
	}
	done := make(chan struct{})
	s.running[threadID] = done
	s.mu.Unlock()

	go func() {
		defer s.finish(threadID, done)
		if err := s.exec.Resume(context.WithoutCancel(ctx), threadID, payload); err != nil {
			log.Errorf("workflow: resume thread %s: %v", threadID, err)
		}
	}()
	return nil
}

func (s *Scheduler) finish(threadID string, done chan struct{}) {
	s.mu.Lock()
	if s.running[threadID] == done {
		delete(s.running, threadID)
	}
	s.mu.Unlock()
	close(done)
}

// Cancel requests cancellation of the thread's active background run.
// Reports whether a run was active; the run settles asynchronously with a
// terminal error event on the stream.
func (s *Scheduler) Cancel(threadID string) bool {
	return s.exec.Cancel(threadID)
}

// Wait returns a channel closed when the thread's current background run
// finishes. Already-idle threads get a closed channel.
func (s *Scheduler) Wait(threadID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, active := s.running[threadID]; active {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// State rebuilds a point-in-time thread view from the event log and the
// latest checkpoint.
func (s *Scheduler) State(ctx context.Context, threadID string) (*ThreadState, error) {
	events := s.bus.Events(threadID, 0)
	cp, err := s.saver.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if len(events) == 0 && cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	state := &ThreadState{
		ThreadID:  threadID,
		RunStatus: event.RunRunning,
		LastSeqID: s.bus.LatestSeq(threadID),
		Agents:    make(map[string]*AgentView),
	}
	for _, agentID := range s.agents {
		state.Agents[agentID] = &AgentView{AgentID: agentID, Status: event.AgentIdle}
	}

	s.mu.Lock()
	_, state.IsRunning = s.running[threadID]
	s.mu.Unlock()

	for _, evt := range events {
		switch data := evt.Data.(type) {
		case event.AgentStatus:
			view := state.agent(evt.Source)
			view.Status = data.Status
			view.Node = data.Node
		case event.AgentOutput:
			if data.Reference != nil {
				ref := *data.Reference
				state.agent(evt.Source).Output = &ref
			}
		case event.Lifecycle:
			state.RunStatus = data.Status
		}
	}
	state.Messages = s.transcript(threadID, events)

	if cp != nil && cp.Interrupt != nil && !cp.Done {
		req := cp.Interrupt.Request
		state.PendingInterrupt = &req
	}
	return state, nil
}

func (t *ThreadState) agent(agentID string) *AgentView {
	view, ok := t.Agents[agentID]
	if !ok {
		view = &AgentView{AgentID: agentID, Status: event.AgentIdle}
		t.Agents[agentID] = view
	}
	return view
}

// transcript rebuilds the thread's conversational transcript: the recorded
// user turns merged with the assistant summaries derived from state.update
// events, in chronological order. Both sources are append-only, so the dense
// ids assigned here are stable across calls.
func (s *Scheduler) transcript(threadID string, events []*event.Event) []Message {
	s.mu.Lock()
	user := append([]Message(nil), s.messages[threadID]...)
	s.mu.Unlock()

	var assistant []Message
	for _, evt := range events {
		out, ok := evt.Data.(event.AgentOutput)
		if !ok || out.Summary == "" {
			continue
		}
		assistant = append(assistant, Message{
			Role:      RoleAssistant,
			Content:   out.Summary,
			Timestamp: evt.Timestamp,
		})
	}

	msgs := make([]Message, 0, len(user)+len(assistant))
	for len(user) > 0 || len(assistant) > 0 {
		// On equal timestamps the user turn precedes the response.
		if len(assistant) == 0 ||
			(len(user) > 0 && !user[0].Timestamp.After(assistant[0].Timestamp)) {
			msgs = append(msgs, user[0])
			user = user[1:]
		} else {
			msgs = append(msgs, assistant[0])
			assistant = assistant[1:]
		}
	}
	for i := range msgs {
		msgs[i].ID = int64(i + 1)
	}
	return msgs
}

// DefaultHistoryLimit bounds a history page when the caller passes no limit.
const DefaultHistoryLimit = 50

// History returns one page of the thread's transcript, newest message first.
// A non-zero before selects messages with id < before; zero starts from the
// newest. A limit of zero applies DefaultHistoryLimit.
func (s *Scheduler) History(ctx context.Context, threadID string, before int64, limit int) (*HistoryPage, error) {
	events := s.bus.Events(threadID, 0)
	if len(events) == 0 {
		cp, err := s.saver.Latest(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint for %s: %w", threadID, err)
		}
		if cp == nil {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs := s.transcript(threadID, events)
	hi := len(msgs)
	if before > 0 && before-1 < int64(hi) {
		hi = int(before) - 1
	}
	lo := hi - limit
	if lo < 0 {
		lo = 0
	}

	page := &HistoryPage{ThreadID: threadID, HasMore: lo > 0}
	for i := hi - 1; i >= lo; i-- {
		page.Messages = append(page.Messages, msgs[i])
	}
	if len(page.Messages) > 0 {
		page.NextBefore = page.Messages[len(page.Messages)-1].ID
	}
	return page, nil
}

// Subscribe tails the thread's stream with replay from after. It delegates
// to the bus; the cancel function must be called when the consumer detaches.
func (s *Scheduler) Subscribe(threadID string, after int64) (<-chan *event.Event, func()) {
	return s.bus.Subscribe(threadID, after)
}
