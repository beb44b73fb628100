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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/boundary"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/eventbus"
	"trpc.group/trpc-go/trpc-finagent-go/log"
)

const (
	// DefaultNodeTimeout bounds a node attempt when the node declares none.
	DefaultNodeTimeout = 2 * time.Minute
	// DefaultPoolSize is the fan-out worker pool size.
	DefaultPoolSize = 16
	// DefaultCancelGrace bounds how long a cancelled thread waits for its
	// in-flight node to release resources before abandoning it.
	DefaultCancelGrace = 5 * time.Second

	// sourceScheduler marks events emitted by the executor itself rather
	// than by an agent.
	sourceScheduler = "scheduler"
)

// Executor runs a compiled graph thread by thread: rounds of ready nodes,
// a checkpoint after every completed node, declared fan-out on a shared
// worker pool, and suspend-resume through typed interrupts. One executor
// serves many threads; per-thread execution is single-flight.
type Executor struct {
	graph          *Graph
	bus            *eventbus.Bus
	saver          CheckpointSaver
	pool           *ants.Pool
	defaultTimeout time.Duration
	cancelGrace    time.Duration
	tracer         trace.Tracer

	mu      sync.Mutex
	active  map[string]struct{}
	cancels map[string]context.CancelFunc
}

// ExecutorOption configures the Executor.
type ExecutorOption func(*Executor)

// WithDefaultNodeTimeout sets the fallback per-node deadline.
func WithDefaultNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithCancelGrace sets how long a cancelled thread waits for its in-flight
// node before abandoning it.
func WithCancelGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.cancelGrace = d
		}
	}
}

// WithPoolSize sets the fan-out worker pool size.
func WithPoolSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.pool.Tune(n)
		}
	}
}

// NewExecutor creates an executor over a compiled graph. The bus carries the
// event stream; the saver persists checkpoints.
func NewExecutor(g *Graph, bus *eventbus.Bus, saver CheckpointSaver, opts ...ExecutorOption) (*Executor, error) {
	if g == nil || bus == nil || saver == nil {
		return nil, fmt.Errorf("executor requires a graph, a bus and a checkpoint saver")
	}
	pool, err := ants.NewPool(DefaultPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e := &Executor{
		graph:          g,
		bus:            bus,
		saver:          saver,
		pool:           pool,
		defaultTimeout: DefaultNodeTimeout,
		cancelGrace:    DefaultCancelGrace,
		tracer:         otel.Tracer("trpc.group/trpc-go/trpc-finagent-go/graph"),
		active:         make(map[string]struct{}),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the worker pool.
func (e *Executor) Close() {
	e.pool.Release()
}

func (e *Executor) acquire(threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.active[threadID]; running {
		return fmt.Errorf("%w: %s", ErrThreadAlreadyRunning, threadID)
	}
	e.active[threadID] = struct{}{}
	return nil
}

func (e *Executor) release(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, threadID)
	delete(e.cancels, threadID)
}

// watch registers a cancel hook for the thread's run context.
func (e *Executor) watch(ctx context.Context, threadID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[threadID] = cancel
	e.mu.Unlock()
	return ctx, cancel
}

// Cancel requests cancellation of the thread's active run. The scheduler
// wakes between nodes; an in-flight node gets the configured grace to release
// resources, then is abandoned and its partial state discarded. Reports
// whether a run was active.
func (e *Executor) Cancel(threadID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[threadID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// run carries the mutable execution position of one thread.
type run struct {
	threadID string
	state    State
	frontier []string
	cpSeq    int64
}

// Run starts a fresh thread from the graph entry. It blocks until the thread
// completes, pauses on an interrupt, or fails. Starting a thread that is
// running, or paused awaiting a resume, returns ErrThreadAlreadyRunning.
func (e *Executor) Run(ctx context.Context, threadID string, input State) error {
	if err := e.acquire(threadID); err != nil {
		return err
	}
	defer e.release(threadID)

	cp, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if cp != nil && !cp.Done {
		return fmt.Errorf("%w: %s", ErrThreadAlreadyRunning, threadID)
	}
	var cpSeq int64
	if cp != nil {
		cpSeq = cp.CheckpointSeq
	}

	ctx, cancel := e.watch(ctx, threadID)
	defer cancel()

	e.bus.Reopen(threadID)
	r := &run{
		threadID: threadID,
		state:    e.graph.Schema().Init(input),
		frontier: []string{e.graph.Entry()},
		cpSeq:    cpSeq,
	}
	e.publish(threadID, event.NewLifecycle(sourceScheduler, event.RunRunning))
	return e.loop(ctx, r)
}

// Resume continues a paused thread with a typed resume payload. The payload
// must validate against the pending interrupt's schema; an invalid payload
// returns *InvalidResumePayloadError with the thread left paused and no
// events emitted. A resume with no pending interrupt, including a duplicate
// resume, returns ErrNoPendingInterrupt.
func (e *Executor) Resume(ctx context.Context, threadID string, payload map[string]any) error {
	if err := e.acquire(threadID); err != nil {
		return err
	}
	defer e.release(threadID)

	cp, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if cp == nil || cp.Done || cp.Interrupt == nil {
		return fmt.Errorf("%w: %s", ErrNoPendingInterrupt, threadID)
	}
	pending := cp.Interrupt
	if err := validateResumePayload(pending.Request.Schema, anyMap(payload)); err != nil {
		return err
	}

	state, err := e.graph.Schema().Apply(cp.State, State(payload))
	if err != nil {
		return fmt.Errorf("apply resume payload for %s: %w", threadID, err)
	}

	ctx, cancel := e.watch(ctx, threadID)
	defer cancel()

	e.bus.Reopen(threadID)
	e.publish(threadID, event.NewLifecycle(sourceScheduler, event.RunRunning))

	r := &run{
		threadID: threadID,
		state:    state,
		frontier: append([]string{}, pending.Successors...),
		cpSeq:    cp.CheckpointSeq,
	}
	// Clear the pending interrupt before continuing so a duplicate resume
	// observes no pending interrupt even if the continuation fails early.
	if err := e.checkpoint(ctx, r, nil, false); err != nil {
		return err
	}
	return e.loop(ctx, r)
}

// anyMap loosens the map type for schema validation.
func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// loop drains the frontier one ready node at a time. A declared fan-out runs
// its children as one parallel round merged at the join.
func (e *Executor) loop(ctx context.Context, r *run) error {
	for len(r.frontier) > 0 {
		if ctx.Err() != nil {
			return e.fail(ctx, r, "", fmt.Errorf("thread %s: %w", r.threadID, ErrRunCancelled))
		}
		nodeID := r.frontier[0]
		r.frontier = r.frontier[1:]
		if nodeID == End {
			continue
		}
		node, ok := e.graph.Node(nodeID)
		if !ok {
			return e.fail(ctx, r, nodeID, fmt.Errorf("unknown node %s", nodeID))
		}
		paused, err := e.step(ctx, r, node)
		if err != nil {
			return e.fail(ctx, r, nodeID, err)
		}
		if paused {
			return nil
		}
	}
	e.publish(r.threadID, event.NewLifecycle(sourceScheduler, event.RunDone))
	if err := e.checkpoint(ctx, r, nil, true); err != nil {
		return err
	}
	e.bus.CloseThread(r.threadID)
	return nil
}

// step executes one node, applies its update, emits its events in order and
// checkpoints. It reports whether the run paused on an interrupt.
func (e *Executor) step(ctx context.Context, r *run, node *Node) (bool, error) {
	e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentRunning))
	cmd, err := e.runNode(ctx, r, node)
	if err != nil {
		return false, err
	}
	if cmd == nil {
		cmd = &Command{}
	}

	if len(cmd.Update) > 0 {
		r.state, err = e.graph.Schema().Apply(r.state, cmd.Update)
		if err != nil {
			return false, err
		}
	}

	next, err := e.resolveNext(ctx, r, node, cmd)
	if err != nil {
		return false, err
	}

	if cmd.Interrupt != nil {
		return true, e.pause(ctx, r, node, cmd.Interrupt, next)
	}

	// An artifact-bearing output precedes the node's done status.
	if cmd.Output != nil {
		e.publish(r.threadID, event.NewStateUpdate(node.AgentID, *cmd.Output))
	}
	e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentDone))

	if fan, ok := e.fanOutFor(node.ID, next); ok {
		if err := e.runFanOut(ctx, r, fan); err != nil {
			return false, err
		}
		r.frontier = append(r.frontier, fan.Join)
	} else {
		if len(next) > 1 {
			return false, fmt.Errorf("node %s routes to %d targets without a declared fan-out",
				node.ID, len(next))
		}
		r.frontier = append(r.frontier, next...)
	}
	return false, e.checkpoint(ctx, r, nil, false)
}

// pause records the interrupt and emits the pause sequence. The
// interrupt.request event is the last event on the stream until resume.
func (e *Executor) pause(ctx context.Context, r *run, node *Node,
	req *event.InterruptRequest, successors []string) error {
	pending := &PendingInterrupt{
		Request:    *req,
		NodeID:     node.ID,
		AgentID:    node.AgentID,
		Successors: successors,
	}
	e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentAttention))
	e.publish(r.threadID, event.NewLifecycle(sourceScheduler, event.RunPaused))
	e.publish(r.threadID, event.NewInterruptRequest(node.AgentID, *req))
	return e.checkpoint(ctx, r, pending, false)
}

// fanOutFor matches the resolved targets against the fan-out declared at the
// node. Parallel rounds run only through declared fan-outs.
func (e *Executor) fanOutFor(nodeID string, next []string) (*FanOut, bool) {
	fan, ok := e.graph.fanOutAt(nodeID)
	if !ok || len(next) < 2 {
		return nil, false
	}
	if len(next) != len(fan.Children) {
		return nil, false
	}
	declared := make(map[string]struct{}, len(fan.Children))
	for _, child := range fan.Children {
		declared[child] = struct{}{}
	}
	for _, target := range next {
		if _, ok := declared[target]; !ok {
			return nil, false
		}
	}
	return fan, true
}

// runFanOut executes the children of one declared fan-out in parallel and
// merges their updates deterministically, ordered by child node id.
// Interrupts are not allowed inside a parallel round.
func (e *Executor) runFanOut(ctx context.Context, r *run, fan *FanOut) error {
	children := append([]string{}, fan.Children...)
	sort.Strings(children)

	nodes := make([]*Node, len(children))
	for i, id := range children {
		node, ok := e.graph.Node(id)
		if !ok {
			return fmt.Errorf("unknown fan-out child %s", id)
		}
		nodes[i] = node
		e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentRunning))
	}

	cmds := make([]*Command, len(children))
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, node := range nodes {
		i, node := i, node
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			cmds[i], errs[i] = e.runNode(ctx, r, node)
		}); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit fan-out child %s: %w", node.ID, err)
		}
	}
	wg.Wait()

	updates := make([]State, 0, len(children))
	for i, node := range nodes {
		if errs[i] != nil {
			return fmt.Errorf("fan-out child %s: %w", node.ID, errs[i])
		}
		cmd := cmds[i]
		if cmd == nil {
			cmd = &Command{}
		}
		if cmd.Interrupt != nil {
			return fmt.Errorf("fan-out child %s raised an interrupt inside a parallel round", node.ID)
		}
		if len(cmd.GoTo) > 0 && (len(cmd.GoTo) != 1 || cmd.GoTo[0] != fan.Join) {
			return fmt.Errorf("fan-out child %s must route to join %s", node.ID, fan.Join)
		}
		if len(cmd.Update) > 0 {
			updates = append(updates, cmd.Update)
		}
	}

	merged, err := e.graph.Schema().MergeRound(r.state, updates)
	if err != nil {
		return err
	}
	r.state = merged

	// Outputs and done statuses emit in child-id order after the merge, so
	// concurrent completion never reorders the stream.
	for i, node := range nodes {
		if out := cmds[i].Output; out != nil {
			e.publish(r.threadID, event.NewStateUpdate(node.AgentID, *out))
		}
		e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentDone))
	}
	return nil
}

// runNode executes one node with its retry policy, deadline and trace span.
func (e *Executor) runNode(ctx context.Context, r *run, node *Node) (*Command, error) {
	ctx, span := e.tracer.Start(ctx, "graph.node/"+node.ID,
		trace.WithAttributes(
			attribute.String("thread.id", r.threadID),
			attribute.String("node.id", node.ID),
			attribute.String("agent.id", node.AgentID),
		))
	defer span.End()

	blog := boundary.NewLogger(r.threadID)
	blog.OK(boundary.CrossingNodeStart, node.ID)

	cmd, err := e.runWithRetry(ctx, r, node)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		blog.Fail(boundary.CrossingNodeEnd, boundary.Incident{
			Node:      node.ID,
			ErrorCode: ErrorCode(err),
			Message:   err.Error(),
			Replay: &boundary.Replay{
				CurrentNode:       node.ID,
				StateSnapshotHash: boundary.HashState(r.state),
			},
		})
		return nil, err
	}
	span.SetStatus(otelcodes.Ok, "")
	blog.OK(boundary.CrossingNodeEnd, node.ID)
	return cmd, nil
}

func (e *Executor) runWithRetry(ctx context.Context, r *run, node *Node) (*Command, error) {
	if node.Retry == nil || node.Retry.MaxAttempts <= 1 {
		return e.runAttempt(ctx, r, node)
	}
	policy := node.Retry
	bo := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		bo.InitialInterval = policy.InitialInterval
	}
	if policy.Multiplier > 0 {
		bo.Multiplier = policy.Multiplier
	}
	operation := func() (*Command, error) {
		cmd, err := e.runAttempt(ctx, r, node)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return cmd, err
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("graph: node %s attempt failed, retrying in %s: %v", node.ID, next, err)
		e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentRetrying))
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(notify))
}

// runAttempt runs a single node attempt under its deadline. The node sees a
// cloned state view and a delta emitter bound to its agent id.
func (e *Executor) runAttempt(ctx context.Context, r *run, node *Node) (*Command, error) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx = ContextWithEmitter(actx, &busEmitter{
		bus:      e.bus,
		threadID: r.threadID,
		agentID:  node.AgentID,
	})

	type result struct {
		cmd *Command
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmd, err := node.Func(actx, r.state.Clone())
		done <- result{cmd: cmd, err: err}
	}()
	select {
	case res := <-done:
		return res.cmd, res.err
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("node %s: %w", node.ID, ErrNodeTimeout)
		}
		// Thread cancellation: wait out the grace so the attempt can release
		// its resources, then abandon it. Its partial state is discarded.
		if e.cancelGrace > 0 {
			select {
			case <-done:
			case <-time.After(e.cancelGrace):
			}
		}
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrRunCancelled)
	}
}

// resolveNext picks the node's successors: an explicit GoTo wins, then the
// conditional edge, then the declared fan-out, then static edges.
func (e *Executor) resolveNext(ctx context.Context, r *run, node *Node, cmd *Command) ([]string, error) {
	if len(cmd.GoTo) > 0 {
		return append([]string{}, cmd.GoTo...), nil
	}
	if cond, ok := e.graph.conditionalAt(node.ID); ok {
		key, err := cond.Condition(ctx, r.state.Clone())
		if err != nil {
			return nil, fmt.Errorf("conditional at %s: %w", node.ID, err)
		}
		target, ok := cond.PathMap[key]
		if !ok {
			return nil, fmt.Errorf("conditional at %s returned unmapped path %q", node.ID, key)
		}
		return []string{target}, nil
	}
	if fan, ok := e.graph.fanOutAt(node.ID); ok {
		return append([]string{}, fan.Children...), nil
	}
	return append([]string{}, e.graph.successors(node.ID)...), nil
}

// fail emits the error taxonomy events, checkpoints the failure position and
// closes the stream.
func (e *Executor) fail(ctx context.Context, r *run, nodeID string, cause error) error {
	code := ErrorCode(cause)
	source := sourceScheduler
	if node, ok := e.graph.Node(nodeID); ok {
		source = node.AgentID
		e.publish(r.threadID, event.NewAgentStatus(node.AgentID, node.ID, event.AgentError))
	}
	e.publish(r.threadID, event.NewError(source, nodeID, code, cause.Error()))
	e.publish(r.threadID, event.NewLifecycle(sourceScheduler, event.RunError))
	if err := e.checkpoint(ctx, r, nil, true); err != nil {
		log.Errorf("graph: checkpoint after failure on thread %s: %v", r.threadID, err)
	}
	e.bus.CloseThread(r.threadID)
	return cause
}

// ErrorCode maps an execution error onto the stream error taxonomy.
func ErrorCode(err error) string {
	var schemaErr *contract.SchemaError
	var resumeErr *InvalidResumePayloadError
	switch {
	case errors.Is(err, ErrNodeTimeout):
		return event.CodeNodeTimeout
	case errors.Is(err, artifact.ErrConflict):
		return event.CodeArtifactConflict
	case errors.Is(err, artifact.ErrKindMismatch):
		return event.CodeKindMismatch
	case errors.Is(err, contract.ErrUnknownKind), errors.Is(err, contract.ErrUnknownVersion):
		return event.CodeUnknownKind
	case errors.Is(err, event.ErrProtocolVersionMismatch):
		return event.CodeProtocolVersion
	case errors.As(err, &schemaErr), errors.As(err, &resumeErr):
		return event.CodeValidation
	case IsRetryable(err):
		return event.CodeTransientIO
	default:
		return event.CodeInternal
	}
}

// checkpoint persists the current position. Every completed node produces
// one, so recovery never replays work.
func (e *Executor) checkpoint(ctx context.Context, r *run, pending *PendingInterrupt, done bool) error {
	r.cpSeq++
	cp := &Checkpoint{
		ThreadID:      r.threadID,
		CheckpointSeq: r.cpSeq,
		CreatedAt:     time.Now().UTC(),
		State:         r.state.Clone(),
		Frontier:      append([]string{}, r.frontier...),
		LastSeqID:     e.bus.LatestSeq(r.threadID),
		Interrupt:     pending,
		Done:          done,
	}
	if err := e.saver.Put(ctx, cp); err != nil {
		return fmt.Errorf("persist checkpoint %d for %s: %w", cp.CheckpointSeq, r.threadID, err)
	}
	return nil
}

func (e *Executor) publish(threadID string, evt *event.Event) {
	if err := e.bus.Publish(threadID, evt); err != nil {
		log.Errorf("graph: publish %s event on thread %s: %v", evt.Type, threadID, err)
	}
}

// busEmitter streams content deltas from a node to the thread stream.
type busEmitter struct {
	bus      *eventbus.Bus
	threadID string
	agentID  string
}

func (b *busEmitter) Delta(content string) {
	if content == "" {
		return
	}
	if err := b.bus.Publish(b.threadID, event.NewContentDelta(b.agentID, content)); err != nil {
		log.Debugf("graph: drop content delta on thread %s: %v", b.threadID, err)
	}
}
