//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides the stateful, suspend-resume workflow engine that
// drives the research pipeline: per-agent subgraphs composed into a global
// DAG, executed in rounds with checkpointing, declared fan-out, and
// human-in-the-loop interrupts.
package graph

import (
	"context"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/event"
)

// Sentinel node ids.
const (
	// Start marks the graph entry.
	Start = "__start__"
	// End marks graph completion.
	End = "__end__"
)

// NodeFunc is the unit of work. Nodes are thin by rule: they receive a state
// view, call into the owning agent's orchestrator, and return a Command.
// All effects flow through the Command update and the agent's ports.
type NodeFunc func(ctx context.Context, state State) (*Command, error)

// ConditionalFunc routes execution based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Command is a node's return: where to go next and what to write.
type Command struct {
	// Update is the state diff, merged through the schema reducers.
	Update State
	// GoTo overrides the static edges. A list means fan-out and must match
	// the fan-out declared at this node. Empty follows static edges.
	GoTo []string
	// Output, when set, is emitted as a state.update event before the
	// node's agent.status=done. Its Reference must already be stored.
	Output *event.AgentOutput
	// Interrupt pauses the run awaiting a typed resume payload.
	Interrupt *event.InterruptRequest
}

// RetryPolicy controls in-node retries. Retries are in-node loops, never
// graph cycles.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
}

// Node is one scheduling unit of work in the graph.
type Node struct {
	// ID is the globally unique node id.
	ID string
	// AgentID is the owning agent namespace.
	AgentID string
	// Name is the human-readable name.
	Name string
	// Func executes the node.
	Func NodeFunc
	// Retry is the per-node retry policy, nil for no retries.
	Retry *RetryPolicy
	// Timeout is the per-node deadline; the executor default applies when zero.
	Timeout time.Duration
}

// ConditionalEdge routes from one node to one of several targets.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	// PathMap maps condition results to node ids (or End).
	PathMap map[string]string
}

// FanOut declares parallel children joining at a single join node.
type FanOut struct {
	From     string
	Children []string
	Join     string
}

// Subgraph is a per-agent DAG composed into the global graph. It exports one
// entry node and one exit node; global transitions attach at the exit.
type Subgraph struct {
	AgentID      string
	Entry        string
	Exit         string
	Nodes        []*Node
	Edges        [][2]string
	Conditionals []*ConditionalEdge
}

// Graph is the compiled global DAG. Build it with StateGraph.
type Graph struct {
	schema       *StateSchema
	nodes        map[string]*Node
	edges        map[string][]string
	conditionals map[string]*ConditionalEdge
	fanouts      map[string]*FanOut
	entry        string
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema { return g.schema }

// successors returns the static successors of a node.
func (g *Graph) successors(id string) []string { return g.edges[id] }

// fanOutAt returns the fan-out declared at a node, if any.
func (g *Graph) fanOutAt(id string) (*FanOut, bool) {
	f, ok := g.fanouts[id]
	return f, ok
}

// conditionalAt returns the conditional edge declared at a node, if any.
func (g *Graph) conditionalAt(id string) (*ConditionalEdge, bool) {
	c, ok := g.conditionals[id]
	return c, ok
}

func (g *Graph) validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph must declare an entry point")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %s does not exist", g.entry)
	}
	for from, targets := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source %s does not exist", from)
		}
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge target %s does not exist", to)
			}
		}
	}
	for from, cond := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("conditional source %s does not exist", from)
		}
		for _, to := range cond.PathMap {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("conditional target %s does not exist", to)
			}
		}
	}
	for from, fan := range g.fanouts {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("fan-out source %s does not exist", from)
		}
		if len(fan.Children) < 2 {
			return fmt.Errorf("fan-out at %s must declare at least two children", from)
		}
		if _, ok := g.nodes[fan.Join]; !ok {
			return fmt.Errorf("fan-out join %s does not exist", fan.Join)
		}
		for _, child := range fan.Children {
			if _, ok := g.nodes[child]; !ok {
				return fmt.Errorf("fan-out child %s does not exist", child)
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic rejects cycles. The graph is explicitly a DAG per run;
// retries are in-node loops, not graph cycles.
func (g *Graph) checkAcyclic() error {
	const (
		unseen = iota
		visiting
		done
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		if id == End {
			return nil
		}
		switch color[id] {
		case visiting:
			return fmt.Errorf("graph contains a cycle through %s", id)
		case done:
			return nil
		}
		color[id] = visiting
		for _, next := range g.allSuccessors(id) {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[id] = done
		return nil
	}
	for id := range g.nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) allSuccessors(id string) []string {
	var out []string
	out = append(out, g.edges[id]...)
	if cond, ok := g.conditionals[id]; ok {
		for _, to := range cond.PathMap {
			out = append(out, to)
		}
	}
	if fan, ok := g.fanouts[id]; ok {
		out = append(out, fan.Children...)
	}
	return out
}
