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
	"fmt"
	"time"
)

// StateGraph provides a fluent interface for building graphs. This is the
// primary public API for creating executable graphs.
//
// Example usage:
//
//	schema := NewStateSchema().AddField("messages", StateField{Reducer: AppendReducer})
//	g, err := NewStateGraph(schema).
//	  AddNode("resolve", resolveFunc).
//	  SetEntryPoint("resolve").
//	  SetFinishPoint("resolve").
//	  Compile()
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: &Graph{
			schema:       schema,
			nodes:        make(map[string]*Node),
			edges:        make(map[string][]string),
			conditionals: make(map[string]*ConditionalEdge),
			fanouts:      make(map[string]*FanOut),
		},
	}
}

// Option configures a Node.
type Option func(*Node)

// WithName sets the human-readable name of the node.
func WithName(name string) Option {
	return func(node *Node) { node.Name = name }
}

// WithAgentID sets the owning agent namespace of the node.
func WithAgentID(agentID string) Option {
	return func(node *Node) { node.AgentID = agentID }
}

// WithRetry sets the per-node retry policy.
func WithRetry(policy *RetryPolicy) Option {
	return func(node *Node) { node.Retry = policy }
}

// WithTimeout sets the per-node deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(node *Node) { node.Timeout = timeout }
}

// AddNode adds a node with the given id and function.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...Option) *StateGraph {
	if id == "" || id == Start || id == End {
		sg.errs = append(sg.errs, fmt.Errorf("invalid node id %q", id))
		return sg
	}
	if _, exists := sg.graph.nodes[id]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("node %s already exists", id))
		return sg
	}
	node := &Node{ID: id, Name: id, Func: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.nodes[id] = node
	return sg
}

// AddEdge adds a static edge between two nodes (or to End).
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.graph.edges[from] = append(sg.graph.edges[from], to)
	return sg
}

// AddConditionalEdges adds conditional routing from a node.
func (sg *StateGraph) AddConditionalEdges(from string, condition ConditionalFunc,
	pathMap map[string]string) *StateGraph {
	if _, exists := sg.graph.conditionals[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("node %s already has conditional edges", from))
		return sg
	}
	sg.graph.conditionals[from] = &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	return sg
}

// AddFanOut declares that from fans out to children joining at join.
// Children run on independent tasks; their updates merge deterministically
// at the join.
func (sg *StateGraph) AddFanOut(from string, children []string, join string) *StateGraph {
	if _, exists := sg.graph.fanouts[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("node %s already declares a fan-out", from))
		return sg
	}
	sg.graph.fanouts[from] = &FanOut{From: from, Children: children, Join: join}
	return sg
}

// AddSubgraph composes a per-agent subgraph into the global graph. Nodes are
// tagged with the subgraph's agent id; global transitions attach at the
// subgraph's exit.
func (sg *StateGraph) AddSubgraph(sub *Subgraph) *StateGraph {
	for _, node := range sub.Nodes {
		if node.AgentID == "" {
			node.AgentID = sub.AgentID
		}
		if _, exists := sg.graph.nodes[node.ID]; exists {
			sg.errs = append(sg.errs, fmt.Errorf(
				"subgraph %s: node %s already exists in the global graph",
				sub.AgentID, node.ID))
			continue
		}
		sg.graph.nodes[node.ID] = node
	}
	for _, edge := range sub.Edges {
		sg.AddEdge(edge[0], edge[1])
	}
	for _, cond := range sub.Conditionals {
		sg.AddConditionalEdges(cond.From, cond.Condition, cond.PathMap)
	}
	return sg
}

// SetEntryPoint sets the entry point of the graph.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.graph.entry = nodeID
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the graph and returns it for execution.
func (sg *StateGraph) Compile() (*Graph, error) {
	for _, err := range sg.errs {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics. For wiring code that registers
// a fixed graph at startup.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
