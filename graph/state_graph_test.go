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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopNode(_ context.Context, _ State) (*Command, error) {
	return &Command{}, nil
}

func TestCompileRequiresEntryPoint(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry point")
}

func TestCompileRejectsDuplicateNodes(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		AddNode("a", noopNode).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		AddEdge("a", "missing").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestCompileRejectsCycles(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge("a", "b").
		AddEdge("b", "a").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsSingleChildFanOut(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("plan", noopNode).
		AddNode("only", noopNode).
		AddNode("join", noopNode).
		AddFanOut("plan", []string{"only"}, "join").
		AddEdge("only", "join").
		SetEntryPoint("plan").
		SetFinishPoint("join").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two children")
}

func TestCompileValidGraph(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("plan", noopNode).
		AddNode("left", noopNode).
		AddNode("right", noopNode).
		AddNode("join", noopNode).
		AddFanOut("plan", []string{"left", "right"}, "join").
		AddEdge("left", "join").
		AddEdge("right", "join").
		SetEntryPoint("plan").
		SetFinishPoint("join").
		Compile()
	require.NoError(t, err)
	assert.Equal(t, "plan", g.Entry())

	fan, ok := g.fanOutAt("plan")
	require.True(t, ok)
	assert.Equal(t, []string{"left", "right"}, fan.Children)
}

func TestAddSubgraphTagsAgentID(t *testing.T) {
	sub := &Subgraph{
		AgentID: "news",
		Entry:   "news_fetch",
		Exit:    "news_report",
		Nodes: []*Node{
			{ID: "news_fetch", Name: "news_fetch", Func: noopNode},
			{ID: "news_report", Name: "news_report", Func: noopNode},
		},
		Edges: [][2]string{{"news_fetch", "news_report"}},
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddSubgraph(sub).
		SetEntryPoint("news_fetch").
		SetFinishPoint("news_report").
		Compile()
	require.NoError(t, err)

	node, ok := g.Node("news_fetch")
	require.True(t, ok)
	assert.Equal(t, "news", node.AgentID)
	assert.Equal(t, []string{"news_report"}, g.successors("news_fetch"))
}

func TestConditionalRoutingTargetsMustExist(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("route", noopNode).
		AddConditionalEdges("route", func(context.Context, State) (string, error) {
			return "left", nil
		}, map[string]string{"left": "missing"}).
		SetEntryPoint("route").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
