//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package intent resolves the user's query to a tradable symbol. Ambiguous
// queries pause the run with a ticker-selection interrupt whose resume
// payload is constrained to the candidate symbols.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/agents"
	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/boundary"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

// Node ids.
const (
	NodeResolve = "intent_resolve"
	NodePlan    = "intent_plan"
)

// InterruptTypeTickerSelection names the ambiguity interrupt.
const InterruptTypeTickerSelection = "ticker_selection"

// Candidate is one listing a query may refer to.
type Candidate struct {
	Symbol string `json:"symbol"`
	Title  string `json:"title"`
}

// Resolver maps a free-text query to candidate listings. A single candidate
// resolves directly; several raise the selection interrupt.
type Resolver func(ctx context.Context, query string) ([]Candidate, error)

// Request is the intent.request record shared with every downstream agent.
type Request struct {
	Query          string   `json:"query"`
	Candidates     []string `json:"candidates,omitempty"`
	SelectedSymbol *string  `json:"selected_symbol,omitempty"`
}

// Agent owns the intent subgraph.
type Agent struct {
	resolver Resolver
	port     *artifact.TypedPort[Request]
}

// New creates the intent agent over the artifact store.
func New(svc artifact.Service, resolver Resolver) *Agent {
	return &Agent{
		resolver: resolver,
		port: artifact.NewTypedPort[Request](svc,
			contract.KindIntentRequest, contract.VersionV1, contract.AgentIntent),
	}
}

// Subgraph exports the agent's nodes for composition into the global graph.
func (a *Agent) Subgraph() *graph.Subgraph {
	return &graph.Subgraph{
		AgentID: contract.AgentIntent,
		Entry:   NodeResolve,
		Exit:    NodePlan,
		Nodes: []*graph.Node{
			{
				ID:      NodeResolve,
				Name:    "Resolve query intent",
				Func:    a.resolve,
				Timeout: 30 * time.Second,
			},
			{
				ID:   NodePlan,
				Name: "Dispatch analysis round",
				Func: a.plan,
			},
		},
		Edges: [][2]string{{NodeResolve, NodePlan}},
	}
}

func (a *Agent) resolve(ctx context.Context, state graph.State) (*graph.Command, error) {
	threadID, err := agents.StringFrom(state, agents.StateKeyThreadID)
	if err != nil {
		return nil, err
	}
	query, err := agents.StringFrom(state, agents.StateKeyQuery)
	if err != nil {
		return nil, err
	}

	// A resume lands back here with the symbol already in state.
	if symbol, ok := state[agents.StateKeySelectedSymbol].(string); ok && symbol != "" {
		return a.commit(ctx, threadID, query, symbol, candidatesFrom(state))
	}

	emitter := graph.EmitterFrom(ctx)
	emitter.Delta(fmt.Sprintf("Resolving %q...", query))

	candidates, err := a.resolver(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", query, err)
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("no listing matched %q", query)
	case 1:
		return a.commit(ctx, threadID, query, candidates[0].Symbol, nil)
	}

	symbols := make([]string, len(candidates))
	for i, c := range candidates {
		symbols[i] = c.Symbol
	}
	schema, err := selectionSchema(candidates)
	if err != nil {
		return nil, err
	}
	boundary.NewLogger(threadID).OK(boundary.CrossingInterrupt, NodeResolve)
	// Resume re-enters this node; with the symbol then in state it takes
	// the commit path and stores the intent artifact.
	return &graph.Command{
		Update: graph.State{agents.StateKeyCandidates: toAnySlice(symbols)},
		GoTo:   []string{NodeResolve},
		Interrupt: &event.InterruptRequest{
			Type:        InterruptTypeTickerSelection,
			Title:       "Select a ticker",
			Description: fmt.Sprintf("%q matched %d listings.", query, len(candidates)),
			Data:        map[string]any{"candidates": candidateData(candidates)},
			Schema:      schema,
			UIHints:     map[string]any{"control": "radio"},
		},
	}, nil
}

// commit stores the resolved intent artifact and routes to dispatch.
func (a *Agent) commit(ctx context.Context, threadID, query, symbol string,
	candidates []string) (*graph.Command, error) {
	blog := boundary.NewLogger(threadID)
	req := Request{Query: query, Candidates: candidates, SelectedSymbol: &symbol}
	ref, err := a.port.Save(ctx, threadID, req)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactOut, boundary.Incident{
			Node:         NodeResolve,
			ContractKind: contract.KindIntentRequest,
			ErrorCode:    graph.ErrorCode(err),
			Message:      err.Error(),
		})
		return nil, err
	}
	blog.OK(boundary.CrossingArtifactOut, NodeResolve)

	summary := fmt.Sprintf("Resolved %q to %s", query, symbol)
	return &graph.Command{
		Update: graph.State{
			agents.StateKeySelectedSymbol: symbol,
			agents.StateKeyIntentRef:      agents.RefValue(ref),
			agents.StateKeyMessages:       []any{summary},
		},
		Output: &event.AgentOutput{
			Kind:      contract.KindIntentRequest,
			Version:   contract.VersionV1,
			Summary:   summary,
			Preview:   map[string]any{"symbol": symbol},
			Reference: &ref,
		},
	}, nil
}

// plan is the dispatch point the analysis fan-out hangs off. Keeping it
// separate from resolve means a resumed thread still enters the parallel
// round through a declared fan-out.
func (a *Agent) plan(_ context.Context, _ graph.State) (*graph.Command, error) {
	return &graph.Command{}, nil
}

// selectionSchema renders the resume payload schema: the candidate symbols
// as an enum, each oneOf branch pairing the const with a display title.
func selectionSchema(candidates []Candidate) (json.RawMessage, error) {
	symbols := make([]string, len(candidates))
	oneOf := make([]map[string]any, len(candidates))
	for i, c := range candidates {
		symbols[i] = c.Symbol
		oneOf[i] = map[string]any{"const": c.Symbol, "title": c.Title}
	}
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selected_symbol": map[string]any{
				"type":  "string",
				"enum":  symbols,
				"oneOf": oneOf,
			},
		},
		"required":             []string{"selected_symbol"},
		"additionalProperties": false,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render selection schema: %w", err)
	}
	return data, nil
}

func candidateData(candidates []Candidate) []any {
	out := make([]any, len(candidates))
	for i, c := range candidates {
		out[i] = map[string]any{"symbol": c.Symbol, "title": c.Title}
	}
	return out
}

func candidatesFrom(state graph.State) []string {
	items, ok := state[agents.StateKeyCandidates].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
