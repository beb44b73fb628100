//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package news produces the news items artifact. Fetching is best-effort
// across sources: a failed source becomes an incident on the output's error
// log, never a lost run.
package news

import (
	"context"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/agents"
	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/boundary"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

// NodeAnalyze is the agent's single node id.
const NodeAnalyze = "news_analyze"

// Item is one scored headline.
type Item struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
	Sentiment   string   `json:"sentiment"`
	Score       *float64 `json:"score,omitempty"`
}

// List is the news.items_list record.
type List struct {
	Symbol string `json:"symbol,omitempty"`
	Items  []Item `json:"news_items"`
}

// Fetched is a provider result: the items that arrived plus the sources
// that failed along the way.
type Fetched struct {
	Items        []Item
	SourceErrors []string
}

// Provider fetches scored headlines for a symbol.
type Provider func(ctx context.Context, symbol string) (Fetched, error)

// Agent owns the news subgraph.
type Agent struct {
	provider Provider
	port     *artifact.TypedPort[List]
}

// New creates the news agent over the artifact store.
func New(svc artifact.Service, provider Provider) *Agent {
	return &Agent{
		provider: provider,
		port: artifact.NewTypedPort[List](svc,
			contract.KindNewsItemsList, contract.VersionV1, contract.AgentNews),
	}
}

// Subgraph exports the agent's nodes.
func (a *Agent) Subgraph() *graph.Subgraph {
	return &graph.Subgraph{
		AgentID: contract.AgentNews,
		Entry:   NodeAnalyze,
		Exit:    NodeAnalyze,
		Nodes: []*graph.Node{
			{
				ID:      NodeAnalyze,
				Name:    "Collect and score news",
				Func:    a.analyze,
				Timeout: time.Minute,
				Retry: &graph.RetryPolicy{
					MaxAttempts:     3,
					InitialInterval: 500 * time.Millisecond,
					Multiplier:      2,
				},
			},
		},
	}
}

func (a *Agent) analyze(ctx context.Context, state graph.State) (*graph.Command, error) {
	threadID, err := agents.StringFrom(state, agents.StateKeyThreadID)
	if err != nil {
		return nil, err
	}
	symbol, err := agents.StringFrom(state, agents.StateKeySelectedSymbol)
	if err != nil {
		return nil, err
	}
	blog := boundary.NewLogger(threadID)

	graph.EmitterFrom(ctx).Delta(fmt.Sprintf("Collecting news for %s...", symbol))
	fetched, err := a.provider(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch news for %s: %w", symbol, err)
	}

	// Failed sources become incidents on the output, the run continues with
	// what arrived.
	var incidents []boundary.Incident
	for _, sourceErr := range fetched.SourceErrors {
		inc := boundary.Incident{
			Node:         NodeAnalyze,
			ContractKind: contract.KindNewsItemsList,
			ErrorCode:    event.CodeTransientIO,
			Message:      sourceErr,
		}
		incidents = append(incidents, inc)
		blog.Fail(boundary.CrossingNodeEnd, inc)
	}
	if len(fetched.Items) == 0 {
		return nil, graph.Transient(fmt.Errorf("every news source failed for %s", symbol))
	}

	list := List{Symbol: symbol, Items: fetched.Items}
	ref, err := a.port.Save(ctx, threadID, list)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactOut, boundary.Incident{
			Node:         NodeAnalyze,
			ContractKind: contract.KindNewsItemsList,
			ErrorCode:    graph.ErrorCode(err),
			Message:      err.Error(),
			Replay: &boundary.Replay{
				CurrentNode:       NodeAnalyze,
				StateSnapshotHash: boundary.HashState(state),
			},
		})
		return nil, err
	}
	blog.OK(boundary.CrossingArtifactOut, NodeAnalyze)

	summary := fmt.Sprintf("%d headlines for %s", len(fetched.Items), symbol)
	if len(incidents) > 0 {
		summary = fmt.Sprintf("%s (%d sources failed)", summary, len(incidents))
	}
	return &graph.Command{
		Update: graph.State{
			agents.StateKeyNewsRef:  agents.RefValue(ref),
			agents.StateKeyMessages: []any{summary},
		},
		Output: &event.AgentOutput{
			Kind:    contract.KindNewsItemsList,
			Version: contract.VersionV1,
			Summary: summary,
			Preview: map[string]any{
				"symbol": symbol,
				"count":  len(fetched.Items),
			},
			Reference: &ref,
			ErrorLogs: incidents,
		},
	}, nil
}
