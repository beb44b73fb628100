//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package technical produces the technical.full_report artifact: indicator
// values, trend and a tagged trading signal.
package technical

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
const NodeAnalyze = "technical_analyze"

// Signal discriminator values.
const (
	SignalCrossover = "crossover"
	SignalMomentum  = "momentum"
)

// Trend values.
const (
	TrendUp       = "up"
	TrendDown     = "down"
	TrendSideways = "sideways"
)

// Signal is the tagged trading signal. Type selects which members are set:
// crossover carries fast and slow, momentum carries value.
type Signal struct {
	Type  string   `json:"type"`
	Fast  *float64 `json:"fast,omitempty"`
	Slow  *float64 `json:"slow,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

// Crossover builds a crossover signal.
func Crossover(fast, slow float64) Signal {
	return Signal{Type: SignalCrossover, Fast: &fast, Slow: &slow}
}

// Momentum builds a momentum signal.
func Momentum(value float64) Signal {
	return Signal{Type: SignalMomentum, Value: &value}
}

// Report is the technical.full_report record.
type Report struct {
	Symbol     string             `json:"symbol"`
	Indicators map[string]float64 `json:"indicators"`
	Trend      string             `json:"trend"`
	Signal     Signal             `json:"signal"`
}

// Provider computes the technical report for a symbol.
type Provider func(ctx context.Context, symbol string) (*Report, error)

// Agent owns the technical subgraph.
type Agent struct {
	provider Provider
	port     *artifact.TypedPort[Report]
}

// New creates the technical agent over the artifact store.
func New(svc artifact.Service, provider Provider) *Agent {
	return &Agent{
		provider: provider,
		port: artifact.NewTypedPort[Report](svc,
			contract.KindTechnicalReport, contract.VersionV1, contract.AgentTechnical),
	}
}

// Subgraph exports the agent's nodes.
func (a *Agent) Subgraph() *graph.Subgraph {
	return &graph.Subgraph{
		AgentID: contract.AgentTechnical,
		Entry:   NodeAnalyze,
		Exit:    NodeAnalyze,
		Nodes: []*graph.Node{
			{
				ID:      NodeAnalyze,
				Name:    "Compute technical indicators",
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

	graph.EmitterFrom(ctx).Delta(fmt.Sprintf("Computing indicators for %s...", symbol))
	report, err := a.provider(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("compute indicators for %s: %w", symbol, err)
	}

	ref, err := a.port.Save(ctx, threadID, *report)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactOut, boundary.Incident{
			Node:         NodeAnalyze,
			ContractKind: contract.KindTechnicalReport,
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

	summary := fmt.Sprintf("Trend %s for %s on %d indicators",
		report.Trend, symbol, len(report.Indicators))
	return &graph.Command{
		Update: graph.State{
			agents.StateKeyTechnicalRef: agents.RefValue(ref),
			agents.StateKeyMessages:     []any{summary},
		},
		Output: &event.AgentOutput{
			Kind:    contract.KindTechnicalReport,
			Version: contract.VersionV1,
			Summary: summary,
			Preview: map[string]any{
				"symbol": symbol,
				"trend":  report.Trend,
				"signal": report.Signal.Type,
			},
			Reference: &ref,
		},
	}, nil
}
