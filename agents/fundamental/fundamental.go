//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package fundamental produces the financial-reports artifact. Every metric
// is traceable: value, provenance, source and confidence travel together, and
// a metric missing at the source stays an explicit null instead of vanishing.
package fundamental

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
const NodeAnalyze = "fundamental_analyze"

// Metric is a traceable numeric value.
type Metric struct {
	Value      float64 `json:"value"`
	Provenance string  `json:"provenance"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// NullableMetric is a traceable value whose number may be an explicit null
// when the source did not report it.
type NullableMetric struct {
	Value      *float64 `json:"value"`
	Provenance string   `json:"provenance"`
	Source     string   `json:"source"`
	Confidence float64  `json:"confidence"`
}

// Report is one reporting period.
type Report struct {
	Period    string         `json:"period"`
	Revenue   Metric         `json:"revenue"`
	NetIncome Metric         `json:"net_income"`
	EPS       NullableMetric `json:"eps"`
}

// Reports is the fundamental.financial_reports record.
type Reports struct {
	Symbol   string   `json:"symbol"`
	Currency string   `json:"currency"`
	Reports  []Report `json:"reports"`
}

// Provider fetches financial reports for a symbol. Transient upstream
// failures should be wrapped with graph.Transient so the node retries.
type Provider func(ctx context.Context, symbol string) (*Reports, error)

// Agent owns the fundamental subgraph.
type Agent struct {
	provider Provider
	port     *artifact.TypedPort[Reports]
}

// New creates the fundamental agent over the artifact store.
func New(svc artifact.Service, provider Provider) *Agent {
	return &Agent{
		provider: provider,
		port: artifact.NewTypedPort[Reports](svc,
			contract.KindFinancialReports, contract.VersionV1, contract.AgentFundamental),
	}
}

// Subgraph exports the agent's nodes.
func (a *Agent) Subgraph() *graph.Subgraph {
	return &graph.Subgraph{
		AgentID: contract.AgentFundamental,
		Entry:   NodeAnalyze,
		Exit:    NodeAnalyze,
		Nodes: []*graph.Node{
			{
				ID:      NodeAnalyze,
				Name:    "Analyze financial reports",
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

	graph.EmitterFrom(ctx).Delta(fmt.Sprintf("Fetching financial reports for %s...", symbol))
	reports, err := a.provider(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch reports for %s: %w", symbol, err)
	}
	if len(reports.Reports) == 0 {
		return nil, fmt.Errorf("no reporting periods for %s", symbol)
	}

	ref, err := a.port.Save(ctx, threadID, *reports)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactOut, boundary.Incident{
			Node:         NodeAnalyze,
			ContractKind: contract.KindFinancialReports,
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

	latest := reports.Reports[len(reports.Reports)-1]
	summary := fmt.Sprintf("%d reporting periods for %s, latest %s",
		len(reports.Reports), symbol, latest.Period)
	return &graph.Command{
		Update: graph.State{
			agents.StateKeyFundamentalRef: agents.RefValue(ref),
			agents.StateKeyMessages:       []any{summary},
		},
		Output: &event.AgentOutput{
			Kind:    contract.KindFinancialReports,
			Version: contract.VersionV1,
			Summary: summary,
			Preview: map[string]any{
				"symbol":         symbol,
				"periods":        len(reports.Reports),
				"latest_revenue": latest.Revenue.Value,
			},
			Reference: &ref,
		},
	}, nil
}
