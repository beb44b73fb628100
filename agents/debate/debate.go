//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package debate joins the three analysis artifacts into a verdict. The
// computation is a pure function of its inputs, so identical inputs always
// produce the identical verdict artifact, id included.
package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-finagent-go/agents"
	"trpc.group/trpc-go/trpc-finagent-go/agents/fundamental"
	"trpc.group/trpc-go/trpc-finagent-go/agents/news"
	"trpc.group/trpc-go/trpc-finagent-go/agents/technical"
	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/boundary"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

// NodeRun is the agent's single node id.
const NodeRun = "debate_run"

// Verdict is the debate.verdict record.
type Verdict struct {
	Symbol     string               `json:"symbol"`
	Verdict    string               `json:"verdict"`
	Confidence float64              `json:"confidence"`
	BullPoints []string             `json:"bull_points"`
	BearPoints []string             `json:"bear_points"`
	Inputs     []artifact.Reference `json:"inputs"`
}

// Agent owns the debate subgraph. It is the only consumer of the three
// analysis kinds; every load passes the registry allow-list first.
type Agent struct {
	svc      artifact.Service
	registry *contract.Registry
	port     *artifact.TypedPort[Verdict]
}

// New creates the debate agent over the artifact store and the contract
// registry.
func New(svc artifact.Service, registry *contract.Registry) *Agent {
	return &Agent{
		svc:      svc,
		registry: registry,
		port: artifact.NewTypedPort[Verdict](svc,
			contract.KindDebateVerdict, contract.VersionV1, contract.AgentDebate),
	}
}

// Subgraph exports the agent's nodes.
func (a *Agent) Subgraph() *graph.Subgraph {
	return &graph.Subgraph{
		AgentID: contract.AgentDebate,
		Entry:   NodeRun,
		Exit:    NodeRun,
		Nodes: []*graph.Node{
			{
				ID:      NodeRun,
				Name:    "Debate and decide",
				Func:    a.run,
				Timeout: time.Minute,
			},
		},
	}
}

func (a *Agent) run(ctx context.Context, state graph.State) (*graph.Command, error) {
	threadID, err := agents.StringFrom(state, agents.StateKeyThreadID)
	if err != nil {
		return nil, err
	}
	symbol, err := agents.StringFrom(state, agents.StateKeySelectedSymbol)
	if err != nil {
		return nil, err
	}
	blog := boundary.NewLogger(threadID)

	reports, fundRef, err := consume[fundamental.Reports](ctx, a, blog, state,
		agents.StateKeyFundamentalRef, contract.KindFinancialReports)
	if err != nil {
		return nil, err
	}
	headlines, newsRef, err := consume[news.List](ctx, a, blog, state,
		agents.StateKeyNewsRef, contract.KindNewsItemsList)
	if err != nil {
		return nil, err
	}
	techReport, techRef, err := consume[technical.Report](ctx, a, blog, state,
		agents.StateKeyTechnicalRef, contract.KindTechnicalReport)
	if err != nil {
		return nil, err
	}

	graph.EmitterFrom(ctx).Delta(fmt.Sprintf("Weighing the evidence on %s...", symbol))
	verdict := decide(symbol, reports, headlines, techReport,
		[]artifact.Reference{fundRef, newsRef, techRef})

	ref, err := a.port.Save(ctx, threadID, verdict)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactOut, boundary.Incident{
			Node:         NodeRun,
			ContractKind: contract.KindDebateVerdict,
			ErrorCode:    graph.ErrorCode(err),
			Message:      err.Error(),
			Replay: &boundary.Replay{
				CurrentNode:       NodeRun,
				ArtifactRefs:      verdict.Inputs,
				StateSnapshotHash: boundary.HashState(state),
			},
		})
		return nil, err
	}
	blog.OK(boundary.CrossingArtifactOut, NodeRun)

	summary := fmt.Sprintf("%s on %s at %.0f%% confidence",
		verdict.Verdict, symbol, verdict.Confidence*100)
	return &graph.Command{
		Update: graph.State{
			agents.StateKeyVerdictRef: agents.RefValue(ref),
			agents.StateKeyMessages:   []any{summary},
		},
		Output: &event.AgentOutput{
			Kind:    contract.KindDebateVerdict,
			Version: contract.VersionV1,
			Summary: summary,
			Preview: map[string]any{
				"symbol":     symbol,
				"verdict":    verdict.Verdict,
				"confidence": verdict.Confidence,
			},
			Reference: &ref,
		},
	}, nil
}

// consume loads one analysis artifact through the consumption policy: kind
// check at the store, allow-list check against the actual producer, then the
// boundary conversion into the typed record.
func consume[T any](ctx context.Context, a *Agent, blog *boundary.Logger,
	state graph.State, key, kind string) (T, artifact.Reference, error) {
	var value T
	ref, err := agents.RefFrom(state, key)
	if err != nil {
		return value, ref, err
	}
	env, err := a.svc.Load(ctx, ref.ArtifactID, kind)
	if err != nil {
		blog.Fail(boundary.CrossingArtifactIn, boundary.Incident{
			Node:         NodeRun,
			ArtifactID:   ref.ArtifactID,
			ContractKind: kind,
			ErrorCode:    graph.ErrorCode(err),
			Message:      err.Error(),
		})
		return value, ref, err
	}
	if err := a.registry.Authorize(contract.AgentDebate, env.ProducedBy, kind); err != nil {
		blog.Fail(boundary.CrossingConsumption, boundary.Incident{
			Node:         NodeRun,
			ArtifactID:   ref.ArtifactID,
			ContractKind: kind,
			ErrorCode:    event.CodeValidation,
			Message:      err.Error(),
		})
		return value, ref, err
	}
	blog.OK(boundary.CrossingConsumption, NodeRun)

	data, err := json.Marshal(env.Data)
	if err != nil {
		return value, ref, fmt.Errorf("re-encode %s payload: %w", kind, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, ref, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return value, ref, nil
}

// decide is the deterministic verdict function. No randomness, no clocks:
// content addressing then guarantees the same inputs yield the same
// artifact id.
func decide(symbol string, reports fundamental.Reports, headlines news.List,
	tech technical.Report, inputs []artifact.Reference) Verdict {
	score := 0.0
	bull := make([]string, 0, 4)
	bear := make([]string, 0, 4)

	if n := len(reports.Reports); n > 0 {
		first := reports.Reports[0]
		latest := reports.Reports[n-1]
		switch {
		case n > 1 && latest.Revenue.Value > first.Revenue.Value:
			score += 0.3
			bull = append(bull, fmt.Sprintf("Revenue grew from %.0f to %.0f across %d periods",
				first.Revenue.Value, latest.Revenue.Value, n))
		case n > 1 && latest.Revenue.Value < first.Revenue.Value:
			score -= 0.3
			bear = append(bear, fmt.Sprintf("Revenue declined from %.0f to %.0f across %d periods",
				first.Revenue.Value, latest.Revenue.Value, n))
		case latest.NetIncome.Value > 0:
			score += 0.15
			bull = append(bull, fmt.Sprintf("Positive net income of %.0f in %s",
				latest.NetIncome.Value, latest.Period))
		default:
			score -= 0.15
			bear = append(bear, fmt.Sprintf("Negative net income in %s", latest.Period))
		}
	}

	if avg, ok := newsSentiment(headlines.Items); ok {
		switch {
		case avg > 0.1:
			score += 0.3
			bull = append(bull, fmt.Sprintf("News sentiment is positive (%.2f) over %d items",
				avg, len(headlines.Items)))
		case avg < -0.1:
			score -= 0.3
			bear = append(bear, fmt.Sprintf("News sentiment is negative (%.2f) over %d items",
				avg, len(headlines.Items)))
		}
	}

	switch tech.Trend {
	case technical.TrendUp:
		score += 0.4
		bull = append(bull, fmt.Sprintf("Technical trend is up with a %s signal", tech.Signal.Type))
	case technical.TrendDown:
		score -= 0.4
		bear = append(bear, fmt.Sprintf("Technical trend is down with a %s signal", tech.Signal.Type))
	}

	verdict := contract.VerdictHold
	if score >= 0.5 {
		verdict = contract.VerdictBuy
	} else if score <= -0.5 {
		verdict = contract.VerdictSell
	}
	confidence := 0.5 + min(abs(score), 0.9)/2

	return Verdict{
		Symbol:     symbol,
		Verdict:    verdict,
		Confidence: confidence,
		BullPoints: bull,
		BearPoints: bear,
		Inputs:     inputs,
	}
}

// newsSentiment averages item scores, falling back to a coarse value per
// sentiment label when no score is present.
func newsSentiment(items []news.Item) (float64, bool) {
	if len(items) == 0 {
		return 0, false
	}
	total := 0.0
	for _, item := range items {
		switch {
		case item.Score != nil:
			total += *item.Score
		case item.Sentiment == contract.SentimentBullish:
			total += 0.5
		case item.Sentiment == contract.SentimentBearish:
			total -= 0.5
		}
	}
	return total / float64(len(items)), true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
