//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package pipeline composes the per-agent subgraphs into the research
// pipeline: intent resolution, a parallel analysis round across the three
// analysts, and the debate join.
package pipeline

import (
	"trpc.group/trpc-go/trpc-finagent-go/agents"
	"trpc.group/trpc-go/trpc-finagent-go/agents/debate"
	"trpc.group/trpc-go/trpc-finagent-go/agents/fundamental"
	"trpc.group/trpc-go/trpc-finagent-go/agents/intent"
	"trpc.group/trpc-go/trpc-finagent-go/agents/news"
	"trpc.group/trpc-go/trpc-finagent-go/agents/technical"
	"trpc.group/trpc-go/trpc-finagent-go/artifact"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

// Providers are the injected data sources the analysts call. They are the
// only seam external systems enter through.
type Providers struct {
	Resolve     intent.Resolver
	Fundamental fundamental.Provider
	News        news.Provider
	Technical   technical.Provider
}

// AgentIDs lists the pipeline's agents in presentation order.
func AgentIDs() []string {
	return []string{
		contract.AgentIntent,
		contract.AgentFundamental,
		contract.AgentNews,
		contract.AgentTechnical,
		contract.AgentDebate,
	}
}

// NewGraph builds the compiled pipeline graph over the artifact store and
// contract registry.
func NewGraph(svc artifact.Service, registry *contract.Registry,
	providers Providers) (*graph.Graph, error) {
	intentAgent := intent.New(svc, providers.Resolve)
	fundamentalAgent := fundamental.New(svc, providers.Fundamental)
	newsAgent := news.New(svc, providers.News)
	technicalAgent := technical.New(svc, providers.Technical)
	debateAgent := debate.New(svc, registry)

	analysts := []string{
		fundamental.NodeAnalyze,
		news.NodeAnalyze,
		technical.NodeAnalyze,
	}

	sg := graph.NewStateGraph(agents.NewStateSchema()).
		AddSubgraph(intentAgent.Subgraph()).
		AddSubgraph(fundamentalAgent.Subgraph()).
		AddSubgraph(newsAgent.Subgraph()).
		AddSubgraph(technicalAgent.Subgraph()).
		AddSubgraph(debateAgent.Subgraph()).
		AddFanOut(intent.NodePlan, analysts, debate.NodeRun).
		SetEntryPoint(intent.NodeResolve).
		SetFinishPoint(debate.NodeRun)
	for _, analyst := range analysts {
		sg.AddEdge(analyst, debate.NodeRun)
	}
	return sg.Compile()
}
