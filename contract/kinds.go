//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package contract

// Artifact kinds exchanged between the research agents.
const (
	KindIntentRequest    = "intent.request"
	KindFinancialReports = "fundamental.financial_reports"
	KindNewsItemsList    = "news.items_list"
	KindTechnicalReport  = "technical.full_report"
	KindDebateVerdict    = "debate.verdict"
	VersionV1            = "v1"
)

// Agent identifiers. These namespace node ids, artifact producers and the
// consumption allow-lists.
const (
	AgentIntent      = "intent"
	AgentFundamental = "fundamental"
	AgentNews        = "news"
	AgentTechnical   = "technical"
	AgentDebate      = "debate"
)

// Sentiment values carried by news items.
const (
	SentimentBullish = "bullish"
	SentimentBearish = "bearish"
	SentimentNeutral = "neutral"
)

// Verdict values produced by the debate agent.
const (
	VerdictBuy  = "buy"
	VerdictHold = "hold"
	VerdictSell = "sell"
)

func referenceField() *Field {
	return Object(map[string]*Field{
		"artifact_id": Str(),
		"kind":        Str(),
		"version":     Str(),
	})
}

// NewDomainRegistry builds the process-wide registry with every research
// kind registered and the cross-agent allow-lists installed. It is called
// exactly once at startup; runtime mutation is forbidden by convention.
func NewDomainRegistry() *Registry {
	r := NewRegistry()

	r.Register(KindIntentRequest, VersionV1, &Schema{
		ElideNulls: true,
		Root: Object(map[string]*Field{
			"query":           Str(),
			"candidates":      Opt(List(Str())),
			"selected_symbol": Opt(Null(Str())),
		}),
	})

	// The fundamental kind retains explicit null sentinels so traceable
	// fields stay inspectable when a value is missing at the source.
	r.Register(KindFinancialReports, VersionV1, &Schema{
		ElideNulls: false,
		Root: Object(map[string]*Field{
			"symbol":   Str(),
			"currency": StrEnum("USD", "EUR", "GBP", "JPY", "CNY"),
			"reports": List(Object(map[string]*Field{
				"period":     Str(),
				"revenue":    Traceable(Num()),
				"net_income": Traceable(Num()),
				"eps":        Traceable(Null(Num())),
			})),
		}),
	})

	r.Register(KindNewsItemsList, VersionV1, &Schema{
		ElideNulls: true,
		Root: Object(map[string]*Field{
			"symbol": Opt(Str()),
			"news_items": List(Object(map[string]*Field{
				"id":           Str(),
				"title":        Str(),
				"url":          Opt(Str()),
				"published_at": Opt(Str()),
				"sentiment":    StrEnum(SentimentBullish, SentimentBearish, SentimentNeutral),
				"score":        Opt(NumRange(-1, 1)),
			})),
		}),
	})

	r.Register(KindTechnicalReport, VersionV1, &Schema{
		ElideNulls: true,
		Root: Object(map[string]*Field{
			"symbol":     Str(),
			"indicators": MapOf(Num()),
			"trend":      StrEnum("up", "down", "sideways"),
			"signal": Union("type", map[string]*Field{
				"crossover": Object(map[string]*Field{
					"type": Str(),
					"fast": Num(),
					"slow": Num(),
				}),
				"momentum": Object(map[string]*Field{
					"type":  Str(),
					"value": Num(),
				}),
			}),
		}),
	})

	r.Register(KindDebateVerdict, VersionV1, &Schema{
		ElideNulls: true,
		Root: Object(map[string]*Field{
			"symbol":      Str(),
			"verdict":     StrEnum(VerdictBuy, VerdictHold, VerdictSell),
			"confidence":  NumRange(0, 1),
			"bull_points": List(Str()),
			"bear_points": List(Str()),
			"inputs":      List(referenceField()),
		}),
	})

	// Cross-agent consumption policy: debate is the only consumer of the
	// three analysis reports; every agent may read the resolved intent.
	r.Allow(AgentDebate, AgentFundamental, KindFinancialReports)
	r.Allow(AgentDebate, AgentNews, KindNewsItemsList)
	r.Allow(AgentDebate, AgentTechnical, KindTechnicalReport)
	for _, consumer := range []string{AgentFundamental, AgentNews, AgentTechnical, AgentDebate} {
		r.Allow(consumer, AgentIntent, KindIntentRequest)
	}
	return r
}
