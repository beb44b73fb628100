//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-finagent-go/agents/fundamental"
	"trpc.group/trpc-go/trpc-finagent-go/agents/intent"
	"trpc.group/trpc-go/trpc-finagent-go/agents/news"
	"trpc.group/trpc-go/trpc-finagent-go/agents/pipeline"
	"trpc.group/trpc-go/trpc-finagent-go/agents/technical"
	artifactmem "trpc.group/trpc-go/trpc-finagent-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-finagent-go/contract"
	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/eventbus"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
	checkpointmem "trpc.group/trpc-go/trpc-finagent-go/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-finagent-go/workflow"
)

func score(v float64) *float64 { return &v }

func testProviders() pipeline.Providers {
	return pipeline.Providers{
		Resolve: func(_ context.Context, query string) ([]intent.Candidate, error) {
			if query == "google" {
				return []intent.Candidate{
					{Symbol: "GOOG", Title: "Alphabet Inc. Class C"},
					{Symbol: "GOOGL", Title: "Alphabet Inc. Class A"},
				}, nil
			}
			return []intent.Candidate{{Symbol: "AAPL", Title: "Apple Inc."}}, nil
		},
		Fundamental: func(_ context.Context, symbol string) (*fundamental.Reports, error) {
			return &fundamental.Reports{
				Symbol:   symbol,
				Currency: "USD",
				Reports: []fundamental.Report{
					{
						Period:    "2024-Q4",
						Revenue:   fundamental.Metric{Value: 86000, Provenance: "10-K", Source: "edgar", Confidence: 0.98},
						NetIncome: fundamental.Metric{Value: 20600, Provenance: "10-K", Source: "edgar", Confidence: 0.98},
						EPS:       fundamental.NullableMetric{Provenance: "10-K", Source: "edgar", Confidence: 0.5},
					},
					{
						Period:    "2025-Q1",
						Revenue:   fundamental.Metric{Value: 90200, Provenance: "10-Q", Source: "edgar", Confidence: 0.97},
						NetIncome: fundamental.Metric{Value: 23400, Provenance: "10-Q", Source: "edgar", Confidence: 0.97},
						EPS:       fundamental.NullableMetric{Value: score(1.89), Provenance: "10-Q", Source: "edgar", Confidence: 0.97},
					},
				},
			}, nil
		},
		News: func(_ context.Context, symbol string) (news.Fetched, error) {
			return news.Fetched{
				Items: []news.Item{
					{ID: "n1", Title: symbol + " beats estimates", Sentiment: contract.SentimentBullish, Score: score(0.8)},
				},
			}, nil
		},
		Technical: func(_ context.Context, symbol string) (*technical.Report, error) {
			return &technical.Report{
				Symbol:     symbol,
				Indicators: map[string]float64{"rsi": 61.2},
				Trend:      technical.TrendUp,
				Signal:     technical.Crossover(172.4, 158.9),
			}, nil
		},
	}
}

type harness struct {
	server *Server
	sched  *workflow.Scheduler
	store  *artifactmem.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := contract.NewDomainRegistry()
	store := artifactmem.New(registry)
	g, err := pipeline.NewGraph(store, registry, testProviders())
	require.NoError(t, err)

	bus := eventbus.New()
	saver := checkpointmem.NewSaver()
	exec, err := graph.NewExecutor(g, bus, saver)
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	sched := workflow.NewScheduler(exec, bus, saver,
		workflow.WithAgents(pipeline.AgentIDs()...))
	return &harness{server: New(sched, store), sched: sched, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

// start posts a fresh run and waits for it to settle.
func (h *harness) start(t *testing.T, threadID, message string) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/stream",
		streamRequest{ThreadID: threadID, Message: message})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp streamResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ThreadID)
	<-h.sched.Wait(resp.ThreadID)
	return resp.ThreadID
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) *workflow.ThreadState {
	t.Helper()
	var state workflow.ThreadState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	return &state
}

func TestStartRunsThreadToCompletion(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodGet, "/thread/"+threadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decodeState(t, w)
	assert.Equal(t, event.RunDone, state.RunStatus)
	assert.False(t, state.IsRunning)
	assert.Positive(t, state.LastSeqID)
	require.NotEmpty(t, state.Messages)
	assert.Equal(t, workflow.RoleUser, state.Messages[0].Role)
	assert.Equal(t, "apple", state.Messages[0].Content)
}

func TestStartRequiresMessage(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/stream", streamRequest{ThreadID: "t1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "message")
}

func TestInterruptPausesAndResumeContinues(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "t1", "google")

	w := h.do(t, http.MethodGet, "/thread/"+threadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decodeState(t, w)
	assert.Equal(t, event.RunPaused, state.RunStatus)
	require.NotNil(t, state.PendingInterrupt)
	assert.Equal(t, intent.InterruptTypeTickerSelection, state.PendingInterrupt.Type)

	// Starting a paused thread is a conflict.
	w = h.do(t, http.MethodPost, "/stream",
		streamRequest{ThreadID: threadID, Message: "google"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// A payload outside the schema's enum is rejected with field detail and
	// moves nothing.
	w = h.do(t, http.MethodPost, "/stream", streamRequest{
		ThreadID:      threadID,
		ResumePayload: map[string]any{"selected_symbol": "AAPL"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var invalid struct {
		Detail []validationError `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &invalid))
	require.NotEmpty(t, invalid.Detail)
	assert.Contains(t, invalid.Detail[0].Loc, "selected_symbol")
	assert.Equal(t, "validation_error", invalid.Detail[0].Type)

	paused := h.do(t, http.MethodGet, "/thread/"+threadID, nil)
	assert.Equal(t, state.LastSeqID, decodeState(t, paused).LastSeqID)

	w = h.do(t, http.MethodPost, "/stream", streamRequest{
		ThreadID:      threadID,
		ResumePayload: map[string]any{"selected_symbol": "GOOGL"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	<-h.sched.Wait(threadID)

	w = h.do(t, http.MethodGet, "/thread/"+threadID, nil)
	state = decodeState(t, w)
	assert.Equal(t, event.RunDone, state.RunStatus)
	assert.Nil(t, state.PendingInterrupt)
}

func TestResumeWithoutInterruptConflicts(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodPost, "/stream", streamRequest{
		ThreadID:      threadID,
		ResumePayload: map[string]any{"selected_symbol": "AAPL"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestThreadAgentsReportStatuses(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodGet, "/thread/"+threadID+"/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses map[string]event.AgentState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	for _, agentID := range pipeline.AgentIDs() {
		assert.Equal(t, event.AgentDone, statuses[agentID], agentID)
	}
}

func TestHistoryPaginates(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodGet, "/history/"+threadID+"?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page workflow.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	// Newest first; the cursor is the oldest id on the page.
	assert.Greater(t, page.Messages[0].ID, page.Messages[1].ID)
	assert.Equal(t, page.Messages[1].ID, page.NextBefore)

	// Walking the cursor lands on the user's query as the oldest message.
	for page.HasMore {
		w = h.do(t, http.MethodGet,
			fmt.Sprintf("/history/%s?before=%d&limit=2", threadID, page.NextBefore), nil)
		require.Equal(t, http.StatusOK, w.Code)
		page = workflow.HistoryPage{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.NotEmpty(t, page.Messages)
	}
	oldest := page.Messages[len(page.Messages)-1]
	assert.Equal(t, int64(1), oldest.ID)
	assert.Equal(t, workflow.RoleUser, oldest.Role)
	assert.Equal(t, "apple", oldest.Content)
}

func TestUnknownThreadIs404(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/thread/nope", "/thread/nope/agents", "/history/nope", "/stream/nope",
	} {
		w := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestArtifactLookup(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodGet, "/thread/"+threadID, nil)
	state := decodeState(t, w)
	debate := state.Agents[contract.AgentDebate]
	require.NotNil(t, debate)
	require.NotNil(t, debate.Output)
	assert.Equal(t, contract.KindDebateVerdict, debate.Output.Kind)

	w = h.do(t, http.MethodGet, "/api/artifacts/"+debate.Output.ArtifactID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Kind    string         `json:"kind"`
		Version string         `json:"version"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, contract.KindDebateVerdict, env.Kind)
	assert.Equal(t, contract.VersionV1, env.Version)
	assert.Equal(t, "AAPL", env.Data["symbol"])

	w = h.do(t, http.MethodGet, "/api/artifacts/art-bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// sseFrames reads every data frame from an SSE body.
func sseFrames(t *testing.T, body *bufio.Scanner) []string {
	t.Helper()
	var frames []string
	for body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestStreamSSEReplaysFromOffset(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/" + threadID + "?after=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := sseFrames(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, frames)
	assert.Equal(t, "null", frames[len(frames)-1])

	var first event.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	assert.Equal(t, int64(3), first.SeqID)
	for i, frame := range frames[:len(frames)-1] {
		var evt event.Event
		require.NoError(t, json.Unmarshal([]byte(frame), &evt))
		assert.Equal(t, int64(i+3), evt.SeqID)
		assert.Equal(t, event.ProtocolV1, evt.ProtocolVersion)
	}
}

func TestBadCursorIs400(t *testing.T) {
	h := newHarness(t)
	threadID := h.start(t, "", "apple")

	w := h.do(t, http.MethodGet, "/history/"+threadID+"?before=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodGet, "/history/"+threadID+"?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
