//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := NewSaver(WithClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cp(threadID string, seq int64) *graph.Checkpoint {
	return &graph.Checkpoint{
		ThreadID:      threadID,
		CheckpointSeq: seq,
		CreatedAt:     time.Now().UTC(),
		State:         graph.State{"ticker": "GOOG"},
		Frontier:      []string{"analyze"},
		LastSeqID:     seq * 2,
	}
}

func TestNewSaverRequiresClientOrURL(t *testing.T) {
	_, err := NewSaver()
	require.Error(t, err)
}

func TestLatestReturnsNilWhenEmpty(t *testing.T) {
	s := newTestSaver(t)
	got, err := s.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutAndLatest(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, cp("t1", 1)))
	require.NoError(t, s.Put(ctx, cp("t1", 2)))

	got, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.CheckpointSeq)
	assert.Equal(t, "GOOG", got.State["ticker"])
	assert.Equal(t, []string{"analyze"}, got.Frontier)
	assert.Equal(t, int64(4), got.LastSeqID)
}

func TestPendingInterruptSurvivesRoundTrip(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()

	stored := cp("t1", 1)
	stored.Interrupt = &graph.PendingInterrupt{
		Request: event.InterruptRequest{
			Type:   "ticker_selection",
			Title:  "Select a ticker",
			Schema: json.RawMessage(`{"type":"object"}`),
		},
		NodeID:     "resolve",
		AgentID:    "intent",
		Successors: []string{"analyze"},
	}
	require.NoError(t, s.Put(ctx, stored))

	got, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.Interrupt)
	assert.Equal(t, "resolve", got.Interrupt.NodeID)
	assert.Equal(t, []string{"analyze"}, got.Interrupt.Successors)
	assert.JSONEq(t, `{"type":"object"}`, string(got.Interrupt.Request.Schema))
}

func TestListMostRecentFirst(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, s.Put(ctx, cp("t1", seq)))
	}

	cps, err := s.List(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, int64(4), cps[0].CheckpointSeq)
	assert.Equal(t, int64(3), cps[1].CheckpointSeq)

	all, err := s.List(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestThreadsAreIsolated(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, cp("t1", 1)))
	require.NoError(t, s.Put(ctx, cp("t2", 7)))

	got, err := s.Latest(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.CheckpointSeq)
}

func TestDeleteThread(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, cp("t1", 1)))
	require.NoError(t, s.Put(ctx, cp("t1", 2)))
	require.NoError(t, s.DeleteThread(ctx, "t1"))

	got, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
