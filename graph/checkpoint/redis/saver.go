//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides Redis-backed checkpoint storage so paused threads
// survive process restarts and resume on any instance sharing the store.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-finagent-go/graph"
)

const (
	defaultTTL = time.Hour * 24 * 7

	keyPrefixData  = "finagent:ckpt:data:"
	keyPrefixIndex = "finagent:ckpt:index:"
)

func dataKey(threadID string, seq int64) string {
	return keyPrefixData + threadID + ":" + strconv.FormatInt(seq, 10)
}

func indexKey(threadID string) string {
	return keyPrefixIndex + threadID
}

// Options configures the redis checkpoint saver.
type Options struct {
	url    string
	client redis.UniversalClient
	ttl    time.Duration
}

// Option is a functional option for the saver.
type Option func(*Options)

// WithRedisClientURL creates the redis client from a URL.
func WithRedisClientURL(url string) Option {
	return func(opts *Options) { opts.url = url }
}

// WithClient injects an existing redis client. Takes precedence over
// WithRedisClientURL.
func WithClient(client redis.UniversalClient) Option {
	return func(opts *Options) { opts.client = client }
}

// WithTTL sets how long checkpoint data lives in redis.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl > 0 {
			opts.ttl = ttl
		}
	}
}

// Saver persists checkpoints in redis: one JSON value per checkpoint plus a
// per-thread index sorted by checkpoint seq.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	once   sync.Once
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates a redis-backed checkpoint saver.
func NewSaver(options ...Option) (*Saver, error) {
	opts := Options{ttl: defaultTTL}
	for _, option := range options {
		option(&opts)
	}
	client := opts.client
	if client == nil {
		if opts.url == "" {
			return nil, errors.New("redis checkpoint saver requires a client or a URL")
		}
		redisOpts, err := redis.ParseURL(opts.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
	}
	return &Saver{opts: opts, client: client}, nil
}

// Close releases the redis client.
func (s *Saver) Close() error {
	var err error
	s.once.Do(func() { err = s.client.Close() })
	return err
}

// Put stores a checkpoint and indexes it by seq.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dataKey(cp.ThreadID, cp.CheckpointSeq), data, s.opts.ttl)
	pipe.ZAdd(ctx, indexKey(cp.ThreadID), redis.Z{
		Score:  float64(cp.CheckpointSeq),
		Member: strconv.FormatInt(cp.CheckpointSeq, 10),
	})
	pipe.Expire(ctx, indexKey(cp.ThreadID), s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store checkpoint %d for %s: %w", cp.CheckpointSeq, cp.ThreadID, err)
	}
	return nil
}

// Latest returns the most recent checkpoint for the thread, nil when none.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	cps, err := s.List(ctx, threadID, 1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// List returns up to limit checkpoints for the thread, most recent first.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	seqs, err := s.client.ZRevRange(ctx, indexKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", threadID, err)
	}
	out := make([]*graph.Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		n, err := strconv.ParseInt(seq, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint seq %q: %w", seq, err)
		}
		data, err := s.client.Get(ctx, dataKey(threadID, n)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Data expired ahead of the index entry.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %d for %s: %w", n, threadID, err)
		}
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	seqs, err := s.client.ZRange(ctx, indexKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list checkpoints for %s: %w", threadID, err)
	}
	keys := make([]string, 0, len(seqs)+1)
	for _, seq := range seqs {
		n, err := strconv.ParseInt(seq, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, dataKey(threadID, n))
	}
	keys = append(keys, indexKey(threadID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", threadID, err)
	}
	return nil
}

func decode(data []byte) (*graph.Checkpoint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cp graph.Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
