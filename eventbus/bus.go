//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package eventbus delivers the per-thread event log to concurrent
// subscribers with strict ordering and resume-from-offset semantics. The
// log is append-only per thread; a single sequencer assigns seq ids under a
// per-thread lock, so delivery is strictly monotonic and gap-free.
package eventbus

import (
	"errors"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-finagent-go/event"
	"trpc.group/trpc-go/trpc-finagent-go/log"
)

// DefaultBufferHighWater is the per-subscriber buffer cap before the
// subscriber is disconnected with a SubscriberLagged terminal event.
const DefaultBufferHighWater = 256

// ErrThreadClosed indicates a publish to a thread whose stream was closed.
var ErrThreadClosed = errors.New("event stream closed for thread")

// Bus is an in-process event bus with one append-only log per thread.
type Bus struct {
	mu        sync.RWMutex
	threads   map[string]*threadLog
	highWater int
}

// Option configures the Bus.
type Option func(*Bus)

// WithBufferHighWater sets the per-subscriber buffer cap.
func WithBufferHighWater(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.highWater = n
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		threads:   make(map[string]*threadLog),
		highWater: DefaultBufferHighWater,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscriber struct {
	ch     chan *event.Event
	closed bool
	// reserve is an upper bound on replay events still buffered in ch. It
	// starts at the replay size and tightens as the consumer drains, so only
	// live deliveries count toward the lag high-water mark.
	reserve int
}

type threadLog struct {
	mu     sync.Mutex
	events []*event.Event
	subs   map[*subscriber]struct{}
	closed bool
}

func (b *Bus) thread(threadID string) *threadLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.threads[threadID]
	if !ok {
		tl = &threadLog{subs: make(map[*subscriber]struct{})}
		b.threads[threadID] = tl
	}
	return tl
}

// Publish assigns the next seq id atomically, persists the event to the log
// and wakes subscribers. A non-v1 envelope is fatal to the producer.
func (b *Bus) Publish(threadID string, evt *event.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish to %s: %w", threadID, err)
	}
	tl := b.thread(threadID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.closed {
		return fmt.Errorf("%w: %s", ErrThreadClosed, threadID)
	}
	evt.SeqID = int64(len(tl.events)) + 1
	tl.events = append(tl.events, evt)

	for sub := range tl.subs {
		if n := len(sub.ch); n < sub.reserve {
			sub.reserve = n
		}
		if len(sub.ch)-sub.reserve >= b.highWater {
			// The slow consumer let live deliveries pile past the high-water
			// mark; an undrained replay backlog does not count. Disconnect it
			// with a terminal lag event; the spare capacity slot guarantees
			// the terminal event itself fits.
			delete(tl.subs, sub)
			lagged := event.NewError("eventbus", "",
				event.CodeSubscriberLagged,
				"subscriber fell behind; re-subscribe with the last seq_id observed")
			lagged.SeqID = evt.SeqID
			sub.ch <- lagged
			close(sub.ch)
			sub.closed = true
			log.Warnf("eventbus: disconnected lagged subscriber on thread %s at seq %d",
				threadID, evt.SeqID)
			continue
		}
		sub.ch <- evt
	}
	return nil
}

// Subscribe replays events with seq_id > afterSeq, then delivers new events
// as they are published. The returned cancel function detaches the
// subscriber; the channel is closed on cancel, lag disconnect or CloseThread.
func (b *Bus) Subscribe(threadID string, afterSeq int64) (<-chan *event.Event, func()) {
	tl := b.thread(threadID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var replay []*event.Event
	if afterSeq < int64(len(tl.events)) {
		replay = tl.events[afterSeq:]
	}
	// Replay fits ahead of the live buffer; +1 reserves the terminal slot.
	sub := &subscriber{
		ch:      make(chan *event.Event, len(replay)+b.highWater+1),
		reserve: len(replay),
	}
	for _, evt := range replay {
		sub.ch <- evt
	}
	if tl.closed {
		close(sub.ch)
		sub.closed = true
		return sub.ch, func() {}
	}
	tl.subs[sub] = struct{}{}

	cancel := func() {
		tl.mu.Lock()
		defer tl.mu.Unlock()
		if _, ok := tl.subs[sub]; ok {
			delete(tl.subs, sub)
			close(sub.ch)
			sub.closed = true
		}
	}
	return sub.ch, cancel
}

// LatestSeq returns the last assigned seq id for the thread, zero when the
// thread has no events. Used for frontend rehydration.
func (b *Bus) LatestSeq(threadID string) int64 {
	b.mu.RLock()
	tl, ok := b.threads[threadID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return int64(len(tl.events))
}

// Events returns a snapshot of the log with seq_id > afterSeq.
func (b *Bus) Events(threadID string, afterSeq int64) []*event.Event {
	b.mu.RLock()
	tl, ok := b.threads[threadID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if afterSeq >= int64(len(tl.events)) {
		return nil
	}
	out := make([]*event.Event, len(tl.events)-int(afterSeq))
	copy(out, tl.events[afterSeq:])
	return out
}

// CloseThread marks the stream complete and closes every live subscriber.
// The log remains readable for replay by later subscribers.
func (b *Bus) CloseThread(threadID string) {
	tl := b.thread(threadID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.closed {
		return
	}
	tl.closed = true
	for sub := range tl.subs {
		delete(tl.subs, sub)
		close(sub.ch)
		sub.closed = true
	}
}

// Reopen clears the closed mark so a resumed run can continue the same log.
func (b *Bus) Reopen(threadID string) {
	tl := b.thread(threadID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.closed = false
}
