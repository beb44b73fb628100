//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
)

// DeltaEmitter streams incremental content from a running node. Deltas are
// best-effort progress; dropped deltas lose no state, the authoritative
// output is the node's artifact reference.
type DeltaEmitter interface {
	Delta(content string)
}

type emitterKey struct{}

// ContextWithEmitter attaches a delta emitter to the context. The executor
// installs one per node invocation.
func ContextWithEmitter(ctx context.Context, e DeltaEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// EmitterFrom returns the delta emitter from the context, or a no-op one so
// node code can emit unconditionally.
func EmitterFrom(ctx context.Context) DeltaEmitter {
	if e, ok := ctx.Value(emitterKey{}).(DeltaEmitter); ok {
		return e
	}
	return noopEmitter{}
}

type noopEmitter struct{}

func (noopEmitter) Delta(string) {}
