//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package contract

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	// ErrUnknownKind indicates the kind has never been registered.
	ErrUnknownKind = errors.New("unknown contract kind")
	// ErrUnknownVersion indicates the kind exists but not at this version.
	ErrUnknownVersion = errors.New("unknown contract version")
	// ErrUnauthorizedKind indicates a consumer requested a kind outside its
	// allow-list for the given producer.
	ErrUnauthorizedKind = errors.New("kind is not on the consumer allow-list")
)

type entryKey struct {
	kind    string
	version string
}

// Registry maps (kind, version) to schemas and enforces cross-agent
// consumption policy. It is initialized once at startup; Register after that
// point indicates a wiring bug and panics.
type Registry struct {
	mu      sync.RWMutex
	entries map[entryKey]*Schema
	// allow: consumer -> producer -> kind set.
	allow map[string]map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[entryKey]*Schema),
		allow:   make(map[string]map[string]map[string]struct{}),
	}
}

// Register binds a schema to (kind, version). Registering the same pair twice
// is fatal at startup.
func (r *Registry) Register(kind, version string, schema *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKey{kind: kind, version: version}
	if _, exists := r.entries[key]; exists {
		panic(fmt.Sprintf("contract: duplicate registration for %s %s", kind, version))
	}
	r.entries[key] = schema
}

// Schema returns the schema registered for (kind, version).
func (r *Registry) Schema(kind, version string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if schema, known := r.entries[entryKey{kind: kind, version: version}]; known {
		return schema, nil
	}
	for key := range r.entries {
		if key.kind == kind {
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownVersion, kind, version)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// Parse validates raw bytes against the registered schema and returns the
// canonical DTO form (maps, slices, json.Number). Unknown passthrough fields
// are dropped; any other deviation fails with a path-accurate SchemaError.
func (r *Registry) Parse(kind, version string, raw []byte) (any, error) {
	schema, err := r.Schema(kind, version)
	if err != nil {
		return nil, err
	}
	value, err := Decode(raw)
	if err != nil {
		return nil, &SchemaError{Path: "$", Reason: err.Error()}
	}
	if err := schema.Validate(value); err != nil {
		return nil, err
	}
	return schema.Root.prune(value, false), nil
}

// Serialize validates the value and renders it in canonical JSON form under
// the kind's null policy.
func (r *Registry) Serialize(kind, version string, value any) ([]byte, error) {
	schema, err := r.Schema(kind, version)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(value); err != nil {
		return nil, err
	}
	return Canonicalize(schema.Root.prune(value, schema.ElideNulls))
}

// Allow grants consumer access to the given kinds produced by producer.
func (r *Registry) Allow(consumer, producer string, kinds ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProducer, ok := r.allow[consumer]
	if !ok {
		byProducer = make(map[string]map[string]struct{})
		r.allow[consumer] = byProducer
	}
	set, ok := byProducer[producer]
	if !ok {
		set = make(map[string]struct{})
		byProducer[producer] = set
	}
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
}

// AllowedConsumptionKinds returns the kinds consumer may request from
// producer, sorted for stable iteration.
func (r *Registry) AllowedConsumptionKinds(consumer, producer string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.allow[consumer][producer]
	kinds := make([]string, 0, len(set))
	for kind := range set {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Authorize fails with ErrUnauthorizedKind when consumer may not read kind
// from producer.
func (r *Registry) Authorize(consumer, producer, kind string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.allow[consumer][producer][kind]; !ok {
		return fmt.Errorf("%w: %s reading %s from %s", ErrUnauthorizedKind, consumer, kind, producer)
	}
	return nil
}
