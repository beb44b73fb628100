//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

// Package contract is the single source of truth for cross-agent payload
// shapes. It maps (kind, version) pairs to schemas and routes every parse and
// serialize through strict, fail-fast validation.
package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FieldKind enumerates the value shapes the schema model supports.
type FieldKind int

const (
	// KindString is a string field, optionally constrained to an enum.
	KindString FieldKind = iota
	// KindNumber is a numeric field with optional range constraints.
	KindNumber
	// KindBool is a boolean field.
	KindBool
	// KindList is an ordered sequence of Elem values.
	KindList
	// KindMap is a string-keyed mapping to Elem values.
	KindMap
	// KindObject is a record with named Fields.
	KindObject
	// KindUnion is a sum type discriminated by the Tag field.
	KindUnion
	// KindTraceable is a composite of value, provenance, source and confidence.
	KindTraceable
)

// Field describes one schema node.
type Field struct {
	Kind FieldKind

	// Optional marks a field that may be absent from its parent object.
	Optional bool
	// Nullable marks a field that may carry an explicit null.
	Nullable bool

	// Enum constrains a string field to a closed set.
	Enum []string
	// Min and Max constrain a number field inclusively.
	Min *float64
	Max *float64

	// Elem is the element schema for lists, maps and traceable values.
	Elem *Field
	// Fields holds the members of an object.
	Fields map[string]*Field
	// Passthrough permits unknown fields on an object; they are dropped at
	// parse time rather than rejected.
	Passthrough bool

	// Tag is the discriminator field name for unions.
	Tag string
	// Variants maps discriminator values to the variant object schema.
	Variants map[string]*Field
}

// Schema is a registered payload shape together with its serialize policy.
type Schema struct {
	Root *Field
	// ElideNulls drops explicit null values during serialization. Kinds that
	// carry traceable null sentinels keep this false.
	ElideNulls bool
}

// SchemaError reports a validation failure with the exact path that failed.
type SchemaError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Path, e.Reason)
}

func violation(path, format string, args ...any) error {
	return &SchemaError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks value against the schema. The value must be decoded JSON
// (maps, slices, strings, json.Number, bool, nil). Validation is fail-fast
// and never coerces.
func (s *Schema) Validate(value any) error {
	return s.Root.validate(value, "$")
}

func (f *Field) validate(value any, path string) error {
	if value == nil {
		if f.Nullable {
			return nil
		}
		return violation(path, "null is not permitted")
	}
	switch f.Kind {
	case KindString:
		return f.validateString(value, path)
	case KindNumber:
		return f.validateNumber(value, path)
	case KindBool:
		if _, ok := value.(bool); !ok {
			return violation(path, "expected bool, got %T", value)
		}
		return nil
	case KindList:
		return f.validateList(value, path)
	case KindMap:
		return f.validateMap(value, path)
	case KindObject:
		return f.validateObject(value, path)
	case KindUnion:
		return f.validateUnion(value, path)
	case KindTraceable:
		return f.validateTraceable(value, path)
	default:
		return violation(path, "unknown field kind %d", f.Kind)
	}
}

func (f *Field) validateString(value any, path string) error {
	s, ok := value.(string)
	if !ok {
		return violation(path, "expected string, got %T", value)
	}
	if len(f.Enum) == 0 {
		return nil
	}
	for _, allowed := range f.Enum {
		if s == allowed {
			return nil
		}
	}
	return violation(path, "value %q is not in enum %v", s, f.Enum)
}

func numberValue(value any) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		v, err := n.Float64()
		return v, err == nil
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (f *Field) validateNumber(value any, path string) error {
	v, ok := numberValue(value)
	if !ok {
		return violation(path, "expected number, got %T", value)
	}
	if f.Min != nil && v < *f.Min {
		return violation(path, "value %v is below minimum %v", v, *f.Min)
	}
	if f.Max != nil && v > *f.Max {
		return violation(path, "value %v is above maximum %v", v, *f.Max)
	}
	return nil
}

func (f *Field) validateList(value any, path string) error {
	items, ok := value.([]any)
	if !ok {
		return violation(path, "expected list, got %T", value)
	}
	for i, item := range items {
		if err := f.Elem.validate(item, path+"["+strconv.Itoa(i)+"]"); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) validateMap(value any, path string) error {
	m, ok := value.(map[string]any)
	if !ok {
		return violation(path, "expected mapping, got %T", value)
	}
	for k, v := range m {
		if err := f.Elem.validate(v, path+"."+k); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) validateObject(value any, path string) error {
	m, ok := value.(map[string]any)
	if !ok {
		return violation(path, "expected object, got %T", value)
	}
	for name, field := range f.Fields {
		v, present := m[name]
		if !present {
			if field.Optional {
				continue
			}
			return violation(path+"."+name, "required field is missing")
		}
		if err := field.validate(v, path+"."+name); err != nil {
			return err
		}
	}
	if !f.Passthrough {
		for name := range m {
			if _, known := f.Fields[name]; !known {
				return violation(path+"."+name, "unknown field")
			}
		}
	}
	return nil
}

func (f *Field) validateUnion(value any, path string) error {
	m, ok := value.(map[string]any)
	if !ok {
		return violation(path, "expected tagged object, got %T", value)
	}
	tagValue, present := m[f.Tag]
	if !present {
		return violation(path+"."+f.Tag, "missing union discriminator")
	}
	tag, ok := tagValue.(string)
	if !ok {
		return violation(path+"."+f.Tag, "discriminator must be a string")
	}
	variant, known := f.Variants[tag]
	if !known {
		return violation(path+"."+f.Tag, "unknown discriminator %q", tag)
	}
	return variant.validate(value, path)
}

// Traceable member names.
const (
	traceableValue      = "value"
	traceableProvenance = "provenance"
	traceableSource     = "source"
	traceableConfidence = "confidence"
)

func (f *Field) validateTraceable(value any, path string) error {
	m, ok := value.(map[string]any)
	if !ok {
		return violation(path, "expected traceable object, got %T", value)
	}
	inner, present := m[traceableValue]
	if !present {
		return violation(path+".value", "required field is missing")
	}
	if err := f.Elem.validate(inner, path+".value"); err != nil {
		return err
	}
	for _, name := range []string{traceableProvenance, traceableSource} {
		v, present := m[name]
		if !present {
			return violation(path+"."+name, "required field is missing")
		}
		if _, ok := v.(string); !ok {
			return violation(path+"."+name, "expected string, got %T", v)
		}
	}
	conf, present := m[traceableConfidence]
	if !present {
		return violation(path+".confidence", "required field is missing")
	}
	v, ok := numberValue(conf)
	if !ok {
		return violation(path+".confidence", "expected number, got %T", conf)
	}
	if v < 0 || v > 1 {
		return violation(path+".confidence", "confidence %v is outside [0,1]", v)
	}
	for name := range m {
		switch name {
		case traceableValue, traceableProvenance, traceableSource, traceableConfidence:
		default:
			return violation(path+"."+name, "unknown field")
		}
	}
	return nil
}

// prune returns value with unknown passthrough fields dropped and, per
// policy, nulls elided. Validation must have succeeded before pruning.
func (f *Field) prune(value any, elideNulls bool) any {
	if value == nil {
		return nil
	}
	switch f.Kind {
	case KindList:
		items := value.([]any)
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, f.Elem.prune(item, elideNulls))
		}
		return out
	case KindMap:
		m := value.(map[string]any)
		out := make(map[string]any, len(m))
		for k, v := range m {
			if v == nil && elideNulls {
				continue
			}
			out[k] = f.Elem.prune(v, elideNulls)
		}
		return out
	case KindObject:
		m := value.(map[string]any)
		out := make(map[string]any, len(f.Fields))
		for name, field := range f.Fields {
			v, present := m[name]
			if !present {
				continue
			}
			if v == nil && elideNulls {
				continue
			}
			out[name] = field.prune(v, elideNulls)
		}
		return out
	case KindUnion:
		m := value.(map[string]any)
		tag := m[f.Tag].(string)
		return f.Variants[tag].prune(value, elideNulls)
	case KindTraceable:
		m := value.(map[string]any)
		out := map[string]any{
			traceableProvenance: m[traceableProvenance],
			traceableSource:     m[traceableSource],
			traceableConfidence: m[traceableConfidence],
		}
		inner := m[traceableValue]
		if inner == nil && !elideNulls {
			out[traceableValue] = nil
		} else if inner != nil {
			out[traceableValue] = f.Elem.prune(inner, elideNulls)
		} else {
			out[traceableValue] = nil
		}
		return out
	default:
		return value
	}
}

// Helper constructors keep kind declarations compact.

// Str returns a plain string field.
func Str() *Field { return &Field{Kind: KindString} }

// StrEnum returns a string field constrained to the given closed set.
func StrEnum(values ...string) *Field { return &Field{Kind: KindString, Enum: values} }

// Num returns a number field.
func Num() *Field { return &Field{Kind: KindNumber} }

// NumRange returns a number field with inclusive bounds.
func NumRange(min, max float64) *Field {
	return &Field{Kind: KindNumber, Min: &min, Max: &max}
}

// Bool returns a boolean field.
func Bool() *Field { return &Field{Kind: KindBool} }

// List returns an ordered sequence of elem.
func List(elem *Field) *Field { return &Field{Kind: KindList, Elem: elem} }

// MapOf returns a string-keyed mapping to elem.
func MapOf(elem *Field) *Field { return &Field{Kind: KindMap, Elem: elem} }

// Object returns a record with the given members.
func Object(fields map[string]*Field) *Field {
	return &Field{Kind: KindObject, Fields: fields}
}

// Union returns a sum type discriminated by tag.
func Union(tag string, variants map[string]*Field) *Field {
	return &Field{Kind: KindUnion, Tag: tag, Variants: variants}
}

// Traceable returns a value carrying provenance, source and confidence.
func Traceable(elem *Field) *Field { return &Field{Kind: KindTraceable, Elem: elem} }

// Opt marks the field optional.
func Opt(f *Field) *Field {
	f.Optional = true
	return f
}

// Null marks the field nullable.
func Null(f *Field) *Field {
	f.Nullable = true
	return f
}
