package processor

import (
	"encoding/json"
	"fmt"
)

// TypedEntry reads and writes an Entry as JSON-encoded T.
type TypedEntry[T any] struct {
	Entry
}

// Get decodes the current value. The zero T is returned for an absent key.
func (e TypedEntry[T]) Get() (T, error) {
	var v T
	if !e.Exists() {
		return v, nil
	}
	if err := json.Unmarshal(e.Value(), &v); err != nil {
		return v, fmt.Errorf("decode %q: %w", e.Key(), err)
	}
	return v, nil
}

func (e TypedEntry[T]) Set(v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", e.Key(), err)
	}
	e.SetValue(data)
	return nil
}

// Typed adapts a function over a JSON-encoded entry and decoded arguments.
func Typed[T, A any](fn func(e TypedEntry[T], args A) (any, error)) Func {
	return func(e Entry, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		return fn(TypedEntry[T]{Entry: e}, args)
	}
}

// Args encodes processor arguments.
func Args(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Result decodes a processor return value. An empty result leaves the zero R.
func Result[R any](raw json.RawMessage) (R, error) {
	var r R
	if len(raw) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode processor result: %w", err)
	}
	return r, nil
}
