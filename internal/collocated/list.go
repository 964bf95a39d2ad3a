// Package collocated keeps small data structures under a single grid key so
// every operation is one entry processor call on the owning partition.
//
// All elements live on one partition and travel with every call, so a List
// is only suitable for bounded sizes.
package collocated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gridkv/internal/processor"
)

var ErrIndexOutOfRange = errors.New("index out of range")

const (
	procAppend   = "list-append"
	procInsert   = "list-insert"
	procGet      = "list-get"
	procSet      = "list-set"
	procRemove   = "list-remove"
	procSize     = "list-size"
	procContains = "list-contains"
	procClear    = "list-clear"

	procIndexOf     = "list-index-of"
	procLastIndexOf = "list-last-index-of"
	procRemoveValue = "list-remove-value"
	procAddAll      = "list-add-all"
	procIsEmpty     = "list-is-empty"
	procAll         = "list-all"
)

type elements = []json.RawMessage

type listArgs struct {
	Index  int               `json:"index"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Values []json.RawMessage `json:"values,omitempty"`
}

func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
	}
	return nil
}

// indexOf returns the position of the first element encoded as v, from the
// end when last is set, or -1.
func indexOf(list elements, v json.RawMessage, last bool) int {
	for i := range list {
		j := i
		if last {
			j = len(list) - 1 - i
		}
		if bytes.Equal(list[j], v) {
			return j
		}
	}
	return -1
}

// save writes list back, removing the entry once it is empty.
func save(e processor.TypedEntry[elements], list elements) error {
	if len(list) == 0 {
		e.Remove()
		return nil
	}
	return e.Set(list)
}

func init() {
	processor.Register(procAppend, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		list = append(list, a.Value)
		return len(list), e.Set(list)
	}))
	processor.Register(procInsert, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		// Inserting at len appends.
		if a.Index != len(list) {
			if err := checkIndex(a.Index, len(list)); err != nil {
				return nil, err
			}
		}
		list = append(list[:a.Index], append(elements{a.Value}, list[a.Index:]...)...)
		return len(list), e.Set(list)
	}))
	processor.Register(procGet, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		if err := checkIndex(a.Index, len(list)); err != nil {
			return nil, err
		}
		return list[a.Index], nil
	}))
	processor.Register(procSet, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		if err := checkIndex(a.Index, len(list)); err != nil {
			return nil, err
		}
		old := list[a.Index]
		list[a.Index] = a.Value
		return old, e.Set(list)
	}))
	processor.Register(procRemove, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		if err := checkIndex(a.Index, len(list)); err != nil {
			return nil, err
		}
		old := list[a.Index]
		list = append(list[:a.Index], list[a.Index+1:]...)
		return old, save(e, list)
	}))
	processor.Register(procSize, processor.Typed(func(e processor.TypedEntry[elements], _ any) (any, error) {
		list, err := e.Get()
		return len(list), err
	}))
	processor.Register(procContains, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		return indexOf(list, a.Value, false) >= 0, nil
	}))
	processor.Register(procClear, processor.Func(func(e processor.Entry, _ json.RawMessage) (any, error) {
		e.Remove()
		return nil, nil
	}))
	processor.Register(procIndexOf, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		return indexOf(list, a.Value, false), err
	}))
	processor.Register(procLastIndexOf, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		return indexOf(list, a.Value, true), err
	}))
	processor.Register(procRemoveValue, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		i := indexOf(list, a.Value, false)
		if i < 0 {
			return false, nil
		}
		list = append(list[:i], list[i+1:]...)
		return true, save(e, list)
	}))
	processor.Register(procAddAll, processor.Typed(func(e processor.TypedEntry[elements], a listArgs) (any, error) {
		list, err := e.Get()
		if err != nil {
			return nil, err
		}
		if len(a.Values) == 0 {
			return len(list), nil
		}
		list = append(list, a.Values...)
		return len(list), e.Set(list)
	}))
	processor.Register(procIsEmpty, processor.Typed(func(e processor.TypedEntry[elements], _ any) (any, error) {
		list, err := e.Get()
		return len(list) == 0, err
	}))
	processor.Register(procAll, processor.Typed(func(e processor.TypedEntry[elements], _ any) (any, error) {
		list, err := e.Get()
		if list == nil {
			list = elements{}
		}
		return list, err
	}))
}

// Invoker runs a processor against one key, as the grid node and a
// transaction both do.
type Invoker interface {
	Invoke(ctx context.Context, key string, inv processor.Invocation) (json.RawMessage, error)
}

// List is a list of JSON-encoded T stored as one array under key. An empty
// list has no entry.
type List[T any] struct {
	cache Invoker
	key   string
}

func NewList[T any](cache Invoker, key string) *List[T] {
	return &List[T]{cache: cache, key: key}
}

func (l *List[T]) Key() string {
	return l.key
}

func (l *List[T]) call(ctx context.Context, name string, index int, v *T) (json.RawMessage, error) {
	args := listArgs{Index: index}
	if v != nil {
		raw, err := l.encode(*v)
		if err != nil {
			return nil, err
		}
		args.Value = raw
	}
	return l.invoke(ctx, name, args)
}

func (l *List[T]) encode(v T) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode element of %q: %w", l.key, err)
	}
	return raw, nil
}

func (l *List[T]) invoke(ctx context.Context, name string, args listArgs) (json.RawMessage, error) {
	inv, err := processor.Named(name, args)
	if err != nil {
		return nil, err
	}
	return l.cache.Invoke(ctx, l.key, inv)
}

func element[T any](raw json.RawMessage) (T, error) {
	return processor.Result[T](raw)
}

// Append adds v at the end and returns the new size.
func (l *List[T]) Append(ctx context.Context, v T) (int, error) {
	raw, err := l.call(ctx, procAppend, 0, &v)
	if err != nil {
		return 0, err
	}
	return processor.Result[int](raw)
}

// Insert puts v at index, shifting the following elements.
func (l *List[T]) Insert(ctx context.Context, index int, v T) error {
	_, err := l.call(ctx, procInsert, index, &v)
	return err
}

func (l *List[T]) Get(ctx context.Context, index int) (T, error) {
	raw, err := l.call(ctx, procGet, index, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return element[T](raw)
}

// Set replaces the element at index and returns the previous one.
func (l *List[T]) Set(ctx context.Context, index int, v T) (T, error) {
	raw, err := l.call(ctx, procSet, index, &v)
	if err != nil {
		var zero T
		return zero, err
	}
	return element[T](raw)
}

// RemoveAt deletes the element at index and returns it.
func (l *List[T]) RemoveAt(ctx context.Context, index int) (T, error) {
	raw, err := l.call(ctx, procRemove, index, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return element[T](raw)
}

func (l *List[T]) Size(ctx context.Context) (int, error) {
	raw, err := l.call(ctx, procSize, 0, nil)
	if err != nil {
		return 0, err
	}
	return processor.Result[int](raw)
}

// Contains compares the JSON encoding of v with the stored elements.
func (l *List[T]) Contains(ctx context.Context, v T) (bool, error) {
	raw, err := l.call(ctx, procContains, 0, &v)
	if err != nil {
		return false, err
	}
	return processor.Result[bool](raw)
}

func (l *List[T]) Clear(ctx context.Context) error {
	_, err := l.call(ctx, procClear, 0, nil)
	return err
}

// IndexOf returns the position of the first element equal to v, or -1.
func (l *List[T]) IndexOf(ctx context.Context, v T) (int, error) {
	raw, err := l.call(ctx, procIndexOf, 0, &v)
	if err != nil {
		return -1, err
	}
	return processor.Result[int](raw)
}

func (l *List[T]) LastIndexOf(ctx context.Context, v T) (int, error) {
	raw, err := l.call(ctx, procLastIndexOf, 0, &v)
	if err != nil {
		return -1, err
	}
	return processor.Result[int](raw)
}

// Remove deletes the first element equal to v and reports whether there was
// one.
func (l *List[T]) Remove(ctx context.Context, v T) (bool, error) {
	raw, err := l.call(ctx, procRemoveValue, 0, &v)
	if err != nil {
		return false, err
	}
	return processor.Result[bool](raw)
}

// AddAll appends vs in one step and returns the new size. Concurrent
// appends never interleave with them.
func (l *List[T]) AddAll(ctx context.Context, vs ...T) (int, error) {
	args := listArgs{Values: make([]json.RawMessage, 0, len(vs))}
	for _, v := range vs {
		raw, err := l.encode(v)
		if err != nil {
			return 0, err
		}
		args.Values = append(args.Values, raw)
	}
	raw, err := l.invoke(ctx, procAddAll, args)
	if err != nil {
		return 0, err
	}
	return processor.Result[int](raw)
}

func (l *List[T]) IsEmpty(ctx context.Context) (bool, error) {
	raw, err := l.call(ctx, procIsEmpty, 0, nil)
	if err != nil {
		return false, err
	}
	return processor.Result[bool](raw)
}

// All returns a snapshot of the whole list read in one step.
func (l *List[T]) All(ctx context.Context) ([]T, error) {
	raw, err := l.call(ctx, procAll, 0, nil)
	if err != nil {
		return nil, err
	}
	return processor.Result[[]T](raw)
}
