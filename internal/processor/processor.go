package processor

import (
	"encoding/json"
	"fmt"

	"gridkv/internal/common"
)

// Entry is the view of one key handed to a processor. Changes made through it
// are applied atomically with the read once the processor returns without
// error, and discarded otherwise.
type Entry interface {
	Key() string
	Exists() bool
	Value() []byte
	SetValue(v []byte)
	Remove()
}

// Processor is an atomic read-modify-write step on one key. It must not call
// back into the grid.
type Processor interface {
	Process(e Entry, args json.RawMessage) (any, error)
}

// Func adapts a function to Processor.
type Func func(e Entry, args json.RawMessage) (any, error)

func (f Func) Process(e Entry, args json.RawMessage) (any, error) {
	return f(e, args)
}

// Mutation is the outcome of running a processor against an entry.
type Mutation struct {
	Changed bool
	Remove  bool
	Value   []byte
}

// view is the Entry implementation used by Execute.
type view struct {
	key     string
	value   []byte
	exists  bool
	changed bool
}

func (v *view) Key() string   { return v.key }
func (v *view) Exists() bool  { return v.exists }
func (v *view) Value() []byte { return v.value }

func (v *view) SetValue(value []byte) {
	v.value = append([]byte(nil), value...)
	v.exists = true
	v.changed = true
}

func (v *view) Remove() {
	v.value = nil
	v.exists = false
	v.changed = true
}

// Execute runs p once against the current state of key and returns the
// JSON-encoded return value together with the mutation to apply. A processor
// error comes back as a ProcessorError and the mutation is empty.
func Execute(p Processor, key string, current []byte, exists bool, args json.RawMessage) (result json.RawMessage, m Mutation, err error) {
	v := &view{key: key, exists: exists}
	if exists {
		v.value = append([]byte(nil), current...)
	}

	defer func() {
		if r := recover(); r != nil {
			result, m, err = nil, Mutation{}, common.ProcessorFailure(fmt.Errorf("processor on %q panicked: %v", key, r))
		}
	}()

	ret, err := p.Process(v, args)
	if err != nil {
		return nil, Mutation{}, common.ProcessorFailure(err)
	}

	if ret != nil {
		result, err = json.Marshal(ret)
		if err != nil {
			return nil, Mutation{}, common.ProcessorFailure(fmt.Errorf("encode result of %q: %w", key, err))
		}
	}

	if !v.changed {
		return result, Mutation{}, nil
	}
	if !v.exists {
		// Removing an absent key changes nothing.
		if !exists {
			return result, Mutation{}, nil
		}
		return result, Mutation{Changed: true, Remove: true}, nil
	}
	return result, Mutation{Changed: true, Value: v.value}, nil
}
