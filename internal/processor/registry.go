package processor

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Processor)
)

// Register makes a processor callable by name on every node. Names are
// registered from init functions, so a duplicate is a programming error.
func Register(name string, p Processor) {
	if name == "" {
		log.Fatalf("processor name cannot be empty")
	}
	if p == nil {
		log.Fatalf("processor %q must not be nil", name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		log.Fatalf("processor with name %q already registered", name)
	}
	registry[name] = p
}

// Lookup returns the processor registered under name.
func Lookup(name string) (Processor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	p, ok := registry[name]
	return p, ok
}

// Invocation describes one processor call. Named invocations can be shipped to
// the owner of the key; anonymous ones only run where the key is hosted.
type Invocation struct {
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	proc Processor
}

// Named builds an invocation of a registered processor.
func Named(name string, args any) (Invocation, error) {
	if _, ok := Lookup(name); !ok {
		return Invocation{}, fmt.Errorf("processor %q is not registered", name)
	}
	raw, err := Args(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("encode arguments of %q: %w", name, err)
	}
	return Invocation{Name: name, Args: raw}, nil
}

// Anonymous builds an invocation of an unregistered processor.
func Anonymous(p Processor, args any) (Invocation, error) {
	raw, err := Args(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("encode arguments: %w", err)
	}
	return Invocation{Args: raw, proc: p}, nil
}

// Shippable reports whether the invocation can run on another node.
func (i Invocation) Shippable() bool {
	return i.proc == nil && i.Name != ""
}

// Resolve returns the processor to run.
func (i Invocation) Resolve() (Processor, error) {
	if i.proc != nil {
		return i.proc, nil
	}
	p, ok := Lookup(i.Name)
	if !ok {
		return nil, fmt.Errorf("processor %q is not registered", i.Name)
	}
	return p, nil
}

func (i Invocation) String() string {
	if i.Name != "" {
		return i.Name
	}
	return "anonymous"
}
