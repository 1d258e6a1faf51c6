package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tessellate-io/loom/pkg/types"
)

// Value is an input or output at the callable boundary. Exactly one of
// Bytes/Data is meaningful for outputs: raw slots carry Bytes, structured
// slots carry Data (encoded by the runtime). Inputs of non-strict callables
// may instead carry Err.
type Value struct {
	Slot     string
	Encoding types.Encoding
	Bytes    []byte
	Data     any
	Err      *types.ErrorRecord
}

// Ok reports whether the value holds data rather than an upstream error.
func (v Value) Ok() bool {
	return v.Err == nil
}

// Call is the resolved invocation context handed to callables and subdag
// generators. Inputs follow the funsie's declared slot order.
type Call struct {
	Op     *types.Operation
	Funsie *types.Funsie
	Inputs []Value
}

// Input returns the input value bound to the named slot.
func (c *Call) Input(slot string) (Value, bool) {
	for _, v := range c.Inputs {
		if v.Slot == slot {
			return v, true
		}
	}
	return Value{}, false
}

// Callable is a user-registered in-process operation. It returns one Value
// per declared output slot, in order.
type Callable func(ctx context.Context, call *Call) ([]Value, error)

// Registry resolves stable user-assigned names to executable bodies on the
// worker side. The name participates in the funsie hash; the body does not,
// which is what lets cache hits cross machines.
type Registry struct {
	mu         sync.RWMutex
	callables  map[string]Callable
	generators map[string]Generator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		callables:  make(map[string]Callable),
		generators: make(map[string]Generator),
	}
}

// Register binds a callable body to a name. Names must be unique.
func (r *Registry) Register(name string, fn Callable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callables[name]; exists {
		return fmt.Errorf("callable %q already registered", name)
	}
	r.callables[name] = fn
	return nil
}

// RegisterGenerator binds a subdag generator body to a name.
func (r *Registry) RegisterGenerator(name string, fn Generator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.generators[name]; exists {
		return fmt.Errorf("generator %q already registered", name)
	}
	r.generators[name] = fn
	return nil
}

func (r *Registry) callable(name string) (Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callables[name]
	return fn, ok
}

func (r *Registry) generator(name string) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.generators[name]
	return fn, ok
}
