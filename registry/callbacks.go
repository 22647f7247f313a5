package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// Callbacks maps stable string keys to statically-typed handlers. Handlers
// are referenced by name inside persisted state, so the key set must stay
// stable across restarts; registration happens once at startup and is
// validated there rather than at call sites.
type Callbacks[T any] struct {
	mu       sync.RWMutex
	kind     string
	handlers map[string]T
}

func NewCallbacks[T any](kind string) *Callbacks[T] {
	return &Callbacks[T]{
		kind:     kind,
		handlers: make(map[string]T),
	}
}

func (c *Callbacks[T]) Register(name string, handler T) error {
	if name == "" {
		return fmt.Errorf("%s handler requires a name", c.kind)
	}
	if v := reflect.ValueOf(handler); v.Kind() == reflect.Func && v.IsNil() {
		return fmt.Errorf("%s handler %s is nil", c.kind, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("%s handler %s already registered", c.kind, name)
	}
	c.handlers[name] = handler
	return nil
}

func (c *Callbacks[T]) Resolve(name string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handler, ok := c.handlers[name]
	return handler, ok
}

func (c *Callbacks[T]) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	return names
}
