// Package serializer provides the pluggable payload codec used whenever a
// mapped property can't be represented by a primitive SQLite storage class.
package serializer

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec converts between a Go value and its persisted byte representation.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// jsonCodec is the default codec, registered under "json".
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializer: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("serializer: unmarshal: %w", err)
	}
	return nil
}

// Registry is a named set of codecs, the default being "json".
type Registry struct {
	mu      sync.RWMutex
	codecs  map[string]Codec
	default_ string
}

// NewRegistry returns a Registry pre-populated with the JSON codec as default.
func NewRegistry() *Registry {
	r := &Registry{codecs: map[string]Codec{}, default_: "json"}
	r.Register(jsonCodec{})
	return r
}

// Register adds or replaces a codec under its own Name().
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// SetDefault changes which registered codec Default() returns.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[name]; !ok {
		return fmt.Errorf("serializer: unknown codec %q", name)
	}
	r.default_ = name
	return nil
}

// Default returns the registry's current default codec.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codecs[r.default_]
}

// Get looks up a codec by name.
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

var global = NewRegistry()

// Global returns the process-wide default registry, shared by Store
// instances that don't supply their own.
func Global() *Registry { return global }
