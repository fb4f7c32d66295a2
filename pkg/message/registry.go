package message

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
)

// Factory returns a fresh pointer the payload of one message type decodes into.
type Factory func() any

// Registry maps message type names to payload factories. Build one during
// application wiring and hand it to every deserializer.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for typeName. Names are unique per registry.
func (r *Registry) Register(typeName string, factory Factory) error {
	name := strings.TrimSpace(typeName)
	if name == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "message type name is required")
	}
	if factory == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("factory for %q is required", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("message type %q already registered", name))
	}
	r.factories[name] = factory
	return nil
}

// RegisterType registers T under typeName; payloads decode into *T.
func RegisterType[T any](r *Registry, typeName string) error {
	return r.Register(typeName, func() any { return new(T) })
}

// MustRegisterType is RegisterType for wiring code that cannot recover.
func MustRegisterType[T any](r *Registry, typeName string) {
	if err := RegisterType[T](r, typeName); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(typeName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[typeName]
	return factory, ok
}

// Types lists the registered names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode unmarshals data into a fresh value of the type registered as
// typeName. An absent or null payload decodes to nil.
func (r *Registry) Decode(typeName string, data json.RawMessage) (any, error) {
	factory, ok := r.Lookup(typeName)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnknownMessageType, fmt.Sprintf("message type %q is not registered", typeName))
	}
	if isNullJSON(data) {
		return nil, nil
	}
	value := factory()
	if err := json.Unmarshal(data, value); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", typeName, err)
	}
	return value, nil
}

func isNullJSON(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
