package binding

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/CapSens/etlify/crm"
)

var (
	errMissingSerializer = errors.New("binding requires a serializer")
	errMissingObjectType = errors.New("binding requires a crm object type")
)

// Registry maps (resource type, crm name) to a Binding and keeps a
// prototype per model so job handlers can materialize records from their
// string arguments. Registration happens during process initialization;
// Freeze makes later registration a programming error.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	models   map[string]reflect.Type
	bindings map[string]map[string]*Binding
}

func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]reflect.Type),
		bindings: make(map[string]map[string]*Binding),
	}
}

// Register binds model (a struct or pointer-to-struct prototype) to a CRM.
func (r *Registry) Register(model any, crmName string, b *Binding) error {
	if b == nil {
		return fmt.Errorf("binding for %T is nil", model)
	}
	if err := b.validate(); err != nil {
		return fmt.Errorf("invalid binding for %T: %w", model, err)
	}

	typ := indirectType(model)
	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("model prototype must be a struct, got %T", model)
	}
	name := typ.Name()
	key := crm.Canonical(crmName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("binding registry is frozen, cannot register %s/%s", name, key)
	}

	r.models[name] = typ
	if r.bindings[name] == nil {
		r.bindings[name] = make(map[string]*Binding)
	}
	r.bindings[name][key] = b
	return nil
}

// Freeze forbids further registration. Lookups after Freeze never race.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the binding for (resourceType, crmName).
func (r *Registry) Lookup(resourceType, crmName string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[resourceType][crm.Canonical(crmName)]
	return b, ok
}

// BindingsFor returns the per-CRM bindings declared for resourceType.
func (r *Registry) BindingsFor(resourceType string) map[string]*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Binding, len(r.bindings[resourceType]))
	for name, b := range r.bindings[resourceType] {
		out[name] = b
	}
	return out
}

// NewRecord returns a fresh *Model for the named resource type, for
// loading by primary key.
func (r *Registry) NewRecord(resourceType string) (any, bool) {
	r.mu.RLock()
	typ, ok := r.models[resourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.New(typ).Interface(), true
}

// ResourceTypes returns the registered model names, sorted.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func indirectType(model any) reflect.Type {
	typ := reflect.TypeOf(model)
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return typ
}
