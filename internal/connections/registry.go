package connections

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the catalog of connection definitions by id. It is filled at
// startup, then sealed; after Seal it is read-only.
type Registry struct {
	mu           sync.RWMutex
	definitions  map[string]Definition
	fingerprints map[string]string
	order        []string // Registration order
	sealed       bool
}

func NewRegistry() *Registry {
	return &Registry{
		definitions:  make(map[string]Definition),
		fingerprints: make(map[string]string),
		order:        make([]string, 0),
	}
}

// Register adds def. Registering an identical definition again is a no-op;
// a higher version under the same id replaces the previous one; anything
// else under a taken id is a *DuplicateIDError.
func (r *Registry) Register(def Definition) error {
	if def == nil {
		return fmt.Errorf("connection definition cannot be nil")
	}
	id := strings.TrimSpace(def.ID())
	if id == "" {
		return fmt.Errorf("connection id cannot be empty")
	}
	fp := Fingerprint(def)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if existing, exists := r.definitions[id]; exists {
		switch {
		case r.fingerprints[id] == fp:
			return nil
		case def.Version() > existing.Version():
			r.definitions[id] = def
			r.fingerprints[id] = fp
			return nil
		default:
			return &DuplicateIDError{ID: id}
		}
	}
	r.definitions[id] = def
	r.fingerprints[id] = fp
	r.order = append(r.order, id)
	return nil
}

// Seal ends the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	def, ok := r.definitions[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, id)
	}
	return def, nil
}

// All returns all registered definitions in registration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, r.definitions[id])
	}
	return defs
}

func (r *Registry) List() []Metadata {
	defs := r.All()
	out := make([]Metadata, 0, len(defs))
	for _, def := range defs {
		out = append(out, MetadataOf(def))
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
