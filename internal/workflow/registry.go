package workflow

import (
	"sort"
	"sync"
)

// Registry holds registered definitions. Create one at process start and
// pass it to whoever needs it; there is no package-level registry.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Register validates def and stores a copy of it.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return &DefinitionError{WorkflowID: def.ID, Kind: ErrDuplicateWorkflow}
	}
	r.defs[def.ID] = def.clone()
	return nil
}

// Remove drops the definition registered under id and reports whether one
// was there.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return false
	}
	delete(r.defs, id)
	return true
}

// Get returns a copy of the definition registered under id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// IDs returns registered workflow ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns copies of all definitions, sorted by id.
func (r *Registry) List() []Definition {
	ids := r.IDs()
	out := make([]Definition, 0, len(ids))
	for _, id := range ids {
		if def, ok := r.Get(id); ok {
			out = append(out, def)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
