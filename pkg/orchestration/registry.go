package orchestration

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps definition ids to definitions.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

func NewRegistry(definitions ...*Definition) (*Registry, error) {
	r := &Registry{definitions: make(map[string]*Definition)}

	for _, definition := range definitions {
		err := r.Register(definition)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) Register(definition *Definition) error {
	if definition == nil {
		return NewValidationError("", "definition cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[definition.ID()]; exists {
		return NewValidationError(definition.ID(), "definition already registered")
	}

	r.definitions[definition.ID()] = definition

	return nil
}

func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, ok := r.definitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}

	return definition, nil
}

// Definitions returns the registered definitions ordered by id.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]*Definition, 0, len(r.definitions))
	for _, definition := range r.definitions {
		definitions = append(definitions, definition)
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].ID() < definitions[j].ID()
	})

	return definitions
}
