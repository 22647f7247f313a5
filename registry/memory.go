package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/sankem/flowtx/model"
)

var _ DefinitionStorage = (*InMemoryDefinitions)(nil)

// InMemoryDefinitions keeps definitions in process memory. Suitable for
// tests and single-node deployments.
type InMemoryDefinitions struct {
	mu   sync.RWMutex
	defs map[string]model.PipelineDefinition
}

func NewInMemoryDefinitions() *InMemoryDefinitions {
	return &InMemoryDefinitions{
		defs: make(map[string]model.PipelineDefinition),
	}
}

func (s *InMemoryDefinitions) SaveDefinition(ctx context.Context, def model.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
	return nil
}

func (s *InMemoryDefinitions) GetDefinition(ctx context.Context, name string) (*model.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("pipeline definition %s not found", name)
	}
	return &def, nil
}

func (s *InMemoryDefinitions) DeleteDefinition(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}
