package registry

import (
	"context"
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/store"
)

// DefinitionStorage is the shared pipeline-definition registry. It is
// read-mostly from the engine's perspective; writes happen through the
// administrative surface.
type DefinitionStorage interface {
	SaveDefinition(ctx context.Context, def model.PipelineDefinition) error
	GetDefinition(ctx context.Context, name string) (*model.PipelineDefinition, error)
	DeleteDefinition(ctx context.Context, name string) error
}

// DefinitionService fronts the storage with a local cache and publishes each
// definition's owner group to the coordination store so startStep can route
// start-pipeline requests.
type DefinitionService struct {
	storage DefinitionStorage
	coord   store.Store
	cache   *c.Cache
}

func NewDefinitionService(storage DefinitionStorage, coord store.Store) *DefinitionService {
	return &DefinitionService{
		storage: storage,
		coord:   coord,
		cache:   c.New(1*time.Minute, 10*time.Minute),
	}
}

func (s *DefinitionService) Save(ctx context.Context, def model.PipelineDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if err := s.storage.SaveDefinition(ctx, def); err != nil {
		return err
	}
	if err := s.coord.RegisterPipeline(ctx, def.Name, def.NodeGroup); err != nil {
		return err
	}
	s.cache.Delete(def.Name)
	return nil
}

func (s *DefinitionService) Resolve(ctx context.Context, name string) (*model.PipelineDefinition, error) {
	if cached, found := s.cache.Get(name); found {
		def := cached.(model.PipelineDefinition)
		return &def, nil
	}
	def, err := s.storage.GetDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache.Set(name, *def, c.DefaultExpiration)
	return def, nil
}

func Validate(def model.PipelineDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("pipeline definition requires a name")
	}
	if def.NodeGroup == "" {
		return fmt.Errorf("pipeline %s requires an owner node group", def.Name)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", def.Name)
	}
	for i, step := range def.Steps {
		if step.StepType == "" && step.Pipeline == "" {
			return fmt.Errorf("pipeline %s step %d names neither a step type nor a pipeline", def.Name, i)
		}
		if step.StepType != "" && step.Pipeline != "" {
			return fmt.Errorf("pipeline %s step %d names both a step type and a pipeline", def.Name, i)
		}
		if step.Pipeline == def.Name {
			return fmt.Errorf("pipeline %s step %d references itself", def.Name, i)
		}
	}
	return nil
}
