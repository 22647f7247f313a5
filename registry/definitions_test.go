package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/store/memory"
)

func TestValidate(t *testing.T) {
	valid := model.PipelineDefinition{
		Name:      "checkout",
		NodeGroup: "wg",
		Steps:     []model.StepSpec{{StepType: "echo"}},
	}
	require.NoError(t, registry.Validate(valid))

	for name, mutate := range map[string]func(def *model.PipelineDefinition){
		"missing name":       func(d *model.PipelineDefinition) { d.Name = "" },
		"missing node group": func(d *model.PipelineDefinition) { d.NodeGroup = "" },
		"no steps":           func(d *model.PipelineDefinition) { d.Steps = nil },
		"empty step":         func(d *model.PipelineDefinition) { d.Steps = []model.StepSpec{{}} },
		"ambiguous step": func(d *model.PipelineDefinition) {
			d.Steps = []model.StepSpec{{StepType: "echo", Pipeline: "other"}}
		},
		"self reference": func(d *model.PipelineDefinition) {
			d.Steps = []model.StepSpec{{Pipeline: "checkout"}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			def := valid
			mutate(&def)
			require.Error(t, registry.Validate(def))
		})
	}
}

func TestDefinitionService(t *testing.T) {
	ctx := context.Background()
	coord := memory.NewMemoryStore(memory.DefaultConfig())
	svc := registry.NewDefinitionService(registry.NewInMemoryDefinitions(), coord)

	def := model.PipelineDefinition{
		Name:      "checkout",
		NodeGroup: "wg",
		Steps:     []model.StepSpec{{StepType: "echo"}},
	}
	require.NoError(t, svc.Save(ctx, def))

	got, err := svc.Resolve(ctx, "checkout")
	require.NoError(t, err)
	require.Equal(t, "wg", got.NodeGroup)
	require.Len(t, got.Steps, 1)

	// resolving again serves the cached copy; mutating it must not leak back
	got.NodeGroup = "poisoned"
	again, err := svc.Resolve(ctx, "checkout")
	require.NoError(t, err)
	require.Equal(t, "wg", again.NodeGroup)

	_, err = svc.Resolve(ctx, "missing")
	require.Error(t, err)

	require.Error(t, svc.Save(ctx, model.PipelineDefinition{Name: "bad"}))
}

func TestCallbacks(t *testing.T) {
	calls := registry.NewCallbacks[func() int]("test")
	require.NoError(t, calls.Register("one", func() int { return 1 }))
	require.Error(t, calls.Register("one", func() int { return 2 }))
	require.Error(t, calls.Register("", func() int { return 3 }))
	require.Error(t, calls.Register("nil", nil))

	fn, ok := calls.Resolve("one")
	require.True(t, ok)
	require.Equal(t, 1, fn())

	_, ok = calls.Resolve("missing")
	require.False(t, ok)
	require.Equal(t, []string{"one"}, calls.Names())
}
