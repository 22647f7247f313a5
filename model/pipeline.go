package model

// PipelineDefinition describes a named pipeline: the node group owning its
// execution and the ordered child steps it expands into. Definitions are
// populated out of band and resolved by name at start time.
type PipelineDefinition struct {
	Name      string     `json:"name"`
	NodeGroup string     `json:"nodeGroup"`
	Steps     []StepSpec `json:"steps"`
}

type StepSpec struct {
	StepType string         `json:"stepType,omitempty"`
	Pipeline string         `json:"pipeline,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}
