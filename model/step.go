package model

// Step is one node in a transaction's execution tree, either a leaf action
// or a nested pipeline whose definition is resolved by name at start time.
type Step struct {
	StepId       string         `json:"stepId"`
	ParentStepId string         `json:"parentStepId,omitempty"`
	Level        int            `json:"level"`
	Path         string         `json:"path"`
	Definition   StepDefinition `json:"stepDefinition"`
	Status       Status         `json:"status"`
	Input        map[string]any `json:"stepInput,omitempty"`
	Output       map[string]any `json:"stepOutput,omitempty"`
	OnComplete   OnComplete     `json:"onComplete"`
}

// StepDefinition names either a concrete step type or a pipeline to be
// resolved from the definition registry. Exactly one of the two is set.
type StepDefinition struct {
	StepType string `json:"stepType,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
}

func (d StepDefinition) IsPipeline() bool {
	return d.Pipeline != ""
}

// OnComplete records which callback finishes this step. The completion token
// is single-use: a step-completed event carrying any other token is rejected
// as a protocol violation.
type OnComplete struct {
	Callback string         `json:"callback"`
	Context  map[string]any `json:"context,omitempty"`
	Token    string         `json:"completionToken"`
}
