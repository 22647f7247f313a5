package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/flow"
	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

// ErrTokenMismatch rejects a step-completed event whose token does not match
// the step's recorded single-use token. The event is dropped without mutating
// any state; the duplicate or stale sender is the bug, not this node.
var ErrTokenMismatch = errors.New("completion token does not match step's recorded token")

var ErrUnknownHandler = errors.New("no handler registered for step type")

// Completion callback names persisted inside step state. They must stay
// stable across releases.
const CallbackCompleteTransaction = "transaction.complete"
const CallbackAdvancePipeline = "pipeline.advance"

// Context keys carried on a pipeline child's onComplete record.
const ctxKeyPipelineStep = "pipelineStepId"
const ctxKeyChildIndex = "childIndex"

// StepHandler executes one leaf step. It runs fire-and-forget from the
// worker's perspective and must conclude through exactly one of the
// StepContext's Complete, Sleep or WaitOnSwitch calls.
type StepHandler func(ctx context.Context, sc *StepContext) error

// CompletionCallback continues control flow after a verified step-completed
// event. Resolved by the name recorded on the step's onComplete.
type CompletionCallback func(ctx context.Context, ftx *flow.Tx, step *model.Step, event model.Event) error

// TransactionListener observes transaction-changed and transaction-completed
// notifications with a snapshot of the transaction.
type TransactionListener func(snapshot model.Transaction)

// Engine dispatches dequeued events. It owns the callback registries and the
// builtin completion callbacks that drive pipelines and terminal transitions.
type Engine struct {
	coord       store.Store
	durable     persistence.Storage
	definitions *registry.DefinitionService
	steps       *registry.Callbacks[StepHandler]
	completions *registry.Callbacks[CompletionCallback]
	listeners   []TransactionListener
	collector   *metrics.Collector
	encoder     util.EncoderDecoder[model.Transaction]
}

func NewEngine(coord store.Store, durable persistence.Storage, definitions *registry.DefinitionService, collector *metrics.Collector) *Engine {
	e := &Engine{
		coord:       coord,
		durable:     durable,
		definitions: definitions,
		collector:   collector,
		steps:       registry.NewCallbacks[StepHandler]("step"),
		completions: registry.NewCallbacks[CompletionCallback]("completion"),
		encoder:     util.NewJsonEncoderDecoder[model.Transaction](),
	}
	_ = e.completions.Register(CallbackCompleteTransaction, e.completeTransaction)
	_ = e.completions.Register(CallbackAdvancePipeline, e.advancePipeline)
	return e
}

// RegisterStepHandler binds a step type to its handler. Handlers are
// referenced by step type inside persisted state, so registration happens
// once before workers start and the names must stay stable.
func (e *Engine) RegisterStepHandler(stepType string, handler StepHandler) error {
	return e.steps.Register(stepType, handler)
}

// AddListener registers a notification listener. Not safe to call after
// workers have started.
func (e *Engine) AddListener(listener TransactionListener) {
	e.listeners = append(e.listeners, listener)
}

// Dispatch routes one dequeued event. Errors are reported to the caller for
// logging; a failed dispatch leaves durable state unchanged and the
// transaction becomes eligible for the exception-detection path.
func (e *Engine) Dispatch(ctx context.Context, qe model.QueuedEvent) error {
	switch qe.Kind {
	case model.EVENT_STEP_START:
		return e.dispatchStepStart(ctx, qe)
	case model.EVENT_STEP_COMPLETED:
		return e.dispatchStepCompleted(ctx, qe)
	case model.EVENT_TX_CHANGED, model.EVENT_TX_COMPLETED:
		return e.dispatchNotification(qe)
	}
	return fmt.Errorf("unknown event kind %s", qe.Kind)
}

func (e *Engine) wrap(qe model.QueuedEvent) (*flow.Tx, error) {
	tx, err := e.encoder.Decode(qe.State)
	if err != nil {
		return nil, fmt.Errorf("malformed state for transaction %s: %w", qe.TxId, err)
	}
	ftx := flow.Wrap(tx)
	ftx.SetDurable(e.durable)
	return ftx, nil
}

func (e *Engine) dispatchStepStart(ctx context.Context, qe model.QueuedEvent) error {
	ftx, err := e.wrap(qe)
	if err != nil {
		return err
	}
	tx := ftx.Transaction()
	step := tx.Steps[qe.StepId]
	if step == nil {
		return fmt.Errorf("transaction %s has no step %s", qe.TxId, qe.StepId)
	}
	if step.Status != model.STATUS_QUEUED {
		return fmt.Errorf("step %s is %s, want %s", step.StepId, step.Status, model.STATUS_QUEUED)
	}
	if tx.Status == model.STATUS_QUEUED || tx.Status == model.STATUS_SLEEPING {
		if err := ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "run"); err != nil {
			return err
		}
	}

	if len(tx.FlowLog) == 0 {
		ftx.AddChild(-1, model.FLOW_ENTRY_TX_START, "")
	}
	parentIdx := 0
	if step.ParentStepId != "" {
		parentIdx = e.runEntryIndex(tx, step.ParentStepId)
		if parentIdx < 0 {
			parentIdx = 0
		}
	}
	entryType := model.FLOW_ENTRY_STEP_RUN
	if step.Definition.IsPipeline() {
		entryType = model.FLOW_ENTRY_PIPELINE_START
	}
	entry := ftx.AddChild(parentIdx, entryType, step.StepId)

	if err := ftx.Delta(step.StepId, model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "stepStart"); err != nil {
		return err
	}
	if err := ftx.MarkStarted(entry); err != nil {
		return err
	}

	if step.Definition.IsPipeline() {
		return e.startPipeline(ctx, ftx, step)
	}

	handler, ok := e.steps.Resolve(step.Definition.StepType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, step.Definition.StepType)
	}
	state, err := e.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	if err := e.coord.SaveState(ctx, tx.TxId, state); err != nil {
		return err
	}
	sc := &StepContext{
		engine:  e,
		ftx:     ftx,
		stepId:  step.StepId,
		entry:   entry,
		event:   qe.Event,
		started: time.Now(),
	}
	go e.runStep(context.WithoutCancel(ctx), handler, sc)
	return nil
}

// runStep executes a handler off the worker goroutine. The handler owns the
// transaction until it concludes; a handler error without a concluding call
// fails the step.
func (e *Engine) runStep(ctx context.Context, handler StepHandler, sc *StepContext) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("step handler panicked",
				zap.String("txId", sc.TxId()), zap.String("stepId", sc.stepId), zap.Any("panic", r))
		}
	}()
	if err := handler(ctx, sc); err != nil {
		logger.Error("step handler failed",
			zap.String("txId", sc.TxId()), zap.String("stepId", sc.stepId), zap.Error(err))
		finErr := sc.Complete(ctx, model.STATUS_FAILED, map[string]any{"error": err.Error()})
		if finErr != nil && !errors.Is(finErr, ErrStepConcluded) {
			logger.Error("failed to record step failure",
				zap.String("txId", sc.TxId()), zap.String("stepId", sc.stepId), zap.Error(finErr))
		}
	}
}

func (e *Engine) startPipeline(ctx context.Context, ftx *flow.Tx, step *model.Step) error {
	tx := ftx.Transaction()
	def, err := e.definitions.Resolve(ctx, step.Definition.Pipeline)
	if err != nil {
		return err
	}
	childId, err := e.addPipelineChild(ftx, step, def, 0, step.Input)
	if err != nil {
		return err
	}
	state, err := e.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	_, err = e.coord.StartStep(ctx, store.StartStepRequest{
		Mode:     model.START_PIPELINE,
		TxId:     tx.TxId,
		Pipeline: def.Name,
		State:    state,
		Event:    model.Event{Kind: model.EVENT_STEP_START, TxId: tx.TxId, StepId: childId},
	})
	return err
}

// addPipelineChild materializes the child at index, carrying the previous
// child's output into its input on top of the definition's static input.
func (e *Engine) addPipelineChild(ftx *flow.Tx, parent *model.Step, def *model.PipelineDefinition, index int, carried map[string]any) (string, error) {
	spec := def.Steps[index]
	childId, err := ftx.AddStep(parent.StepId, index,
		model.StepDefinition{StepType: spec.StepType, Pipeline: spec.Pipeline},
		CallbackAdvancePipeline,
		map[string]any{ctxKeyPipelineStep: parent.StepId, ctxKeyChildIndex: index})
	if err != nil {
		return "", err
	}
	input := model.MergeMaps(nil, spec.Input)
	input = model.MergeMaps(input, carried)
	if len(input) > 0 {
		if err := ftx.Delta(childId, model.NewPatch(model.Set(model.FieldInput, input)), "childInput"); err != nil {
			return "", err
		}
	}
	return childId, nil
}

func (e *Engine) dispatchStepCompleted(ctx context.Context, qe model.QueuedEvent) error {
	// A replayed completion carries the snapshot that minted its token, so
	// the event's own state cannot authenticate it. Verify against the
	// store's current state and rotate the token there; the callback
	// persists the rotated state, which retires this event for good.
	current, err := e.coord.GetState(ctx, qe.TxId)
	if err != nil {
		return err
	}
	ftx, err := e.wrap(model.QueuedEvent{Event: qe.Event, State: current})
	if err != nil {
		return err
	}
	step := ftx.Transaction().Steps[qe.StepId]
	if step == nil {
		return fmt.Errorf("transaction %s has no step %s", qe.TxId, qe.StepId)
	}
	if qe.Token == "" || qe.Token != step.OnComplete.Token {
		logger.Error("rejecting completion with stale token",
			zap.String("txId", qe.TxId), zap.String("stepId", qe.StepId))
		return ErrTokenMismatch
	}
	step.OnComplete.Token = uuid.NewString()
	callback, ok := e.completions.Resolve(step.OnComplete.Callback)
	if !ok {
		return fmt.Errorf("no completion callback registered under %s", step.OnComplete.Callback)
	}
	return callback(ctx, ftx, step, qe.Event)
}

// completeTransaction is the onComplete of a transaction's root step: it
// drives the terminal transition through the coordination protocol.
func (e *Engine) completeTransaction(ctx context.Context, ftx *flow.Tx, step *model.Step, event model.Event) error {
	tx := ftx.Transaction()
	status := event.Status
	if !status.Terminal() {
		status = model.STATUS_INTERNAL_ERROR
	}
	patch := model.NewPatch(
		model.Set(model.FieldStatus, status),
		model.Replace(model.FieldOutput, step.Output),
		model.Set(model.FieldCompletionTime, time.Now()),
	)
	if err := ftx.Delta("", patch, "complete"); err != nil {
		return err
	}
	if len(tx.FlowLog) > 0 {
		ftx.AddSibling(0, model.FLOW_ENTRY_TX_CALLBACK, status)
	}
	state, err := e.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	if err := e.coord.CompleteTransaction(ctx, tx.TxId, status, state); err != nil {
		return err
	}
	if e.collector != nil {
		e.collector.RecordTransactionCompleted(string(status))
	}
	return nil
}

// advancePipeline is the onComplete of a pipeline child: start the next
// sibling, or conclude the pipeline step and bubble its completion upward.
func (e *Engine) advancePipeline(ctx context.Context, ftx *flow.Tx, child *model.Step, event model.Event) error {
	tx := ftx.Transaction()
	parentId, _ := child.OnComplete.Context[ctxKeyPipelineStep].(string)
	parent := tx.Steps[parentId]
	if parent == nil {
		return fmt.Errorf("pipeline step %s missing for child %s", parentId, child.StepId)
	}
	if event.Status != model.STATUS_SUCCESS {
		return e.concludePipeline(ctx, ftx, parent, event.Status, child.Output)
	}
	def, err := e.definitions.Resolve(ctx, parent.Definition.Pipeline)
	if err != nil {
		return err
	}
	next := contextInt(child.OnComplete.Context[ctxKeyChildIndex]) + 1
	if next >= len(def.Steps) {
		return e.concludePipeline(ctx, ftx, parent, model.STATUS_SUCCESS, child.Output)
	}
	childId, err := e.addPipelineChild(ftx, parent, def, next, child.Output)
	if err != nil {
		return err
	}
	state, err := e.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	_, err = e.coord.StartStep(ctx, store.StartStepRequest{
		Mode:     model.START_PIPELINE,
		TxId:     tx.TxId,
		Pipeline: def.Name,
		State:    state,
		Event:    model.Event{Kind: model.EVENT_STEP_START, TxId: tx.TxId, StepId: childId},
	})
	return err
}

func (e *Engine) concludePipeline(ctx context.Context, ftx *flow.Tx, parent *model.Step, status model.Status, output map[string]any) error {
	tx := ftx.Transaction()
	patch := model.NewPatch(
		model.Set(model.FieldStatus, status),
		model.Replace(model.FieldOutput, output),
	)
	if err := ftx.Delta(parent.StepId, patch, "pipelineDone"); err != nil {
		return err
	}
	if runIdx := e.runEntryIndex(tx, parent.StepId); runIdx >= 0 {
		ftx.AddSibling(runIdx, model.FLOW_ENTRY_PIPELINE_CALLBACK, status)
	}
	state, err := e.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	return e.coord.EmitCallback(ctx, tx.TxId, state, model.Event{
		Kind:   model.EVENT_STEP_COMPLETED,
		TxId:   tx.TxId,
		StepId: parent.StepId,
		Token:  parent.OnComplete.Token,
		Status: status,
		Data:   output,
	})
}

func (e *Engine) dispatchNotification(qe model.QueuedEvent) error {
	snapshot := model.Transaction{TxId: qe.TxId, Status: qe.Status}
	if len(qe.State) > 0 {
		if decoded, err := e.encoder.Decode(qe.State); err == nil {
			snapshot = *decoded
		}
	}
	for _, listener := range e.listeners {
		listener(snapshot)
	}
	return nil
}

// runEntryIndex finds the most recent non-callback flow entry for stepId.
func (e *Engine) runEntryIndex(tx *model.Transaction, stepId string) int {
	for i := len(tx.FlowLog) - 1; i >= 0; i-- {
		if tx.FlowLog[i].StepId == stepId && !tx.FlowLog[i].IsCallback() {
			return i
		}
	}
	return -1
}

// contextInt coerces a callback-context value that may have round-tripped
// through JSON.
func contextInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
