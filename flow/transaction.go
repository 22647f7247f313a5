package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
)

// ErrReentrantDelta indicates a programming error: Delta was entered while a
// prior call on the same instance was still in flight. It is never retried.
var ErrReentrantDelta = errors.New("re-entrant delta on transaction instance")

var ErrTerminalTransaction = errors.New("transaction already in terminal status")

// ChangeHandler is invoked after a delta has been durably committed and
// applied in memory.
type ChangeHandler func(tx *model.Transaction, stepId string, patch model.Patch)

// Tx wraps a transaction with the single-flight mutation guard and the
// durable-write-before-apply discipline. All mutation goes through Delta;
// AddStep is the only other writer and journals itself through the same
// sequence counter.
type Tx struct {
	inFlight int32
	tx       *model.Transaction
	durable  persistence.Storage
	onChange ChangeHandler
}

// NewTransaction creates a fresh transaction owned by owner. The first
// journal record captures the header so a replay can start from nothing.
func NewTransaction(owner string, externalId string, txType string) *Tx {
	txId := uuid.NewString()
	tx := &model.Transaction{
		TxId:       txId,
		Owner:      owner,
		ExternalId: externalId,
		Type:       txType,
		Status:     model.STATUS_QUEUED,
		Steps:      make(map[string]*model.Step),
	}
	tx.SequenceOfUpdate = 1
	tx.Journal = append(tx.Journal, model.DeltaRecord{
		Sequence: 1,
		Patch: model.NewPatch(model.Replace(fieldInit, map[string]any{
			"txId":       txId,
			"owner":      owner,
			"externalId": externalId,
			"type":       txType,
		})),
		Note: "init",
		Time: time.Now(),
	})
	return &Tx{tx: tx}
}

// Wrap attaches the state-model machinery to a transaction decoded from a
// state blob.
func Wrap(tx *model.Transaction) *Tx {
	if tx.Steps == nil {
		tx.Steps = make(map[string]*model.Step)
	}
	return &Tx{tx: tx}
}

func (t *Tx) SetDurable(storage persistence.Storage) {
	t.durable = storage
}

func (t *Tx) SetChangeHandler(handler ChangeHandler) {
	t.onChange = handler
}

func (t *Tx) Transaction() *model.Transaction {
	return t.tx
}

// AddStep appends a step under parent at the given ordinal index. The dotted
// path is computed from the parent path; the completion token is minted here
// and never reissued.
func (t *Tx) AddStep(parentStepId string, index int, def model.StepDefinition, onComplete string, callbackCtx map[string]any) (string, error) {
	level := 0
	path := strconv.Itoa(index)
	if parentStepId != "" {
		parent, ok := t.tx.Steps[parentStepId]
		if !ok {
			return "", fmt.Errorf("parent step %s does not exist", parentStepId)
		}
		level = parent.Level + 1
		path = parent.Path + "." + strconv.Itoa(index)
	} else if len(t.tx.Steps) != 0 {
		return "", errors.New("transaction already has a root step")
	}
	step := &model.Step{
		StepId:       uuid.NewString(),
		ParentStepId: parentStepId,
		Level:        level,
		Path:         path,
		Definition:   def,
		Status:       model.STATUS_QUEUED,
		OnComplete: model.OnComplete{
			Callback: onComplete,
			Context:  callbackCtx,
			Token:    uuid.NewString(),
		},
	}
	t.tx.Steps[step.StepId] = step
	t.tx.SequenceOfUpdate++
	t.tx.Journal = append(t.tx.Journal, model.DeltaRecord{
		Sequence: t.tx.SequenceOfUpdate,
		StepId:   step.StepId,
		Patch:    model.NewPatch(model.Replace(fieldStep, *step)),
		Note:     "addStep",
		Time:     time.Now(),
	})
	return step.StepId, nil
}

// Delta is the only mutation entry point. A transaction-level patch touching
// status, output, progress or completion time is persisted to durable storage
// before it is journaled and applied in memory; a caller therefore never
// observes a half-applied mutation.
func (t *Tx) Delta(stepId string, patch model.Patch, note string) error {
	if !atomic.CompareAndSwapInt32(&t.inFlight, 0, 1) {
		logger.Error("re-entrant delta", zap.String("txId", t.tx.TxId), zap.String("note", note))
		return ErrReentrantDelta
	}
	defer atomic.StoreInt32(&t.inFlight, 0)

	if err := t.validate(stepId, patch); err != nil {
		return err
	}
	if stepId == "" && touchesCoreField(patch) {
		if err := t.persistCore(patch); err != nil {
			return err
		}
	}
	t.tx.SequenceOfUpdate++
	t.tx.Journal = append(t.tx.Journal, model.DeltaRecord{
		Sequence: t.tx.SequenceOfUpdate,
		StepId:   stepId,
		Patch:    patch,
		Note:     note,
		Time:     time.Now(),
	})
	t.apply(stepId, patch)
	if t.onChange != nil {
		t.onChange(t.tx, stepId, patch)
	}
	return nil
}

func (t *Tx) validate(stepId string, patch model.Patch) error {
	if stepId != "" {
		if _, ok := t.tx.Steps[stepId]; !ok {
			return fmt.Errorf("step %s does not exist", stepId)
		}
	} else if t.tx.Status.Terminal() {
		return ErrTerminalTransaction
	}
	if op, ok := patch.Find(model.FieldStatus); ok {
		status, valid := op.Value.(model.Status)
		if !valid {
			if s, isStr := op.Value.(string); isStr {
				status = model.Status(s)
			}
		}
		if !status.Valid() {
			return fmt.Errorf("invalid status value %v", op.Value)
		}
	}
	return nil
}

func touchesCoreField(patch model.Patch) bool {
	return patch.Touches(model.FieldStatus) ||
		patch.Touches(model.FieldOutput) ||
		patch.Touches(model.FieldProgress) ||
		patch.Touches(model.FieldCompletionTime)
}

func (t *Tx) persistCore(patch model.Patch) error {
	if t.durable == nil {
		return nil
	}
	// Project the post-patch values without mutating the live tree yet.
	rec := persistence.Record{
		TxId:             t.tx.TxId,
		Owner:            t.tx.Owner,
		ExternalId:       t.tx.ExternalId,
		Type:             t.tx.Type,
		Status:           t.tx.Status,
		NodeGroup:        t.tx.NodeGroup,
		Output:           projectMap(t.tx.Output, patch, model.FieldOutput),
		Progress:         projectMap(t.tx.Progress, patch, model.FieldProgress),
		CompletionTime:   t.tx.CompletionTime,
		SequenceOfUpdate: t.tx.SequenceOfUpdate + 1,
	}
	if op, ok := patch.Find(model.FieldStatus); ok {
		rec.Status = toStatus(op.Value)
	}
	if op, ok := patch.Find(model.FieldCompletionTime); ok {
		if ct, isTime := op.Value.(time.Time); isTime {
			rec.CompletionTime = ct
		}
	}
	return t.durable.InsertOrUpdate(context.Background(), rec, nil)
}

// projectMap computes what a map field will hold after the patch applies,
// leaving the current map's top level untouched.
func projectMap(current map[string]any, patch model.Patch, field string) map[string]any {
	op, ok := patch.Find(field)
	if !ok {
		return current
	}
	switch op.Kind {
	case model.PATCH_DELETE:
		return nil
	case model.PATCH_REPLACE:
		m, _ := op.Value.(map[string]any)
		return m
	default:
		m, ok := op.Value.(map[string]any)
		if !ok {
			return current
		}
		return model.MergeMaps(model.MergeMaps(nil, current), m)
	}
}

func (t *Tx) apply(stepId string, patch model.Patch) {
	if stepId == "" {
		applyTransactionPatch(t.tx, patch)
		return
	}
	applyStepPatch(t.tx.Steps[stepId], patch)
}

func applyTransactionPatch(tx *model.Transaction, patch model.Patch) {
	for _, op := range patch.Ops {
		switch op.Field {
		case model.FieldStatus:
			status := toStatus(op.Value)
			tx.Status = status
			if status == model.STATUS_SLEEPING {
				if !tx.Retry.Sleeping() {
					tx.Retry.SleepingSince = time.Now()
				}
				tx.Retry.SleepCounter++
			} else if status.Terminal() {
				tx.Retry.Clear()
			} else if status == model.STATUS_RUNNING {
				// Waking keeps the sleep counter but drops the rest.
				tx.Retry.SleepingSince = time.Time{}
				tx.Retry.WakeTime = time.Time{}
				tx.Retry.WakeSwitch = ""
			}
		case model.FieldOutput:
			tx.Output = applyMapOp(tx.Output, op)
		case model.FieldInput:
			tx.Input = applyMapOp(tx.Input, op)
		case model.FieldProgress:
			tx.Progress = applyMapOp(tx.Progress, op)
		case model.FieldMetadata:
			tx.Metadata = applyMapOp(tx.Metadata, op)
		case model.FieldCompletionTime:
			if op.Kind == model.PATCH_DELETE {
				tx.CompletionTime = time.Time{}
			} else if ct, ok := op.Value.(time.Time); ok {
				tx.CompletionTime = ct
			}
		}
	}
}

func applyStepPatch(step *model.Step, patch model.Patch) {
	for _, op := range patch.Ops {
		switch op.Field {
		case model.FieldStatus:
			step.Status = toStatus(op.Value)
		case model.FieldOutput:
			step.Output = applyMapOp(step.Output, op)
		case model.FieldInput:
			step.Input = applyMapOp(step.Input, op)
		}
	}
}

func applyMapOp(dst map[string]any, op model.PatchOp) map[string]any {
	switch op.Kind {
	case model.PATCH_DELETE:
		return nil
	case model.PATCH_REPLACE:
		if m, ok := op.Value.(map[string]any); ok {
			return m
		}
		return nil
	default:
		if m, ok := op.Value.(map[string]any); ok {
			return model.MergeMaps(dst, m)
		}
		return dst
	}
}

func toStatus(v any) model.Status {
	switch s := v.(type) {
	case model.Status:
		return s
	case string:
		return model.Status(s)
	}
	return ""
}
