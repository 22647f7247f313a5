package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sankem/flowtx/flow"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/store"
)

var ErrStepConcluded = errors.New("step already concluded")

// StepContext is handed to a step handler. While the processing claim is
// held the handler is the sole actor for its transaction; exactly one
// concluding call (Complete, Sleep, WaitOnSwitch) hands ownership back to
// the protocol.
type StepContext struct {
	engine    *Engine
	ftx       *flow.Tx
	stepId    string
	entry     int
	event     model.Event
	started   time.Time
	concluded int32
}

func (sc *StepContext) TxId() string {
	return sc.ftx.Transaction().TxId
}

func (sc *StepContext) StepId() string {
	return sc.stepId
}

func (sc *StepContext) Input() map[string]any {
	return sc.ftx.Transaction().Steps[sc.stepId].Input
}

func (sc *StepContext) Metadata() map[string]any {
	return sc.ftx.Transaction().Metadata
}

// Attempt reports how many times this step has been redelivered after sleeps
// or retries.
func (sc *StepContext) Attempt() int {
	return sc.ftx.Transaction().Retry.SleepCounter
}

// GetSwitch reads a switch, acknowledging it in the same atomic operation.
// The second return is false when the switch was never set.
func (sc *StepContext) GetSwitch(ctx context.Context, name string) (string, bool, error) {
	sw, err := sc.engine.coord.GetSwitch(ctx, sc.TxId(), name, true)
	if err != nil {
		return "", false, err
	}
	if sw == nil {
		return "", false, nil
	}
	tx := sc.ftx.Transaction()
	tx.Switches, _ = model.SetSwitch(tx.Switches, name, sw.Value)
	if idx := model.FindSwitch(tx.Switches, name); idx >= 0 {
		tx.Switches[idx].Acknowledged = true
	}
	return sw.Value, true, nil
}

// Progress records a progress report on the transaction; it is durably
// committed before the call returns.
func (sc *StepContext) Progress(ctx context.Context, progress map[string]any) error {
	if atomic.LoadInt32(&sc.concluded) == 1 {
		return ErrStepConcluded
	}
	if err := sc.ftx.Delta("", model.NewPatch(model.Set(model.FieldProgress, progress)), "progress"); err != nil {
		return err
	}
	state, err := sc.engine.encoder.Encode(*sc.ftx.Transaction())
	if err != nil {
		return err
	}
	return sc.engine.coord.SaveState(ctx, sc.TxId(), state)
}

// Complete finishes the step with a terminal status and emits the
// step-completed callback carrying the step's single-use token.
func (sc *StepContext) Complete(ctx context.Context, status model.Status, output map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("step completion requires a terminal status, got %s", status)
	}
	if err := sc.conclude(); err != nil {
		return err
	}
	ops := []model.PatchOp{model.Set(model.FieldStatus, status)}
	if output != nil {
		ops = append(ops, model.Replace(model.FieldOutput, output))
	}
	if err := sc.ftx.Delta(sc.stepId, model.NewPatch(ops...), "stepDone"); err != nil {
		return err
	}
	sc.ftx.AddSibling(sc.entry, model.FLOW_ENTRY_STEP_CALLBACK, status)
	tx := sc.ftx.Transaction()
	state, err := sc.engine.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	if sc.engine.collector != nil {
		sc.engine.collector.ObserveStepLatency(time.Since(sc.started).Seconds())
	}
	return sc.engine.coord.EmitCallback(ctx, tx.TxId, state, model.Event{
		Kind:   model.EVENT_STEP_COMPLETED,
		TxId:   tx.TxId,
		StepId: sc.stepId,
		Token:  tx.Steps[sc.stepId].OnComplete.Token,
		Status: status,
		Data:   output,
	})
}

// Sleep parks the transaction until delay elapses; the same step-start event
// is redelivered on wake.
func (sc *StepContext) Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return fmt.Errorf("sleep requires a positive delay")
	}
	return sc.park(ctx, "", delay)
}

// WaitOnSwitch parks the transaction until the named switch changes, with an
// optional deadline after which the step is redelivered anyway. A zero
// timeout waits on the switch alone.
func (sc *StepContext) WaitOnSwitch(ctx context.Context, name string, timeout time.Duration) error {
	if name == "" {
		return fmt.Errorf("wait requires a switch name")
	}
	return sc.park(ctx, name, timeout)
}

func (sc *StepContext) park(ctx context.Context, wakeSwitch string, delay time.Duration) error {
	if err := sc.conclude(); err != nil {
		return err
	}
	// The step goes back to queued so the redelivered start event passes
	// validation; the transaction itself records the sleep.
	if err := sc.ftx.Delta(sc.stepId, model.NewPatch(model.Set(model.FieldStatus, model.STATUS_QUEUED)), "park"); err != nil {
		return err
	}
	if err := sc.ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SLEEPING)), "sleep"); err != nil {
		return err
	}
	tx := sc.ftx.Transaction()
	state, err := sc.engine.encoder.Encode(*tx)
	if err != nil {
		return err
	}
	_, err = sc.engine.coord.StartStep(ctx, store.StartStepRequest{
		Mode:       model.RETRY_STEP,
		TxId:       tx.TxId,
		State:      state,
		Event:      sc.event,
		WakeSwitch: wakeSwitch,
		Delay:      delay,
	})
	return err
}

func (sc *StepContext) conclude() error {
	if !atomic.CompareAndSwapInt32(&sc.concluded, 0, 1) {
		return ErrStepConcluded
	}
	return nil
}
