package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/engine"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence/sqlite"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/service"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/store/memory"
	"github.com/sankem/flowtx/util"
)

type harness struct {
	coord       store.Store
	setClock    func(func() time.Time)
	engine      *engine.Engine
	service     *service.TransactionService
	definitions *registry.DefinitionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := memory.NewMemoryStore(memory.DefaultConfig())
	durable, err := sqlite.NewSqliteStorage(filepath.Join(t.TempDir(), "flowtx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	definitions := registry.NewDefinitionService(registry.NewInMemoryDefinitions(), m)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	e := engine.NewEngine(m, durable, definitions, collector)
	require.NoError(t, registerTestSteps(e))
	svc := service.NewTransactionService(m, durable, definitions, collector)
	return &harness{
		coord:       m,
		setClock:    m.SetClock,
		engine:      e,
		service:     svc,
		definitions: definitions,
	}
}

func registerTestSteps(e *engine.Engine) error {
	if err := e.RegisterStepHandler("echo", func(ctx context.Context, sc *engine.StepContext) error {
		return sc.Complete(ctx, model.STATUS_SUCCESS, sc.Input())
	}); err != nil {
		return err
	}
	if err := e.RegisterStepHandler("boom", func(ctx context.Context, sc *engine.StepContext) error {
		return fmt.Errorf("handler blew up")
	}); err != nil {
		return err
	}
	if err := e.RegisterStepHandler("nap", func(ctx context.Context, sc *engine.StepContext) error {
		if sc.Attempt() > 0 {
			return sc.Complete(ctx, model.STATUS_SUCCESS, map[string]any{"attempt": sc.Attempt()})
		}
		return sc.Sleep(ctx, 30*time.Second)
	}); err != nil {
		return err
	}
	return e.RegisterStepHandler("gate", func(ctx context.Context, sc *engine.StepContext) error {
		value, set, err := sc.GetSwitch(ctx, "approval")
		if err != nil {
			return err
		}
		if set {
			return sc.Complete(ctx, model.STATUS_SUCCESS, map[string]any{"approval": value})
		}
		return sc.WaitOnSwitch(ctx, "approval", 0)
	})
}

// pump dequeues and dispatches on the given groups until the transaction
// reaches want or the deadline passes.
func (h *harness) pump(t *testing.T, txId string, want model.Status, groups ...string) *service.StatusReport {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, group := range groups {
			events, err := h.coord.Dequeue(ctx, group, 8)
			require.NoError(t, err)
			for _, qe := range events {
				if err := h.engine.Dispatch(ctx, qe); err != nil {
					t.Fatalf("dispatch %s for %s: %v", qe.Kind, qe.TxId, err)
				}
			}
		}
		report, err := h.service.Status(ctx, txId)
		require.NoError(t, err)
		if report.Status == want {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transaction %s never reached %s", txId, want)
	return nil
}

// awaitEvent pumps the group until an event of the wanted kind surfaces for
// txId, dispatching everything else along the way.
func (h *harness) awaitEvent(t *testing.T, txId string, kind model.EventKind, group string) model.QueuedEvent {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := h.coord.Dequeue(ctx, group, 8)
		require.NoError(t, err)
		for _, qe := range events {
			if qe.TxId == txId && qe.Kind == kind {
				return qe
			}
			require.NoError(t, h.engine.Dispatch(ctx, qe))
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event for transaction %s", kind, txId)
	return model.QueuedEvent{}
}

func TestEngine(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, h *harness,
	){
		"single step completes":            testSingleStep,
		"pipeline carries output forward":  testPipeline,
		"nested pipeline switches group":   testNestedPipeline,
		"failed handler fails transaction": testFailedStep,
		"stale token is rejected":          testStaleToken,
		"replayed completion is rejected":  testReplayedCompletion,
		"sleeping step wakes and finishes": testSleepingStep,
		"switch gate wakes on write":       testSwitchGate,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func testSingleStep(t *testing.T, h *harness) {
	txId, err := h.service.CreateTransaction(context.Background(), service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "echo",
		NodeGroup: "wg",
		Input:     map[string]any{"amount": "12.50"},
	})
	require.NoError(t, err)

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg")
	require.Equal(t, "12.50", report.Output["amount"])
	require.False(t, report.CompletionTime.IsZero())
}

func testPipeline(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.definitions.Save(ctx, model.PipelineDefinition{
		Name:      "checkout",
		NodeGroup: "wg",
		Steps: []model.StepSpec{
			{StepType: "echo", Input: map[string]any{"reserved": "yes"}},
			{StepType: "echo", Input: map[string]any{"charged": "yes"}},
		},
	}))

	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:    "acme",
		Type:     "order",
		Pipeline: "checkout",
		Input:    map[string]any{"orderId": "o-1"},
	})
	require.NoError(t, err)

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg")
	// the second step sees the first step's output on top of its own input
	require.Equal(t, "yes", report.Output["reserved"])
	require.Equal(t, "yes", report.Output["charged"])
	require.Equal(t, "o-1", report.Output["orderId"])
}

func testNestedPipeline(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.definitions.Save(ctx, model.PipelineDefinition{
		Name:      "inner",
		NodeGroup: "billing",
		Steps:     []model.StepSpec{{StepType: "echo", Input: map[string]any{"charged": "yes"}}},
	}))
	require.NoError(t, h.definitions.Save(ctx, model.PipelineDefinition{
		Name:      "outer",
		NodeGroup: "wg",
		Steps: []model.StepSpec{
			{StepType: "echo"},
			{Pipeline: "inner"},
		},
	}))

	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:    "acme",
		Type:     "order",
		Pipeline: "outer",
	})
	require.NoError(t, err)

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg", "billing")
	require.Equal(t, "yes", report.Output["charged"])

	exceptions, err := h.coord.Exceptions(ctx)
	require.NoError(t, err)
	require.Empty(t, exceptions)
}

func testFailedStep(t *testing.T, h *harness) {
	txId, err := h.service.CreateTransaction(context.Background(), service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "boom",
		NodeGroup: "wg",
	})
	require.NoError(t, err)

	report := h.pump(t, txId, model.STATUS_FAILED, "wg")
	require.Equal(t, "handler blew up", report.Output["error"])
}

func testStaleToken(t *testing.T, h *harness) {
	ctx := context.Background()
	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "echo",
		NodeGroup: "wg",
	})
	require.NoError(t, err)

	events, err := h.coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	require.Len(t, events, 1)

	decoder := util.NewJsonEncoderDecoder[model.Transaction]()
	tx, err := decoder.Decode(events[0].State)
	require.NoError(t, err)
	root := tx.RootStep()
	require.NotNil(t, root)

	err = h.engine.Dispatch(ctx, model.QueuedEvent{
		Event: model.Event{
			Kind:   model.EVENT_STEP_COMPLETED,
			TxId:   txId,
			StepId: root.StepId,
			Token:  "forged",
			Status: model.STATUS_SUCCESS,
		},
		State: events[0].State,
	})
	require.ErrorIs(t, err, engine.ErrTokenMismatch)

	// the rejected completion changed nothing
	report, err := h.service.Status(ctx, txId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_QUEUED, report.Status)
}

func testReplayedCompletion(t *testing.T, h *harness) {
	ctx := context.Background()
	require.NoError(t, h.definitions.Save(ctx, model.PipelineDefinition{
		Name:      "checkout",
		NodeGroup: "wg",
		Steps: []model.StepSpec{
			{StepType: "echo", Input: map[string]any{"reserved": "yes"}},
			{StepType: "echo", Input: map[string]any{"charged": "yes"}},
		},
	}))
	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:    "acme",
		Type:     "order",
		Pipeline: "checkout",
	})
	require.NoError(t, err)

	completion := h.awaitEvent(t, txId, model.EVENT_STEP_COMPLETED, "wg")
	require.NoError(t, h.engine.Dispatch(ctx, completion))

	// delivering the same completion again must not start a second child
	err = h.engine.Dispatch(ctx, completion)
	require.ErrorIs(t, err, engine.ErrTokenMismatch)

	events, err := h.coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EVENT_STEP_START, events[0].Kind)
	require.NoError(t, h.engine.Dispatch(ctx, events[0]))

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg")
	require.Equal(t, "yes", report.Output["charged"])
}

func testSleepingStep(t *testing.T, h *harness) {
	ctx := context.Background()
	start := time.Now()
	h.setClock(func() time.Time { return start })

	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "nap",
		NodeGroup: "wg",
	})
	require.NoError(t, err)

	h.pump(t, txId, model.STATUS_SLEEPING, "wg")

	later := start.Add(31 * time.Second)
	h.setClock(func() time.Time { return later })
	woken, err := h.coord.WakeupProcessing(store.WithNodeId(ctx, "test-node"))
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg")
	require.EqualValues(t, 1, report.Output["attempt"])
}

func testSwitchGate(t *testing.T, h *harness) {
	ctx := context.Background()
	txId, err := h.service.CreateTransaction(ctx, service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "gate",
		NodeGroup: "wg",
	})
	require.NoError(t, err)

	h.pump(t, txId, model.STATUS_SLEEPING, "wg")

	woke, err := h.service.SetSwitch(ctx, txId, "approval", "granted")
	require.NoError(t, err)
	require.True(t, woke)

	report := h.pump(t, txId, model.STATUS_SUCCESS, "wg")
	require.Equal(t, "granted", report.Output["approval"])
}

func TestDispatchErrors(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Dispatch(context.Background(), model.QueuedEvent{
		Event: model.Event{Kind: model.EventKind("MYSTERY"), TxId: "tx"},
	})
	require.Error(t, err)

	err = h.engine.Dispatch(context.Background(), model.QueuedEvent{
		Event: model.Event{Kind: model.EVENT_STEP_START, TxId: "tx"},
		State: []byte("not json"),
	})
	require.Error(t, err)

	require.Error(t, h.engine.RegisterStepHandler("echo", func(ctx context.Context, sc *engine.StepContext) error {
		return errors.New("dup")
	}))
}
