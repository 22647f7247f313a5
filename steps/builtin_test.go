package steps_test

import (
	"context"
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
	"github.com/sankem/flowtx/steps"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/store/memory"
)

type rig struct {
	coord    store.Store
	setClock func(func() time.Time)
	engine   *engine.Engine
	service  *service.TransactionService
}

func newRig(t *testing.T) *rig {
	t.Helper()
	m := memory.NewMemoryStore(memory.DefaultConfig())
	durable, err := sqlite.NewSqliteStorage(filepath.Join(t.TempDir(), "steps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	definitions := registry.NewDefinitionService(registry.NewInMemoryDefinitions(), m)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	e := engine.NewEngine(m, durable, definitions, collector)
	require.NoError(t, steps.RegisterBuiltin(e))
	return &rig{
		coord:    m,
		setClock: m.SetClock,
		engine:   e,
		service:  service.NewTransactionService(m, durable, definitions, collector),
	}
}

func (r *rig) pump(t *testing.T, txId string, want model.Status) *service.StatusReport {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := r.coord.Dequeue(ctx, "wg", 8)
		require.NoError(t, err)
		for _, qe := range events {
			require.NoError(t, r.engine.Dispatch(ctx, qe))
		}
		report, err := r.service.Status(ctx, txId)
		require.NoError(t, err)
		if report.Status == want {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transaction %s never reached %s", txId, want)
	return nil
}

func (r *rig) start(t *testing.T, stepType string, input map[string]any) string {
	t.Helper()
	txId, err := r.service.CreateTransaction(context.Background(), service.CreateTransactionRequest{
		Owner:     "acme",
		Type:      "test",
		StepType:  stepType,
		NodeGroup: "wg",
		Input:     input,
	})
	require.NoError(t, err)
	return txId
}

func TestEcho(t *testing.T) {
	r := newRig(t)
	txId := r.start(t, steps.STEP_TYPE_ECHO, map[string]any{"msg": "hello"})
	report := r.pump(t, txId, model.STATUS_SUCCESS)
	require.Equal(t, "hello", report.Output["msg"])
}

func TestDelay(t *testing.T) {
	r := newRig(t)
	start := time.Now()
	r.setClock(func() time.Time { return start })

	txId := r.start(t, steps.STEP_TYPE_DELAY, map[string]any{"delaySeconds": 5})
	r.pump(t, txId, model.STATUS_SLEEPING)

	later := start.Add(6 * time.Second)
	r.setClock(func() time.Time { return later })
	woken, err := r.coord.WakeupProcessing(store.WithNodeId(context.Background(), "test"))
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	report := r.pump(t, txId, model.STATUS_SUCCESS)
	require.EqualValues(t, 5, report.Output["delaySeconds"])
}

func TestWaitSwitch(t *testing.T) {
	r := newRig(t)
	txId := r.start(t, steps.STEP_TYPE_WAIT, map[string]any{"switch": "approval"})
	r.pump(t, txId, model.STATUS_SLEEPING)

	woke, err := r.service.SetSwitch(context.Background(), txId, "approval", "granted")
	require.NoError(t, err)
	require.True(t, woke)

	report := r.pump(t, txId, model.STATUS_SUCCESS)
	require.Equal(t, "granted", report.Output["value"])
	require.Equal(t, "approval", report.Output["switch"])
}

func TestWaitSwitchAlreadySet(t *testing.T) {
	r := newRig(t)
	txId := r.start(t, steps.STEP_TYPE_WAIT, map[string]any{"switch": "approval"})

	// the switch is written before the step ever runs
	ctx := context.Background()
	_, err := r.service.SetSwitch(ctx, txId, "approval", "pre-approved")
	require.NoError(t, err)

	report := r.pump(t, txId, model.STATUS_SUCCESS)
	require.Equal(t, "pre-approved", report.Output["value"])
}
