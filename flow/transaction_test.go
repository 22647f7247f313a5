package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
)

func TestTransaction(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T,
	){
		"add step mints token and path":    testAddStep,
		"delta applies and journals":       testDeltaApply,
		"delta rejects re-entrancy":        testDeltaSingleFlight,
		"terminal transaction is frozen":   testTerminalGuard,
		"status patch tracks sleep state":  testSleepBookkeeping,
		"core patch reaches durable first": testDurableProjection,
		"replay rebuilds from journal":     testReplay,
		"flow log links walk back":         testFlowLogWalks,
	} {
		t.Run(scenario, fn)
	}
}

func testAddStep(t *testing.T) {
	ftx := NewTransaction("acme", "order-1", "order")
	tx := ftx.Transaction()
	require.NotEmpty(t, tx.TxId)
	require.Equal(t, model.STATUS_QUEUED, tx.Status)

	rootId, err := ftx.AddStep("", 0, model.StepDefinition{StepType: "echo"}, "transaction.complete", nil)
	require.NoError(t, err)
	root := tx.Steps[rootId]
	require.Equal(t, "0", root.Path)
	require.Equal(t, 0, root.Level)
	require.NotEmpty(t, root.OnComplete.Token)

	// a second root is rejected
	_, err = ftx.AddStep("", 1, model.StepDefinition{StepType: "echo"}, "transaction.complete", nil)
	require.Error(t, err)

	childId, err := ftx.AddStep(rootId, 2, model.StepDefinition{StepType: "echo"}, "pipeline.advance", nil)
	require.NoError(t, err)
	child := tx.Steps[childId]
	require.Equal(t, "0.2", child.Path)
	require.Equal(t, 1, child.Level)
	require.NotEqual(t, root.OnComplete.Token, child.OnComplete.Token)

	_, err = ftx.AddStep("missing", 0, model.StepDefinition{StepType: "echo"}, "pipeline.advance", nil)
	require.Error(t, err)
}

func testDeltaApply(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")
	tx := ftx.Transaction()
	before := tx.SequenceOfUpdate

	err := ftx.Delta("", model.NewPatch(
		model.Set(model.FieldStatus, model.STATUS_RUNNING),
		model.Set(model.FieldProgress, map[string]any{"pct": 10}),
	), "run")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_RUNNING, tx.Status)
	require.Equal(t, 10, tx.Progress["pct"])
	require.Equal(t, before+1, tx.SequenceOfUpdate)
	require.Equal(t, "run", tx.Journal[len(tx.Journal)-1].Note)

	// set merges, replace swaps
	err = ftx.Delta("", model.NewPatch(model.Set(model.FieldProgress, map[string]any{"stage": "b"})), "more")
	require.NoError(t, err)
	require.Equal(t, 10, tx.Progress["pct"])
	require.Equal(t, "b", tx.Progress["stage"])

	err = ftx.Delta("", model.NewPatch(model.Replace(model.FieldProgress, map[string]any{"stage": "c"})), "swap")
	require.NoError(t, err)
	require.Nil(t, tx.Progress["pct"])

	err = ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.Status("BOGUS"))), "bad")
	require.Error(t, err)

	err = ftx.Delta("missing", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "bad")
	require.Error(t, err)
}

func testDeltaSingleFlight(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")
	entered := make(chan struct{})
	release := make(chan struct{})
	ftx.SetChangeHandler(func(tx *model.Transaction, stepId string, patch model.Patch) {
		close(entered)
		<-release
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "slow")
		require.NoError(t, err)
	}()

	<-entered
	err := ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SLEEPING)), "overlap")
	require.ErrorIs(t, err, ErrReentrantDelta)
	close(release)
	wg.Wait()

	ftx.SetChangeHandler(nil)
	err = ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SLEEPING)), "after")
	require.NoError(t, err)
}

func testTerminalGuard(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")
	err := ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SUCCESS)), "done")
	require.NoError(t, err)

	err = ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "late")
	require.ErrorIs(t, err, ErrTerminalTransaction)

	// step-level patches stay open for archival bookkeeping
	stepId, err := ftx.AddStep("", 0, model.StepDefinition{StepType: "echo"}, "transaction.complete", nil)
	require.NoError(t, err)
	err = ftx.Delta(stepId, model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SUCCESS)), "step")
	require.NoError(t, err)
}

func testSleepBookkeeping(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")
	tx := ftx.Transaction()

	require.NoError(t, ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SLEEPING)), "sleep"))
	require.Equal(t, 1, tx.Retry.SleepCounter)
	require.False(t, tx.Retry.SleepingSince.IsZero())

	require.NoError(t, ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "wake"))
	require.Equal(t, 1, tx.Retry.SleepCounter)
	require.True(t, tx.Retry.SleepingSince.IsZero())

	require.NoError(t, ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SLEEPING)), "sleep"))
	require.Equal(t, 2, tx.Retry.SleepCounter)

	require.NoError(t, ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_SUCCESS)), "done"))
	require.Zero(t, tx.Retry.SleepCounter)
}

type recordingStorage struct {
	records []persistence.Record
	observe func(persistence.Record)
}

func (r *recordingStorage) InsertOrUpdate(ctx context.Context, rec persistence.Record, state []byte) error {
	if r.observe != nil {
		r.observe(rec)
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingStorage) SelectByTxId(ctx context.Context, txId string) (*persistence.Record, []byte, error) {
	return nil, nil, persistence.ErrNotFound
}

func (r *recordingStorage) SelectByOwnerAndExternalId(ctx context.Context, owner string, externalId string) (*persistence.Record, error) {
	return nil, persistence.ErrNotFound
}

func (r *recordingStorage) List(ctx context.Context, filter persistence.ListFilter) ([]persistence.Record, error) {
	return nil, nil
}

func (r *recordingStorage) Close() error { return nil }

func testDurableProjection(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")
	tx := ftx.Transaction()
	durable := &recordingStorage{}
	ftx.SetDurable(durable)

	// the record carries the post-patch output and progress while the live
	// tree still holds the old values
	durable.observe = func(rec persistence.Record) {
		require.Nil(t, tx.Output)
		require.Nil(t, tx.Progress)
		require.Equal(t, model.STATUS_RUNNING, rec.Status)
		require.Equal(t, "yes", rec.Output["charged"])
		require.Equal(t, 50, rec.Progress["pct"])
	}
	err := ftx.Delta("", model.NewPatch(
		model.Set(model.FieldStatus, model.STATUS_RUNNING),
		model.Set(model.FieldOutput, map[string]any{"charged": "yes"}),
		model.Set(model.FieldProgress, map[string]any{"pct": 50}),
	), "run")
	require.NoError(t, err)
	require.Len(t, durable.records, 1)
	require.Equal(t, "yes", tx.Output["charged"])

	durable.observe = nil
	err = ftx.Delta("", model.NewPatch(model.Replace(model.FieldOutput, map[string]any{"refunded": "yes"})), "swap")
	require.NoError(t, err)
	require.Len(t, durable.records, 2)
	last := durable.records[1]
	require.Equal(t, map[string]any{"refunded": "yes"}, last.Output)
	require.Equal(t, 50, last.Progress["pct"])

	// a metadata patch is not a core update
	err = ftx.Delta("", model.NewPatch(model.Set(model.FieldMetadata, map[string]any{"region": "eu"})), "meta")
	require.NoError(t, err)
	require.Len(t, durable.records, 2)
}

func testReplay(t *testing.T) {
	ftx := NewTransaction("acme", "order-9", "order")
	tx := ftx.Transaction()
	stepId, err := ftx.AddStep("", 0, model.StepDefinition{StepType: "echo"}, "transaction.complete", nil)
	require.NoError(t, err)
	require.NoError(t, ftx.Delta("", model.NewPatch(model.Set(model.FieldStatus, model.STATUS_RUNNING)), "run"))
	require.NoError(t, ftx.Delta(stepId, model.NewPatch(
		model.Set(model.FieldStatus, model.STATUS_SUCCESS),
		model.Replace(model.FieldOutput, map[string]any{"n": "1"}),
	), "stepDone"))
	require.NoError(t, ftx.Delta("", model.NewPatch(
		model.Set(model.FieldStatus, model.STATUS_SUCCESS),
		model.Set(model.FieldCompletionTime, time.Now()),
	), "done"))

	replayed, err := Replay(tx.Journal)
	require.NoError(t, err)
	rtx := replayed.Transaction()
	require.Equal(t, tx.TxId, rtx.TxId)
	require.Equal(t, "acme", rtx.Owner)
	require.Equal(t, "order-9", rtx.ExternalId)
	require.Equal(t, model.STATUS_SUCCESS, rtx.Status)
	require.Equal(t, tx.SequenceOfUpdate, rtx.SequenceOfUpdate)
	require.Len(t, rtx.Steps, 1)
	require.Equal(t, model.STATUS_SUCCESS, rtx.Steps[stepId].Status)
	require.Equal(t, "1", rtx.Steps[stepId].Output["n"])
	require.Equal(t, tx.Steps[stepId].OnComplete.Token, rtx.Steps[stepId].OnComplete.Token)

	_, err = Replay(nil)
	require.Error(t, err)
}

func testFlowLogWalks(t *testing.T) {
	ftx := NewTransaction("acme", "", "order")

	txStart := ftx.AddChild(-1, model.FLOW_ENTRY_TX_START, "")
	require.Equal(t, 0, txStart)
	stepRun := ftx.AddChild(txStart, model.FLOW_ENTRY_STEP_RUN, "step-a")
	require.NoError(t, ftx.MarkStarted(stepRun))
	callback := ftx.AddSibling(stepRun, model.FLOW_ENTRY_STEP_CALLBACK, model.STATUS_SUCCESS)

	status, err := ftx.StatusOfEntry(callback)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_SUCCESS, status)

	stepId, err := ftx.StepIdOfEntry(callback)
	require.NoError(t, err)
	require.Equal(t, "step-a", stepId)

	stepId, err = ftx.StepIdOfEntry(txStart)
	require.NoError(t, err)
	require.Empty(t, stepId)

	_, err = ftx.StepIdOfEntry(99)
	require.ErrorIs(t, err, ErrFlowLogIndex)
	require.Error(t, ftx.MarkStarted(99))
}
