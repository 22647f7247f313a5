package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/persistence/sqlite"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/store/memory"
	"github.com/sankem/flowtx/util"
)

func newTestService(t *testing.T) (*TransactionService, store.Store, persistence.Storage) {
	t.Helper()
	coord := memory.NewMemoryStore(memory.DefaultConfig())
	durable, err := sqlite.NewSqliteStorage(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	definitions := registry.NewDefinitionService(registry.NewInMemoryDefinitions(), coord)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	return NewTransactionService(coord, durable, definitions, collector), coord, durable
}

func TestCreateTransaction(t *testing.T) {
	svc, coord, durable := newTestService(t)
	ctx := context.Background()

	for name, req := range map[string]CreateTransactionRequest{
		"missing owner":           {StepType: "echo", NodeGroup: "wg"},
		"neither pipeline nor step": {Owner: "acme"},
		"both pipeline and step":  {Owner: "acme", Pipeline: "p", StepType: "echo"},
		"step without node group": {Owner: "acme", StepType: "echo"},
		"unknown pipeline":        {Owner: "acme", Pipeline: "missing"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateTransaction(ctx, req)
			require.Error(t, err)
		})
	}

	txId, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		Owner:      "acme",
		ExternalId: "order-1",
		Type:       "order",
		StepType:   "echo",
		NodeGroup:  "wg",
		Input:      map[string]any{"amount": "10"},
		WebhookUrl: "http://example.com/hook",
	})
	require.NoError(t, err)
	require.NotEmpty(t, txId)

	report, err := svc.Status(ctx, txId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_QUEUED, report.Status)
	require.Equal(t, "http://example.com/hook", report.Metadata[model.MetadataKeyWebhook])

	// the durable record is written eagerly
	rec, _, err := durable.SelectByTxId(ctx, txId)
	require.NoError(t, err)
	require.Equal(t, "order-1", rec.ExternalId)

	// the event landed on the requested group
	events, err := coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EVENT_STEP_START, events[0].Kind)

	// a second start with the same external id is rejected
	_, err = svc.CreateTransaction(ctx, CreateTransactionRequest{
		Owner:      "acme",
		ExternalId: "order-1",
		Type:       "order",
		StepType:   "echo",
		NodeGroup:  "wg",
	})
	require.ErrorIs(t, err, store.ErrDuplicateExternalId)
}

func TestStatusFallsBackToDurable(t *testing.T) {
	svc, _, durable := newTestService(t)
	ctx := context.Background()

	encoder := util.NewJsonEncoderDecoder[model.Transaction]()
	state, err := encoder.Encode(model.Transaction{
		TxId:   "archived-1",
		Owner:  "acme",
		Status: model.STATUS_SUCCESS,
		Output: map[string]any{"done": "yes"},
	})
	require.NoError(t, err)
	require.NoError(t, durable.InsertOrUpdate(ctx, persistence.Record{
		TxId:   "archived-1",
		Owner:  "acme",
		Type:   "order",
		Status: model.STATUS_SUCCESS,
	}, state))

	report, err := svc.Status(ctx, "archived-1")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_SUCCESS, report.Status)
	require.Equal(t, "yes", report.Output["done"])

	_, err = svc.Status(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestList(t *testing.T) {
	svc, _, durable := newTestService(t)
	ctx := context.Background()
	encoder := util.NewJsonEncoderDecoder[model.Transaction]()

	for _, tx := range []model.Transaction{
		{TxId: "tx1", Owner: "acme", Status: model.STATUS_SUCCESS, Metadata: map[string]any{"region": "eu"}},
		{TxId: "tx2", Owner: "acme", Status: model.STATUS_SUCCESS, Metadata: map[string]any{"region": "us"}},
	} {
		state, err := encoder.Encode(tx)
		require.NoError(t, err)
		require.NoError(t, durable.InsertOrUpdate(ctx, persistence.Record{
			TxId: tx.TxId, Owner: tx.Owner, Type: "order", Status: tx.Status,
		}, state))
	}

	records, err := svc.List(ctx, ListQuery{ListFilter: persistence.ListFilter{Owner: "acme"}})
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = svc.List(ctx, ListQuery{
		ListFilter:    persistence.ListFilter{Owner: "acme"},
		MetadataPath:  "$.metadata.region",
		MetadataValue: "eu",
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tx1", records[0].TxId)
}

func TestSwitchPassThrough(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	txId, err := svc.CreateTransaction(ctx, CreateTransactionRequest{
		Owner:     "acme",
		Type:      "order",
		StepType:  "echo",
		NodeGroup: "wg",
	})
	require.NoError(t, err)

	woke, err := svc.SetSwitch(ctx, txId, "approval", "granted")
	require.NoError(t, err)
	require.False(t, woke)

	sw, err := svc.GetSwitch(ctx, txId, "approval")
	require.NoError(t, err)
	require.Equal(t, "granted", sw.Value)
	require.False(t, sw.Acknowledged)

	// the administrative read does not acknowledge
	sw, err = svc.GetSwitch(ctx, txId, "approval")
	require.NoError(t, err)
	require.False(t, sw.Acknowledged)
}
