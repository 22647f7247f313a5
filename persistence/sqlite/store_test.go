package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
)

func newTestStorage(t *testing.T) *sqliteStorage {
	t.Helper()
	s, err := NewSqliteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSqliteStorage(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, s *sqliteStorage,
	){
		"insert then update":          testUpsert,
		"select by owner external id": testSelectByExternalId,
		"list with filters":           testList,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newTestStorage(t))
		})
	}
}

func testUpsert(t *testing.T, s *sqliteStorage) {
	ctx := context.Background()
	rec := persistence.Record{
		TxId:             "tx1",
		Owner:            "acme",
		ExternalId:       "order-1",
		Type:             "order",
		Status:           model.STATUS_QUEUED,
		NodeGroup:        "default",
		SequenceOfUpdate: 1,
	}
	require.NoError(t, s.InsertOrUpdate(ctx, rec, nil))

	got, state, err := s.SelectByTxId(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_QUEUED, got.Status)
	require.Equal(t, "order-1", got.ExternalId)
	require.Nil(t, got.Output)
	require.Empty(t, state)

	rec.Status = model.STATUS_SUCCESS
	rec.Output = map[string]any{"charged": "yes"}
	rec.Progress = map[string]any{"pct": float64(100)}
	rec.CompletionTime = time.Now()
	rec.SequenceOfUpdate = 7
	require.NoError(t, s.InsertOrUpdate(ctx, rec, []byte(`{"txId":"tx1"}`)))

	got, state, err = s.SelectByTxId(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_SUCCESS, got.Status)
	require.EqualValues(t, 7, got.SequenceOfUpdate)
	require.Equal(t, map[string]any{"charged": "yes"}, got.Output)
	require.Equal(t, map[string]any{"pct": float64(100)}, got.Progress)
	require.False(t, got.CompletionTime.IsZero())
	require.JSONEq(t, `{"txId":"tx1"}`, string(state))

	_, _, err = s.SelectByTxId(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testSelectByExternalId(t *testing.T, s *sqliteStorage) {
	ctx := context.Background()
	require.NoError(t, s.InsertOrUpdate(ctx, persistence.Record{
		TxId: "tx1", Owner: "acme", ExternalId: "order-1", Type: "order", Status: model.STATUS_SUCCESS,
	}, nil))

	got, err := s.SelectByOwnerAndExternalId(ctx, "acme", "order-1")
	require.NoError(t, err)
	require.Equal(t, "tx1", got.TxId)

	_, err = s.SelectByOwnerAndExternalId(ctx, "other", "order-1")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func testList(t *testing.T, s *sqliteStorage) {
	ctx := context.Background()
	for _, rec := range []persistence.Record{
		{TxId: "tx1", Owner: "acme", Type: "order", Status: model.STATUS_SUCCESS},
		{TxId: "tx2", Owner: "acme", Type: "order", Status: model.STATUS_FAILED},
		{TxId: "tx3", Owner: "globex", Type: "order", Status: model.STATUS_SUCCESS},
	} {
		require.NoError(t, s.InsertOrUpdate(ctx, rec, nil))
	}

	records, err := s.List(ctx, persistence.ListFilter{Owner: "acme"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = s.List(ctx, persistence.ListFilter{Status: model.STATUS_SUCCESS})
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = s.List(ctx, persistence.ListFilter{Owner: "acme", Status: model.STATUS_SUCCESS})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tx1", records[0].TxId)

	records, err = s.List(ctx, persistence.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = s.List(ctx, persistence.ListFilter{Until: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Empty(t, records)
}
