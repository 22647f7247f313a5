package processor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence/sqlite"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/store/memory"
	"github.com/sankem/flowtx/util"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	urls    []string
	outcome model.WebhookResultKind
}

func (d *fakeDeliverer) Deliver(ctx context.Context, url string, payload []byte) model.WebhookResultKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	return d.outcome
}

func (d *fakeDeliverer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fixture struct {
	coord store.Store
	clock *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture() *fixture {
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := memory.NewMemoryStore(memory.DefaultConfig())
	m.SetClock(clock.Now)
	return &fixture{coord: m, clock: clock}
}

func (f *fixture) completeTransaction(t *testing.T, txId string, webhookUrl string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.coord.StartStep(ctx, store.StartStepRequest{
		Mode:       model.START_TRANSACTION,
		TxId:       txId,
		Owner:      "acme",
		TxType:     "order",
		NodeGroup:  "wg",
		State:      []byte(`{"txId":"` + txId + `","owner":"acme","transactionType":"order","status":"QUEUED"}`),
		Event:      model.Event{Kind: model.EVENT_STEP_START, TxId: txId},
		WebhookUrl: webhookUrl,
	})
	require.NoError(t, err)
	_, err = f.coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	state := `{"txId":"` + txId + `","owner":"acme","transactionType":"order","status":"SUCCESS"}`
	require.NoError(t, f.coord.CompleteTransaction(ctx, txId, model.STATUS_SUCCESS, []byte(state)))
}

func TestWakeupProcessor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.coord.StartStep(ctx, store.StartStepRequest{
		Mode:      model.START_TRANSACTION,
		TxId:      "tx1",
		Owner:     "acme",
		NodeGroup: "wg",
		Event:     model.Event{Kind: model.EVENT_STEP_START, TxId: "tx1", StepId: "root"},
	})
	require.NoError(t, err)
	_, err = f.coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	_, err = f.coord.StartStep(ctx, store.StartStepRequest{
		Mode:  model.RETRY_STEP,
		TxId:  "tx1",
		Event: model.Event{Kind: model.EVENT_STEP_START, TxId: "tx1", StepId: "root"},
		Delay: 30 * time.Second,
	})
	require.NoError(t, err)

	enabled := true
	var wg sync.WaitGroup
	p := NewWakeupProcessor(f.coord, func() WakeupConfig {
		return WakeupConfig{Enabled: enabled, Interval: time.Second}
	}, nil, "node-1", &wg)

	require.Equal(t, time.Second, p.handle())

	f.clock.Advance(31 * time.Second)
	require.Equal(t, time.Second, p.handle())

	events, err := f.coord.Dequeue(ctx, "wg", 8)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tx1", events[0].TxId)

	enabled = false
	require.Equal(t, disabledPoll, p.handle())
}

func TestArchiveProcessor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.completeTransaction(t, "tx1", "")

	durable, err := sqlite.NewSqliteStorage(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer durable.Close()

	var wg sync.WaitGroup
	conf := ArchiveConfig{Enabled: true, BatchSize: 10, Interval: time.Second, MaxIdleInterval: 8 * time.Second}
	p := NewArchiveProcessor(f.coord, durable, func() ArchiveConfig { return conf }, nil, "node-1", &wg)

	// nothing eligible before the archive delay
	require.Equal(t, 2*time.Second, p.handle())

	f.clock.Advance(6 * time.Minute)
	require.Equal(t, time.Second, p.handle())

	rec, state, err := durable.SelectByTxId(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, model.STATUS_SUCCESS, rec.Status)
	require.Equal(t, "acme", rec.Owner)
	require.NotEmpty(t, state)

	// the next round reports the batch done; the authoritative copy goes away
	p.handle()
	_, err = f.coord.GetState(ctx, "tx1")
	require.ErrorIs(t, err, store.ErrTransactionNotFound)

	// idle runs escalate the pause up to the cap
	pause := p.handle()
	require.Greater(t, pause, conf.Interval)
	for i := 0; i < 5; i++ {
		pause = p.handle()
	}
	require.Equal(t, conf.MaxIdleInterval, pause)
}

func TestWebhookProcessor(t *testing.T) {
	f := newFixture()
	f.completeTransaction(t, "tx1", "http://example.com/hook")

	deliverer := &fakeDeliverer{outcome: model.WEBHOOK_SUCCESS}
	var wg sync.WaitGroup
	p := NewWebhookProcessor(f.coord, deliverer, func() WebhookConfig {
		return WebhookConfig{Enabled: true, BatchSize: 10, Interval: time.Second, PoolSize: 1}
	}, nil, "node-1", &wg)

	w := util.NewWorker("webhook-test", &wg, p.deliver, 4)
	w.Start()
	p.pool = []*util.Worker{w}
	defer func() {
		w.Stop()
		wg.Wait()
	}()

	require.Equal(t, time.Second, p.handle())
	require.Eventually(t, func() bool {
		return deliverer.calls() == 1
	}, time.Second, 5*time.Millisecond)

	// the reported success clears the entry; nothing further is delivered
	p.handle()
	f.clock.Advance(time.Hour)
	p.handle()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, deliverer.calls())
}
