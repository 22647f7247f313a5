package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/notify"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

type WebhookConfig struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
	PoolSize  int
}

// WebhookProcessor delivers completion webhooks. Each loop iteration reports
// the previous round's outcomes and leases the next pending batch; the HTTP
// calls themselves run on a fixed worker pool so the loop never blocks on a
// slow receiver.
type WebhookProcessor struct {
	coord     store.Store
	deliverer notify.Deliverer
	conf      func() WebhookConfig
	collector *metrics.Collector
	nodeId    string

	pool []*util.Worker
	next int

	mu      sync.Mutex
	results []store.WebhookResult

	pw   *util.PollWorker
	stop chan struct{}
	wg   *sync.WaitGroup
}

func NewWebhookProcessor(coord store.Store, deliverer notify.Deliverer, conf func() WebhookConfig, collector *metrics.Collector, nodeId string, wg *sync.WaitGroup) *WebhookProcessor {
	p := &WebhookProcessor{
		coord:     coord,
		deliverer: deliverer,
		conf:      conf,
		collector: collector,
		nodeId:    nodeId,
		stop:      make(chan struct{}),
		wg:        wg,
	}
	p.pw = util.NewPollWorker("webhook-processor", p.stop, p.handle, wg)
	return p
}

func (p *WebhookProcessor) Start() {
	if p.pw.IsRunning() {
		return
	}
	conf := p.conf()
	size := conf.PoolSize
	if size < 1 {
		size = 1
	}
	for i := 0; i < size; i++ {
		w := util.NewWorker(fmt.Sprintf("webhook-deliverer-%d", i), p.wg, p.deliver, conf.BatchSize+1)
		w.Start()
		p.pool = append(p.pool, w)
	}
	p.pw.Start()
}

func (p *WebhookProcessor) Stop() {
	if !p.pw.IsRunning() {
		return
	}
	p.pw.Stop()
	for _, w := range p.pool {
		w.Stop()
	}
	p.pool = nil
}

func (p *WebhookProcessor) handle() time.Duration {
	conf := p.conf()
	if !conf.Enabled {
		return disabledPoll
	}
	p.mu.Lock()
	results := p.results
	p.results = nil
	p.mu.Unlock()

	ctx := store.WithNodeId(context.Background(), p.nodeId)
	items, err := p.coord.WebhooksToDeliver(ctx, results, p.nodeId, conf.BatchSize)
	if err != nil {
		logger.Error("webhook batch fetch failed", zap.Error(err))
		// Re-report the outcomes next round, they were not applied.
		p.mu.Lock()
		p.results = append(p.results, results...)
		p.mu.Unlock()
		return conf.Interval
	}
	for _, item := range items {
		p.pool[p.next%len(p.pool)].Sender() <- item
		p.next++
	}
	return conf.Interval
}

// deliver runs on the worker pool, out of band from the loop.
func (p *WebhookProcessor) deliver(task util.Action) error {
	item, ok := task.(store.WebhookItem)
	if !ok {
		return nil
	}
	outcome := p.deliverer.Deliver(context.Background(), item.Url, item.State)
	if p.collector != nil {
		p.collector.RecordWebhookOutcome(string(outcome))
	}
	p.mu.Lock()
	p.results = append(p.results, store.WebhookResult{TxId: item.TxId, Result: outcome})
	p.mu.Unlock()
	return nil
}
