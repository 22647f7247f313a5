package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

// disabledPoll is how often a disabled processor re-reads its config.
const disabledPoll = 30 * time.Second

type WakeupConfig struct {
	Enabled  bool
	Interval time.Duration
}

// WakeupProcessor promotes expired sleepers back to their input queues. The
// protocol's lease makes concurrent runs across nodes harmless, so every node
// runs one.
type WakeupProcessor struct {
	coord     store.Store
	conf      func() WakeupConfig
	collector *metrics.Collector
	nodeId    string
	pw        *util.PollWorker
	stop      chan struct{}
}

func NewWakeupProcessor(coord store.Store, conf func() WakeupConfig, collector *metrics.Collector, nodeId string, wg *sync.WaitGroup) *WakeupProcessor {
	p := &WakeupProcessor{
		coord:     coord,
		conf:      conf,
		collector: collector,
		nodeId:    nodeId,
		stop:      make(chan struct{}),
	}
	p.pw = util.NewPollWorker("wakeup-processor", p.stop, p.handle, wg)
	return p
}

func (p *WakeupProcessor) Start() {
	if p.pw.IsRunning() {
		return
	}
	p.pw.Start()
}

func (p *WakeupProcessor) Stop() {
	if !p.pw.IsRunning() {
		return
	}
	p.pw.Stop()
}

func (p *WakeupProcessor) handle() time.Duration {
	conf := p.conf()
	if !conf.Enabled {
		return disabledPoll
	}
	interval := conf.Interval
	if interval < time.Second {
		interval = time.Second
	}
	ctx := store.WithNodeId(context.Background(), p.nodeId)
	woken, err := p.coord.WakeupProcessing(ctx)
	if err != nil {
		logger.Error("wakeup scan failed", zap.Error(err))
		return interval
	}
	if woken > 0 {
		logger.Info("promoted sleeping transactions", zap.Int("count", woken))
		if p.collector != nil {
			p.collector.RecordWoken(woken)
		}
	}
	return interval
}
