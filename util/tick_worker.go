package util

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sankem/flowtx/logger"
	"go.uber.org/zap"
)

// TickWorker runs fn on a fixed interval until stopped. Unlike PollWorker the
// interval never changes, so it suits periodic bookkeeping such as gauge
// refreshes.
type TickWorker struct {
	name     string
	interval time.Duration
	stop     chan struct{}
	fn       func()
	wg       *sync.WaitGroup
	running  atomic.Bool
}

func NewTickWorker(name string, interval time.Duration, stop chan struct{}, fn func(), wg *sync.WaitGroup) *TickWorker {
	return &TickWorker{
		name:     name,
		interval: interval,
		stop:     stop,
		fn:       fn,
		wg:       wg,
	}
}

func (tw *TickWorker) Start() {
	tw.wg.Add(1)
	tw.running.Store(true)
	go tw.run()
	logger.Info("tick worker started", zap.String("worker", tw.name))
}

func (tw *TickWorker) run() {
	defer tw.wg.Done()
	ticker := time.NewTicker(tw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tw.fn()
		case <-tw.stop:
			logger.Info("tick worker stopped", zap.String("worker", tw.name))
			tw.running.Store(false)
			return
		}
	}
}

func (tw *TickWorker) Stop() {
	tw.stop <- struct{}{}
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running.Load()
}
