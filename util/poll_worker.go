package util

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sankem/flowtx/logger"
	"go.uber.org/zap"
)

// PollWorker runs fn in a loop, pausing between iterations for whatever
// duration fn returns. The pause is re-computed every iteration so callers
// can re-read config, escalate on idle runs and de-escalate when work shows
// up.
type PollWorker struct {
	stop    chan struct{}
	wg      *sync.WaitGroup
	name    string
	fn      func() time.Duration
	running atomic.Bool
}

func NewPollWorker(name string, stop chan struct{}, fn func() time.Duration, wg *sync.WaitGroup) *PollWorker {
	return &PollWorker{
		stop: stop,
		wg:   wg,
		name: name,
		fn:   fn,
	}
}

func (pw *PollWorker) Start() {
	timer := time.NewTimer(0)
	pw.wg.Add(1)
	go func() {
		defer pw.wg.Done()
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				timer.Reset(pw.fn())
			case <-pw.stop:
				logger.Info("stopping poll worker", zap.String("worker", pw.name))
				pw.running.Store(false)
				return
			}
		}
	}()
	pw.running.Store(true)
	logger.Info("poll worker started", zap.String("worker", pw.name))
}

func (pw *PollWorker) Stop() {
	pw.stop <- struct{}{}
}

func (pw *PollWorker) IsRunning() bool {
	return pw.running.Load()
}
