package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/store"
)

type WorkerState string

const WORKER_STANDBY WorkerState = "STANDBY"
const WORKER_WAITING WorkerState = "WAITING"
const WORKER_INUSE WorkerState = "INUSE"

// Worker drives one execution slot for a node group: dequeue a batch,
// dispatch each event, repeat. A stop request is honored after the current
// batch finishes; in-flight step handlers on other goroutines are unaffected.
type Worker struct {
	name         string
	nodeGroup    string
	engine       *Engine
	coord        store.Store
	pollInterval time.Duration
	batchSize    int
	stop         chan struct{}
	wg           *sync.WaitGroup

	mu    sync.RWMutex
	state WorkerState
}

func NewWorker(name string, nodeGroup string, engine *Engine, coord store.Store, pollInterval time.Duration, batchSize int, wg *sync.WaitGroup) *Worker {
	return &Worker{
		name:         name,
		nodeGroup:    nodeGroup,
		engine:       engine,
		coord:        coord,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		stop:         make(chan struct{}),
		wg:           wg,
		state:        WORKER_STANDBY,
	}
}

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state WorkerState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) Start() {
	w.wg.Add(1)
	w.setState(WORKER_WAITING)
	go w.loop()
	logger.Info("worker started", zap.String("worker", w.name), zap.String("nodeGroup", w.nodeGroup))
}

func (w *Worker) Stop() {
	close(w.stop)
}

func (w *Worker) loop() {
	defer w.wg.Done()
	defer w.setState(WORKER_STANDBY)
	ctx := context.Background()
	for {
		select {
		case <-w.stop:
			logger.Info("stopping worker", zap.String("worker", w.name))
			return
		default:
		}
		events, err := w.coord.Dequeue(ctx, w.nodeGroup, w.batchSize)
		if err != nil {
			logger.Error("dequeue failed", zap.String("worker", w.name), zap.Error(err))
			if !w.pause() {
				return
			}
			continue
		}
		if len(events) == 0 {
			if !w.pause() {
				return
			}
			continue
		}
		if w.engine.collector != nil {
			w.engine.collector.RecordDequeued(len(events))
		}
		w.setState(WORKER_INUSE)
		for _, ev := range events {
			if err := w.engine.Dispatch(ctx, ev); err != nil {
				logger.Error("event dispatch failed",
					zap.String("worker", w.name),
					zap.String("txId", ev.TxId),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
				if w.engine.collector != nil {
					w.engine.collector.RecordDispatchError()
				}
			}
		}
		w.setState(WORKER_WAITING)
	}
}

// pause waits one poll interval, returning false when stopped meanwhile.
func (w *Worker) pause() bool {
	select {
	case <-w.stop:
		logger.Info("stopping worker", zap.String("worker", w.name))
		return false
	case <-time.After(w.pollInterval):
		return true
	}
}

// Pool is the fixed set of workers serving one node group.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

func NewPool(nodeGroup string, size int, engine *Engine, coord store.Store, pollInterval time.Duration, batchSize int) *Pool {
	pool := &Pool{}
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("%s-worker-%d", nodeGroup, i)
		pool.workers = append(pool.workers,
			NewWorker(name, nodeGroup, engine, coord, pollInterval, batchSize, &pool.wg))
	}
	return pool
}

func (p *Pool) Start() {
	for _, w := range p.workers {
		w.Start()
	}
}

// Stop asks every worker to finish its current batch, then waits.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()
}

func (p *Pool) Workers() []*Worker {
	return p.workers
}
