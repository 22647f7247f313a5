package util

import (
	"sync"

	"github.com/sankem/flowtx/logger"
	"go.uber.org/zap"
)

// Action is a unit of work handed to a Worker through its channel.
type Action any

// Worker drains a buffered channel of actions on its own goroutine. Several
// workers sharing one handler form a fixed-size delivery pool.
type Worker struct {
	name    string
	stop    chan struct{}
	wg      *sync.WaitGroup
	handler func(Action) error
	actions chan Action
}

func NewWorker(name string, wg *sync.WaitGroup, handler func(Action) error, capacity int) *Worker {
	return &Worker{
		name:    name,
		stop:    make(chan struct{}),
		wg:      wg,
		handler: handler,
		actions: make(chan Action, capacity),
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case action := <-w.actions:
			if err := w.handler(action); err != nil {
				logger.Error("worker action failed", zap.String("worker", w.name), zap.Error(err))
			}
		case <-w.stop:
			logger.Info("stopping worker", zap.String("worker", w.name))
			return
		}
	}
}

func (w *Worker) Sender() chan<- Action {
	return w.actions
}

func (w *Worker) Stop() {
	w.stop <- struct{}{}
}
