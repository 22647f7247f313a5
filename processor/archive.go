package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

type ArchiveConfig struct {
	Enabled         bool
	BatchSize       int
	Interval        time.Duration
	MaxIdleInterval time.Duration
}

// ArchiveProcessor migrates completed transactions to durable storage: fetch
// a leased batch, write each blob, report the written ids as done on the
// next iteration so the protocol deletes the authoritative copies. A run of
// empty batches escalates the pause; any work drops it back.
type ArchiveProcessor struct {
	coord     store.Store
	durable   persistence.Storage
	conf      func() ArchiveConfig
	collector *metrics.Collector
	nodeId    string
	encoder   util.EncoderDecoder[model.Transaction]
	doneIds   []string
	idleRuns  int
	pw        *util.PollWorker
	stop      chan struct{}
}

func NewArchiveProcessor(coord store.Store, durable persistence.Storage, conf func() ArchiveConfig, collector *metrics.Collector, nodeId string, wg *sync.WaitGroup) *ArchiveProcessor {
	p := &ArchiveProcessor{
		coord:     coord,
		durable:   durable,
		conf:      conf,
		collector: collector,
		nodeId:    nodeId,
		encoder:   util.NewJsonEncoderDecoder[model.Transaction](),
		stop:      make(chan struct{}),
	}
	p.pw = util.NewPollWorker("archive-processor", p.stop, p.handle, wg)
	return p
}

func (p *ArchiveProcessor) Start() {
	if p.pw.IsRunning() {
		return
	}
	p.pw.Start()
}

func (p *ArchiveProcessor) Stop() {
	if !p.pw.IsRunning() {
		return
	}
	p.pw.Stop()
}

func (p *ArchiveProcessor) handle() time.Duration {
	conf := p.conf()
	if !conf.Enabled {
		return disabledPoll
	}
	ctx := store.WithNodeId(context.Background(), p.nodeId)
	items, err := p.coord.TransactionsToArchive(ctx, p.doneIds, p.nodeId, conf.BatchSize)
	if err != nil {
		logger.Error("archive batch fetch failed", zap.Error(err))
		return conf.Interval
	}
	p.doneIds = nil

	for _, item := range items {
		if err := p.archive(ctx, item); err != nil {
			logger.Error("archiving transaction failed", zap.String("txId", item.TxId), zap.Error(err))
			continue
		}
		p.doneIds = append(p.doneIds, item.TxId)
	}
	if len(p.doneIds) > 0 && p.collector != nil {
		p.collector.RecordArchived(len(p.doneIds))
	}

	if len(items) == 0 {
		p.idleRuns++
		return p.idlePause(conf)
	}
	p.idleRuns = 0
	return conf.Interval
}

func (p *ArchiveProcessor) archive(ctx context.Context, item store.ArchiveItem) error {
	rec := persistence.Record{
		TxId:      item.TxId,
		UpdatedAt: time.Now(),
	}
	tx, err := p.encoder.Decode(item.State)
	if err != nil {
		// The blob is still worth keeping; archive it with the scalars we
		// have so the protocol can release the authoritative copy.
		logger.Error("archived state blob is malformed", zap.String("txId", item.TxId), zap.Error(err))
	} else {
		rec.Owner = tx.Owner
		rec.ExternalId = tx.ExternalId
		rec.Type = tx.Type
		rec.Status = tx.Status
		rec.NodeGroup = tx.NodeGroup
		rec.Output = tx.Output
		rec.Progress = tx.Progress
		rec.CompletionTime = tx.CompletionTime
		rec.SequenceOfUpdate = tx.SequenceOfUpdate
	}
	return p.durable.InsertOrUpdate(ctx, rec, item.State)
}

func (p *ArchiveProcessor) idlePause(conf ArchiveConfig) time.Duration {
	max := conf.MaxIdleInterval
	if max <= conf.Interval {
		return conf.Interval
	}
	return util.Backoff(conf.Interval, p.idleRuns, max)
}
