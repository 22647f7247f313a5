package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/audit"
	"github.com/sankem/flowtx/config"
	"github.com/sankem/flowtx/engine"
	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/notify"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/persistence/sqlite"
	"github.com/sankem/flowtx/processor"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/rest"
	"github.com/sankem/flowtx/service"
	"github.com/sankem/flowtx/steps"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/store/memory"
	redisstore "github.com/sankem/flowtx/store/redis"
	"github.com/sankem/flowtx/util"
)

// Agent wires one node: the coordination store, durable storage, the engine
// with its worker pool, the three background processors and the
// administrative HTTP server.
type Agent struct {
	Config config.Config

	coord       store.Store
	durable     persistence.Storage
	definitions *registry.DefinitionService
	collector   *metrics.Collector
	engine      *engine.Engine
	pool        *engine.Pool
	txService   *service.TransactionService
	httpServer  *rest.Server
	wakeup      *processor.WakeupProcessor
	archive     *processor.ArchiveProcessor
	webhook     *processor.WebhookProcessor
	queueStats  *util.TickWorker
	recorder    audit.Recorder

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	if conf.NodeId == "" {
		conf.NodeId = uuid.NewString()
	}
	a := &Agent{Config: conf}
	setup := []func() error{
		a.setupStores,
		a.setupMetrics,
		a.setupEngine,
		a.setupProcessors,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStores() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		redisConf := redisstore.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
			Password:  a.Config.RedisConfig.Password,
			PoolSize:  a.Config.RedisConfig.PoolSize,
		}
		client := redisstore.NewClient(redisConf)
		a.coord = redisstore.NewRedisStore(client, redisConf)
		a.definitions = registry.NewDefinitionService(redisstore.NewDefinitionStorage(client), a.coord)
	case config.STORAGE_TYPE_INMEM:
		a.coord = memory.NewMemoryStore(memory.DefaultConfig())
		a.definitions = registry.NewDefinitionService(registry.NewInMemoryDefinitions(), a.coord)
	default:
		return fmt.Errorf("unknown storage type %s", a.Config.StorageType)
	}

	path := a.Config.SqlitePath
	if path == "" {
		path = "flowtx.db"
	}
	durable, err := sqlite.NewSqliteStorage(path)
	if err != nil {
		return err
	}
	a.durable = durable
	return nil
}

func (a *Agent) setupMetrics() error {
	a.collector = metrics.NewCollector(prometheus.DefaultRegisterer)
	a.queueStats = util.NewTickWorker("queue-stats", 15*time.Second, make(chan struct{}), func() {
		ctx := context.Background()
		sleeping, err := a.coord.Sleeping(ctx)
		if err != nil {
			return
		}
		processing, err := a.coord.Processing(ctx)
		if err != nil {
			return
		}
		a.collector.SetQueueStats(len(sleeping), len(processing))
	}, &a.wg)
	return nil
}

func (a *Agent) setupEngine() error {
	a.engine = engine.NewEngine(a.coord, a.durable, a.definitions, a.collector)
	if err := steps.RegisterBuiltin(a.engine); err != nil {
		return err
	}
	if a.Config.AuditFile != "" {
		recorder, err := audit.NewLogFileRecorder(a.Config.AuditFile)
		if err != nil {
			return err
		}
		a.recorder = recorder
		a.engine.AddListener(recorder.RecordCompletion)
	}
	a.pool = engine.NewPool(a.Config.NodeGroup, a.Config.WorkerCount, a.engine, a.coord,
		a.Config.PollInterval, a.Config.BatchSize)
	a.txService = service.NewTransactionService(a.coord, a.durable, a.definitions, a.collector)
	return nil
}

func (a *Agent) setupProcessors() error {
	conf := &a.Config
	a.wakeup = processor.NewWakeupProcessor(a.coord, func() processor.WakeupConfig {
		return processor.WakeupConfig{
			Enabled:  conf.Wakeup.Enabled,
			Interval: conf.Wakeup.Interval,
		}
	}, a.collector, conf.NodeId, &a.wg)

	a.archive = processor.NewArchiveProcessor(a.coord, a.durable, func() processor.ArchiveConfig {
		return processor.ArchiveConfig{
			Enabled:         conf.Archive.Enabled,
			BatchSize:       conf.Archive.BatchSize,
			Interval:        conf.Archive.Interval,
			MaxIdleInterval: conf.Archive.MaxIdleInterval,
		}
	}, a.collector, conf.NodeId, &a.wg)

	var signer notify.Signer
	if conf.WebhookSecret != "" {
		signer = notify.NewHmacSigner(conf.WebhookSecret)
	}
	deliverer := notify.NewHttpDeliverer(conf.Webhook.Timeout, signer)
	a.webhook = processor.NewWebhookProcessor(a.coord, deliverer, func() processor.WebhookConfig {
		return processor.WebhookConfig{
			Enabled:   conf.Webhook.Enabled,
			BatchSize: conf.Webhook.BatchSize,
			Interval:  conf.Webhook.Interval,
			PoolSize:  conf.Webhook.PoolSize,
		}
	}, a.collector, conf.NodeId, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.txService, a.definitions)
	return err
}

// Engine exposes the dispatcher so embedding applications can register their
// step handlers and listeners before Start.
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

func (a *Agent) TransactionService() *service.TransactionService {
	return a.txService
}

func (a *Agent) Start() error {
	a.pool.Start()
	a.wakeup.Start()
	a.archive.Start()
	a.webhook.Start()
	a.queueStats.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down node")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.pool.Stop()
			a.wakeup.Stop()
			a.archive.Stop()
			a.webhook.Stop()
			a.queueStats.Stop()
			return nil
		},
		func() error {
			if a.recorder != nil {
				return a.recorder.Close()
			}
			return nil
		},
		a.durable.Close,
		a.coord.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
