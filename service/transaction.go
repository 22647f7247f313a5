package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/engine"
	"github.com/sankem/flowtx/flow"
	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/metrics"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

// CreateTransactionRequest starts a transaction whose root step is either a
// named pipeline or a single concrete step on an explicit node group.
type CreateTransactionRequest struct {
	Owner      string         `json:"owner"`
	ExternalId string         `json:"externalId,omitempty"`
	Type       string         `json:"transactionType"`
	Pipeline   string         `json:"pipeline,omitempty"`
	StepType   string         `json:"stepType,omitempty"`
	NodeGroup  string         `json:"nodeGroup,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	WebhookUrl string         `json:"webhookUrl,omitempty"`
}

type StatusReport struct {
	TxId           string         `json:"txId"`
	Status         model.Status   `json:"status"`
	Progress       map[string]any `json:"progress,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CompletionTime time.Time      `json:"completionTime,omitempty"`
}

// ListQuery extends the durable-storage filter with an optional jsonpath
// predicate evaluated against each transaction's state blob.
type ListQuery struct {
	persistence.ListFilter
	MetadataPath  string
	MetadataValue string
}

// TransactionService is the entry point the administrative surface talks to.
type TransactionService struct {
	coord       store.Store
	durable     persistence.Storage
	definitions *registry.DefinitionService
	collector   *metrics.Collector
	encoder     util.EncoderDecoder[model.Transaction]
}

func NewTransactionService(coord store.Store, durable persistence.Storage, definitions *registry.DefinitionService, collector *metrics.Collector) *TransactionService {
	return &TransactionService{
		coord:       coord,
		durable:     durable,
		definitions: definitions,
		collector:   collector,
		encoder:     util.NewJsonEncoderDecoder[model.Transaction](),
	}
}

func (s *TransactionService) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (string, error) {
	if req.Owner == "" {
		return "", fmt.Errorf("transaction requires an owner")
	}
	if (req.Pipeline == "") == (req.StepType == "") {
		return "", fmt.Errorf("transaction requires either a pipeline or a step type")
	}
	nodeGroup := req.NodeGroup
	if req.Pipeline != "" {
		def, err := s.definitions.Resolve(ctx, req.Pipeline)
		if err != nil {
			return "", err
		}
		nodeGroup = def.NodeGroup
	} else if nodeGroup == "" {
		return "", fmt.Errorf("step type %s requires a node group", req.StepType)
	}

	ftx := flow.NewTransaction(req.Owner, req.ExternalId, req.Type)
	ftx.SetDurable(s.durable)
	tx := ftx.Transaction()
	tx.NodeGroup = nodeGroup
	tx.Input = req.Input
	tx.Metadata = req.Metadata
	if req.WebhookUrl != "" {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]any)
		}
		tx.Metadata[model.MetadataKeyWebhook] = req.WebhookUrl
	}

	rootId, err := ftx.AddStep("", 0,
		model.StepDefinition{StepType: req.StepType, Pipeline: req.Pipeline},
		engine.CallbackCompleteTransaction, nil)
	if err != nil {
		return "", err
	}
	if len(req.Input) > 0 {
		if err := ftx.Delta(rootId, model.NewPatch(model.Set(model.FieldInput, req.Input)), "rootInput"); err != nil {
			return "", err
		}
	}
	ftx.AddChild(-1, model.FLOW_ENTRY_TX_START, "")

	state, err := s.encoder.Encode(*tx)
	if err != nil {
		return "", err
	}
	_, err = s.coord.StartStep(ctx, store.StartStepRequest{
		Mode:       model.START_TRANSACTION,
		TxId:       tx.TxId,
		Owner:      req.Owner,
		ExternalId: req.ExternalId,
		TxType:     req.Type,
		Pipeline:   req.Pipeline,
		NodeGroup:  req.NodeGroup,
		State:      state,
		Event:      model.Event{Kind: model.EVENT_STEP_START, TxId: tx.TxId, StepId: rootId},
		WebhookUrl: req.WebhookUrl,
	})
	if err != nil {
		return "", err
	}
	if err := s.durable.InsertOrUpdate(ctx, persistence.Record{
		TxId:             tx.TxId,
		Owner:            tx.Owner,
		ExternalId:       tx.ExternalId,
		Type:             tx.Type,
		Status:           model.STATUS_QUEUED,
		NodeGroup:        nodeGroup,
		SequenceOfUpdate: tx.SequenceOfUpdate,
		UpdatedAt:        time.Now(),
	}, nil); err != nil {
		logger.Error("durable record for new transaction failed", zap.String("txId", tx.TxId), zap.Error(err))
	}
	if s.collector != nil {
		s.collector.RecordTransactionStarted()
	}
	logger.Info("transaction created", zap.String("txId", tx.TxId), zap.String("owner", req.Owner), zap.String("nodeGroup", nodeGroup))
	return tx.TxId, nil
}

// Status reads the authoritative copy first and falls back to durable
// storage for archived transactions.
func (s *TransactionService) Status(ctx context.Context, txId string) (*StatusReport, error) {
	state, err := s.coord.GetState(ctx, txId)
	if err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		rec, archived, selErr := s.durable.SelectByTxId(ctx, txId)
		if selErr != nil {
			return nil, selErr
		}
		if len(archived) == 0 {
			return &StatusReport{TxId: rec.TxId, Status: rec.Status, CompletionTime: rec.CompletionTime}, nil
		}
		state = archived
	}
	tx, err := s.encoder.Decode(state)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		TxId:           tx.TxId,
		Status:         tx.Status,
		Progress:       tx.Progress,
		Output:         tx.Output,
		Metadata:       tx.Metadata,
		CompletionTime: tx.CompletionTime,
	}, nil
}

func (s *TransactionService) GetSwitch(ctx context.Context, txId string, name string) (*model.Switch, error) {
	return s.coord.GetSwitch(ctx, txId, name, false)
}

// SetSwitch writes a switch and reports whether the write woke a sleeping
// transaction.
func (s *TransactionService) SetSwitch(ctx context.Context, txId string, name string, value string) (bool, error) {
	return s.coord.SetSwitch(ctx, txId, name, value)
}

func (s *TransactionService) Processing(ctx context.Context) ([]store.ProcessingEntry, error) {
	return s.coord.Processing(ctx)
}

func (s *TransactionService) Sleeping(ctx context.Context) ([]store.SleepingEntry, error) {
	return s.coord.Sleeping(ctx)
}

func (s *TransactionService) Exceptions(ctx context.Context) ([]store.ExceptionEntry, error) {
	return s.coord.Exceptions(ctx)
}

// List queries durable storage, optionally post-filtering rows by a jsonpath
// expression against the archived state blob.
func (s *TransactionService) List(ctx context.Context, query ListQuery) ([]persistence.Record, error) {
	records, err := s.durable.List(ctx, query.ListFilter)
	if err != nil {
		return nil, err
	}
	if query.MetadataPath == "" {
		return records, nil
	}
	filtered := make([]persistence.Record, 0, len(records))
	for _, rec := range records {
		_, state, err := s.durable.SelectByTxId(ctx, rec.TxId)
		if err != nil || len(state) == 0 {
			continue
		}
		tx, err := s.encoder.Decode(state)
		if err != nil {
			continue
		}
		value, err := jsonpath.JsonPathLookup(map[string]any{"metadata": tx.Metadata}, query.MetadataPath)
		if err != nil {
			continue
		}
		if fmt.Sprint(value) == query.MetadataValue {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}
