package store

import (
	"context"
	"errors"
	"time"

	"github.com/sankem/flowtx/model"
)

// Protocol violations. These indicate a logic bug or a duplicate-delivery
// race and are fatal to the offending call; they are never retried.
var ErrDuplicateExternalId = errors.New("externalId already reserved for owner")
var ErrNotProcessing = errors.New("transaction is not in processing state")
var ErrTransactionNotFound = errors.New("transaction not found in store")
var ErrUnknownPipeline = errors.New("pipeline has no registered owner group")

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return "error in atomic store layer: " + e.Message
}

// StartStepRequest enqueues a transaction, pipeline or retried step. The
// destination node group is either named directly or resolved through the
// registered owner group of Pipeline. On RETRY_STEP a non-zero Delay or a
// WakeSwitch schedules a sleep instead of an immediate enqueue.
type StartStepRequest struct {
	Mode       model.StartMode
	TxId       string
	Owner      string
	ExternalId string
	TxType     string
	Pipeline   string
	NodeGroup  string
	State      []byte
	Event      model.Event
	WakeSwitch string
	WebhookUrl string
	Delay      time.Duration
}

type StartStepResult struct {
	Queue string
	Delay time.Duration
	// Slept is true when the request was parked in the sleep set rather
	// than queued.
	Slept bool
}

type ArchiveItem struct {
	TxId  string
	State []byte
}

type WebhookItem struct {
	TxId       string
	Url        string
	RetryCount int
	State      []byte
}

type WebhookResult struct {
	TxId   string
	Result model.WebhookResultKind
}

type ProcessingEntry struct {
	TxId  string
	Since time.Time
}

type SleepingEntry struct {
	TxId       string
	WakeTime   time.Time
	WakeSwitch string
}

type ExceptionEntry struct {
	TxId   string
	Reason string
	Time   time.Time
}

type nodeIdKey struct{}

// WithNodeId tags a context with the calling node's id, used for lease
// ownership inside the protocol operations.
func WithNodeId(ctx context.Context, nodeId string) context.Context {
	return context.WithValue(ctx, nodeIdKey{}, nodeId)
}

func NodeIdOf(ctx context.Context) string {
	if id, ok := ctx.Value(nodeIdKey{}).(string); ok {
		return id
	}
	return "unknown"
}

// Store is the coordination protocol over the shared atomic store. Every
// method is a single atomic operation: no call may observe a partially
// applied effect of another. Operations touching the same transaction id are
// serialized by the store; different ids are fully concurrent.
type Store interface {
	StartStep(ctx context.Context, req StartStepRequest) (*StartStepResult, error)
	Dequeue(ctx context.Context, nodeGroup string, maxItems int) ([]model.QueuedEvent, error)
	// EmitCallback releases the caller's processing claim on txId and hands
	// the callback event to the owning node group's output queue in the same
	// operation.
	EmitCallback(ctx context.Context, txId string, state []byte, event model.Event) error
	GetSwitch(ctx context.Context, txId string, name string, acknowledge bool) (*model.Switch, error)
	SetSwitch(ctx context.Context, txId string, name string, value string) (bool, error)
	CompleteTransaction(ctx context.Context, txId string, status model.Status, state []byte) error
	WakeupProcessing(ctx context.Context) (int, error)
	TransactionsToArchive(ctx context.Context, doneIds []string, nodeId string, batchSize int) ([]ArchiveItem, error)
	WebhooksToDeliver(ctx context.Context, results []WebhookResult, nodeId string, batchSize int) ([]WebhookItem, error)

	SaveState(ctx context.Context, txId string, state []byte) error
	GetState(ctx context.Context, txId string) ([]byte, error)
	RegisterPipeline(ctx context.Context, name string, nodeGroup string) error

	Processing(ctx context.Context) ([]ProcessingEntry, error)
	Sleeping(ctx context.Context) ([]SleepingEntry, error)
	Exceptions(ctx context.Context) ([]ExceptionEntry, error)

	Close() error
}
