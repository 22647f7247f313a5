package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sankem/flowtx/model"
)

var ErrNotFound = errors.New("transaction not found in durable storage")

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return "error in durable storage layer: " + e.Message
}

// Record is the externalized view of a transaction. The scalar columns exist
// so administrative filters can run without deserializing the blob; output
// and progress ride along so a core update reaches durable storage before
// the in-memory tree changes.
type Record struct {
	TxId             string
	Owner            string
	ExternalId       string
	Type             string
	Status           model.Status
	NodeGroup        string
	Output           map[string]any
	Progress         map[string]any
	CompletionTime   time.Time
	SequenceOfUpdate int64
	UpdatedAt        time.Time
}

type ListFilter struct {
	Status model.Status
	Owner  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Storage is the durable long-term store. InsertOrUpdate must be idempotent
// on TxId so that archiving can be retried after a crashed batch.
type Storage interface {
	InsertOrUpdate(ctx context.Context, rec Record, state []byte) error
	SelectByTxId(ctx context.Context, txId string) (*Record, []byte, error)
	SelectByOwnerAndExternalId(ctx context.Context, owner string, externalId string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Close() error
}
