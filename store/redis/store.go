package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/store"
	"github.com/sankem/flowtx/util"
)

var _ store.Store = (*redisStore)(nil)

type redisStore struct {
	client  *Client
	conf    Config
	encoder util.EncoderDecoder[model.Event]
}

func NewRedisStore(client *Client, conf Config) *redisStore {
	conf.applyDefaults()
	return &redisStore{
		client:  client,
		conf:    conf,
		encoder: util.NewJsonEncoderDecoder[model.Event](),
	}
}

func (r *redisStore) StartStep(ctx context.Context, req store.StartStepRequest) (*store.StartStepResult, error) {
	event, err := r.encoder.Encode(req.Event)
	if err != nil {
		return nil, err
	}
	res, err := r.client.redisClient.Eval(ctx, startStepScript, noKeys,
		r.client.namespace,
		string(req.Mode),
		req.TxId,
		req.Owner,
		req.ExternalId,
		req.Pipeline,
		req.NodeGroup,
		string(req.State),
		string(event),
		req.WakeSwitch,
		req.Delay.Milliseconds(),
		time.Now().UnixMilli(),
		r.conf.ExternalIdWindow.Milliseconds(),
		req.WebhookUrl,
		req.TxType,
	).Result()
	if err != nil {
		return nil, mapScriptError("startStep", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, store.StorageLayerError{Message: "unexpected startStep reply"}
	}
	return &store.StartStepResult{
		Queue: asString(parts[0]),
		Delay: time.Duration(asInt64(parts[1])) * time.Millisecond,
		Slept: asInt64(parts[2]) == 1,
	}, nil
}

func (r *redisStore) Dequeue(ctx context.Context, nodeGroup string, maxItems int) ([]model.QueuedEvent, error) {
	res, err := r.client.redisClient.Eval(ctx, dequeueScript, noKeys,
		r.client.namespace, nodeGroup, maxItems, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, mapScriptError("dequeue", err)
	}
	parts, _ := res.([]interface{})
	events := make([]model.QueuedEvent, 0, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		decoded, err := r.encoder.Decode([]byte(asString(parts[i])))
		if err != nil {
			logger.Error("malformed event on queue", zap.String("nodeGroup", nodeGroup), zap.Error(err))
			continue
		}
		events = append(events, model.QueuedEvent{
			Event: *decoded,
			State: []byte(asString(parts[i+1])),
		})
	}
	return events, nil
}

func (r *redisStore) EmitCallback(ctx context.Context, txId string, state []byte, event model.Event) error {
	encoded, err := r.encoder.Encode(event)
	if err != nil {
		return err
	}
	_, err = r.client.redisClient.Eval(ctx, emitCallbackScript, noKeys,
		r.client.namespace, txId, string(state), string(encoded),
	).Result()
	if err != nil {
		return mapScriptError("emitCallback", err)
	}
	return nil
}

func (r *redisStore) GetSwitch(ctx context.Context, txId string, name string, acknowledge bool) (*model.Switch, error) {
	ack := "0"
	if acknowledge {
		ack = "1"
	}
	res, err := r.client.redisClient.Eval(ctx, getSwitchScript, noKeys,
		r.client.namespace, txId, name, ack,
	).Result()
	return decodeSwitchReply(name, res, err)
}

// decodeSwitchReply maps the getSwitch script's reply. The script replies
// false for a switch that was never set, which go-redis surfaces as rd.Nil;
// an absent switch is a normal read, not an error.
func decodeSwitchReply(name string, res interface{}, err error) (*model.Switch, error) {
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapScriptError("getSwitch", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, nil
	}
	return &model.Switch{
		Name:         name,
		Value:        asString(parts[0]),
		Acknowledged: asInt64(parts[1]) == 1,
	}, nil
}

func (r *redisStore) SetSwitch(ctx context.Context, txId string, name string, value string) (bool, error) {
	changedEvent, err := r.encoder.Encode(model.Event{Kind: model.EVENT_TX_CHANGED, TxId: txId})
	if err != nil {
		return false, err
	}
	res, err := r.client.redisClient.Eval(ctx, setSwitchScript, noKeys,
		r.client.namespace, txId, name, value, time.Now().UnixMilli(), string(changedEvent),
	).Result()
	if err != nil {
		return false, mapScriptError("setSwitch", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return false, nil
	}
	return asInt64(parts[1]) == 1, nil
}

func (r *redisStore) CompleteTransaction(ctx context.Context, txId string, status model.Status, state []byte) error {
	completionEvent, err := r.encoder.Encode(model.Event{
		Kind:   model.EVENT_TX_COMPLETED,
		TxId:   txId,
		Status: status,
	})
	if err != nil {
		return err
	}
	_, err = r.client.redisClient.Eval(ctx, completeTransactionScript, noKeys,
		r.client.namespace,
		txId,
		string(status),
		string(state),
		time.Now().UnixMilli(),
		r.conf.ArchiveDelay.Milliseconds(),
		string(completionEvent),
	).Result()
	if err != nil {
		return mapScriptError("completeTransaction", err)
	}
	return nil
}

func (r *redisStore) WakeupProcessing(ctx context.Context) (int, error) {
	res, err := r.client.redisClient.Eval(ctx, wakeupProcessingScript, noKeys,
		r.client.namespace,
		store.NodeIdOf(ctx),
		r.conf.WakeupLeaseTTL.Milliseconds(),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, mapScriptError("wakeupProcessing", err)
	}
	if res < 0 {
		// another node holds the lease
		return 0, nil
	}
	return int(res), nil
}

func (r *redisStore) TransactionsToArchive(ctx context.Context, doneIds []string, nodeId string, batchSize int) ([]store.ArchiveItem, error) {
	args := []interface{}{
		r.client.namespace,
		nodeId,
		batchSize,
		time.Now().UnixMilli(),
		r.conf.ArchiveLeaseTTL.Milliseconds(),
		r.conf.ArchiveCooldown.Milliseconds(),
	}
	for _, id := range doneIds {
		args = append(args, id)
	}
	res, err := r.client.redisClient.Eval(ctx, transactionsToArchiveScript, noKeys, args...).Result()
	if err != nil {
		return nil, mapScriptError("transactionsToArchive", err)
	}
	parts, _ := res.([]interface{})
	items := make([]store.ArchiveItem, 0, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		items = append(items, store.ArchiveItem{
			TxId:  asString(parts[i]),
			State: []byte(asString(parts[i+1])),
		})
	}
	return items, nil
}

func (r *redisStore) WebhooksToDeliver(ctx context.Context, results []store.WebhookResult, nodeId string, batchSize int) ([]store.WebhookItem, error) {
	args := []interface{}{
		r.client.namespace,
		nodeId,
		batchSize,
		time.Now().UnixMilli(),
		r.conf.WebhookLease.Milliseconds(),
		r.conf.WebhookBackoffBase.Milliseconds(),
		r.conf.WebhookMaxRetries,
	}
	for _, res := range results {
		args = append(args, res.TxId, string(res.Result))
	}
	res, err := r.client.redisClient.Eval(ctx, webhooksToDeliverScript, noKeys, args...).Result()
	if err != nil {
		return nil, mapScriptError("webhooksToDeliver", err)
	}
	parts, _ := res.([]interface{})
	items := make([]store.WebhookItem, 0, len(parts)/4)
	for i := 0; i+3 < len(parts); i += 4 {
		retries, _ := strconv.Atoi(asString(parts[i+2]))
		items = append(items, store.WebhookItem{
			TxId:       asString(parts[i]),
			Url:        asString(parts[i+1]),
			RetryCount: retries,
			State:      []byte(asString(parts[i+3])),
		})
	}
	return items, nil
}

func (r *redisStore) SaveState(ctx context.Context, txId string, state []byte) error {
	err := r.client.redisClient.HSet(ctx, r.client.key("TX", txId), "state", string(state)).Err()
	if err != nil {
		logger.Error("error saving transaction state", zap.String("txId", txId), zap.Error(err))
		return store.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStore) GetState(ctx context.Context, txId string) ([]byte, error) {
	res, err := r.client.redisClient.HGet(ctx, r.client.key("TX", txId), "state").Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, store.ErrTransactionNotFound
		}
		return nil, store.StorageLayerError{Message: err.Error()}
	}
	return []byte(res), nil
}

func (r *redisStore) RegisterPipeline(ctx context.Context, name string, nodeGroup string) error {
	err := r.client.redisClient.HSet(ctx, r.client.key("PIPELINE", name), "nodeGroup", nodeGroup).Err()
	if err != nil {
		return store.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStore) Processing(ctx context.Context) ([]store.ProcessingEntry, error) {
	zs, err := r.client.redisClient.ZRangeWithScores(ctx, r.client.key("PROCESSING"), 0, -1).Result()
	if err != nil {
		return nil, store.StorageLayerError{Message: err.Error()}
	}
	entries := make([]store.ProcessingEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, store.ProcessingEntry{
			TxId:  z.Member.(string),
			Since: time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

func (r *redisStore) Sleeping(ctx context.Context) ([]store.SleepingEntry, error) {
	zs, err := r.client.redisClient.ZRangeWithScores(ctx, r.client.key("SLEEP"), 0, -1).Result()
	if err != nil {
		return nil, store.StorageLayerError{Message: err.Error()}
	}
	entries := make([]store.SleepingEntry, 0, len(zs))
	for _, z := range zs {
		txId := z.Member.(string)
		entry := store.SleepingEntry{TxId: txId}
		if z.Score > 0 && z.Score < float64(1<<52) {
			entry.WakeTime = time.UnixMilli(int64(z.Score))
		}
		wakeSwitch, err := r.client.redisClient.HGet(ctx, r.client.key("TX", txId), "wakeSwitch").Result()
		if err == nil {
			entry.WakeSwitch = wakeSwitch
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *redisStore) Exceptions(ctx context.Context) ([]store.ExceptionEntry, error) {
	zs, err := r.client.redisClient.ZRangeWithScores(ctx, r.client.key("EXCEPTION"), 0, -1).Result()
	if err != nil {
		return nil, store.StorageLayerError{Message: err.Error()}
	}
	entries := make([]store.ExceptionEntry, 0, len(zs))
	for _, z := range zs {
		txId := z.Member.(string)
		reason, _ := r.client.redisClient.HGet(ctx, r.client.key("EXCEPTION:REASON"), txId).Result()
		entries = append(entries, store.ExceptionEntry{
			TxId:   txId,
			Reason: reason,
			Time:   time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

var noKeys = []string{}

func mapScriptError(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate externalId"):
		return store.ErrDuplicateExternalId
	case strings.Contains(msg, "not in processing state"):
		return store.ErrNotProcessing
	case strings.Contains(msg, "transaction not found"), strings.Contains(msg, "transaction has no node group"):
		return store.ErrTransactionNotFound
	case strings.Contains(msg, "unknown pipeline"):
		return store.ErrUnknownPipeline
	}
	logger.Error("atomic store script failed", zap.String("op", op), zap.Error(err))
	return store.StorageLayerError{Message: msg}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}
