package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/store"
)

// Config mirrors the protocol windows of the redis store.
type Config struct {
	ExternalIdWindow   time.Duration
	ArchiveDelay       time.Duration
	WakeupLeaseTTL     time.Duration
	ArchiveLeaseTTL    time.Duration
	ArchiveCooldown    time.Duration
	WebhookLease       time.Duration
	WebhookBackoffBase time.Duration
	WebhookMaxRetries  int
}

func DefaultConfig() Config {
	return Config{
		ExternalIdWindow:   24 * time.Hour,
		ArchiveDelay:       5 * time.Minute,
		WakeupLeaseTTL:     10 * time.Second,
		ArchiveLeaseTTL:    30 * time.Second,
		ArchiveCooldown:    5 * time.Minute,
		WebhookLease:       30 * time.Second,
		WebhookBackoffBase: 10 * time.Second,
		WebhookMaxRetries:  5,
	}
}

type txRecord struct {
	owner          string
	externalId     string
	txType         string
	status         model.Status
	nodeGroup      string
	state          []byte
	retries        int
	sleepingSince  time.Time
	wakeTime       time.Time
	wakeSwitch     string
	wakeEvent      *model.Event
	switches       []model.Switch
	webhookUrl     string
	webhookRetries int
	webhookStatus  string
	completionTime time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

var _ store.Store = (*memoryStore)(nil)

// memoryStore implements the coordination protocol in-process. A single
// mutex gives the same atomicity the redis scripts give: no operation
// observes a partially applied effect of another. Used by tests and by the
// single-node storage mode.
type memoryStore struct {
	mu          sync.Mutex
	conf        Config
	now         func() time.Time
	txs         map[string]*txRecord
	queues      map[string]map[string][]model.Event
	sleep       map[string]time.Time // zero time = switch-only sleep
	processing  map[string]time.Time
	archive     map[string]time.Time
	webhook     map[string]time.Time
	externalIds map[string]time.Time
	exceptions  map[string]store.ExceptionEntry
	pipelines   map[string]string
	leases      map[string]lease
}

func NewMemoryStore(conf Config) *memoryStore {
	return &memoryStore{
		conf:        conf,
		now:         time.Now,
		txs:         make(map[string]*txRecord),
		queues:      make(map[string]map[string][]model.Event),
		sleep:       make(map[string]time.Time),
		processing:  make(map[string]time.Time),
		archive:     make(map[string]time.Time),
		webhook:     make(map[string]time.Time),
		externalIds: make(map[string]time.Time),
		exceptions:  make(map[string]store.ExceptionEntry),
		pipelines:   make(map[string]string),
		leases:      make(map[string]lease),
	}
}

// SetClock replaces the time source. Test hook.
func (m *memoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *memoryStore) queue(group string, kind string) []model.Event {
	if byKind, ok := m.queues[group]; ok {
		return byKind[kind]
	}
	return nil
}

func (m *memoryStore) push(group string, kind string, ev model.Event) {
	byKind, ok := m.queues[group]
	if !ok {
		byKind = make(map[string][]model.Event)
		m.queues[group] = byKind
	}
	byKind[kind] = append(byKind[kind], ev)
}

func (m *memoryStore) StartStep(ctx context.Context, req store.StartStepRequest) (*store.StartStepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	group := req.NodeGroup
	if req.Pipeline != "" {
		resolved, ok := m.pipelines[req.Pipeline]
		if !ok {
			return nil, store.ErrUnknownPipeline
		}
		group = resolved
	}
	rec := m.txs[req.TxId]
	if group == "" {
		if rec == nil {
			return nil, store.ErrTransactionNotFound
		}
		group = rec.nodeGroup
	}

	switch req.Mode {
	case model.START_TRANSACTION:
		if req.ExternalId != "" {
			extKey := req.Owner + ":" + req.ExternalId
			if expiry, ok := m.externalIds[extKey]; ok && expiry.After(now) {
				return nil, store.ErrDuplicateExternalId
			}
			m.externalIds[extKey] = now.Add(m.conf.ExternalIdWindow)
		}
		m.txs[req.TxId] = &txRecord{
			owner:      req.Owner,
			externalId: req.ExternalId,
			txType:     req.TxType,
			status:     model.STATUS_QUEUED,
			nodeGroup:  group,
			state:      req.State,
			webhookUrl: req.WebhookUrl,
		}
		m.push(group, "input", req.Event)
		return &store.StartStepResult{Queue: group}, nil

	case model.START_PIPELINE:
		if rec == nil {
			return nil, store.ErrTransactionNotFound
		}
		// The transaction migrates to the pipeline's owner group for the
		// duration of the pipeline; wake and callback routing follow it.
		rec.status = model.STATUS_QUEUED
		rec.nodeGroup = group
		if len(req.State) > 0 {
			rec.state = req.State
		}
		delete(m.processing, req.TxId)
		m.push(group, "input", req.Event)
		return &store.StartStepResult{Queue: group}, nil
	}

	// RETRY_STEP
	if rec == nil {
		return nil, store.ErrTransactionNotFound
	}
	rec.retries++
	if len(req.State) > 0 {
		rec.state = req.State
	}
	if req.WakeSwitch != "" {
		idx := model.FindSwitch(rec.switches, req.WakeSwitch)
		if idx >= 0 && !rec.switches[idx].Acknowledged {
			rec.status = model.STATUS_QUEUED
			delete(m.processing, req.TxId)
			m.push(group, "input", req.Event)
			return &store.StartStepResult{Queue: group}, nil
		}
	}
	if req.WakeSwitch != "" || req.Delay > 0 {
		if req.Delay > 0 {
			wake := now.Add(req.Delay)
			m.sleep[req.TxId] = wake
			rec.wakeTime = wake
		} else {
			m.sleep[req.TxId] = time.Time{}
		}
		rec.status = model.STATUS_SLEEPING
		rec.wakeSwitch = req.WakeSwitch
		ev := req.Event
		rec.wakeEvent = &ev
		rec.sleepingSince = now
		delete(m.processing, req.TxId)
		return &store.StartStepResult{Queue: group, Delay: req.Delay, Slept: true}, nil
	}
	rec.status = model.STATUS_QUEUED
	delete(m.processing, req.TxId)
	m.push(group, "input", req.Event)
	return &store.StartStepResult{Queue: group}, nil
}

func (m *memoryStore) Dequeue(ctx context.Context, nodeGroup string, maxItems int) ([]model.QueuedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var result []model.QueuedEvent
	for _, kind := range []string{"admin", "output", "input"} {
		for len(result) < maxItems {
			queue := m.queue(nodeGroup, kind)
			if len(queue) == 0 {
				break
			}
			ev := queue[0]
			m.queues[nodeGroup][kind] = queue[1:]
			if ev.Kind == model.EVENT_TX_COMPLETED || ev.Kind == model.EVENT_TX_CHANGED {
				// Notification events carry no claim.
				var state []byte
				if rec, ok := m.txs[ev.TxId]; ok {
					state = rec.state
				}
				result = append(result, model.QueuedEvent{Event: ev, State: state})
				continue
			}
			if _, claimed := m.processing[ev.TxId]; claimed {
				m.exceptions[ev.TxId] = store.ExceptionEntry{
					TxId:   ev.TxId,
					Reason: "dequeued while already processing",
					Time:   now,
				}
				continue
			}
			m.processing[ev.TxId] = now
			var state []byte
			if rec, ok := m.txs[ev.TxId]; ok {
				state = rec.state
			}
			result = append(result, model.QueuedEvent{Event: ev, State: state})
		}
	}
	return result, nil
}

func (m *memoryStore) EmitCallback(ctx context.Context, txId string, state []byte, event model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txId]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if len(state) > 0 {
		rec.state = state
	}
	delete(m.processing, txId)
	m.push(rec.nodeGroup, "output", event)
	return nil
}

func (m *memoryStore) GetSwitch(ctx context.Context, txId string, name string, acknowledge bool) (*model.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txId]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	idx := model.FindSwitch(rec.switches, name)
	if idx < 0 {
		return nil, nil
	}
	sw := rec.switches[idx]
	if acknowledge && !sw.Acknowledged {
		rec.switches[idx].Acknowledged = true
	}
	return &sw, nil
}

func (m *memoryStore) SetSwitch(ctx context.Context, txId string, name string, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txId]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	switches, changed := model.SetSwitch(rec.switches, name, value)
	rec.switches = switches
	if !changed {
		return false, nil
	}
	if rec.wakeSwitch == name && rec.status == model.STATUS_SLEEPING {
		rec.status = model.STATUS_QUEUED
		rec.wakeSwitch = ""
		rec.wakeTime = time.Time{}
		rec.sleepingSince = time.Time{}
		delete(m.sleep, txId)
		if rec.wakeEvent != nil {
			m.push(rec.nodeGroup, "input", *rec.wakeEvent)
			rec.wakeEvent = nil
		}
		return true, nil
	}
	// The transaction did not wake; observers still learn it changed.
	m.push(rec.nodeGroup, "output", model.Event{Kind: model.EVENT_TX_CHANGED, TxId: txId})
	return false, nil
}

func (m *memoryStore) CompleteTransaction(ctx context.Context, txId string, status model.Status, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, claimed := m.processing[txId]; !claimed {
		return store.ErrNotProcessing
	}
	rec, ok := m.txs[txId]
	if !ok {
		return store.ErrTransactionNotFound
	}
	rec.status = status
	rec.state = state
	rec.completionTime = now
	rec.retries = 0
	rec.wakeTime = time.Time{}
	rec.wakeSwitch = ""
	rec.wakeEvent = nil
	rec.sleepingSince = time.Time{}
	delete(m.processing, txId)
	delete(m.sleep, txId)
	if rec.webhookUrl != "" {
		rec.webhookRetries = 0
		m.webhook[txId] = now
	}
	m.archive[txId] = now.Add(m.conf.ArchiveDelay)
	m.push(rec.nodeGroup, "output", model.Event{
		Kind:   model.EVENT_TX_COMPLETED,
		TxId:   txId,
		Status: status,
	})
	return nil
}

func (m *memoryStore) WakeupProcessing(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.acquireLease("wakeup", store.NodeIdOf(ctx), m.conf.WakeupLeaseTTL, now) {
		return 0, nil
	}
	count := 0
	for txId, wake := range m.sleep {
		if wake.IsZero() || wake.After(now) {
			continue
		}
		rec, ok := m.txs[txId]
		if !ok || rec.status != model.STATUS_SLEEPING {
			status := model.Status("")
			if ok {
				status = rec.status
			}
			m.exceptions[txId] = store.ExceptionEntry{
				TxId:   txId,
				Reason: "in sleep set but status is " + string(status),
				Time:   now,
			}
			delete(m.sleep, txId)
			continue
		}
		rec.status = model.STATUS_QUEUED
		rec.wakeSwitch = ""
		rec.wakeTime = time.Time{}
		rec.sleepingSince = time.Time{}
		delete(m.sleep, txId)
		if rec.wakeEvent != nil {
			m.push(rec.nodeGroup, "input", *rec.wakeEvent)
			rec.wakeEvent = nil
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) TransactionsToArchive(ctx context.Context, doneIds []string, nodeId string, batchSize int) ([]store.ArchiveItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, txId := range doneIds {
		delete(m.txs, txId)
		delete(m.archive, txId)
	}
	if batchSize <= 0 {
		return nil, nil
	}
	if !m.acquireTieredLease("archive", nodeId, now) {
		return nil, nil
	}
	var items []store.ArchiveItem
	for txId, at := range m.archive {
		if len(items) >= batchSize {
			break
		}
		if at.After(now) {
			continue
		}
		var state []byte
		if rec, ok := m.txs[txId]; ok {
			state = rec.state
		}
		items = append(items, store.ArchiveItem{TxId: txId, State: state})
	}
	return items, nil
}

func (m *memoryStore) WebhooksToDeliver(ctx context.Context, results []store.WebhookResult, nodeId string, batchSize int) ([]store.WebhookItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, res := range results {
		rec, ok := m.txs[res.TxId]
		if !ok {
			delete(m.webhook, res.TxId)
			continue
		}
		switch res.Result {
		case model.WEBHOOK_SUCCESS:
			delete(m.webhook, res.TxId)
			rec.webhookStatus = "DELIVERED"
		case model.WEBHOOK_ABORTED:
			delete(m.webhook, res.TxId)
			rec.webhookStatus = "ABORTED"
		default:
			rec.webhookRetries++
			if rec.webhookRetries >= m.conf.WebhookMaxRetries {
				delete(m.webhook, res.TxId)
				rec.webhookStatus = "ABORTED"
			} else {
				backoff := m.conf.WebhookBackoffBase
				for i := 0; i < rec.webhookRetries; i++ {
					backoff *= 2
				}
				m.webhook[res.TxId] = now.Add(backoff)
			}
		}
	}
	if batchSize <= 0 {
		return nil, nil
	}
	var items []store.WebhookItem
	for txId, at := range m.webhook {
		if len(items) >= batchSize {
			break
		}
		if at.After(now) {
			continue
		}
		rec := m.txs[txId]
		if rec == nil {
			delete(m.webhook, txId)
			continue
		}
		m.webhook[txId] = now.Add(m.conf.WebhookLease)
		items = append(items, store.WebhookItem{
			TxId:       txId,
			Url:        rec.webhookUrl,
			RetryCount: rec.webhookRetries,
			State:      rec.state,
		})
	}
	return items, nil
}

func (m *memoryStore) SaveState(ctx context.Context, txId string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txId]
	if !ok {
		return store.ErrTransactionNotFound
	}
	rec.state = state
	return nil
}

func (m *memoryStore) GetState(ctx context.Context, txId string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txId]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return rec.state, nil
}

func (m *memoryStore) RegisterPipeline(ctx context.Context, name string, nodeGroup string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[name] = nodeGroup
	return nil
}

func (m *memoryStore) Processing(ctx context.Context) ([]store.ProcessingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]store.ProcessingEntry, 0, len(m.processing))
	for txId, since := range m.processing {
		entries = append(entries, store.ProcessingEntry{TxId: txId, Since: since})
	}
	return entries, nil
}

func (m *memoryStore) Sleeping(ctx context.Context) ([]store.SleepingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]store.SleepingEntry, 0, len(m.sleep))
	for txId, wake := range m.sleep {
		entry := store.SleepingEntry{TxId: txId, WakeTime: wake}
		if rec, ok := m.txs[txId]; ok {
			entry.WakeSwitch = rec.wakeSwitch
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *memoryStore) Exceptions(ctx context.Context) ([]store.ExceptionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]store.ExceptionEntry, 0, len(m.exceptions))
	for _, entry := range m.exceptions {
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) acquireLease(name string, owner string, ttl time.Duration, now time.Time) bool {
	current, held := m.leases[name]
	if held && current.expires.After(now) {
		return false
	}
	m.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true
}

// acquireTieredLease implements the short ownership lease plus the longer
// cooldown: once a node owns a batch, other nodes stay away until the
// cooldown expires even if the short lease already has.
func (m *memoryStore) acquireTieredLease(name string, owner string, now time.Time) bool {
	short, held := m.leases[name]
	if held && short.expires.After(now) && short.owner != owner {
		return false
	}
	cooldown, held := m.leases[name+":cooldown"]
	if held && cooldown.expires.After(now) && cooldown.owner != owner {
		return false
	}
	m.leases[name] = lease{owner: owner, expires: now.Add(m.conf.ArchiveLeaseTTL)}
	m.leases[name+":cooldown"] = lease{owner: owner, expires: now.Add(m.conf.ArchiveCooldown)}
	return true
}
