package model

type StartMode string

const START_TRANSACTION StartMode = "START_TRANSACTION"
const START_PIPELINE StartMode = "START_PIPELINE"
const RETRY_STEP StartMode = "RETRY_STEP"

type EventKind string

const EVENT_STEP_START EventKind = "STEP_START"
const EVENT_STEP_COMPLETED EventKind = "STEP_COMPLETED"
const EVENT_TX_CHANGED EventKind = "TX_CHANGED"
const EVENT_TX_COMPLETED EventKind = "TX_COMPLETED"

// Event is the unit coming off a node group's queues. Step-completed events
// carry the single-use completion token recorded on the step's OnComplete.
type Event struct {
	Kind   EventKind      `json:"kind"`
	TxId   string         `json:"txId"`
	StepId string         `json:"stepId,omitempty"`
	Token  string         `json:"token,omitempty"`
	Status Status         `json:"status,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// QueuedEvent is an Event as delivered by Dequeue, with the transaction's
// current state blob attached.
type QueuedEvent struct {
	Event
	State []byte `json:"-"`
}

type WebhookResultKind string

const WEBHOOK_SUCCESS WebhookResultKind = "SUCCESS"
const WEBHOOK_FAILED WebhookResultKind = "FAILED"
const WEBHOOK_ABORTED WebhookResultKind = "ABORTED"
