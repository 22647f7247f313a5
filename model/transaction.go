package model

import "time"

// Transaction is the root unit of work. The whole struct serializes to the
// state blob stored against the transaction's hash in the atomic store; the
// scalar fields are additionally externalized as hash fields so that
// administrative queries never need to deserialize the blob.
type Transaction struct {
	TxId             string         `json:"txId"`
	Owner            string         `json:"owner"`
	ExternalId       string         `json:"externalId,omitempty"`
	Type             string         `json:"transactionType"`
	Status           Status         `json:"status"`
	NodeGroup        string         `json:"nodeGroup"`
	Input            map[string]any `json:"transactionInput,omitempty"`
	Output           map[string]any `json:"transactionOutput,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Progress         map[string]any `json:"progress,omitempty"`
	CompletionTime   time.Time      `json:"completionTime,omitempty"`
	SequenceOfUpdate int64          `json:"sequenceOfUpdate"`
	Retry            RetryState     `json:"retry"`
	Switches         []Switch       `json:"switches,omitempty"`
	Steps            map[string]*Step `json:"steps"`
	FlowLog          []FlowEntry    `json:"flowLog"`
	Journal          []DeltaRecord  `json:"journal,omitempty"`
}

// MetadataKeyWebhook holds the completion webhook URL, when configured.
const MetadataKeyWebhook = "webhookUrl"

func (t *Transaction) WebhookUrl() string {
	if t.Metadata == nil {
		return ""
	}
	if url, ok := t.Metadata[MetadataKeyWebhook].(string); ok {
		return url
	}
	return ""
}

func (t *Transaction) RootStep() *Step {
	for _, st := range t.Steps {
		if st.ParentStepId == "" {
			return st
		}
	}
	return nil
}

// RetryState is the sleep/retry bookkeeping sub-record. Exactly one of
// {not sleeping}, {sleeping on time}, {sleeping on switch, optionally also on
// time} holds; entering any terminal status clears the whole record.
type RetryState struct {
	SleepingSince time.Time `json:"sleepingSince,omitempty"`
	SleepCounter  int       `json:"sleepCounter,omitempty"`
	WakeTime      time.Time `json:"wakeTime,omitempty"`
	WakeSwitch    string    `json:"wakeSwitch,omitempty"`
}

func (r *RetryState) Sleeping() bool {
	return !r.SleepingSince.IsZero()
}

func (r *RetryState) Clear() {
	*r = RetryState{}
}

// DeltaRecord is one entry of the delta journal. Replaying the journal in
// sequence order reconstructs the transaction tree from scratch; it is the
// disaster-recovery fallback when the authoritative copy is lost before the
// archive has been written.
type DeltaRecord struct {
	Sequence int64     `json:"sequence"`
	StepId   string    `json:"stepId,omitempty"`
	Patch    Patch     `json:"patch"`
	Note     string    `json:"note,omitempty"`
	Time     time.Time `json:"time"`
}
