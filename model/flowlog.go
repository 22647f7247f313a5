package model

import "time"

type FlowEntryType string

const FLOW_ENTRY_TX_START FlowEntryType = "TX_START"
const FLOW_ENTRY_PIPELINE_START FlowEntryType = "PIPELINE_START"
const FLOW_ENTRY_STEP_RUN FlowEntryType = "STEP_RUN"
const FLOW_ENTRY_TX_CALLBACK FlowEntryType = "TX_CALLBACK"
const FLOW_ENTRY_PIPELINE_CALLBACK FlowEntryType = "PIPELINE_CALLBACK"
const FLOW_ENTRY_STEP_CALLBACK FlowEntryType = "STEP_CALLBACK"

// FlowEntry is one record of the append-only flow log. A child entry links
// to the entry that initiated it via Parent; a callback entry links back to
// the entry it completes via Sibling. An index of -1 means no link.
type FlowEntry struct {
	Type      FlowEntryType `json:"type"`
	StepId    string        `json:"stepId,omitempty"`
	Parent    int           `json:"parent"`
	Sibling   int           `json:"sibling"`
	Status    Status        `json:"status,omitempty"`
	Scheduled time.Time     `json:"scheduled,omitempty"`
	Started   time.Time     `json:"started,omitempty"`
	Completed time.Time     `json:"completed,omitempty"`
}

func (e FlowEntry) IsCallback() bool {
	switch e.Type {
	case FLOW_ENTRY_TX_CALLBACK, FLOW_ENTRY_PIPELINE_CALLBACK, FLOW_ENTRY_STEP_CALLBACK:
		return true
	}
	return false
}
