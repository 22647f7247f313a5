package model

import "golang.org/x/exp/slices"

type Status string

const STATUS_RUNNING Status = "RUNNING"
const STATUS_QUEUED Status = "QUEUED"
const STATUS_SUCCESS Status = "SUCCESS"
const STATUS_FAILED Status = "FAILED"
const STATUS_ABORTED Status = "ABORTED"
const STATUS_SLEEPING Status = "SLEEPING"
const STATUS_TIMEOUT Status = "TIMEOUT"
const STATUS_INTERNAL_ERROR Status = "INTERNAL_ERROR"

var validStatuses = []Status{
	STATUS_RUNNING,
	STATUS_QUEUED,
	STATUS_SUCCESS,
	STATUS_FAILED,
	STATUS_ABORTED,
	STATUS_SLEEPING,
	STATUS_TIMEOUT,
	STATUS_INTERNAL_ERROR,
}

var terminalStatuses = []Status{
	STATUS_SUCCESS,
	STATUS_FAILED,
	STATUS_ABORTED,
	STATUS_TIMEOUT,
	STATUS_INTERNAL_ERROR,
}

func (s Status) Valid() bool {
	return slices.Contains(validStatuses, s)
}

// Terminal reports whether a transaction or step in this status may never
// be mutated again, archival bookkeeping aside.
func (s Status) Terminal() bool {
	return slices.Contains(terminalStatuses, s)
}
