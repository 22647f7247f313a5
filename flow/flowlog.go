package flow

import (
	"errors"
	"time"

	"github.com/sankem/flowtx/model"
)

// ErrEmptyFlowLog is raised when an entry status is requested against an
// empty log. This is an internal error, not a recoverable condition.
var ErrEmptyFlowLog = errors.New("flow log is empty")

var ErrFlowLogIndex = errors.New("flow log index out of range")

// AddChild appends a child entry initiated by the entry at parent and
// returns its index. Pass -1 for the transaction-start entry itself.
func (t *Tx) AddChild(parent int, entryType model.FlowEntryType, stepId string) int {
	entry := model.FlowEntry{
		Type:      entryType,
		StepId:    stepId,
		Parent:    parent,
		Sibling:   -1,
		Scheduled: time.Now(),
	}
	t.tx.FlowLog = append(t.tx.FlowLog, entry)
	return len(t.tx.FlowLog) - 1
}

// AddSibling appends the paired callback entry completing the entry at
// sibling, recording the completion status, and returns its index.
func (t *Tx) AddSibling(sibling int, entryType model.FlowEntryType, status model.Status) int {
	entry := model.FlowEntry{
		Type:      entryType,
		Parent:    -1,
		Sibling:   sibling,
		Status:    status,
		Completed: time.Now(),
	}
	t.tx.FlowLog = append(t.tx.FlowLog, entry)
	return len(t.tx.FlowLog) - 1
}

// MarkStarted stamps the started time on the entry at idx.
func (t *Tx) MarkStarted(idx int) error {
	if idx < 0 || idx >= len(t.tx.FlowLog) {
		return ErrFlowLogIndex
	}
	t.tx.FlowLog[idx].Started = time.Now()
	return nil
}

// StatusOfEntry walks backward from idx to the nearest entry carrying a
// status. This recovers "the status of the thing that just finished" without
// separate bookkeeping. Callers must never ask this of an empty log.
func (t *Tx) StatusOfEntry(idx int) (model.Status, error) {
	log := t.tx.FlowLog
	if len(log) == 0 {
		return "", ErrEmptyFlowLog
	}
	if idx < 0 || idx >= len(log) {
		return "", ErrFlowLogIndex
	}
	for i := idx; i >= 0; i-- {
		if log[i].Status != "" {
			return log[i].Status, nil
		}
	}
	return "", errors.New("no entry with status before index")
}

// StepIdOfEntry recovers which step initiated the entry at idx by following
// sibling then parent links. The walk terminates at the root within the
// log's length; exceeding that means the link graph is corrupt.
func (t *Tx) StepIdOfEntry(idx int) (string, error) {
	log := t.tx.FlowLog
	if idx < 0 || idx >= len(log) {
		return "", ErrFlowLogIndex
	}
	cur := idx
	for hops := 0; hops <= len(log); hops++ {
		entry := log[cur]
		if entry.StepId != "" {
			return entry.StepId, nil
		}
		if entry.Sibling >= 0 {
			cur = entry.Sibling
			continue
		}
		if entry.Parent >= 0 {
			cur = entry.Parent
			continue
		}
		return "", nil
	}
	return "", errors.New("flow log link walk did not terminate")
}
