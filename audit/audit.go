package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
)

type RecorderConfig struct {
	FileName     string
	RecorderType RecorderType
}

type RecorderType string

const LOG_FILE_RECORDER RecorderType = "LOG_FILE_RECORDER"

// Recorder receives one record per completed transaction, for offline
// analysis of throughput and outcomes.
type Recorder interface {
	RecordCompletion(snapshot model.Transaction)
	Close() error
}

// NewRecorder builds the configured recorder, or nil when auditing is off.
func NewRecorder(conf RecorderConfig) (Recorder, error) {
	switch conf.RecorderType {
	case LOG_FILE_RECORDER:
		return NewLogFileRecorder(conf.FileName)
	}
	return nil, nil
}

type completionRecord struct {
	TxId           string       `json:"txId"`
	Owner          string       `json:"owner"`
	Type           string       `json:"transactionType"`
	Status         model.Status `json:"status"`
	NodeGroup      string       `json:"nodeGroup"`
	Steps          int          `json:"steps"`
	FlowEntries    int          `json:"flowEntries"`
	CompletionTime time.Time    `json:"completionTime"`
	RecordedAt     time.Time    `json:"recordedAt"`
}

type logFileRecorder struct {
	mu   sync.Mutex
	file *os.File
}

func NewLogFileRecorder(fileName string) (*logFileRecorder, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &logFileRecorder{file: file}, nil
}

// RecordCompletion appends one JSON line. Only terminal snapshots are
// recorded; change notifications are ignored.
func (r *logFileRecorder) RecordCompletion(snapshot model.Transaction) {
	if !snapshot.Status.Terminal() {
		return
	}
	rec := completionRecord{
		TxId:           snapshot.TxId,
		Owner:          snapshot.Owner,
		Type:           snapshot.Type,
		Status:         snapshot.Status,
		NodeGroup:      snapshot.NodeGroup,
		Steps:          len(snapshot.Steps),
		FlowEntries:    len(snapshot.FlowLog),
		CompletionTime: snapshot.CompletionTime,
		RecordedAt:     time.Now(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		logger.Error("audit record write failed", zap.String("txId", snapshot.TxId), zap.Error(err))
	}
}

func (r *logFileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
