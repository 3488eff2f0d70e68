package storage

import (
	"github.com/dgnsrekt/icscope/internal/pipeline"
)

// CallLog is the JSONL sink for the decode pipeline: clean decodes land under
// calls/, failures under decode_errors/ with their raw-body corpus attached.
type CallLog struct {
	calls  *JSONLWriter
	errors *JSONLWriter
}

func NewCallLog(baseDir string, bufferSize, maxSizeMB int) *CallLog {
	return &CallLog{
		calls:  NewJSONLWriter(baseDir, "calls", bufferSize, maxSizeMB),
		errors: NewJSONLWriter(baseDir, "decode_errors", bufferSize, maxSizeMB),
	}
}

func (l *CallLog) Record(call *pipeline.DecodedCall) {
	if call.Error != "" {
		l.errors.Write(call)
		return
	}
	l.calls.Write(call)
}

func (l *CallLog) Close() error {
	errCalls := l.calls.Close()
	errErrors := l.errors.Close()
	if errCalls != nil {
		return errCalls
	}
	return errErrors
}
