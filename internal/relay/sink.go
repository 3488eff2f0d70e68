package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/icscope/internal/pipeline"
)

// CallSink publishes every decoded call to the broker as a JSON event.
// Clean decodes go out on the calls stream, decode failures on the
// decode_errors stream.
type CallSink struct {
	broker *Broker
}

func NewCallSink(broker *Broker) *CallSink {
	return &CallSink{broker: broker}
}

// Record implements pipeline.Sink.
func (s *CallSink) Record(call *pipeline.DecodedCall) {
	if s.broker.ClientCount() == 0 {
		return
	}

	payload, err := json.Marshal(call)
	if err != nil {
		slog.Warn("relay: marshal decoded call failed", "url", call.URL, "error", err)
		return
	}

	stream := StreamCalls
	if call.Error != "" {
		stream = StreamErrors
	}
	s.broker.Publish(Event{Stream: stream, Payload: string(payload)})
}
