// Package pipeline orchestrates one capture event through request decode,
// response decode and fan-out to the configured sinks. Failures stay local to
// the event that caused them.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/icscope/internal/agent"
	"github.com/dgnsrekt/icscope/internal/capture"
	"github.com/dgnsrekt/icscope/internal/types"
)

// DecodedCall is the observer's output artifact for one exchange: the decoded
// request paired with its decoded response, or the decode failure. Failed
// decodes keep a capped copy of the raw request bytes so surprising traces
// can be replayed against the decoders later.
type DecodedCall struct {
	Observed time.Time       `json:"observed"`
	TabID    string          `json:"tab_id,omitempty"`
	URL      string          `json:"url"`
	Request  *agent.Request  `json:"request,omitempty"`
	Response *agent.Response `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`

	RawRequest      []byte `json:"raw_request,omitempty"`
	RawTruncated    bool   `json:"raw_truncated,omitempty"`
	RawOriginalSize int    `json:"raw_original_size,omitempty"`
	RawSHA256       string `json:"raw_sha256,omitempty"`
}

// Sink receives every decoded call, including failed decodes.
type Sink interface {
	Record(call *DecodedCall)
}

// Stats are the pipeline's running counters.
type Stats struct {
	Observed      uint64 `json:"observed"`
	Decoded       uint64 `json:"decoded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Uncorrelated  uint64 `json:"uncorrelated"`
	ValueFailures uint64 `json:"value_failures"`
}

// Pipeline wires the decoders to the sinks.
type Pipeline struct {
	requests  *agent.RequestDecoder
	responses *agent.ResponseDecoder
	sinks     []Sink
	timeout   time.Duration

	observed      atomic.Uint64
	decoded       atomic.Uint64
	decodeErrors  atomic.Uint64
	uncorrelated  atomic.Uint64
	valueFailures atomic.Uint64
}

func New(requests *agent.RequestDecoder, responses *agent.ResponseDecoder, sinks ...Sink) *Pipeline {
	return &Pipeline{
		requests:  requests,
		responses: responses,
		sinks:     sinks,
		timeout:   30 * time.Second,
	}
}

// HandleEvent decodes one captured exchange and emits the result. It is safe
// to call from concurrent capture goroutines; the correlation store under the
// decoders carries the only shared state.
func (p *Pipeline) HandleEvent(ev *types.CaptureEvent) {
	p.observed.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	call := &DecodedCall{Observed: ev.Timestamp, TabID: ev.TabID, URL: ev.URL}
	if call.Observed.IsZero() {
		call.Observed = time.Now().UTC()
	}

	req, err := p.requests.Decode(ctx, ev)
	if err != nil {
		// Argument decoding is best-effort: the request itself decoded and
		// the correlation record is committed, so keep going to the response.
		if !errors.Is(err, agent.ErrArgumentDecode) || req == nil {
			p.fail(call, ev, err)
			return
		}
		p.valueFailures.Add(1)
		slog.Warn("argument decode failed", "url", ev.URL, "error", err)
	}
	call.Request = req

	resp, err := p.responses.Decode(ctx, ev, req)
	if err != nil {
		p.fail(call, ev, err)
		return
	}
	call.Response = resp

	p.decoded.Add(1)
	p.emit(call)
}

// rawCorpusCap bounds how much of a failing request body the error record
// keeps.
const rawCorpusCap = 64 * 1024

func (p *Pipeline) fail(call *DecodedCall, ev *types.CaptureEvent, err error) {
	p.decodeErrors.Add(1)
	if errors.Is(err, agent.ErrUnknownCorrelation) {
		p.uncorrelated.Add(1)
	}
	call.Error = err.Error()
	call.RawRequest, call.RawTruncated, call.RawOriginalSize, call.RawSHA256 = capture.Truncate(ev.RequestBody, rawCorpusCap)
	slog.Debug("decode failed", "url", ev.URL, "request_id", ev.RequestID, "error", err)
	p.emit(call)
}

func (p *Pipeline) emit(call *DecodedCall) {
	for _, sink := range p.sinks {
		sink.Record(call)
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Observed:      p.observed.Load(),
		Decoded:       p.decoded.Load(),
		DecodeErrors:  p.decodeErrors.Load(),
		Uncorrelated:  p.uncorrelated.Load(),
		ValueFailures: p.valueFailures.Load(),
	}
}
