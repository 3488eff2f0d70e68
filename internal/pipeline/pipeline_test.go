package pipeline

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/dgnsrekt/icscope/internal/agent"
	"github.com/dgnsrekt/icscope/internal/types"
)

type captureSink struct {
	mu    sync.Mutex
	calls []*DecodedCall
}

func (s *captureSink) Record(call *DecodedCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *captureSink) all() []*DecodedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DecodedCall(nil), s.calls...)
}

func marshalRequestBody(t *testing.T, content map[string]any) []byte {
	t.Helper()
	raw, err := cbor.Marshal(map[string]any{"content": content})
	if err != nil {
		t.Fatalf("cbor.Marshal() failed: %v", err)
	}
	return raw
}

func callEvent(t *testing.T, content map[string]any, responseBody []byte) *types.CaptureEvent {
	t.Helper()
	return &types.CaptureEvent{
		URL:         "https://ic0.app/api/v2/canister/aaaaa-aa/call",
		Method:      "POST",
		RequestBody: marshalRequestBody(t, content),
		ResponseBody: func(context.Context) ([]byte, error) {
			return responseBody, nil
		},
	}
}

func queryContent() map[string]any {
	return map[string]any{
		"request_type":   "query",
		"sender":         []byte{0x04},
		"canister_id":    []byte{},
		"method_name":    "greet",
		"ingress_expiry": uint64(1_700_000_000_000_000_000),
		"arg":            []byte{0x44, 0x49, 0x44, 0x4c, 0x00, 0x00},
	}
}

func newPipeline(sink Sink) (*Pipeline, *agent.MemoryStore) {
	store := agent.NewMemoryStore(0, 0)
	requests := agent.NewRequestDecoder(store, nil)
	responses := agent.NewResponseDecoder(store, nil, nil)
	return New(requests, responses, sink), store
}

func TestPipeline(t *testing.T) {
	t.Run("call_then_poll", func(t *testing.T) {
		sink := &captureSink{}
		pl, _ := newPipeline(sink)

		content := queryContent()
		content["request_type"] = "call"
		pl.HandleEvent(callEvent(t, content, nil)) // bare 202, no body

		calls := sink.all()
		if len(calls) != 1 || calls[0].Error != "" {
			t.Fatalf("call decode emitted %+v", calls)
		}
		if calls[0].Response.Status != agent.StatusUnknown {
			t.Fatalf("empty-body call response status = %q; want unknown", calls[0].Response.Status)
		}

		callID, err := hex.DecodeString(calls[0].Request.MessageID)
		if err != nil {
			t.Fatalf("hex decode: %v", err)
		}
		pollContent := map[string]any{
			"request_type":   "read_state",
			"sender":         []byte{0x04},
			"ingress_expiry": uint64(1_700_000_000_000_000_000),
			"paths":          []any{[]any{[]byte("request_status"), callID}},
		}
		pl.HandleEvent(callEvent(t, pollContent, nil))

		calls = sink.all()
		if len(calls) != 2 {
			t.Fatalf("expected 2 decoded calls, got %d", len(calls))
		}
		poll := calls[1]
		if poll.Error != "" {
			t.Fatalf("poll decode failed: %s", poll.Error)
		}
		if poll.Request.Target.Method != "greet" {
			t.Fatalf("poll target = %+v; want greet", poll.Request.Target)
		}

		stats := pl.Stats()
		if stats.Observed != 2 || stats.Decoded != 2 || stats.DecodeErrors != 0 {
			t.Fatalf("stats = %+v", stats)
		}
	})

	t.Run("failure_is_isolated", func(t *testing.T) {
		sink := &captureSink{}
		pl, _ := newPipeline(sink)

		pl.HandleEvent(&types.CaptureEvent{URL: "https://ic0.app/api/v2/canister/x/call", Method: "POST"})
		pl.HandleEvent(callEvent(t, queryContent(), nil))

		calls := sink.all()
		if len(calls) != 2 {
			t.Fatalf("expected 2 emissions, got %d", len(calls))
		}
		if calls[0].Error == "" {
			t.Fatalf("missing-body event should carry an error")
		}
		if calls[1].Error != "" {
			t.Fatalf("healthy event poisoned by earlier failure: %s", calls[1].Error)
		}

		stats := pl.Stats()
		if stats.DecodeErrors != 1 || stats.Decoded != 1 {
			t.Fatalf("stats = %+v", stats)
		}
	})

	t.Run("uncorrelated_counter", func(t *testing.T) {
		sink := &captureSink{}
		pl, _ := newPipeline(sink)

		pollContent := map[string]any{
			"request_type":   "read_state",
			"sender":         []byte{0x04},
			"ingress_expiry": uint64(1),
			"paths":          []any{[]any{[]byte("request_status"), []byte{0x01, 0x02}}},
		}
		pl.HandleEvent(callEvent(t, pollContent, nil))

		if stats := pl.Stats(); stats.Uncorrelated != 1 {
			t.Fatalf("stats = %+v; want uncorrelated=1", stats)
		}
	})
}
