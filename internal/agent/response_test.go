package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/dgnsrekt/icscope/internal/types"
)

func responseEvent(t *testing.T, body any) *types.CaptureEvent {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = cbor.Marshal(body)
		if err != nil {
			t.Fatalf("cbor.Marshal() failed: %v", err)
		}
	}
	return &types.CaptureEvent{
		URL:    callURL,
		Method: "POST",
		Status: 200,
		ResponseBody: func(context.Context) ([]byte, error) {
			return raw, nil
		},
	}
}

func queryRequest() *Request {
	return &Request{
		MessageID:  "aabb",
		Kind:       KindQuery,
		CanisterID: "aaaaa-aa",
		Method:     "greet",
	}
}

func readStateRequest(callID []byte) *Request {
	return &Request{
		MessageID:       "ccdd",
		Kind:            KindReadState,
		Paths:           [][][]byte{{[]byte("request_status"), callID}},
		TargetMessageID: hex.EncodeToString(callID),
	}
}

// statusCertBody builds a read_state response whose certificate tree holds
// the given leaves under request_status/<callID>/.
func statusCertBody(t *testing.T, callID []byte, leaves map[string]string) map[string]any {
	t.Helper()
	var sub any = []any{uint64(0)}
	for label, value := range leaves {
		sub = treeFork(treeLabeled(label, treeLeaf(value)), sub)
	}
	tree := treeLabeled("request_status", []any{uint64(2), callID, sub})
	return map[string]any{"certificate": marshalCertificate(t, tree)}
}

func TestResponseDecoderQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("replied", func(t *testing.T) {
		store := NewMemoryStore(0, 0)
		dec := NewResponseDecoder(store, &fakeValues{}, nil)

		body := map[string]any{
			"status": "replied",
			"reply":  map[string]any{"arg": []byte{0x44, 0x49, 0x44, 0x4c}},
		}
		resp, err := dec.Decode(ctx, responseEvent(t, body), queryRequest())
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusReplied {
			t.Fatalf("Status = %q; want replied", resp.Status)
		}
		if resp.Reply == nil {
			t.Fatalf("Reply not decoded")
		}
		if resp.Authenticated {
			t.Fatalf("query response flagged authenticated under bypass verifier")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		dec := NewResponseDecoder(NewMemoryStore(0, 0), nil, nil)
		body := map[string]any{
			"status":         "rejected",
			"reject_code":    uint64(4),
			"reject_message": "method does not exist",
		}
		resp, err := dec.Decode(ctx, responseEvent(t, body), queryRequest())
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusRejected || resp.RejectCode != 4 || resp.RejectMessage != "method does not exist" {
			t.Fatalf("rejection = %+v", resp)
		}
	})

	t.Run("empty_body_is_unknown", func(t *testing.T) {
		dec := NewResponseDecoder(NewMemoryStore(0, 0), nil, nil)
		resp, err := dec.Decode(ctx, responseEvent(t, nil), queryRequest())
		if err != nil {
			t.Fatalf("Decode(empty) = %v; want nil", err)
		}
		if resp.Status != StatusUnknown {
			t.Fatalf("Status = %q; want unknown", resp.Status)
		}
	})

	t.Run("status_response_requires_query_request", func(t *testing.T) {
		dec := NewResponseDecoder(NewMemoryStore(0, 0), nil, nil)
		body := map[string]any{"status": "replied", "reply": map[string]any{"arg": []byte{}}}
		_, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest([]byte{0x01}))
		if !errors.Is(err, ErrResponseRequestMismatch) {
			t.Fatalf("Decode() = %v; want ErrResponseRequestMismatch", err)
		}
	})

	t.Run("replied_without_reply", func(t *testing.T) {
		dec := NewResponseDecoder(NewMemoryStore(0, 0), nil, nil)
		_, err := dec.Decode(ctx, responseEvent(t, map[string]any{"status": "replied"}), queryRequest())
		if !errors.Is(err, ErrMissingReplyOnSuccess) {
			t.Fatalf("Decode() = %v; want ErrMissingReplyOnSuccess", err)
		}
	})

	t.Run("unrecognized_shape", func(t *testing.T) {
		dec := NewResponseDecoder(NewMemoryStore(0, 0), nil, nil)
		_, err := dec.Decode(ctx, responseEvent(t, map[string]any{"surprise": true}), queryRequest())
		if !errors.Is(err, ErrUnrecognizedResponseShape) {
			t.Fatalf("Decode() = %v; want ErrUnrecognizedResponseShape", err)
		}
	})
}

func TestResponseDecoderReadState(t *testing.T) {
	ctx := context.Background()
	callID := []byte{0xab, 0xcd}

	newStore := func(rec CallRecord) *MemoryStore {
		s := NewMemoryStore(0, 0)
		s.Put(hex.EncodeToString(callID), rec)
		return s
	}

	t.Run("replied", func(t *testing.T) {
		store := newStore(CallRecord{CanisterID: "aaaaa-aa", Method: "greet"})
		dec := NewResponseDecoder(store, &fakeValues{}, nil)

		body := statusCertBody(t, callID, map[string]string{
			"status": "replied",
			"reply":  "\x44\x49\x44\x4c\x00\x00",
		})
		resp, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusReplied || resp.Reply == nil {
			t.Fatalf("resp = %+v; want decoded reply", resp)
		}

		rec, _ := store.Get(hex.EncodeToString(callID))
		if !rec.RepliedSeen {
			t.Fatalf("RepliedSeen not recorded after replied observation")
		}
	})

	t.Run("rejected_with_detail", func(t *testing.T) {
		store := newStore(CallRecord{CanisterID: "aaaaa-aa", Method: "greet"})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, callID, map[string]string{
			"status":         "rejected",
			"reject_code":    "\x03",
			"reject_message": "canister trapped",
		})
		resp, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusRejected || resp.RejectCode != 3 || resp.RejectMessage != "canister trapped" {
			t.Fatalf("rejection = %+v; want code 3, canister trapped", resp)
		}
	})

	t.Run("rejected_missing_detail", func(t *testing.T) {
		store := newStore(CallRecord{})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, callID, map[string]string{"status": "rejected", "reject_code": "\x03"})
		_, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if !errors.Is(err, ErrMissingRejectionDetail) {
			t.Fatalf("Decode() = %v; want ErrMissingRejectionDetail", err)
		}
	})

	t.Run("received_and_processing_bare", func(t *testing.T) {
		for _, status := range []string{"received", "processing"} {
			store := newStore(CallRecord{})
			dec := NewResponseDecoder(store, nil, nil)

			body := statusCertBody(t, callID, map[string]string{"status": status})
			resp, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
			if err != nil {
				t.Fatalf("Decode(%s) = %v; want nil", status, err)
			}
			if string(resp.Status) != status || resp.Reply != nil {
				t.Fatalf("resp for %s = %+v", status, resp)
			}
		}
	})

	t.Run("absent_status_is_unknown", func(t *testing.T) {
		store := newStore(CallRecord{})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, []byte{0x99}, map[string]string{"status": "replied"})
		resp, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusUnknown {
			t.Fatalf("Status = %q; want unknown for absent leaf", resp.Status)
		}
	})

	t.Run("empty_body_is_unknown", func(t *testing.T) {
		dec := NewResponseDecoder(newStore(CallRecord{}), nil, nil)
		resp, err := dec.Decode(ctx, responseEvent(t, nil), readStateRequest(callID))
		if err != nil || resp.Status != StatusUnknown {
			t.Fatalf("Decode(empty) = %+v, %v; want unknown, nil", resp, err)
		}
	})

	t.Run("replied_without_reply_leaf_is_fatal", func(t *testing.T) {
		store := newStore(CallRecord{})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, callID, map[string]string{"status": "replied"})
		_, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if !errors.Is(err, ErrMissingReplyOnSuccess) {
			t.Fatalf("Decode() = %v; want ErrMissingReplyOnSuccess", err)
		}
	})

	t.Run("done_without_prior_replied", func(t *testing.T) {
		store := newStore(CallRecord{CanisterID: "aaaaa-aa", Method: "greet"})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, callID, map[string]string{"status": "done"})
		_, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if !errors.Is(err, ErrDoneWithoutReply) {
			t.Fatalf("Decode() = %v; want ErrDoneWithoutReply", err)
		}
	})

	t.Run("done_after_replied", func(t *testing.T) {
		store := newStore(CallRecord{CanisterID: "aaaaa-aa", Method: "greet", RepliedSeen: true})
		dec := NewResponseDecoder(store, nil, nil)

		body := statusCertBody(t, callID, map[string]string{"status": "done"})
		resp, err := dec.Decode(ctx, responseEvent(t, body), readStateRequest(callID))
		if err != nil {
			t.Fatalf("Decode() = %v; want nil", err)
		}
		if resp.Status != StatusDone {
			t.Fatalf("Status = %q; want done", resp.Status)
		}
	})

	t.Run("wrong_path_prefix", func(t *testing.T) {
		dec := NewResponseDecoder(newStore(CallRecord{}), nil, nil)

		req := readStateRequest(callID)
		req.Paths = [][][]byte{{[]byte("time")}}
		body := statusCertBody(t, callID, map[string]string{"status": "received"})
		_, err := dec.Decode(ctx, responseEvent(t, body), req)
		if !errors.Is(err, ErrUnexpectedPathPrefix) {
			t.Fatalf("Decode() = %v; want ErrUnexpectedPathPrefix", err)
		}
	})

	t.Run("certificate_requires_read_state_request", func(t *testing.T) {
		dec := NewResponseDecoder(newStore(CallRecord{}), nil, nil)
		body := statusCertBody(t, callID, map[string]string{"status": "received"})
		_, err := dec.Decode(ctx, responseEvent(t, body), queryRequest())
		if !errors.Is(err, ErrResponseRequestMismatch) {
			t.Fatalf("Decode() = %v; want ErrResponseRequestMismatch", err)
		}
	})
}
