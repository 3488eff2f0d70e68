package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgnsrekt/icscope/internal/types"
)

// RequestKind is the wire request_type tag.
type RequestKind string

const (
	KindCall      RequestKind = "call"
	KindQuery     RequestKind = "query"
	KindReadState RequestKind = "read_state"
)

// Request is the decoded view of one submitted agent-protocol request. Kind
// selects which variant fields are populated: CanisterID/Method/Arg for calls
// and queries, Paths/TargetMessageID/Target for read_state polls.
type Request struct {
	MessageID     string      `json:"message_id"`
	Kind          RequestKind `json:"kind"`
	Sender        string      `json:"sender,omitempty"`
	IngressExpiry uint64      `json:"ingress_expiry,omitempty"`
	URL           string      `json:"url"`

	CanisterID string `json:"canister_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Arg        []byte `json:"arg,omitempty"`
	DecodedArg any    `json:"decoded_arg,omitempty"`

	Paths           [][][]byte `json:"paths,omitempty"`
	TargetMessageID string     `json:"target_message_id,omitempty"`
	Target          CallRecord `json:"target,omitempty"`
}

// Expiry converts the ingress expiry from nanoseconds since epoch.
func (r *Request) Expiry() time.Time {
	return time.Unix(0, int64(r.IngressExpiry)).UTC()
}

// ValueDecoder is the external collaborator that turns candid-encoded bytes
// into structured values. It may fetch the canister's interface description
// over the network and can fail independently of envelope decoding.
type ValueDecoder interface {
	DecodeArgs(ctx context.Context, canisterID, method string, raw []byte) (any, error)
	DecodeResult(ctx context.Context, canisterID, method string, raw []byte) (any, error)
}

// RequestDecoder turns a captured request event into a Request, recording
// call/query targets in the correlation store as a side effect.
type RequestDecoder struct {
	store  CorrelationStore
	values ValueDecoder
}

func NewRequestDecoder(store CorrelationStore, values ValueDecoder) *RequestDecoder {
	return &RequestDecoder{store: store, values: values}
}

// Decode parses one captured request body.
//
// For calls and queries the correlation record is committed before the value
// collaborator runs: argument decoding may suspend on the network, and a
// status poll decoded meanwhile must already find the record. When that
// decoding then fails, Decode returns the partially decoded Request alongside
// an error wrapping ErrArgumentDecode; the committed record stays.
func (d *RequestDecoder) Decode(ctx context.Context, ev *types.CaptureEvent) (*Request, error) {
	if len(ev.RequestBody) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrMissingBody, ev.Method, ev.URL)
	}

	env, err := DecodeEnvelope(ev.RequestBody)
	if err != nil {
		return nil, err
	}
	content, err := RequestContent(env)
	if err != nil {
		return nil, err
	}

	kindTag, _ := content["request_type"].(string)
	kind := RequestKind(kindTag)
	switch kind {
	case KindCall, KindQuery, KindReadState:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestKind, kindTag)
	}

	id, err := RequestID(content)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing content: %v", ErrUnexpectedShape, err)
	}

	req := &Request{
		MessageID: hex.EncodeToString(id),
		Kind:      kind,
		URL:       ev.URL,
	}
	if sender, ok := content["sender"].([]byte); ok {
		req.Sender = PrincipalText(sender)
	}
	if expiry, ok := content["ingress_expiry"].(uint64); ok {
		req.IngressExpiry = expiry
	}

	if kind == KindReadState {
		return d.decodeReadState(req, content)
	}
	return d.decodeCall(ctx, req, content)
}

func (d *RequestDecoder) decodeCall(ctx context.Context, req *Request, content map[string]any) (*Request, error) {
	canister, ok := content["canister_id"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s without canister_id blob", ErrUnexpectedShape, req.Kind)
	}
	method, ok := content["method_name"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s without method_name", ErrUnexpectedShape, req.Kind)
	}
	arg, _ := content["arg"].([]byte)

	req.CanisterID = PrincipalText(canister)
	req.Method = method
	req.Arg = arg

	// Committed before DecodeArgs can suspend; see Decode.
	d.store.Put(req.MessageID, CallRecord{CanisterID: req.CanisterID, Method: req.Method})

	if d.values != nil {
		decoded, err := d.values.DecodeArgs(ctx, req.CanisterID, req.Method, arg)
		if err != nil {
			return req, fmt.Errorf("%w: %s.%s args: %v", ErrArgumentDecode, req.CanisterID, req.Method, err)
		}
		req.DecodedArg = decoded
	}
	return req, nil
}

func (d *RequestDecoder) decodeReadState(req *Request, content map[string]any) (*Request, error) {
	rawPaths, ok := content["paths"].([]any)
	if !ok || len(rawPaths) == 0 {
		return nil, fmt.Errorf("%w: read_state without paths", ErrUnexpectedShape)
	}

	paths := make([][][]byte, 0, len(rawPaths))
	for _, rawPath := range rawPaths {
		labels, ok := rawPath.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: read_state path is %T, want array", ErrUnexpectedShape, rawPath)
		}
		path := make([][]byte, 0, len(labels))
		for _, rawLabel := range labels {
			label, ok := rawLabel.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: read_state label is %T, want blob", ErrUnexpectedShape, rawLabel)
			}
			path = append(path, label)
		}
		paths = append(paths, path)
	}
	req.Paths = paths

	// The poll names its call in the second label of the first path.
	if len(paths[0]) < 2 {
		return nil, fmt.Errorf("%w: first read_state path has %d labels, want at least 2", ErrUnexpectedShape, len(paths[0]))
	}
	req.TargetMessageID = hex.EncodeToString(paths[0][1])

	rec, ok := d.store.Get(req.TargetMessageID)
	if !ok {
		// A poll for a call this session never observed, e.g. one submitted
		// before capture attached.
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, req.TargetMessageID)
	}
	req.Target = rec
	return req, nil
}
