package agent

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/dgnsrekt/icscope/internal/types"
)

// ResponseStatus is the resolved outcome of a call or query.
type ResponseStatus string

const (
	StatusReceived   ResponseStatus = "received"
	StatusProcessing ResponseStatus = "processing"
	StatusReplied    ResponseStatus = "replied"
	StatusRejected   ResponseStatus = "rejected"
	StatusDone       ResponseStatus = "done"
	StatusUnknown    ResponseStatus = "unknown"
)

// Response is the decoded view of one response, correlated to the Request
// variant that produced it. Replied carries the decoded reply, Rejected the
// code and message; the remaining statuses carry no payload. Authenticated is
// false whenever the certificate verifier in use does not actually certify
// results.
type Response struct {
	Kind          RequestKind    `json:"kind"`
	Status        ResponseStatus `json:"status"`
	Reply         any            `json:"reply,omitempty"`
	RawReply      []byte         `json:"raw_reply,omitempty"`
	RejectCode    uint64         `json:"reject_code,omitempty"`
	RejectMessage string         `json:"reject_message,omitempty"`
	Authenticated bool           `json:"authenticated"`
}

// ResponseDecoder pairs a captured response with its decoded Request. Status
// polls drive certificate traversal instead of reading the outcome off the
// wire.
type ResponseDecoder struct {
	store    CorrelationStore
	values   ValueDecoder
	verifier Verifier
}

// NewResponseDecoder builds a decoder; a nil verifier defaults to the
// insecure bypass.
func NewResponseDecoder(store CorrelationStore, values ValueDecoder, verifier Verifier) *ResponseDecoder {
	if verifier == nil {
		verifier = InsecureBypassVerifier{}
	}
	return &ResponseDecoder{store: store, values: values, verifier: verifier}
}

// Decode resolves the response body and dispatches on its top-level shape.
// An empty body is a valid outcome meaning "no observable result yet" and
// decodes to StatusUnknown; calls answered with a bare 202 land here.
func (d *ResponseDecoder) Decode(ctx context.Context, ev *types.CaptureEvent, req *Request) (*Response, error) {
	body, err := ev.FetchResponseBody(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch response body: %w", err)
	}
	if len(body) == 0 {
		return &Response{Kind: req.Kind, Status: StatusUnknown, Authenticated: d.verifier.Authenticates()}, nil
	}

	env, err := DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch {
	case env["status"] != nil:
		return d.decodeQueryResponse(ctx, env, req)
	case env["certificate"] != nil:
		return d.decodeReadStateResponse(ctx, env, req)
	default:
		return nil, fmt.Errorf("%w: no status or certificate field", ErrUnrecognizedResponseShape)
	}
}

func (d *ResponseDecoder) decodeQueryResponse(ctx context.Context, env map[string]any, req *Request) (*Response, error) {
	if req.Kind != KindQuery {
		return nil, fmt.Errorf("%w: direct status response to %s request", ErrResponseRequestMismatch, req.Kind)
	}

	resp := &Response{Kind: KindQuery, Authenticated: d.verifier.Authenticates()}
	status, _ := env["status"].(string)
	switch status {
	case "replied":
		reply, ok := env["reply"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: query response", ErrMissingReplyOnSuccess)
		}
		arg, ok := reply["arg"].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: reply without arg blob", ErrMissingReplyOnSuccess)
		}
		resp.Status = StatusReplied
		resp.RawReply = arg
		if d.values != nil {
			decoded, err := d.values.DecodeResult(ctx, req.CanisterID, req.Method, arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s result: %v", ErrArgumentDecode, req.CanisterID, req.Method, err)
			}
			resp.Reply = decoded
		}
		return resp, nil

	case "rejected", "non_replicated_rejection":
		code, ok := env["reject_code"].(uint64)
		if !ok {
			return nil, fmt.Errorf("%w: query rejection without reject_code", ErrMissingRejectionDetail)
		}
		message, ok := env["reject_message"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: query rejection without reject_message", ErrMissingRejectionDetail)
		}
		resp.Status = StatusRejected
		resp.RejectCode = code
		resp.RejectMessage = message
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: query status %q", ErrUnrecognizedResponseShape, status)
	}
}

func (d *ResponseDecoder) decodeReadStateResponse(ctx context.Context, env map[string]any, req *Request) (*Response, error) {
	if req.Kind != KindReadState {
		return nil, fmt.Errorf("%w: certificate response to %s request", ErrResponseRequestMismatch, req.Kind)
	}
	if len(req.Paths) == 0 || len(req.Paths[0]) == 0 || string(req.Paths[0][0]) != "request_status" {
		return nil, fmt.Errorf("%w", ErrUnexpectedPathPrefix)
	}

	certBytes, ok := env["certificate"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: certificate is %T, want blob", ErrUnexpectedShape, env["certificate"])
	}
	cert, err := DecodeCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	if err := d.verifier.Verify(ctx, cert); err != nil {
		return nil, fmt.Errorf("certificate verification: %w", err)
	}

	resp := &Response{Kind: KindReadState, Authenticated: d.verifier.Authenticates()}
	path := req.Paths[0]
	lookup := func(label string) ([]byte, bool) {
		full := make([][]byte, len(path), len(path)+1)
		copy(full, path)
		return LookupPath(cert.Tree, append(full, []byte(label)))
	}

	statusBytes, found := lookup("status")
	if !found {
		// The replica has not recorded the request yet (or already forgot
		// it); both surface as an absent status leaf.
		resp.Status = StatusUnknown
		return resp, nil
	}

	switch ResponseStatus(statusBytes) {
	case StatusReceived, StatusProcessing:
		resp.Status = ResponseStatus(statusBytes)
		return resp, nil

	case StatusReplied:
		reply, found := lookup("reply")
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrMissingReplyOnSuccess, req.TargetMessageID)
		}
		rec, ok := d.store.Get(req.TargetMessageID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, req.TargetMessageID)
		}
		resp.Status = StatusReplied
		resp.RawReply = reply
		if d.values != nil {
			decoded, err := d.values.DecodeResult(ctx, rec.CanisterID, rec.Method, reply)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s result: %v", ErrArgumentDecode, rec.CanisterID, rec.Method, err)
			}
			resp.Reply = decoded
		}
		rec.RepliedSeen = true
		d.store.Put(req.TargetMessageID, rec)
		return resp, nil

	case StatusRejected:
		codeBytes, codeFound := lookup("reject_code")
		messageBytes, messageFound := lookup("reject_message")
		if !codeFound || !messageFound {
			return nil, fmt.Errorf("%w: %s", ErrMissingRejectionDetail, req.TargetMessageID)
		}
		code, err := readLEB128(codeBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: reject_code: %v", ErrMissingRejectionDetail, err)
		}
		if !utf8.Valid(messageBytes) {
			return nil, fmt.Errorf("%w: reject_message is not utf-8", ErrMissingRejectionDetail)
		}
		resp.Status = StatusRejected
		resp.RejectCode = code
		resp.RejectMessage = string(messageBytes)
		return resp, nil

	case StatusDone:
		// Done must follow an observed reply in the same polling sequence;
		// seeing it cold means an earlier response was missed.
		rec, ok := d.store.Get(req.TargetMessageID)
		if !ok || !rec.RepliedSeen {
			return nil, fmt.Errorf("%w: %s", ErrDoneWithoutReply, req.TargetMessageID)
		}
		resp.Status = StatusDone
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: certified status %q", ErrUnrecognizedResponseShape, statusBytes)
	}
}
