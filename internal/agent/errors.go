package agent

import "errors"

// Decode failures are scoped to the single captured exchange that produced
// them; none of them invalidates records already committed to the
// CorrelationStore.
var (
	ErrMissingBody               = errors.New("missing request body")
	ErrMalformedEnvelope         = errors.New("malformed cbor envelope")
	ErrUnexpectedShape           = errors.New("unexpected envelope shape")
	ErrUnknownRequestKind        = errors.New("unknown request kind")
	ErrUnknownCorrelation        = errors.New("no correlation record for message id")
	ErrArgumentDecode            = errors.New("value decode failed")
	ErrResponseRequestMismatch   = errors.New("response shape does not match request kind")
	ErrUnexpectedPathPrefix      = errors.New("read_state path does not start with request_status")
	ErrMissingReplyOnSuccess     = errors.New("replied status without reply payload")
	ErrMissingRejectionDetail    = errors.New("rejected status without reject code or message")
	ErrDoneWithoutReply          = errors.New("done status without prior replied observation")
	ErrUnrecognizedResponseShape = errors.New("unrecognized response shape")
)
