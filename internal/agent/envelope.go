// Package agent decodes captured Internet Computer agent-protocol traffic:
// CBOR request envelopes, query and read_state responses, and the certified
// state trees that carry a call's terminal status. It holds the only durable
// state in the observer, the correlation store that maps a call's message id
// to the canister and method needed to interpret its later status polls.
package agent

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// selfDescribedPrefix is the CBOR self-describe tag (55799) that replicas
// prepend to every envelope.
var selfDescribedPrefix = []byte{0xd9, 0xd9, 0xf7}

var envelopeDecMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("agent: build cbor decode mode: %v", err))
	}
	envelopeDecMode = dm
}

// DecodeEnvelope decodes raw transport bytes into the self-describing CBOR
// map at the top of every agent-protocol body. The caller must hand over the
// exact wire bytes; a body that was round-tripped through a lossy text
// encoding is unrecoverable here.
func DecodeEnvelope(raw []byte) (map[string]any, error) {
	raw = bytes.TrimPrefix(raw, selfDescribedPrefix)

	var v any
	if err := envelopeDecMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, want map", ErrUnexpectedShape, v)
	}
	return m, nil
}

// RequestContent unwraps the single mandatory top-level "content" field of a
// request envelope. Response envelopes have no such wrapper and are examined
// structurally instead.
func RequestContent(env map[string]any) (map[string]any, error) {
	raw, ok := env["content"]
	if !ok {
		return nil, fmt.Errorf("%w: missing top-level content field", ErrUnexpectedShape)
	}
	content, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: content is %T, want map", ErrUnexpectedShape, raw)
	}
	return content, nil
}
