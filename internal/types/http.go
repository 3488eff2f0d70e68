package types

import (
	"context"
	"time"
)

// BodyFunc is a single-shot accessor for a response body. A nil func or an
// empty slice both mean "no observable body"; callers must not invoke it
// more than once per exchange.
type BodyFunc func(ctx context.Context) ([]byte, error)

// CaptureEvent is one observed HTTP exchange with a boundary node: the exact
// request bytes up front, the response body behind an asynchronous accessor
// because CDP only surfaces it after loading finishes.
type CaptureEvent struct {
	Timestamp time.Time
	RequestID string
	TabID     string
	URL       string
	Method    string

	RequestHeaders map[string]string
	RequestBody    []byte

	Status          int
	ResponseHeaders map[string]string
	ResponseBody    BodyFunc
}

// FetchResponseBody resolves the body accessor, treating a nil accessor as an
// empty body.
func (e *CaptureEvent) FetchResponseBody(ctx context.Context) ([]byte, error) {
	if e.ResponseBody == nil {
		return nil, nil
	}
	return e.ResponseBody(ctx)
}
