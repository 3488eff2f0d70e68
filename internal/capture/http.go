// Package capture turns CDP network events into boundary-node capture
// events. It is the only place that sees raw browser traffic; everything
// irrelevant to the agent protocol is dropped here.
package capture

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/icscope/internal/types"
)

// EventSink consumes completed capture events; the decode pipeline implements
// it.
type EventSink interface {
	HandleEvent(ev *types.CaptureEvent)
}

// IsAgentExchange is the boundary gate: only submissions to a boundary
// node's canister API are worth decoding.
func IsAgentExchange(method, url string) bool {
	if method != "POST" {
		return false
	}
	return strings.Contains(url, "/api/v2/canister/") || strings.Contains(url, "/api/v3/canister/")
}

// HasCBORContentType reports whether the headers announce the binary map
// format.
func HasCBORContentType(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			return strings.Contains(strings.ToLower(v), "application/cbor")
		}
	}
	return false
}

// HTTPCapture correlates CDP request/response events per request id and hands
// finished exchanges to the sink.
type HTTPCapture struct {
	sink        EventSink
	tabRegistry types.TabInfoProvider

	pending   map[string]*pendingExchange
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

type pendingExchange struct {
	event *types.CaptureEvent
	at    time.Time
}

func NewHTTPCapture(sink EventSink, tabRegistry types.TabInfoProvider) *HTTPCapture {
	h := &HTTPCapture{
		sink:        sink,
		tabRegistry: tabRegistry,
		pending:     make(map[string]*pendingExchange),
		done:        make(chan struct{}),
	}
	go h.cleanupLoop()
	return h
}

func (h *HTTPCapture) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *HTTPCapture) OnRequestWillBeSent(tabID string, ev *network.EventRequestWillBeSent) {
	if !IsAgentExchange(ev.Request.Method, ev.Request.URL) {
		return
	}

	event := &types.CaptureEvent{
		Timestamp:      time.Now().UTC(),
		RequestID:      string(ev.RequestID),
		TabID:          tabID,
		URL:            ev.Request.URL,
		Method:         ev.Request.Method,
		RequestHeaders: headerMapToStringMap(ev.Request.Headers),
		RequestBody:    exactPostData(ev.Request),
	}

	h.pendingMu.Lock()
	h.pending[string(ev.RequestID)] = &pendingExchange{event: event, at: time.Now()}
	h.pendingMu.Unlock()

	shortID := tabID
	if h.tabRegistry != nil {
		if info, ok := h.tabRegistry.GetByStringID(tabID); ok {
			shortID = info.ShortID
		}
	}
	slog.Debug("agent exchange observed", "tab", shortID, "url", ev.Request.URL, "bytes", len(event.RequestBody))
}

// exactPostData recovers the request body from the base64 post-data entries.
// The plain PostData string is a lossy text rendering of binary CBOR and must
// never be used: bytes mangled here cannot be detected or repaired later.
func exactPostData(req *network.Request) []byte {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return nil
	}
	var body []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			slog.Warn("post data entry is not valid base64, body may be lossy", "error", err)
			body = append(body, []byte(entry.Bytes)...)
			continue
		}
		body = append(body, decoded...)
	}
	return body
}

func (h *HTTPCapture) OnResponseReceived(tabID string, ev *network.EventResponseReceived) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	pending, ok := h.pending[string(ev.RequestID)]
	if !ok {
		return
	}
	pending.event.Status = int(ev.Response.Status)
	pending.event.ResponseHeaders = headerMapToStringMap(ev.Response.Headers)
}

// OnLoadingFinished completes the exchange. getBody is CDP's deferred body
// accessor; it is wrapped into a single-shot future on the event and resolved
// by the response decoder, not here.
func (h *HTTPCapture) OnLoadingFinished(tabID string, ev *network.EventLoadingFinished, getBody func() ([]byte, error)) {
	h.pendingMu.Lock()
	pending, ok := h.pending[string(ev.RequestID)]
	if ok {
		delete(h.pending, string(ev.RequestID))
	}
	h.pendingMu.Unlock()

	if !ok {
		return
	}

	if getBody != nil {
		pending.event.ResponseBody = singleShotBody(getBody)
	}

	go h.sink.HandleEvent(pending.event)
}

// singleShotBody caches the first fetch so late or repeated resolution cannot
// hit CDP after the browser has discarded the body.
func singleShotBody(getBody func() ([]byte, error)) types.BodyFunc {
	var once sync.Once
	var body []byte
	var err error
	return func(context.Context) ([]byte, error) {
		once.Do(func() { body, err = getBody() })
		return body, err
	}
}

func (h *HTTPCapture) OnLoadingFailed(tabID string, ev *network.EventLoadingFailed) {
	h.pendingMu.Lock()
	delete(h.pending, string(ev.RequestID))
	h.pendingMu.Unlock()
}

func (h *HTTPCapture) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupStale()
		case <-h.done:
			return
		}
	}
}

func (h *HTTPCapture) cleanupStale() {
	threshold := time.Now().Add(-5 * time.Minute)

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	for id, pending := range h.pending {
		if pending.at.Before(threshold) {
			delete(h.pending, id)
		}
	}
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
