package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// parseStreamFilter reads the optional ?streams=calls,decode_errors query
// parameter. A nil map means accept everything.
func parseStreamFilter(r *http.Request) map[string]bool {
	q := r.URL.Query().Get("streams")
	if q == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, s := range strings.Split(q, ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter[s] = true
		}
	}
	return filter
}

// SSEHandler returns an http.HandlerFunc that streams broker events as SSE.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		filter := parseStreamFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Stream] {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stream, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// WSHandler returns an http.HandlerFunc that upgrades to WebSocket and
// streams broker events as text frames. Each frame carries one event's
// JSON payload.
func WSHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := parseStreamFilter(r)

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Warn("relay: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		slog.Debug("relay: websocket client connected", "remote", r.RemoteAddr, "subscriber", id)

		// Drain client frames so close frames are noticed; we never read
		// anything meaningful from the client.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, err := wsutil.ReadClientText(conn); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Stream] {
					continue
				}
				if err := wsutil.WriteServerText(conn, []byte(evt.Payload)); err != nil {
					slog.Debug("relay: websocket write failed", "subscriber", id, "error", err)
					return
				}
			}
		}
	}
}
