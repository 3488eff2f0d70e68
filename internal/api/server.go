// Package api serves the observer's query surface: archived calls, pipeline
// stats and the live stream endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/icscope/internal/pipeline"
	"github.com/dgnsrekt/icscope/internal/relay"
	"github.com/dgnsrekt/icscope/internal/store"
)

type Service interface {
	ListCalls(ctx context.Context, filter store.ListFilter) ([]store.CallRow, error)
	GetCall(ctx context.Context, messageID string) (store.CallRow, bool, error)
	Stats(ctx context.Context) (Stats, error)
}

// Stats is the observer-wide counter snapshot served by /api/v1/stats.
type Stats struct {
	Pipeline      pipeline.Stats `json:"pipeline"`
	StreamClients int            `json:"stream_clients"`
}

func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("IC Scope Observer API", "1.0.0")
	api := humachi.New(router, cfg)

	registerCallHandlers(api, svc)

	// Streaming endpoints bypass huma: SSE and WebSocket need the raw
	// connection.
	router.Get("/api/v1/stream", relay.SSEHandler(broker))
	router.Get("/api/v1/stream/ws", relay.WSHandler(broker))

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	return huma.Error500InternalServerError(err.Error())
}
