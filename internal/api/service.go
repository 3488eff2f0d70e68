package api

import (
	"context"

	"github.com/dgnsrekt/icscope/internal/pipeline"
	"github.com/dgnsrekt/icscope/internal/relay"
	"github.com/dgnsrekt/icscope/internal/store"
)

// ObserverService answers API queries from the archive and the pipeline's
// counters.
type ObserverService struct {
	archive *store.Archive
	pipe    *pipeline.Pipeline
	broker  *relay.Broker
}

func NewObserverService(archive *store.Archive, pipe *pipeline.Pipeline, broker *relay.Broker) *ObserverService {
	return &ObserverService{archive: archive, pipe: pipe, broker: broker}
}

func (s *ObserverService) ListCalls(ctx context.Context, filter store.ListFilter) ([]store.CallRow, error) {
	return s.archive.List(ctx, filter)
}

func (s *ObserverService) GetCall(ctx context.Context, messageID string) (store.CallRow, bool, error) {
	return s.archive.Get(ctx, messageID)
}

func (s *ObserverService) Stats(ctx context.Context) (Stats, error) {
	return Stats{
		Pipeline:      s.pipe.Stats(),
		StreamClients: s.broker.ClientCount(),
	}, nil
}
