package api

import (
	"context"

	"github.com/floodguard/floodguard/internal/envelope"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/ingest"
	"github.com/floodguard/floodguard/internal/registry"
)

// IngestPort is what the API needs from the ingestion pipeline.
type IngestPort interface {
	Ingest(ctx context.Context, env envelope.Envelope) ingest.Result
	Announce(ctx context.Context, actor, topic string, payload interface{}) (event.Event, error)
}

// StatsPort exposes connection statistics.
type StatsPort interface {
	Stats() registry.Stats
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

var _ IngestPort = (*ingest.Pipeline)(nil)
var _ StatsPort = (*registry.Registry)(nil)
