package database

import (
	"context"
	"time"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/internal/round"
)

// LastRoundStatus is the document cached in Redis after every round.
type LastRoundStatus struct {
	LastBlock       *round.Block `json:"lastBlock"`
	NextRoundNumber int64        `json:"nextRoundNumber"`
	Difficulty      float64      `json:"difficulty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// statusSink keeps the Redis status cache current.
type statusSink struct {
	cache cache
}

func (s *statusSink) Name() string { return "redis" }

func (s *statusSink) Publish(ctx context.Context, ev broadcast.Event) error {
	switch ev.Type {
	case broadcast.EventRoundFinalized:
		return s.cache.SetStatus(ctx, LastRoundStatus{
			LastBlock:       ev.Block,
			NextRoundNumber: ev.Block.RoundNumber + 1,
			Difficulty:      ev.Block.NextDifficulty,
			UpdatedAt:       ev.Timestamp,
		}, 0)
	case broadcast.EventPresence:
		return s.cache.SetMinersOnline(ctx, ev.Count)
	}
	return nil
}

// telemetrySink writes events to InfluxDB. Writes are batched by the
// client, so Publish does not block.
type telemetrySink struct {
	metrics telemetry
}

func (s *telemetrySink) Name() string { return "influx" }

func (s *telemetrySink) Publish(_ context.Context, ev broadcast.Event) error {
	switch ev.Type {
	case broadcast.EventRoundFinalized:
		s.metrics.WriteRoundMetric(ev.Block)
	case broadcast.EventPresence:
		s.metrics.WritePresenceMetric(ev.Count, ev.Timestamp)
	}
	return nil
}
