// Package broadcast delivers round and presence events to every connected
// client and to the configured event sinks.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/xenohash/internal/metrics"
	"github.com/bardlex/xenohash/internal/protocol"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/log"
)

// EventType names a broadcast event.
type EventType string

// Event types.
const (
	EventRoundFinalized EventType = "round_finalized"
	EventPresence       EventType = "presence"
)

// Event is one broadcast. Block is set for round_finalized, Count for
// presence.
type Event struct {
	Type      EventType
	Block     *round.Block
	Count     int
	Timestamp time.Time
}

// Recipient is a client session.
type Recipient interface {
	ID() string
	SendRaw(data []byte) error
}

// Sink is an out-of-process event consumer such as Kafka or ZMQ.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// DefaultSinkTimeout bounds each sink publish.
const DefaultSinkTimeout = 2 * time.Second

// Fanout is the broadcast hub. A failing recipient or sink never stops
// delivery to the others.
type Fanout struct {
	logger      *log.Logger
	sinkTimeout time.Duration

	mu         sync.RWMutex
	recipients map[string]Recipient
	sinks      []Sink
}

// NewFanout creates a hub with the given sinks.
func NewFanout(logger *log.Logger, sinkTimeout time.Duration, sinks ...Sink) *Fanout {
	if sinkTimeout <= 0 {
		sinkTimeout = DefaultSinkTimeout
	}
	return &Fanout{
		logger:      logger.WithComponent("broadcast"),
		sinkTimeout: sinkTimeout,
		recipients:  make(map[string]Recipient),
		sinks:       sinks,
	}
}

// AddSink registers another sink.
func (f *Fanout) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Add registers a client session.
func (f *Fanout) Add(r Recipient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients[r.ID()] = r
}

// Remove drops a client session.
func (f *Fanout) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recipients, id)
}

// Len returns the number of registered sessions.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.recipients)
}

// RoundFinalized implements round.Publisher.
func (f *Fanout) RoundFinalized(ctx context.Context, b *round.Block) {
	f.Broadcast(ctx, Event{Type: EventRoundFinalized, Block: b, Timestamp: b.Timestamp})
}

// PresenceChanged broadcasts the number of miners online.
func (f *Fanout) PresenceChanged(ctx context.Context, count int) {
	f.Broadcast(ctx, Event{Type: EventPresence, Count: count, Timestamp: time.Now()})
}

// Broadcast delivers ev to all sessions, then waits for the sinks. It returns
// the number of sessions that accepted the frame.
func (f *Fanout) Broadcast(ctx context.Context, ev Event) int {
	f.mu.RLock()
	recipients := make([]Recipient, 0, len(f.recipients))
	for _, r := range f.recipients {
		recipients = append(recipients, r)
	}
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	delivered := 0
	if data, err := encode(ev); err != nil {
		f.logger.WithError(err).Error("failed to encode event", "event", ev.Type)
	} else {
		for _, r := range recipients {
			if err := r.SendRaw(data); err != nil {
				metrics.BroadcastFailures.WithLabelValues("session").Inc()
				f.logger.WithError(err).Debug("failed to deliver event", "event", ev.Type, "session_id", r.ID())
				continue
			}
			delivered++
		}
	}

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
			defer cancel()
			if err := s.Publish(sctx, ev); err != nil {
				metrics.BroadcastFailures.WithLabelValues(s.Name()).Inc()
				f.logger.WithError(err).Warn("sink publish failed", "sink", s.Name(), "event", ev.Type)
			}
		}(s)
	}
	wg.Wait()

	f.logger.Debug("event broadcast",
		"event", ev.Type,
		"sessions", len(recipients),
		"delivered", delivered,
		"sinks", len(sinks),
	)
	return delivered
}

func encode(ev Event) ([]byte, error) {
	switch ev.Type {
	case EventRoundFinalized:
		return protocol.Marshal(protocol.NewRoundFinalized(ev.Block))
	default:
		return protocol.Marshal(protocol.NewPresence(ev.Count))
	}
}
