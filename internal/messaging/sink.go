package messaging

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/pkg/errors"
)

// publisher is implemented by KafkaClient.
type publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// Sink forwards broadcast events to Kafka as structpb.Struct messages.
type Sink struct {
	client publisher
}

// NewSink returns a broadcast sink backed by client.
func NewSink(client *KafkaClient) *Sink {
	return &Sink{client: client}
}

// Name implements broadcast.Sink.
func (s *Sink) Name() string { return "kafka" }

// Publish implements broadcast.Sink.
func (s *Sink) Publish(ctx context.Context, ev broadcast.Event) error {
	topic, key, msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if topic == "" {
		return nil
	}
	return s.client.PublishProto(ctx, topic, key, msg)
}

// EncodeEvent maps an event to its topic, message key and payload. Unknown
// event types yield an empty topic.
func EncodeEvent(ev broadcast.Event) (topic, key string, msg *structpb.Struct, err error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var fields map[string]any
	switch ev.Type {
	case broadcast.EventRoundFinalized:
		if ev.Block == nil {
			return "", "", nil, errors.Validation("encode_event", "round event without block")
		}
		b := ev.Block
		topic, key = TopicRounds, strconv.FormatInt(b.RoundNumber, 10)
		fields = map[string]any{
			"roundNumber":   float64(b.RoundNumber),
			"winnerId":      b.WinnerID,
			"winnerName":    b.WinnerName,
			"reward":        b.Reward.String(),
			"difficulty":    b.Difficulty,
			"newDifficulty": b.NextDifficulty,
			"digest":        b.Digest,
			"nonce":         b.Nonce,
			"hash":          b.Hash,
			"previousHash":  b.PreviousHash,
			"minersOnline":  float64(b.MinersOnline),
			"durationMs":    float64(b.Duration.Milliseconds()),
			"timestamp":     b.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	case broadcast.EventPresence:
		topic, key = TopicPresence, "presence"
		fields = map[string]any{
			"count":     float64(ev.Count),
			"timestamp": ts.UTC().Format(time.RFC3339Nano),
		}
	default:
		return "", "", nil, nil
	}

	msg, err = structpb.NewStruct(fields)
	if err != nil {
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode_event", "failed to encode event")
	}
	return topic, key, msg, nil
}
