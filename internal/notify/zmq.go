// Package notify publishes finalized rounds over ZeroMQ in the style of a
// node's block notifications, and provides the matching subscriber.
package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/log"
)

// Topics
const (
	TopicHashRound = "hashround"
	TopicRawRound  = "rawround"
	TopicPresence  = "presence"
)

// PresenceNotification is the presence body.
type PresenceNotification struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is a ZMQ PUB socket. Every message has three frames: topic,
// body and a little-endian uint32 sequence number kept per topic.
type Publisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	sequence map[string]uint32
	logger   *log.Logger
}

// NewPublisher binds a PUB socket on endpoint
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("bound ZMQ publisher", "endpoint", endpoint)
	return &Publisher{
		socket:   socket,
		endpoint: endpoint,
		sequence: make(map[string]uint32),
		logger:   logger,
	}, nil
}

// Name implements broadcast.Sink.
func (p *Publisher) Name() string { return "zmq" }

// Publish implements broadcast.Sink.
func (p *Publisher) Publish(_ context.Context, ev broadcast.Event) error {
	switch ev.Type {
	case broadcast.EventRoundFinalized:
		if ev.Block == nil {
			return fmt.Errorf("round event without block")
		}
		hash, err := chainhash.NewHashFromStr(ev.Block.Hash)
		if err != nil {
			return fmt.Errorf("invalid round hash %q: %w", ev.Block.Hash, err)
		}
		raw, err := json.Marshal(ev.Block)
		if err != nil {
			return fmt.Errorf("failed to encode round: %w", err)
		}
		if err := p.send(TopicHashRound, hash[:]); err != nil {
			return err
		}
		return p.send(TopicRawRound, raw)

	case broadcast.EventPresence:
		raw, err := json.Marshal(PresenceNotification{Count: ev.Count, Timestamp: ev.Timestamp})
		if err != nil {
			return fmt.Errorf("failed to encode presence: %w", err)
		}
		return p.send(TopicPresence, raw)
	}
	return nil
}

func (p *Publisher) send(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket == nil {
		return fmt.Errorf("ZMQ publisher closed")
	}

	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, p.sequence[topic])
	if _, err := p.socket.SendMessage(topic, body, seq); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	p.sequence[topic]++

	p.logger.Debug("published ZMQ message", "topic", topic, "size", len(body))
	return nil
}

// Close closes the ZMQ socket
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// Subscriber receives notifications from a Publisher. It is not safe for
// concurrent use; Close it after Listen has returned.
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a SUB socket for endpoint
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(100 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}

	return &Subscriber{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (s *Subscriber) Subscribe(topic string) error {
	if err := s.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	s.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", s.endpoint, err)
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done. Handler errors are
// logged and do not stop the loop.
func (s *Subscriber) Listen(ctx context.Context, handler func(topic string, body []byte, seq uint32) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			s.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		var seq uint32
		if len(msg) > 2 && len(msg[2]) == 4 {
			seq = binary.LittleEndian.Uint32(msg[2])
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1], seq); err != nil {
			s.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (s *Subscriber) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

// DecodeHashRound returns the display hex of a hashround body.
func DecodeHashRound(body []byte) (string, error) {
	if len(body) != chainhash.HashSize {
		return "", fmt.Errorf("invalid round hash length: %d", len(body))
	}
	var h chainhash.Hash
	copy(h[:], body)
	return h.String(), nil
}

// DecodeRawRound decodes a rawround body.
func DecodeRawRound(body []byte) (*round.Block, error) {
	var b round.Block
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("invalid round body: %w", err)
	}
	return &b, nil
}
