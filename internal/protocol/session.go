package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bardlex/xenohash/pkg/log"
)

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboundFull is returned when the session's send buffer is full.
	ErrOutboundFull = errors.New("outbound channel full")
)

// SessionConfig tunes one client session.
type SessionConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	OutboundBuffer int
	MessagesPerSec float64
	MessageBurst   int
}

// DefaultSessionConfig returns the stock session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		OutboundBuffer: 100,
		MessagesPerSec: 200,
		MessageBurst:   400,
	}
}

// MessageHandler handles decoded client frames.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// Session is one WebSocket client. All writes go through the write loop;
// Send never blocks.
type Session struct {
	id      string
	conn    *websocket.Conn
	logger  *log.Logger
	cfg     SessionConfig
	limiter *rate.Limiter

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an upgraded connection.
func NewSession(id string, conn *websocket.Conn, cfg SessionConfig, logger *log.Logger) *Session {
	def := DefaultSessionConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	limit := rate.Inf
	if cfg.MessagesPerSec > 0 {
		limit = rate.Limit(cfg.MessagesPerSec)
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1
	}

	return &Session{
		id:       id,
		conn:     conn,
		logger:   logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.MessageBurst),
		outbound: make(chan []byte, cfg.OutboundBuffer),
		done:     make(chan struct{}),
	}
}

// Start runs the session until the client goes away, a pong is missed or
// ctx is done. It blocks in the read loop.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.id, s.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx, handler)
	s.Close()
	<-writerDone
	return err
}

func (s *Session) pongWait() time.Duration {
	return 2 * s.cfg.PingInterval
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait())); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Info("client disconnected")
				return nil
			}
			s.logger.WithError(err).Debug("read failed")
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}

		if !s.limiter.Allow() {
			s.sendError(CodeRateLimited, "too many messages")
			continue
		}

		msg, err := ParseMessage(data)
		if err != nil {
			s.logger.WithError(err).Debug("failed to parse message")
			s.sendError(CodeInvalid, "malformed message")
			continue
		}
		s.logger.LogProtocolMessage("received", msg.Type, len(data))

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message", "type", msg.Type)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		case <-s.done:
			s.writeClose(websocket.CloseNormalClosure, "")
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				s.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.WithError(err).Debug("failed to send ping")
				s.Close()
				return
			}
		}
	}
}

func (s *Session) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Send marshals v and queues it.
func (s *Session) Send(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues an already encoded frame.
func (s *Session) SendRaw(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboundFull
	}
}

// SendError queues an error frame.
func (s *Session) SendError(code, message string) error {
	return s.Send(NewError(code, message))
}

func (s *Session) sendError(code, message string) {
	if err := s.SendError(code, message); err != nil {
		s.logger.WithError(err).Debug("failed to send error", "code", code)
	}
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.LogConnection("disconnected", s.id, s.RemoteAddr())
	})
}

// Done is closed once the session stops.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *log.Logger {
	return s.logger
}
