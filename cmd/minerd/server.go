package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/internal/config"
	"github.com/bardlex/xenohash/internal/database"
	"github.com/bardlex/xenohash/internal/database/postgres"
	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/identity"
	"github.com/bardlex/xenohash/internal/metrics"
	"github.com/bardlex/xenohash/internal/presence"
	"github.com/bardlex/xenohash/internal/protocol"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/log"
)

// coordinator is the part of *round.Coordinator the server drives.
type coordinator interface {
	SubmitShare(ctx context.Context, clientID, mode string, roundNumber int64, nonce string) (round.Result, error)
	Status() round.Snapshot
}

// energyGate is the part of *energy.Gate the server drives.
type energyGate interface {
	Current(ctx context.Context, clientID string) (energy.Account, error)
	Release(ctx context.Context, clientID string) error
}

// store is the part of *database.Manager behind the HTTP API and user records.
type store interface {
	UpsertUser(ctx context.Context, id, username string) error
	RecordShare(ctx context.Context, clientID, mode, status string, roundNumber int64)
	ListBlocks(ctx context.Context, page, limit int) (*database.BlockPage, error)
	GetBlock(ctx context.Context, roundNumber int64) (*round.Block, error)
	GetUser(ctx context.Context, id string) (*postgres.User, error)
	Leaderboard(ctx context.Context, limit int) ([]*postgres.User, error)
	Stats(ctx context.Context) (*postgres.Stats, map[string]int64, error)
	Health(ctx context.Context) (map[string]string, error)
}

// Server owns the client sessions and the HTTP API.
type Server struct {
	cfg         *config.Config
	logger      *log.Logger
	coordinator coordinator
	gate        energyGate
	registry    *presence.Registry
	fanout      *broadcast.Fanout
	verifier    identity.Verifier
	store       store
	upgrader    websocket.Upgrader
	router      *gin.Engine

	mu          sync.RWMutex
	sessions    map[string]*protocol.Session
	wg          sync.WaitGroup
	connections atomic.Int64
}

// NewServer creates a server. The fanout must already be registered as the
// coordinator's publisher.
func NewServer(cfg *config.Config, logger *log.Logger, coord coordinator, gate energyGate, registry *presence.Registry,
	fanout *broadcast.Fanout, verifier identity.Verifier, st store) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger.WithComponent("server"),
		coordinator: coord,
		gate:        gate,
		registry:    registry,
		fanout:      fanout,
		verifier:    verifier,
		store:       st,
		sessions:    make(map[string]*protocol.Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	if !s.cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/blocks/:roundNumber", s.handleBlock)
		api.GET("/leaderboard", s.handleLeaderboard)
		api.GET("/users/:id", s.handleUser)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", s.handleWebSocket)
	return router
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) statusInfo() *protocol.StatusInfo {
	return protocol.NewStatusInfo(s.coordinator.Status(), s.registry.Count(), s.cfg.TotalBlocks)
}

// HTTP API

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components, err := s.store.Health(ctx)
	body := gin.H{
		"status":     "ok",
		"components": components,
		"sessions":   s.registry.Len(),
		"miners":     s.registry.Count(),
		"timestamp":  time.Now().UTC(),
	}
	if err != nil {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, shares, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to load stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	progress := 0.0
	if s.cfg.TotalBlocks > 0 {
		progress, _ = decimal.NewFromInt(stats.TotalBlocks).
			Div(decimal.NewFromInt(s.cfg.TotalBlocks)).
			Mul(decimal.NewFromInt(100)).
			Round(4).Float64()
	}

	c.JSON(http.StatusOK, gin.H{
		"totalBlocksMined":  stats.TotalBlocks,
		"totalUsers":        stats.TotalUsers,
		"totalTokensIssued": stats.TotalTokens.String(),
		"projectStartDate":  stats.FirstBlockAt,
		"totalMaxBlocks":    s.cfg.TotalBlocks,
		"miningProgress":    progress,
		"shares":            shares,
		"current":           s.statusInfo(),
	})
}

func (s *Server) handleBlocks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := s.store.ListBlocks(c.Request.Context(), page, limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to list blocks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list blocks"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleBlock(c *gin.Context) {
	n, err := strconv.ParseInt(c.Param("roundNumber"), 10, 64)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid round number"})
		return
	}

	block, err := s.store.GetBlock(c.Request.Context(), n)
	if stderrors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to load block", "round", n)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load block"})
		return
	}
	c.JSON(http.StatusOK, block)
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 {
		limit = 10
	}
	limit = min(limit, 100)

	users, err := s.store.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to load leaderboard")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) handleUser(c *gin.Context) {
	user, err := s.store.GetUser(c.Request.Context(), c.Param("id"))
	if stderrors.Is(err, postgres.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to load user", "client_id", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// WebSocket sessions

func (s *Server) handleWebSocket(c *gin.Context) {
	if limit := s.cfg.MaxConnections; limit > 0 && s.connections.Load() >= int64(limit) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serveSession(context.WithoutCancel(c.Request.Context()), conn)
}

// serveSession runs one client until it disconnects.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn) {
	s.connections.Add(1)
	defer s.connections.Add(-1)

	id := s.registry.Register(conn.RemoteAddr().String())
	session := protocol.NewSession(id, conn, s.sessionConfig(), s.logger)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()
	s.fanout.Add(session)
	metrics.Sessions.Inc()

	defer s.disconnect(session)

	if err := session.Send(protocol.NewConnect(id)); err != nil {
		return
	}

	handler := NewMessageHandler(s)
	if err := session.Start(ctx, handler); err != nil && !stderrors.Is(err, context.Canceled) {
		session.Logger().WithError(err).Warn("session ended with error")
	}
}

func (s *Server) sessionConfig() protocol.SessionConfig {
	return protocol.SessionConfig{
		PingInterval:   s.cfg.PingInterval,
		WriteTimeout:   s.cfg.WriteTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
		OutboundBuffer: s.cfg.OutboundBuffer,
		MessagesPerSec: s.cfg.MessagesPerSec,
		MessageBurst:   s.cfg.MessageBurst,
	}
}

// disconnect removes a session everywhere. The open round is never touched.
func (s *Server) disconnect(session *protocol.Session) {
	session.Close()

	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	s.fanout.Remove(session.ID())
	metrics.Sessions.Dec()

	rec, change, ok := s.registry.Remove(session.ID())
	if !ok {
		return
	}
	s.presenceChanged(change)

	if rec.Authenticated() && len(s.registry.SessionsOf(rec.ClientID)) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LedgerTimeout)
		defer cancel()
		if err := s.gate.Release(ctx, rec.ClientID); err != nil {
			session.Logger().WithError(err).Warn("failed to release energy account", "client_id", rec.ClientID)
		}
	}
}

// presenceChanged broadcasts a new mining count.
func (s *Server) presenceChanged(change presence.Change) {
	metrics.MinersOnline.Set(float64(change.Count))
	if !change.Changed {
		return
	}
	s.fanout.PresenceChanged(context.Background(), change.Count)
}

// Shutdown closes every session and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}
