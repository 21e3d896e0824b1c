package main

import (
	"context"
	"time"

	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/metrics"
	"github.com/bardlex/xenohash/internal/presence"
	"github.com/bardlex/xenohash/internal/protocol"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
)

// MessageHandler implements protocol.MessageHandler for one server
type MessageHandler struct {
	server *Server
	logger *log.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(server *Server) *MessageHandler {
	return &MessageHandler{
		server: server,
		logger: server.logger.WithComponent("handler"),
	}
}

// HandleMessage dispatches one client frame. Request failures are reported to
// the client; a returned error only means the reply could not be queued.
func (h *MessageHandler) HandleMessage(ctx context.Context, session *protocol.Session, msg *protocol.Message) error {
	metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case protocol.TypeAuth:
		return h.handleAuth(ctx, session, msg)
	case protocol.TypeStartMining:
		return h.handleStartMining(ctx, session, msg)
	case protocol.TypeStopMining:
		return h.handleStopMining(ctx, session)
	case protocol.TypeShare:
		return h.handleShare(ctx, session, msg)
	case protocol.TypeStatus:
		return session.Send(protocol.NewStatus(h.server.statusInfo()))
	default:
		h.logger.Debug("unknown message type", "type", msg.Type, "session_id", session.ID())
		return session.SendError(protocol.CodeUnknownType, "Unknown message type: "+msg.Type)
	}
}

// authenticated returns the registry record of an authenticated session.
func (h *MessageHandler) authenticated(session *protocol.Session) (presence.Session, bool) {
	rec, ok := h.server.registry.Get(session.ID())
	if !ok || !rec.Authenticated() {
		return presence.Session{}, false
	}
	return rec, true
}

func (h *MessageHandler) handleAuth(ctx context.Context, session *protocol.Session, msg *protocol.Message) error {
	var req protocol.AuthRequest
	if err := msg.Decode(&req); err != nil {
		return session.Send(protocol.NewErrorFrom(err))
	}

	ident, err := h.server.verifier.Verify(ctx, req.InitData)
	if err != nil {
		metrics.AuthTotal.WithLabelValues("failure").Inc()
		session.Logger().WithError(err).Info("authentication failed")
		if errors.IsType(err, errors.ErrorTypeUnauthenticated) {
			return session.Send(protocol.NewAuthFailure(errors.GetMessage(err)))
		}
		return session.Send(protocol.NewErrorFrom(err))
	}

	if !h.server.registry.Attach(session.ID(), ident) {
		return nil
	}

	if err := h.server.store.UpsertUser(ctx, ident.ExternalID, ident.DisplayName); err != nil {
		// the ledger upserts again on credit, so the session may proceed
		session.Logger().WithError(err).Warn("failed to record user", "client_id", ident.ExternalID)
	}

	acct, err := h.server.gate.Current(ctx, ident.ExternalID)
	if err != nil {
		metrics.AuthTotal.WithLabelValues("failure").Inc()
		return session.Send(protocol.NewErrorFrom(err))
	}

	metrics.AuthTotal.WithLabelValues("success").Inc()
	session.Logger().WithClient(session.ID(), ident.ExternalID).Info("client authenticated", "username", ident.DisplayName)

	user := protocol.User{ID: ident.ExternalID, Username: ident.DisplayName}
	return session.Send(protocol.NewAuthSuccess(user, acct, h.server.statusInfo()))
}

func (h *MessageHandler) handleStartMining(ctx context.Context, session *protocol.Session, msg *protocol.Message) error {
	rec, ok := h.authenticated(session)
	if !ok {
		return session.SendError(protocol.CodeUnauthenticated, "Not authenticated")
	}

	var req protocol.StartMiningRequest
	if err := msg.Decode(&req); err != nil {
		return session.Send(protocol.NewErrorFrom(err))
	}
	mode := energy.NormalizeMode(req.Mode)

	acct, err := h.server.gate.Current(ctx, rec.ClientID)
	if err != nil {
		return session.Send(protocol.NewErrorFrom(err))
	}
	if acct.Current <= 0 {
		return session.Send(protocol.NewMiningRefused("Not enough energy"))
	}

	change := h.server.registry.SetMining(session.ID(), true, mode)
	h.server.presenceChanged(change)
	session.Logger().Info("mining started", "client_id", rec.ClientID, "mode", mode)
	return session.Send(protocol.NewMiningStatus(true, mode))
}

// handleStopMining also pushes the energy left so the client can show it
// while idle.
func (h *MessageHandler) handleStopMining(ctx context.Context, session *protocol.Session) error {
	rec, ok := h.authenticated(session)
	if !ok {
		return session.SendError(protocol.CodeUnauthenticated, "Not authenticated")
	}

	change := h.server.registry.SetMining(session.ID(), false, "")
	h.server.presenceChanged(change)
	if err := session.Send(protocol.NewMiningStatus(false, "")); err != nil {
		return err
	}

	acct, err := h.server.gate.Current(ctx, rec.ClientID)
	if err != nil {
		session.Logger().WithError(err).Warn("energy unavailable after stop", "client_id", rec.ClientID)
		return nil
	}
	return session.Send(protocol.NewEnergy(acct))
}

func (h *MessageHandler) handleShare(ctx context.Context, session *protocol.Session, msg *protocol.Message) error {
	rec, ok := h.authenticated(session)
	if !ok {
		return session.SendError(protocol.CodeUnauthenticated, "Not authenticated")
	}
	if !rec.Mining {
		return session.SendError(protocol.CodeNotMining, "Mining not started")
	}

	var req protocol.ShareRequest
	if err := msg.Decode(&req); err != nil {
		return session.Send(protocol.NewErrorFrom(err))
	}
	roundNumber := req.Round()

	res, err := h.server.coordinator.SubmitShare(ctx, rec.ClientID, rec.Mode, roundNumber, string(req.Nonce))
	if err != nil {
		session.Logger().WithError(err).Error("share submission failed", "client_id", rec.ClientID)
		return session.Send(protocol.NewErrorFrom(err))
	}

	session.Logger().LogShareSubmission(rec.ClientID, roundNumber, rec.Mode, string(res.Status))

	recordCtx, cancel := context.WithTimeout(ctx, time.Second)
	h.server.store.RecordShare(recordCtx, rec.ClientID, rec.Mode, string(res.Status), roundNumber)
	cancel()

	if err := session.Send(protocol.NewShareResult(res)); err != nil {
		return err
	}

	if res.Status == round.StatusDepleted {
		change := h.server.registry.SetMining(session.ID(), false, "")
		h.server.presenceChanged(change)
		return session.Send(protocol.NewMiningStatus(false, ""))
	}
	return nil
}
