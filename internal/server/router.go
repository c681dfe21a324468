package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/internal/pipeline"
	"github.com/a-essam23/go-relay/internal/presence"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/signal"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

// EventRouter dispatches inbound client frames to the component that owns
// the operation. It runs on each connection's inbound task; there is no
// global event bus.
type EventRouter struct {
	logger   *slog.Logger
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	signals  *signal.Router
	presence *presence.Tracker
}

func NewEventRouter(logger *slog.Logger, reg *registry.Registry, pipe *pipeline.Pipeline, signals *signal.Router, tracker *presence.Tracker) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: reg,
		pipeline: pipe,
		signals:  signals,
		presence: tracker,
	}
}

// HandleMessage is the transport's inbound callback.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		r.logger.Warn("Failed to unmarshal client frame", "connID", connID, "error", err)
		r.fail(connID, protocol.CodeBadFrame, "malformed frame")
		return
	}

	conn, ok := r.registry.Get(connID)
	if !ok {
		r.logger.Error("No connection record for active connection", slog.Any("connID", connID))
		return
	}

	var err error
	switch frame.Event {
	case protocol.EventJoinRoom:
		err = r.registry.Join(ctx, connID, frame.Room)
	case protocol.EventLeaveRoom:
		r.registry.Leave(connID, frame.Room)
	case protocol.EventSendMessage:
		err = r.handleSend(ctx, conn, frame)
	case protocol.EventTypingStart:
		err = r.signals.RelayTyping(frame.Room, connID, conn.UserID, true)
	case protocol.EventTypingStop:
		err = r.signals.RelayTyping(frame.Room, connID, conn.UserID, false)
	case protocol.EventSetPresence:
		err = r.handleSetPresence(conn, frame)
	default:
		r.logger.Warn("Received unknown event", "event", frame.Event, "connID", connID)
		r.fail(connID, protocol.CodeUnknownEvent, frame.Event)
		return
	}

	if err != nil {
		r.logger.Debug("Operation failed",
			slog.String("event", frame.Event),
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		r.fail(connID, codeFor(err), err.Error())
	}
}

func (r *EventRouter) handleSend(ctx context.Context, conn *registry.Conn, frame protocol.ClientFrame) error {
	var payload protocol.SendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return errBadFrame
	}
	_, err := r.pipeline.Submit(ctx, conn.ID, conn.UserID, frame.Room, payload.Kind, payload.Content)
	return err
}

func (r *EventRouter) handleSetPresence(conn *registry.Conn, frame protocol.ClientFrame) error {
	var payload protocol.SetPresencePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return errBadFrame
	}
	if !r.presence.SetExplicit(conn.UserID, presence.Status(payload.State)) {
		return errBadFrame
	}
	return nil
}

var errBadFrame = errors.New("malformed payload")

func codeFor(err error) string {
	switch {
	case errors.Is(err, store.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, directory.ErrNotSubscribed):
		return protocol.CodeNotSubscribed
	case errors.Is(err, protocol.ErrInvalidPayload):
		return protocol.CodeValidation
	case errors.Is(err, store.ErrPersistence):
		return protocol.CodePersistence
	case errors.Is(err, errBadFrame):
		return protocol.CodeBadFrame
	default:
		return protocol.CodeBadFrame
	}
}

// fail reports an operation failure back to the originating connection.
// Failures ride the message class so they are not dropped under load.
func (r *EventRouter) fail(connID uuid.UUID, code, context string) {
	sink, ok := r.registry.Sink(connID)
	if !ok {
		return
	}
	payload, err := protocol.Encode(protocol.EventOperationFailed, protocol.OperationFailed{
		Code:    code,
		Context: context,
	})
	if err != nil {
		return
	}
	_ = sink.EnqueueMessage(payload)
}
