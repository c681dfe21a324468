// Package dispatch fans events out to every subscribed connection of a
// room. Enqueues are independent per connection; one slow consumer never
// stalls delivery to the rest of the room.
package dispatch

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/transport"
)

// Sink is one connection's outbound side as the dispatcher sees it.
type Sink interface {
	EnqueueMessage(payload []byte) error
	EnqueueEphemeral(payload []byte) bool
	// Kick force-closes the connection after a best-effort goodbye frame.
	Kick(goodbye []byte)
}

// SinkResolver maps a connection id to its sink. Connections that have
// departed since the subscriber snapshot simply resolve to nothing.
type SinkResolver interface {
	Sink(connID uuid.UUID) (Sink, bool)
}

type Dispatcher struct {
	logger *slog.Logger
	dir    *directory.Directory
	sinks  SinkResolver
}

func New(logger *slog.Logger, dir *directory.Directory, sinks SinkResolver) *Dispatcher {
	return &Dispatcher{
		logger: logger.With(slog.String("component", "dispatcher")),
		dir:    dir,
		sinks:  sinks,
	}
}

// Publish delivers a message-class event to every subscriber of the room.
// A subscriber whose outbox is saturated even after ephemeral eviction is
// disconnected rather than allowed to stall fanout; its client recovers via
// history catch-up on reconnect.
func (d *Dispatcher) Publish(roomID string, payload []byte) {
	for _, connID := range d.dir.Subscribers(roomID) {
		sink, ok := d.sinks.Sink(connID)
		if !ok {
			continue
		}
		err := sink.EnqueueMessage(payload)
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrOutboxFull) {
			d.logger.Warn("Closing connection under backpressure",
				slog.String("connID", connID.String()),
				slog.String("roomID", roomID),
			)
			goodbye, _ := protocol.Encode(protocol.EventDisconnected, protocol.Disconnected{Reason: "backpressure"})
			sink.Kick(goodbye)
		}
		// A closed outbox means the connection is already going away; the
		// frame is recoverable from history, so nothing to do.
	}
}

// PublishEphemeral delivers a droppable event (presence, typing) to every
// subscriber. Drops are expected under load and never logged as errors.
func (d *Dispatcher) PublishEphemeral(roomID string, payload []byte) {
	for _, connID := range d.dir.Subscribers(roomID) {
		sink, ok := d.sinks.Sink(connID)
		if !ok {
			continue
		}
		sink.EnqueueEphemeral(payload)
	}
}
