// Package signal relays short-lived, non-persisted events (typing
// indicators) straight to room subscribers, bypassing the message pipeline.
package signal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/pkg/protocol"
)

// Fanout is the ephemeral side of the dispatcher.
type Fanout interface {
	PublishEphemeral(roomID string, payload []byte)
}

// Router validates and relays ephemeral signals. Every signal carries a TTL
// deadline; receivers expire the displayed state locally when it passes,
// which guards against a stop signal lost in transit.
type Router struct {
	logger *slog.Logger
	dir    *directory.Directory
	fanout Fanout
	ttl    time.Duration
	now    func() time.Time
}

func NewRouter(logger *slog.Logger, dir *directory.Directory, fanout Fanout, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Router{
		logger: logger.With(slog.String("component", "signal_router")),
		dir:    dir,
		fanout: fanout,
		ttl:    ttl,
		now:    time.Now,
	}
}

// RelayTyping relays a typing start or stop from a subscribed connection to
// the room. Never persisted, never retried, at-most-once.
func (r *Router) RelayTyping(roomID string, connID uuid.UUID, userID string, isTyping bool) error {
	if !r.dir.IsSubscribed(roomID, connID) {
		return fmt.Errorf("typing signal for %q: %w", roomID, directory.ErrNotSubscribed)
	}

	payload, err := protocol.Encode(protocol.EventTypingStateChanged, protocol.TypingStateChanged{
		Room:      roomID,
		User:      userID,
		IsTyping:  isTyping,
		ExpiresAt: r.now().Add(r.ttl),
	})
	if err != nil {
		return fmt.Errorf("encode typing signal: %w", err)
	}
	r.fanout.PublishEphemeral(roomID, payload)
	return nil
}

// TTL exposes the configured signal lifetime.
func (r *Router) TTL() time.Duration {
	return r.ttl
}
