// Package pipeline validates, persists, and sequences inbound messages,
// then hands them to fanout. Persistence is the ordering point: sequence
// numbers are assigned the moment the durable store commits, and delivery
// happens only after durability is confirmed.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

// Fanout is the downstream the pipeline hands sequenced messages to.
type Fanout interface {
	Publish(roomID string, payload []byte)
}

type Config struct {
	MaxMessageBytes int
}

type Pipeline struct {
	logger *slog.Logger
	store  store.Store
	dir    *directory.Directory
	fanout Fanout
	config Config

	// Per-room submit locks keep concurrent submissions to one room
	// serialized through persistence; different rooms proceed in parallel.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(logger *slog.Logger, st store.Store, dir *directory.Directory, fanout Fanout, config Config) *Pipeline {
	return &Pipeline{
		logger: logger.With(slog.String("component", "pipeline")),
		store:  st,
		dir:    dir,
		fanout: fanout,
		config: config,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) roomLock(roomID string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	mu, ok := p.locks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[roomID] = mu
	}
	return mu
}

// Submit validates and durably records one message, then fans it out to the
// room's current subscribers. On any error before the store commit, the
// room's sequence counter is untouched. Sender success means "stored", not
// "delivered to everyone"; delivery failures to other subscribers are never
// surfaced here.
func (p *Pipeline) Submit(ctx context.Context, connID uuid.UUID, senderID, roomID string, kind protocol.Kind, content json.RawMessage) (store.Message, error) {
	if !p.dir.IsSubscribed(roomID, connID) {
		return store.Message{}, fmt.Errorf("submit to %q: %w", roomID, directory.ErrNotSubscribed)
	}
	if err := protocol.ValidateContent(kind, content, p.config.MaxMessageBytes); err != nil {
		return store.Message{}, err
	}

	mu := p.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	// A message accepted for persistence always completes storage, even if
	// the sender disconnects mid-call.
	storeCtx := context.WithoutCancel(ctx)
	msg, err := p.store.AppendMessage(storeCtx, roomID, senderID, content, kind)
	if err != nil {
		return store.Message{}, err
	}

	// The message is durable; the summary pointer may lag behind it
	// briefly, but never points at a message that does not exist.
	if err := p.store.UpdateRoomSummary(storeCtx, roomID, msg.ID, msg.CreatedAt); err != nil {
		p.logger.Error("Failed to update room summary",
			slog.String("roomID", roomID),
			slog.String("messageID", msg.ID),
			slog.Any("error", err),
		)
	}

	payload, err := protocol.Encode(protocol.EventMessageDelivered, protocol.MessageDelivered{
		ID:      msg.ID,
		Room:    msg.Room,
		Sender:  msg.Sender,
		Kind:    msg.Kind,
		Content: msg.Content,
		Seq:     msg.Seq,
		SentAt:  msg.CreatedAt,
	})
	if err != nil {
		// The message is already stored; clients still receive it through
		// history catch-up.
		p.logger.Error("Failed to encode delivery frame", slog.Any("error", err))
		return msg, nil
	}
	p.fanout.Publish(roomID, payload)
	return msg, nil
}

// History exposes the durable log for catch-up: a finite, restartable,
// ordered page of messages. Live delivery is the dispatcher's job, not this.
func (p *Pipeline) History(ctx context.Context, roomID string, fromSeq int64, limit int) ([]store.Message, error) {
	return p.store.History(ctx, roomID, fromSeq, limit)
}
