// Package registry owns the live connection records: which user each
// connection authenticates as, its lifecycle state, and its room
// subscriptions (held in the directory). All lifecycle side effects on the
// directory and presence tracker flow through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/internal/dispatch"
	"github.com/a-essam23/go-relay/internal/presence"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/transport"
)

type ConnState int

const (
	StateActive ConnState = iota
	StateDraining
	StateClosed
)

// Conn is one live connection record. Owned exclusively by the registry;
// created on successful authentication, destroyed on transport close.
type Conn struct {
	ID        uuid.UUID
	UserID    string
	Transport *transport.Connection
	CreatedAt time.Time

	state    ConnState
	released bool
}

// Membership is the slice of the durable store the registry needs.
type Membership interface {
	Membership(ctx context.Context, userID, roomID string) (bool, error)
}

type Registry struct {
	logger     *slog.Logger
	membership Membership
	dir        *directory.Directory
	presence   *presence.Tracker

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	byUser map[string]map[uuid.UUID]*Conn
}

func New(logger *slog.Logger, membership Membership, dir *directory.Directory, tracker *presence.Tracker) *Registry {
	return &Registry{
		logger:     logger.With(slog.String("component", "registry")),
		membership: membership,
		dir:        dir,
		presence:   tracker,
		conns:      make(map[uuid.UUID]*Conn),
		byUser:     make(map[string]map[uuid.UUID]*Conn),
	}
}

var _ dispatch.SinkResolver = (*Registry)(nil)

// Register creates a connection record for an authenticated transport
// session and raises the user's presence contributor count.
func (r *Registry) Register(t *transport.Connection, userID string) (*Conn, error) {
	r.mu.Lock()
	connID := t.ID()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return nil, errors.New("connection is already registered")
	}
	conn := &Conn{
		ID:        connID,
		UserID:    userID,
		Transport: t,
		CreatedAt: time.Now(),
		state:     StateActive,
	}
	r.conns[connID] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]*Conn)
	}
	r.byUser[userID][connID] = conn
	r.mu.Unlock()

	r.presence.ConnectionOpened(userID)
	r.logger.Debug("Connection registered",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return conn, nil
}

// Join subscribes the connection to a room after confirming the user holds
// durable membership there. Joining an already-joined room is a no-op
// success.
func (r *Registry) Join(ctx context.Context, connID uuid.UUID, roomID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	active := ok && conn.state == StateActive
	var userID string
	if ok {
		userID = conn.UserID
	}
	r.mu.RUnlock()
	if !active {
		return errors.New("cannot join room: connection not active")
	}

	member, err := r.membership.Membership(ctx, userID, roomID)
	if err != nil {
		// Store lookup failures surface as persistence errors, never as a
		// protocol fault of the client.
		if !errors.Is(err, store.ErrPersistence) {
			err = fmt.Errorf("%w: %v", store.ErrPersistence, err)
		}
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return fmt.Errorf("join %q: %w", roomID, store.ErrNotAMember)
	}

	r.dir.Add(roomID, connID)

	// The membership check ran without the lock held, so the connection may
	// have closed while it was in flight. Undo the subscription in that
	// case: once a close completes, the connection must never reappear in
	// the room's subscriber set.
	r.mu.RLock()
	conn, ok = r.conns[connID]
	stillActive := ok && conn.state == StateActive
	r.mu.RUnlock()
	if !stillActive {
		r.dir.Remove(roomID, connID)
		return errors.New("cannot join room: connection not active")
	}

	r.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return nil
}

// Leave removes the subscription. Idempotent.
func (r *Registry) Leave(connID uuid.UUID, roomID string) {
	r.dir.Remove(roomID, connID)
}

// Close drains and tears down a connection: subscriptions go away
// immediately, queued deliveries are flushed, then the transport closes.
// Safe to invoke multiple times; later calls are no-ops.
func (r *Registry) Close(connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok || conn.state != StateActive {
		r.mu.Unlock()
		return
	}
	conn.state = StateDraining
	r.mu.Unlock()

	r.release(conn)
	conn.Transport.CloseGraceful()
}

// Finalize completes teardown once the transport has fully closed. Wired as
// the transport's on-close handler, so it also covers closes the registry
// never initiated (read errors, peer hangups, backpressure kicks).
func (r *Registry) Finalize(connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.state = StateClosed
	r.mu.Unlock()

	// Side effects run while the record still resolves, so the OFFLINE
	// broadcast can still find the rooms the user's connections subscribe
	// to. Only then does the record leave the maps.
	r.release(conn)

	r.mu.Lock()
	delete(r.conns, connID)
	if userConns := r.byUser[conn.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Connection finalized", slog.String("connID", connID.String()))
}

// release performs the once-only lifecycle side effects: the presence
// contributor decrement and subscription removal. Presence goes first so an
// OFFLINE transition still sees the rooms the user was subscribed to and
// can broadcast there.
func (r *Registry) release(conn *Conn) {
	r.mu.Lock()
	if conn.released {
		r.mu.Unlock()
		return
	}
	conn.released = true
	r.mu.Unlock()

	r.presence.ConnectionClosed(conn.UserID)
	r.dir.RemoveConn(conn.ID)
}

// Sink resolves a connection id for the dispatcher. Draining connections
// still resolve so queued deliveries can finish; closed ones do not.
func (r *Registry) Sink(connID uuid.UUID) (dispatch.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok || conn.state == StateClosed {
		return nil, false
	}
	return conn.Transport, true
}

// Get returns the connection record for an id.
func (r *Registry) Get(connID uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnCount reports how many live connections a user has.
func (r *Registry) ConnCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// OldestConn returns the user's longest-lived connection, used by the
// connection limiter's cycle mode.
func (r *Registry) OldestConn(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Conn
	for _, conn := range r.byUser[userID] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// RoomsOfUser returns the union of rooms the user's live connections are
// subscribed to. Presence broadcasts are scoped to these.
func (r *Registry) RoomsOfUser(userID string) []string {
	r.mu.RLock()
	conns := make([]uuid.UUID, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		conns = append(conns, id)
	}
	r.mu.RUnlock()

	seen := make(map[string]struct{})
	var rooms []string
	for _, connID := range conns {
		for _, roomID := range r.dir.RoomsOf(connID) {
			if _, dup := seen[roomID]; !dup {
				seen[roomID] = struct{}{}
				rooms = append(rooms, roomID)
			}
		}
	}
	return rooms
}

// Transports snapshots every live transport, used during shutdown.
func (r *Registry) Transports() []*transport.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*transport.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.Transport)
	}
	return out
}
