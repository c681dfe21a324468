// Package directory holds the ephemeral room-subscription index: which live
// connections are listening to which rooms right now. It is deliberately not
// durable; after a restart it is rebuilt from reconnecting clients' join
// operations, never restored from a snapshot.
package directory

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotSubscribed reports that a connection is not currently joined to the
// room it is acting on.
var ErrNotSubscribed = errors.New("connection is not subscribed to this room")

type roomEntry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]struct{}
}

// Directory maps rooms to subscribed connections, with a reverse index from
// connection to rooms for O(1) cleanup on close. Each room carries its own
// lock so activity in one room never blocks another; the outer lock only
// guards the two maps.
type Directory struct {
	mu     sync.RWMutex
	rooms  map[string]*roomEntry
	byConn map[uuid.UUID]map[string]struct{}
}

func New() *Directory {
	return &Directory{
		rooms:  make(map[string]*roomEntry),
		byConn: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Add subscribes a connection to a room. Idempotent.
func (d *Directory) Add(roomID string, connID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.rooms[roomID]
	if !ok {
		entry = &roomEntry{conns: make(map[uuid.UUID]struct{})}
		d.rooms[roomID] = entry
	}
	if d.byConn[connID] == nil {
		d.byConn[connID] = make(map[string]struct{})
	}
	d.byConn[connID][roomID] = struct{}{}

	// Both indexes are written under the outer lock so an Add cannot
	// interleave with a RemoveConn that already consumed the reverse index.
	entry.mu.Lock()
	entry.conns[connID] = struct{}{}
	entry.mu.Unlock()
}

// Remove unsubscribes a connection from a room. Idempotent.
func (d *Directory) Remove(roomID string, connID uuid.UUID) {
	d.mu.Lock()
	entry, ok := d.rooms[roomID]
	if rooms := d.byConn[connID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(d.byConn, connID)
		}
	}
	if !ok {
		d.mu.Unlock()
		return
	}

	entry.mu.Lock()
	delete(entry.conns, connID)
	empty := len(entry.conns) == 0
	entry.mu.Unlock()

	// Drop empty rooms so the index does not grow without bound.
	if empty {
		delete(d.rooms, roomID)
	}
	d.mu.Unlock()
}

// RemoveConn unsubscribes a connection from every room it joined and returns
// the rooms it was removed from. Once RemoveConn returns, no Subscribers
// snapshot taken afterwards will include the connection.
func (d *Directory) RemoveConn(connID uuid.UUID) []string {
	d.mu.Lock()
	roomSet := d.byConn[connID]
	delete(d.byConn, connID)

	rooms := make([]string, 0, len(roomSet))
	for roomID := range roomSet {
		entry, ok := d.rooms[roomID]
		if !ok {
			continue
		}
		entry.mu.Lock()
		delete(entry.conns, connID)
		empty := len(entry.conns) == 0
		entry.mu.Unlock()
		if empty {
			delete(d.rooms, roomID)
		}
		rooms = append(rooms, roomID)
	}
	d.mu.Unlock()
	return rooms
}

// Subscribers returns a snapshot of the room's subscribed connections. The
// snapshot may go stale immediately; deliveries to a since-departed
// connection are dropped, never treated as errors.
func (d *Directory) Subscribers(roomID string) []uuid.UUID {
	d.mu.RLock()
	entry, ok := d.rooms[roomID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.RLock()
	out := make([]uuid.UUID, 0, len(entry.conns))
	for id := range entry.conns {
		out = append(out, id)
	}
	entry.mu.RUnlock()
	return out
}

// IsSubscribed reports whether the connection is currently joined to the room.
func (d *Directory) IsSubscribed(roomID string, connID uuid.UUID) bool {
	d.mu.RLock()
	entry, ok := d.rooms[roomID]
	d.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.RLock()
	_, subscribed := entry.conns[connID]
	entry.mu.RUnlock()
	return subscribed
}

// RoomsOf returns the rooms a connection is currently joined to.
func (d *Directory) RoomsOf(connID uuid.UUID) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roomSet := d.byConn[connID]
	out := make([]string, 0, len(roomSet))
	for roomID := range roomSet {
		out = append(out, roomID)
	}
	return out
}
