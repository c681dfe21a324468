// Package presence derives each user's availability from connection
// lifecycle events and explicit state changes.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// Broadcaster pushes a presence change to the rooms the user currently
// subscribes to. Presence visibility is room-scoped, never global.
type Broadcaster func(userID string, status Status, lastSeen time.Time)

type record struct {
	status       Status
	lastSeen     time.Time
	contributors int
}

// Tracker owns the presence records. It is mutated only by connection
// lifecycle events and explicit set_presence actions.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*record
	broadcast Broadcaster
	now       func() time.Time
	logger    *slog.Logger
}

func NewTracker(logger *slog.Logger, broadcast Broadcaster) *Tracker {
	return &Tracker{
		records:   make(map[string]*record),
		broadcast: broadcast,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "presence")),
	}
}

// ConnectionOpened raises the user's contributor count. The first
// contributing connection flips the user to ONLINE, clearing any explicit
// state left over from an earlier session.
func (t *Tracker) ConnectionOpened(userID string) {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok {
		rec = &record{status: StatusOffline}
		t.records[userID] = rec
	}
	rec.contributors++
	first := rec.contributors == 1
	if first {
		rec.status = StatusOnline
	}
	status := rec.status
	t.mu.Unlock()

	if first {
		t.logger.Debug("User came online", slog.String("userID", userID))
		t.emit(userID, status, time.Time{})
	}
}

// ConnectionClosed lowers the contributor count. When it reaches zero the
// user transitions to OFFLINE with a recorded last-seen timestamp.
func (t *Tracker) ConnectionClosed(userID string) {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || rec.contributors == 0 {
		t.mu.Unlock()
		return
	}
	rec.contributors--
	last := rec.contributors == 0
	var lastSeen time.Time
	if last {
		rec.status = StatusOffline
		rec.lastSeen = t.now()
		lastSeen = rec.lastSeen
	}
	t.mu.Unlock()

	if last {
		t.logger.Debug("User went offline", slog.String("userID", userID))
		t.emit(userID, StatusOffline, lastSeen)
	}
}

// SetExplicit records a user-chosen AWAY or BUSY state. It sticks until the
// user picks a new state or fully disconnects; additional connections do not
// clear it. Setting explicit state while offline has no effect.
func (t *Tracker) SetExplicit(userID string, status Status) bool {
	if status != StatusAway && status != StatusBusy && status != StatusOnline {
		return false
	}

	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || rec.contributors == 0 {
		t.mu.Unlock()
		return false
	}
	rec.status = status
	t.mu.Unlock()

	t.emit(userID, status, time.Time{})
	return true
}

// StateOf returns the user's current status and, for offline users, when
// they were last seen.
func (t *Tracker) StateOf(userID string) (Status, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return StatusOffline, time.Time{}
	}
	return rec.status, rec.lastSeen
}

func (t *Tracker) emit(userID string, status Status, lastSeen time.Time) {
	if t.broadcast != nil {
		t.broadcast(userID, status, lastSeen)
	}
}
