// Package store defines the durable collaborator the relay core writes
// messages through. Room membership and message history live here, not in
// process memory; the core only ever sees this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/a-essam23/go-relay/pkg/protocol"
)

var (
	// ErrNotAMember reports that a user lacks durable membership in a room.
	ErrNotAMember = errors.New("user is not a member of this room")
	// ErrPersistence reports that the durable store could not complete a
	// write. The submitter decides whether to resubmit; the core never
	// retries on its own.
	ErrPersistence = errors.New("durable store unavailable")
)

// Message is immutable once persisted. Seq is assigned by the store at the
// moment of persistence, strictly increasing and gapless per room.
type Message struct {
	ID        string
	Room      string
	Sender    string
	Kind      protocol.Kind
	Content   []byte
	Seq       int64
	CreatedAt time.Time
}

// Summary is the per-room latest-activity pointer. It only ever points at a
// message that is already durably stored.
type Summary struct {
	Room            string
	LatestMessageID string
	LatestActivity  time.Time
}

type Store interface {
	// AppendMessage persists a message and advances the room's sequence
	// counter as one atomic unit. On failure the counter is not advanced.
	// Appends to the same room are serialized; different rooms proceed in
	// parallel.
	AppendMessage(ctx context.Context, roomID, senderID string, content []byte, kind protocol.Kind) (Message, error)

	// Membership reports whether the user has durable membership in the room.
	Membership(ctx context.Context, userID, roomID string) (bool, error)

	// AddMember and RemoveMember manage the durable membership relation.
	AddMember(ctx context.Context, roomID, userID, role string) error
	RemoveMember(ctx context.Context, roomID, userID string) error

	// History returns up to limit messages of the room with Seq >= fromSeq,
	// in ascending sequence order. Callers resume from the last returned
	// sequence number plus one.
	History(ctx context.Context, roomID string, fromSeq int64, limit int) ([]Message, error)

	// UpdateRoomSummary moves the room's latest-activity pointer. Called
	// only after the message is durably stored.
	UpdateRoomSummary(ctx context.Context, roomID, messageID string, ts time.Time) error

	// RoomSummary reads the pointer back; ok is false for rooms with no
	// activity yet.
	RoomSummary(ctx context.Context, roomID string) (Summary, bool, error)
}
