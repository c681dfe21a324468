// Package sqlitestore provides the SQLite-backed durable store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
  id       TEXT PRIMARY KEY,
  last_seq INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS room_members (
  room_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role    TEXT NOT NULL DEFAULT 'member',
  PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
  id         TEXT PRIMARY KEY,
  room_id    TEXT NOT NULL,
  sender_id  TEXT NOT NULL,
  kind       TEXT NOT NULL,
  content    BLOB NOT NULL,
  seq        INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE (room_id, seq)
);
CREATE TABLE IF NOT EXISTS room_summaries (
  room_id           TEXT PRIMARY KEY,
  latest_message_id TEXT NOT NULL,
  latest_activity   INTEGER NOT NULL
);
`

// Store persists rooms, membership, and messages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection keeps
	// append transactions from ever contending on the write lock.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendMessage inserts the message and advances the room counter inside one
// transaction. The transaction serializes appends to the same room, so
// sequence numbers come out gapless and are never reused.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID string, content []byte, kind protocol.Kind) (store.Message, error) {
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	if roomID == "" || senderID == "" {
		return store.Message{}, fmt.Errorf("room id and sender id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: begin append: %v", store.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, last_seq) VALUES (?, 0) ON CONFLICT (id) DO NOTHING`,
		roomID,
	); err != nil {
		return store.Message{}, fmt.Errorf("%w: ensure room counter: %v", store.ErrPersistence, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE rooms SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq`,
		roomID,
	).Scan(&seq); err != nil {
		return store.Message{}, fmt.Errorf("%w: advance sequence: %v", store.ErrPersistence, err)
	}

	msg := store.Message{
		ID:        uuid.NewString(),
		Room:      roomID,
		Sender:    senderID,
		Kind:      kind,
		Content:   content,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, kind, content, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Room, msg.Sender, string(msg.Kind), msg.Content, msg.Seq, toMillis(msg.CreatedAt),
	); err != nil {
		return store.Message{}, fmt.Errorf("%w: insert message: %v", store.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return store.Message{}, fmt.Errorf("%w: commit append: %v", store.ErrPersistence, err)
	}
	return msg, nil
}

// Membership reports whether the user is a durable member of the room.
func (s *Store) Membership(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query membership: %v", store.ErrPersistence, err)
	}
	return true, nil
}

// AddMember upserts one durable membership row.
func (s *Store) AddMember(ctx context.Context, roomID, userID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if role == "" {
		role = "member"
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET role = excluded.role`,
		roomID, userID, role,
	)
	if err != nil {
		return fmt.Errorf("%w: add member: %v", store.ErrPersistence, err)
	}
	return nil
}

// RemoveMember deletes one durable membership row. Removing a non-member is
// a no-op.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("%w: remove member: %v", store.ErrPersistence, err)
	}
	return nil
}

// History returns up to limit messages with seq >= fromSeq in ascending
// sequence order.
func (s *Store) History(ctx context.Context, roomID string, fromSeq int64, limit int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, room_id, sender_id, kind, content, seq, created_at
		 FROM messages WHERE room_id = ? AND seq >= ?
		 ORDER BY seq ASC LIMIT ?`,
		roomID, fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var kind string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &kind, &m.Content, &m.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan history row: %v", store.ErrPersistence, err)
		}
		m.Kind = protocol.Kind(kind)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history: %v", store.ErrPersistence, err)
	}
	return out, nil
}

// UpdateRoomSummary moves the latest-activity pointer for a room.
func (s *Store) UpdateRoomSummary(ctx context.Context, roomID, messageID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO room_summaries (room_id, latest_message_id, latest_activity) VALUES (?, ?, ?)
		 ON CONFLICT (room_id) DO UPDATE
		 SET latest_message_id = excluded.latest_message_id,
		     latest_activity = excluded.latest_activity`,
		roomID, messageID, toMillis(ts),
	)
	if err != nil {
		return fmt.Errorf("%w: update room summary: %v", store.ErrPersistence, err)
	}
	return nil
}

// RoomSummary reads the latest-activity pointer back.
func (s *Store) RoomSummary(ctx context.Context, roomID string) (store.Summary, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Summary{}, false, err
	}
	var sum store.Summary
	var activity int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT room_id, latest_message_id, latest_activity FROM room_summaries WHERE room_id = ?`,
		roomID,
	).Scan(&sum.Room, &sum.LatestMessageID, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Summary{}, false, nil
	}
	if err != nil {
		return store.Summary{}, false, fmt.Errorf("%w: query room summary: %v", store.ErrPersistence, err)
	}
	sum.LatestActivity = fromMillis(activity)
	return sum, true, nil
}
