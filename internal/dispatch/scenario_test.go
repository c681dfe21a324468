package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/internal/dispatch"
	"github.com/a-essam23/go-relay/internal/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

// memStore is a minimal in-memory durable store for wiring the pipeline and
// dispatcher together.
type memStore struct {
	mu        sync.Mutex
	seqs      map[string]int64
	messages  []store.Message
	summaries map[string]store.Summary
}

func newMemStore() *memStore {
	return &memStore{seqs: make(map[string]int64), summaries: make(map[string]store.Summary)}
}

func (m *memStore) AppendMessage(ctx context.Context, roomID, senderID string, content []byte, kind protocol.Kind) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[roomID]++
	msg := store.Message{
		ID: uuid.NewString(), Room: roomID, Sender: senderID,
		Kind: kind, Content: content, Seq: m.seqs[roomID], CreatedAt: time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) Membership(ctx context.Context, userID, roomID string) (bool, error) {
	return true, nil
}

func (m *memStore) AddMember(ctx context.Context, roomID, userID, role string) error { return nil }

func (m *memStore) RemoveMember(ctx context.Context, roomID, userID string) error { return nil }

func (m *memStore) History(ctx context.Context, roomID string, fromSeq int64, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.Room == roomID && msg.Seq >= fromSeq && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) UpdateRoomSummary(ctx context.Context, roomID, messageID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[roomID] = store.Summary{Room: roomID, LatestMessageID: messageID, LatestActivity: ts}
	return nil
}

func (m *memStore) RoomSummary(ctx context.Context, roomID string) (store.Summary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.summaries[roomID]
	return sum, ok, nil
}

// TestSendDisconnectCatchUp walks the disconnect/reconnect flow: a live
// subscriber receives a message as it happens, misses one while away, and
// recovers the full ordered run from history.
func TestSendDisconnectCatchUp(t *testing.T) {
	st := newMemStore()
	dir := directory.New()
	resolver := &fakeResolver{sinks: make(map[uuid.UUID]*fakeSink)}
	d := dispatch.New(newTestLogger(), dir, resolver)
	p := pipeline.New(newTestLogger(), st, dir, d, pipeline.Config{MaxMessageBytes: 1024})
	ctx := context.Background()

	aliceConn, _ := resolver.addConn(dir, "r1")
	bobConn, bobSink := resolver.addConn(dir, "r1")

	// Alice sends; Bob, already subscribed, receives seq 1 live.
	if _, err := p.Submit(ctx, aliceConn, "alice", "r1", protocol.KindText, []byte(`"hello"`)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(bobSink.messages) != 1 {
		t.Fatalf("bob received %d live messages, want 1", len(bobSink.messages))
	}
	first := gjson.ParseBytes(bobSink.messages[0])
	if first.Get("payload.seq").Int() != 1 {
		t.Errorf("live delivery seq = %d, want 1", first.Get("payload.seq").Int())
	}

	// Bob disconnects; Alice keeps talking.
	dir.RemoveConn(bobConn)
	delete(resolver.sinks, bobConn)
	if _, err := p.Submit(ctx, aliceConn, "alice", "r1", protocol.KindText, []byte(`"still there?"`)); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if len(bobSink.messages) != 1 {
		t.Error("departed subscriber received a live delivery")
	}

	// Bob reconnects and catches up from seq 1.
	history, err := p.History(ctx, "r1", 1, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history returned %d messages, want 2", len(history))
	}
	for i, msg := range history {
		if msg.Seq != int64(i+1) {
			t.Errorf("history[%d].Seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
	if string(history[1].Content) != `"still there?"` {
		t.Errorf("history[1].Content = %s", history[1].Content)
	}

	// The room summary points at the latest stored message.
	sum, ok, _ := st.RoomSummary(ctx, "r1")
	if !ok || sum.LatestMessageID != history[1].ID {
		t.Errorf("summary = %+v ok=%v, want pointer to seq 2", sum, ok)
	}
}
