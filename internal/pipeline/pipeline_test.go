package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/internal/pipeline"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeStore is an in-memory durable store double with per-room counters.
type fakeStore struct {
	mu        sync.Mutex
	seqs      map[string]int64
	messages  []store.Message
	summaries map[string]store.Summary
	failNext  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seqs:      make(map[string]int64),
		summaries: make(map[string]store.Summary),
	}
}

func (f *fakeStore) AppendMessage(ctx context.Context, roomID, senderID string, content []byte, kind protocol.Kind) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return store.Message{}, fmt.Errorf("%w: injected failure", store.ErrPersistence)
	}
	f.seqs[roomID]++
	msg := store.Message{
		ID:        uuid.NewString(),
		Room:      roomID,
		Sender:    senderID,
		Kind:      kind,
		Content:   content,
		Seq:       f.seqs[roomID],
		CreatedAt: time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) Membership(ctx context.Context, userID, roomID string) (bool, error) {
	return true, nil
}

func (f *fakeStore) AddMember(ctx context.Context, roomID, userID, role string) error { return nil }

func (f *fakeStore) RemoveMember(ctx context.Context, roomID, userID string) error { return nil }

func (f *fakeStore) History(ctx context.Context, roomID string, fromSeq int64, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.Room == roomID && m.Seq >= fromSeq && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRoomSummary(ctx context.Context, roomID, messageID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[roomID] = store.Summary{Room: roomID, LatestMessageID: messageID, LatestActivity: ts}
	return nil
}

func (f *fakeStore) RoomSummary(ctx context.Context, roomID string) (store.Summary, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, ok := f.summaries[roomID]
	return sum, ok, nil
}

type fakeFanout struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{payloads: make(map[string][][]byte)}
}

func (f *fakeFanout) Publish(roomID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[roomID] = append(f.payloads[roomID], payload)
}

func (f *fakeFanout) count(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads[roomID])
}

func setup() (*pipeline.Pipeline, *fakeStore, *fakeFanout, *directory.Directory) {
	st := newFakeStore()
	fanout := newFakeFanout()
	dir := directory.New()
	p := pipeline.New(newTestLogger(), st, dir, fanout, pipeline.Config{MaxMessageBytes: 1024})
	return p, st, fanout, dir
}

func TestSubmitPersistsThenFansOut(t *testing.T) {
	p, st, fanout, dir := setup()
	connID := uuid.New()
	dir.Add("r1", connID)

	msg, err := p.Submit(context.Background(), connID, "alice", "r1", protocol.KindText, []byte(`"hello"`))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("seq = %d, want 1", msg.Seq)
	}
	if fanout.count("r1") != 1 {
		t.Errorf("fanout received %d events, want 1", fanout.count("r1"))
	}
	if sum, ok, _ := st.RoomSummary(context.Background(), "r1"); !ok || sum.LatestMessageID != msg.ID {
		t.Errorf("summary pointer = %+v ok=%v, want latest %s", sum, ok, msg.ID)
	}
}

func TestSubmitRejectsUnsubscribedConnection(t *testing.T) {
	p, st, fanout, _ := setup()

	_, err := p.Submit(context.Background(), uuid.New(), "alice", "r1", protocol.KindText, []byte(`"hi"`))
	if !errors.Is(err, directory.ErrNotSubscribed) {
		t.Fatalf("got %v, want ErrNotSubscribed", err)
	}
	if len(st.messages) != 0 || fanout.count("r1") != 0 {
		t.Error("rejected submit must not persist or fan out")
	}
}

func TestSubmitRejectsInvalidContent(t *testing.T) {
	p, st, _, dir := setup()
	connID := uuid.New()
	dir.Add("r1", connID)

	_, err := p.Submit(context.Background(), connID, "alice", "r1", protocol.KindText, []byte(`{"oops":1}`))
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("got %v, want ErrInvalidPayload", err)
	}
	if len(st.messages) != 0 {
		t.Error("invalid content must not be persisted")
	}
}

func TestPersistenceFailureAdvancesNothing(t *testing.T) {
	p, st, fanout, dir := setup()
	connID := uuid.New()
	dir.Add("r1", connID)
	st.failNext = true

	_, err := p.Submit(context.Background(), connID, "alice", "r1", protocol.KindText, []byte(`"lost"`))
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("got %v, want ErrPersistence", err)
	}
	if fanout.count("r1") != 0 {
		t.Error("failed submit must not fan out")
	}

	// The next submit gets the first sequence number; no gap was burned.
	msg, err := p.Submit(context.Background(), connID, "alice", "r1", protocol.KindText, []byte(`"retry"`))
	if err != nil {
		t.Fatalf("retry submit failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("seq after failure = %d, want 1", msg.Seq)
	}
}

func TestConcurrentSubmitsGetDistinctSequences(t *testing.T) {
	p, _, _, dir := setup()

	const senders = 10
	conns := make([]uuid.UUID, senders)
	for i := range conns {
		conns[i] = uuid.New()
		dir.Add("r1", conns[i])
	}

	seqs := make(chan int64, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(connID uuid.UUID) {
			defer wg.Done()
			msg, err := p.Submit(context.Background(), connID, "bot", "r1", protocol.KindText, []byte(`"x"`))
			if err != nil {
				t.Errorf("concurrent submit: %v", err)
				return
			}
			seqs <- msg.Seq
		}(conns[i])
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned to two submissions", seq)
		}
		seen[seq] = true
	}
	if len(seen) != senders {
		t.Errorf("got %d distinct sequences, want %d", len(seen), senders)
	}
}

func TestSubmitSurvivesSenderCancellation(t *testing.T) {
	p, st, _, dir := setup()
	connID := uuid.New()
	dir.Add("r1", connID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // sender is already gone

	msg, err := p.Submit(ctx, connID, "alice", "r1", protocol.KindText, []byte(`"parting words"`))
	if err != nil {
		t.Fatalf("Submit with cancelled sender context failed: %v", err)
	}
	if len(st.messages) != 1 || st.messages[0].ID != msg.ID {
		t.Error("accepted message was not stored")
	}
}

func TestHistoryPassthrough(t *testing.T) {
	p, _, _, dir := setup()
	connID := uuid.New()
	dir.Add("r1", connID)

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(context.Background(), connID, "alice", "r1", protocol.KindText, []byte(`"m"`)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	history, err := p.History(context.Background(), "r1", 2, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Seq != 2 || history[1].Seq != 3 {
		t.Errorf("history from seq 2 = %+v, want seqs 2 and 3", history)
	}
}
