package transport

import (
	"context"
	"errors"
	"sync"
)

// Class splits outbound frames into the ones that must not be silently
// dropped (messages, failure reports) and the ones that may be (presence,
// typing).
type Class uint8

const (
	ClassMessage Class = iota
	ClassEphemeral
)

var (
	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)

type outFrame struct {
	payload []byte
	class   Class
}

// Outbox is the bounded per-connection delivery queue. Producers enqueue
// without blocking; the write pump drains in FIFO order. When the queue is
// full, the oldest ephemeral frame is evicted to make room. A message-class
// enqueue that still finds no room reports ErrOutboxFull so the caller can
// disconnect the consumer instead of stalling the room.
type Outbox struct {
	mu       sync.Mutex
	frames   []outFrame
	capacity int
	draining bool
	closed   bool
	notify   chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &Outbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// EnqueueMessage adds a message-class frame. It never blocks.
func (o *Outbox) EnqueueMessage(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.draining {
		return ErrOutboxClosed
	}
	if len(o.frames) >= o.capacity && !o.evictOldestEphemeralLocked() {
		return ErrOutboxFull
	}
	o.frames = append(o.frames, outFrame{payload: payload, class: ClassMessage})
	o.wake()
	return nil
}

// EnqueueEphemeral adds an ephemeral frame, dropping it (or an older
// ephemeral) when the queue is full. The return value reports whether the
// frame was queued; a drop is not an error.
func (o *Outbox) EnqueueEphemeral(payload []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.draining {
		return false
	}
	if len(o.frames) >= o.capacity && !o.evictOldestEphemeralLocked() {
		return false
	}
	o.frames = append(o.frames, outFrame{payload: payload, class: ClassEphemeral})
	o.wake()
	return true
}

func (o *Outbox) evictOldestEphemeralLocked() bool {
	for i, f := range o.frames {
		if f.class == ClassEphemeral {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return true
		}
	}
	return false
}

// Next blocks until a frame is available or the outbox terminates. The
// second return value is false once no further frames will ever arrive:
// after Close, or after StartDraining once the backlog is flushed.
func (o *Outbox) Next(ctx context.Context) ([]byte, bool) {
	for {
		o.mu.Lock()
		if len(o.frames) > 0 {
			f := o.frames[0]
			o.frames = o.frames[1:]
			o.mu.Unlock()
			return f.payload, true
		}
		if o.closed || o.draining {
			o.mu.Unlock()
			return nil, false
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// StartDraining stops intake; queued frames are still delivered.
func (o *Outbox) StartDraining() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	o.wake()
}

// Close stops intake and discards anything still queued.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.mu.Unlock()
	o.wake()
}

// Len reports how many frames are pending delivery.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
