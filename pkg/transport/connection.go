package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a frame is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxCapacity int
}

// ErrBackpressure is the close reason for a consumer too slow to keep up.
var ErrBackpressure = errors.New("consumer too slow, closed under backpressure")

// Connection represents a single, thread-safe WebSocket connection. Outbound
// delivery goes through a bounded Outbox drained by the write pump, so a
// stalled peer never blocks the goroutine that produced a frame.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	outbox *Outbox

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	// Accounted here rather than in Run so a connection closed before its
	// pumps start never unbalances the group.
	wg.Add(1)
	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		outbox:    NewOutbox(config.OutboxCapacity),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps frames from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

// writePump drains the outbox onto the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		payload, ok := c.outbox.Next(c.ctx)
		if !ok {
			// Outbox terminated: either drained after a graceful close or
			// torn down with the connection context.
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err := c.write(payload); err != nil {
			writeErr = err
			return
		}
	}
}

func (c *Connection) write(payload []byte) error {
	writeCtx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}

// EnqueueMessage queues a must-deliver frame. It is safe for concurrent use
// and never blocks; ErrOutboxFull means the peer cannot keep up.
func (c *Connection) EnqueueMessage(payload []byte) error {
	return c.outbox.EnqueueMessage(payload)
}

// EnqueueEphemeral queues a droppable frame (presence, typing).
func (c *Connection) EnqueueEphemeral(payload []byte) bool {
	return c.outbox.EnqueueEphemeral(payload)
}

// CloseGraceful stops intake and lets the write pump flush the backlog
// before the socket is closed.
func (c *Connection) CloseGraceful() {
	c.outbox.StartDraining()
}

// Kick force-closes a connection that saturated its outbox. The goodbye
// frame is written directly, bypassing the full queue, on a best-effort
// basis; the peer may already be unreachable.
func (c *Connection) Kick(goodbye []byte) {
	if len(goodbye) > 0 {
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.conn.Write(writeCtx, websocket.MessageText, goodbye)
		cancel()
	}
	c.Close(ErrBackpressure)
}

// Close shuts down the connection and its resources. Safe to call more than
// once; only the first call takes effect.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.Any("reason", err))

		c.cancel() // Signal goroutines to stop.
		c.outbox.Close()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
