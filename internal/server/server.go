package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/directory"
	"github.com/a-essam23/go-relay/internal/dispatch"
	"github.com/a-essam23/go-relay/internal/pipeline"
	"github.com/a-essam23/go-relay/internal/presence"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/internal/signal"
	"github.com/a-essam23/go-relay/pkg/auth"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/transport"
)

// App is the service root. It owns the registry/directory pair, the
// pipeline, and the dispatcher explicitly; there are no ambient singletons.
// Lifecycle is init-on-process-start, teardown-on-shutdown.
type App struct {
	logger      *slog.Logger
	store       store.Store
	directory   *directory.Directory
	presence    *presence.Tracker
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	pipeline    *pipeline.Pipeline
	signals     *signal.Router
	eventRouter *EventRouter
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, st store.Store, validator auth.Validator) *App {
	app := &App{
		logger: logger,
		store:  st,
		config: cfg,
		ctx:    rootCtx,
	}

	app.directory = directory.New()
	// The broadcaster closes over the app so presence can reach the
	// dispatcher and registry built right after it.
	app.presence = presence.NewTracker(logger, app.broadcastPresence)
	app.registry = registry.New(logger, st, app.directory, app.presence)
	app.dispatcher = dispatch.New(logger, app.directory, app.registry)
	app.pipeline = pipeline.New(logger, st, app.directory, app.dispatcher, pipeline.Config{
		MaxMessageBytes: cfg.Limits.MaxMessageBytes,
	})
	app.signals = signal.NewRouter(logger, app.directory, app.dispatcher, cfg.Typing.TTL)
	app.eventRouter = NewEventRouter(logger, app.registry, app.pipeline, app.signals, app.presence)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCycler := func(userID string) {
		if oldest, found := app.registry.OldestConn(userID); found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			app.registry.Close(oldest.ID)
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, validator),
			middleware.NewConnectionLimiter(
				logger,
				app.registry.ConnCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("GET /rooms/{room}/history",
		middleware.Chain(http.HandlerFunc(app.historyHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, validator),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:    a.config.Transport.ReadTimeout,
			WriteTimeout:   a.config.Transport.WriteTimeout,
			OutboxCapacity: a.config.Transport.OutboxCapacity,
		},
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	if _, err := a.registry.Register(conn, reqMeta.UserID); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Finalizing connection after closure", slog.String("connID", id.String()))
		a.registry.Finalize(id)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// broadcastPresence pushes a presence change to every room the user's live
// connections subscribe to, as droppable ephemeral frames.
func (a *App) broadcastPresence(userID string, status presence.Status, lastSeen time.Time) {
	var seenAt *time.Time
	if !lastSeen.IsZero() {
		seenAt = &lastSeen
	}
	payload, err := protocol.Encode(protocol.EventPresenceChanged, protocol.PresenceChanged{
		User:     userID,
		State:    string(status),
		LastSeen: seenAt,
	})
	if err != nil {
		return
	}
	for _, roomID := range a.registry.RoomsOfUser(userID) {
		a.dispatcher.PublishEphemeral(roomID, payload)
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, t := range a.registry.Transports() {
		t.CloseGraceful()
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
