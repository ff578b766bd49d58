package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/a-essam23/go-presence/internal/reconcile"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/internal/server/middleware"
	"github.com/a-essam23/go-presence/internal/service"
	"github.com/a-essam23/go-presence/pkg/bus"
	"github.com/a-essam23/go-presence/pkg/config"
	"github.com/a-essam23/go-presence/pkg/state"
	"github.com/a-essam23/go-presence/pkg/state/statestore"
	"github.com/a-essam23/go-presence/pkg/transport"
)

type connEntry struct {
	conn    *transport.Connection
	user    string
	bypass  bool
	created time.Time
}

type App struct {
	logger     *slog.Logger
	store      state.Store
	hub        *transport.Hub
	bus        bus.Bus
	svc        *service.Service
	reconciler *reconcile.Reconciler
	cmdRouter  *router.CommandRouter
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config
	instanceID string

	connMu sync.RWMutex
	conns  map[string]connEntry // socketID -> entry

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	backend, err := statestore.ParseBackend(cfg.State.Backend)
	if err != nil {
		return nil, err
	}
	store, err := statestore.Open(logger, statestore.Config{
		Backend: backend,
		Redis: statestore.RedisConfig{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
		},
		Options: state.Options{
			ListSizeLimit:   cfg.State.ListSizeLimit,
			HistoryMaxSize:  cfg.State.HistoryMaxSize,
			MaxGetMessages:  cfg.State.MaxGetMessages,
			LockTTL:         cfg.State.LockTTL,
			LockAttempts:    cfg.State.LockAttempts,
			LockBackoffBase: cfg.State.LockBackoffBase,
			LockBackoffMult: cfg.State.LockBackoffMult,
		},
	})
	if err != nil {
		return nil, err
	}

	instanceID := cfg.Presence.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	var b bus.Bus
	switch cfg.Bus.Kind {
	case "", "local":
		b = bus.NewLocal()
	case "nats":
		b, err = bus.ConnectNATS(logger, cfg.Bus.NATS.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}

	hub := transport.NewHub(logger)
	svc := service.New(logger, store, hub, b, service.Config{
		InstanceID:            instanceID,
		LockTTL:               cfg.State.LockTTL,
		AckTimeout:            cfg.Presence.AckTimeout,
		EnableUserlistUpdates: cfg.Presence.EnableUserlistUpdates,
		DisconnectConcurrency: cfg.Presence.DisconnectConcurrency,
	})

	app := &App{
		logger:     logger,
		store:      store,
		hub:        hub,
		bus:        b,
		svc:        svc,
		reconciler: reconcile.New(logger, store, hub, svc, instanceID),
		config:     cfg,
		instanceID: instanceID,
		conns:      make(map[string]connEntry),
		ctx:        rootCtx,
	}
	app.cmdRouter = router.NewCommandRouter(logger, svc, hub, app.identity)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(app.userConnectionCount)
	connCycler := middleware.UserConnectionCycler(app.cycleOldestConnection)

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) Run() error {
	if err := a.svc.Start(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconciler.HeartbeatLoop(a.ctx, a.config.Presence.HeartbeatPeriod)
	}()

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.String("instance", a.instanceID))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) identity(socketID string) (string, bool, bool) {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	entry, ok := a.conns[socketID]
	return entry.user, entry.bypass, ok
}

func (a *App) userConnectionCount(userID string) (int, error) {
	user, err := a.store.GetUser(a.ctx, userID)
	if err != nil {
		if errors.Is(err, state.ErrNoSuchUser) {
			return 0, nil
		}
		return 0, err
	}
	return user.ConnectionCount(a.ctx)
}

// cycleOldestConnection closes the user's oldest local connection to make
// room for a new one.
func (a *App) cycleOldestConnection(userID string) {
	a.connMu.RLock()
	var oldest *transport.Connection
	var oldestAt time.Time
	for _, entry := range a.conns {
		if entry.user != userID {
			continue
		}
		if oldest == nil || entry.created.Before(oldestAt) {
			oldest = entry.conn
			oldestAt = entry.created
		}
	}
	a.connMu.RUnlock()

	if oldest != nil {
		a.logger.Info("Cycling connection: closing oldest", "userID", userID, "socketID", oldest.ID())
		oldest.Close(errors.New("connection cycled by new connection"))
	}
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
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	socketID := conn.ID()
	userID := reqMeta.UserID

	a.hub.Add(conn)
	a.connMu.Lock()
	a.conns[socketID] = connEntry{conn: conn, user: userID, bypass: reqMeta.Bypass, created: time.Now()}
	a.connMu.Unlock()

	if err := a.svc.ConnectSocket(a.ctx, userID, socketID); err != nil {
		connLogger.Error("Failed to register socket state", slog.Any("error", err))
		a.forget(socketID)
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.cmdRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id string, err error) {
		connLogger.Info("Running disconnect cleanup", slog.String("socketID", id))
		// disconnect cleanup always completes; failures surface as
		// consistency events, not errors
		a.svc.RemoveUserSocket(a.ctx, userID, id)
		a.forget(id)
	})

	connLogger.Info("User connection fully established", slog.String("socketID", socketID))
	conn.Run()
	<-conn.Done()
}

func (a *App) forget(socketID string) {
	a.hub.Remove(socketID)
	a.connMu.Lock()
	delete(a.conns, socketID)
	a.connMu.Unlock()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.connMu.RLock()
	active := make([]*transport.Connection, 0, len(a.conns))
	for _, entry := range a.conns {
		active = append(active, entry.conn)
	}
	a.connMu.RUnlock()
	for _, conn := range active {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	a.svc.Stop()
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("Bus close failed", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Store close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
