// Package app wires the telechat runtime: config, logging, the messaging core and the
// local HTTP bridge the UI talks to.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"telechat/cmd/internal/chat"
	"telechat/cmd/internal/chat/metrics"
	"telechat/cmd/internal/chat/restgw"
	"telechat/cmd/internal/chat/transport"
	"telechat/cmd/security/bearer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is one authenticated messaging session plus the HTTP bridge that exposes it.
type App struct {
	cfg    Config
	log    Logger
	userID string

	tokens   *bearer.Source
	registry *prometheus.Registry
	client   *transport.Client
	store    *chat.Store

	sessionValid atomic.Bool
	sawConnected atomic.Bool
	baseCtx      context.Context
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	tokens := bearer.NewSource(cfg.BearerToken, nil)
	userID, err := resolveSession(context.Background(), cfg, tokens)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a := &App{
		cfg:      cfg,
		log:      log,
		userID:   userID,
		tokens:   tokens,
		registry: reg,
		baseCtx:  context.Background(),
	}
	a.sessionValid.Store(true)

	gw, err := restgw.New(
		restgw.Config{BaseURL: cfg.APIBaseURL, Timeout: cfg.RESTTimeout},
		restgw.Options{
			Log:            log.With("component", "restgw"),
			Tokens:         tokens,
			OnUnauthorized: a.sessionInvalidated,
			Metrics:        m,
		},
	)
	if err != nil {
		return nil, err
	}

	a.client = transport.New(
		transport.Config{
			URL:                  cfg.BrokerURL,
			HandshakeTimeout:     cfg.HandshakeTimeout,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval,
		},
		transport.Options{
			Log:     log.With("component", "transport"),
			Tokens:  tokens,
			Metrics: m,
		},
	)

	a.store = chat.New(userID, gw, a.client, chat.Options{
		Log:          log.With("component", "store"),
		Metrics:      m,
		TypingExpiry: cfg.TypingExpiry,
	})

	return a, nil
}

// Run starts the session and the HTTP bridge and blocks until context cancellation
// or fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	a.baseCtx = runCtx

	events, stopEvents := a.client.Queue(a.cfg.EventBacklogWarn)
	defer stopEvents()
	sub := a.client.On(transport.KindConnection, a.onConnection)
	defer a.client.Off(sub)

	storeDone := make(chan error, 1)
	go func() { storeDone <- a.store.Run(runCtx, events) }()

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	registerHTTP(router, a.log, a.store, a.registry, a.ready)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(router, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "user_id", a.userID, "broker", a.cfg.BrokerURL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go a.startSession(runCtx)

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.shutdownSession(cancelRun, storeDone)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.shutdownSession(cancelRun, storeDone)
		return err
	}

	a.shutdownSession(cancelRun, storeDone)
	a.log.Info("server.stopped")
	return nil
}

// startSession loads the conversation list and brings up the live connection.
// A failed connect leaves the session in REST-only mode.
func (a *App) startSession(ctx context.Context) {
	a.store.LoadConversations(ctx)
	a.store.RefreshUnread(ctx)

	if err := a.client.Connect(ctx, a.userID); err != nil {
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("session.live.unavailable", "err", err, "result", "rest_only")
	}
}

func (a *App) shutdownSession(cancelRun context.CancelFunc, storeDone <-chan error) {
	a.client.Disconnect()
	cancelRun()
	<-storeDone
	a.store.Close()
}

// onConnection re-seeds the conversation list and presence after a reconnect.
func (a *App) onConnection(ev transport.Event) {
	ce, ok := ev.(transport.ConnectionEvent)
	if !ok || ce.State != transport.StateConnected {
		return
	}
	if a.sawConnected.Swap(true) {
		go a.store.LoadConversations(a.baseCtx)
	}
}

// sessionInvalidated runs when the backend rejected the credential.
func (a *App) sessionInvalidated() {
	if !a.sessionValid.Swap(false) {
		return
	}
	a.log.Warn("session.invalidated", "user_id", a.userID)
	a.tokens.Invalidate()
	// Runs inside a REST round trip; do not block it on the transport teardown.
	go a.client.Disconnect()
}

func (a *App) ready() (bool, string) {
	if !a.sessionValid.Load() {
		return false, "session invalidated"
	}
	switch st := a.client.Status(); st.State {
	case transport.StateConnected:
		return true, "ready"
	case transport.StateFailed:
		return true, "ready rest-only"
	default:
		return false, st.State.String()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
