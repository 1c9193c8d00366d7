// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/connecthub/connecthub/internal/api"
	"github.com/connecthub/connecthub/internal/auth"
	"github.com/connecthub/connecthub/internal/config"
	"github.com/connecthub/connecthub/internal/messaging"
	"github.com/connecthub/connecthub/internal/presence"
	"github.com/connecthub/connecthub/internal/router"
	"github.com/connecthub/connecthub/internal/signaling"
	"github.com/connecthub/connecthub/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	registry     *presence.Registry
	broker       *signaling.Broker
	router       *router.Router
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	registry := presence.NewRegistry(presence.Options{
		CloseReplaced: cfg.Session.CloseReplacedConnections,
	}, logger)
	relay := messaging.NewRelay(registry, db, cfg.Session.MaxTextBytes, logger)
	broker := signaling.NewBroker(registry, db, signaling.Options{
		RingTimeout:     cfg.Calls.RingTimeout.Duration,
		MaxCallDuration: cfg.Calls.MaxCallDuration.Duration,
	}, logger)

	rt := router.New(authProvider, registry, relay, broker, logger, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		MessagesPerSecond: cfg.Session.MessagesPerSecond,
		MessageBurst:      cfg.Session.MessageBurst,
		ICEServers:        cfg.Calls.ICEServers,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, registry, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		registry:     registry,
		broker:       broker,
		router:       rt,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if len(cfg.Calls.ICEServers) == 0 {
		h.logger.Warn("no ICE servers configured, calls only connect on directly reachable networks")
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr, "storage", h.cfg.Storage.Driver,
			"auth", h.authProvider.Name())
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSockets are not tracked by http.Server.Shutdown.
		if err := h.router.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("client connections still draining", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (h *Hub) close() {
	h.broker.Shutdown()
	if c, ok := h.authProvider.(io.Closer); ok {
		_ = c.Close()
	}
	h.logger.Info("closing store")
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close failed", "error", err)
	}
}
