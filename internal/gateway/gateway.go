// ABOUTME: Gateway orchestrator wiring the store, engine, and HTTP API together.
// ABOUTME: Owns server lifecycle: startup, reconciliation, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/config"
	"github.com/2389/arena-gateway/internal/engine"
	"github.com/2389/arena-gateway/internal/store"
)

// Gateway coordinates the arena-gateway server components: the rollout
// engine, the persistence store, and the HTTP API.
type Gateway struct {
	config     *config.Config
	store      store.Store
	engine     *engine.Engine
	tokens     *auth.TokenIssuer
	httpServer *http.Server
	logger     *slog.Logger
}

// New assembles a gateway from already-constructed components. The engine
// must not have been started yet; Run handles reconciliation and startup.
func New(cfg *config.Config, st store.Store, eng *engine.Engine, tokens *auth.TokenIssuer) *Gateway {
	gw := &Gateway{
		config: cfg,
		store:  st,
		engine: eng,
		tokens: tokens,
		logger: slog.Default().With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	mux.HandleFunc("/api/tasks", gw.handleTasks)
	mux.HandleFunc("/api/tasks/", gw.handleTaskByID)
	mux.HandleFunc("/api/rollouts", gw.handleRollouts)
	mux.HandleFunc("/api/rollouts/", gw.handleRolloutRoutes)

	gw.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Run reconciles leftover state, starts the engine and HTTP server, and
// blocks until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	g.engine.Start()

	listener, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.httpServer.Addr, err)
	}
	g.logger.Info("gateway listening", "addr", g.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("HTTP server failed", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run
// context is already cancelled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	grace := g.config.Engine.ShutdownGrace.Std() + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, drains the engine, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the engine can accept submissions. The
// store is probed with a cheap read so a wedged database shows up here.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListTasks(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (queue depth %d)", g.engine.QueueDepth())
}
