// Squawk coordination server — exclusive file locks, mission decomposition,
// specialist orchestration, and checkpoint/recovery over an event-sourced
// SQLite store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fleettools/squawk/pkg/api"
	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/dispatch"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/recovery"
	"github.com/fleettools/squawk/pkg/specialists"
	"github.com/fleettools/squawk/pkg/store"
	"github.com/fleettools/squawk/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	// 1. Configuration and logging.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("Starting squawk", "version", version.Full(), "port", cfg.HTTP.Port)

	ctx := context.Background()

	// 2. Storage (migrations run inside Open).
	st, err := store.Open(ctx, store.Config{DataRoot: cfg.Store.DataRoot})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Services.
	es := eventstore.New(st)
	ms := missions.NewService(st, es)
	lc := locks.NewCoordinator(st, es, cfg.Locks)
	mb := mailbox.NewService(st, es)
	bh := blockers.NewHandler(st, es, cfg.Dispatch)
	cs := checkpoints.NewService(st, es, ms, bh, cfg.Checkpoints)
	sp := specialists.NewService(st, es, ms, lc, mb, bh)
	sp.SetRecoveryPrompter(cs)
	rs := recovery.NewService(st, es, ms, lc, mb, cs, cfg.Recovery)
	dispatcher := dispatch.NewDispatcher(ms, sp, cs, cfg.Dispatch)
	slog.Info("Services initialized")

	// 4. One-shot recovery scan before the background loops begin, so
	// missions stranded by the previous process get flagged immediately.
	if flagged, err := rs.ScanStale(ctx); err != nil {
		slog.Error("Startup recovery scan failed", "error", err)
	} else if len(flagged) > 0 {
		slog.Warn("Stale missions flagged at startup", "missions", flagged)
	}

	// 5. Background loops.
	lc.Start(ctx)
	cs.Start(ctx)
	rs.Start(ctx)

	// 6. HTTP server.
	srv := api.NewServer(st, mb, lc, ms, sp, cs, rs, dispatcher, cfg.HTTP)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	// 8. Graceful shutdown: drain HTTP first so no new work arrives, stop
	// orchestrators (each takes a final checkpoint), then the lock sweeper's
	// final pass, then the remaining background loops.
	drainCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		slog.Warn("HTTP drain incomplete", "error", err)
	}

	if err := dispatcher.Shutdown(ctx); err != nil {
		slog.Error("Orchestrator shutdown reported errors", "error", err)
	}

	lc.Stop()
	rs.Stop()
	cs.Stop()

	slog.Info("Shutdown complete")
}
