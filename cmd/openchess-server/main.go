// Command openchess-server is the process entrypoint: it wires the five
// process-wide singletons spec.md §5 names in a defined order at startup,
// serves HTTP until SIGTERM/SIGINT, then tears everything down in reverse
// order, closing peer connections before closing the stores.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shipurjan/openchess/internal/archive"
	"github.com/shipurjan/openchess/internal/config"
	"github.com/shipurjan/openchess/internal/hub"
	"github.com/shipurjan/openchess/internal/kv"
	"github.com/shipurjan/openchess/internal/lifecycle"
	"github.com/shipurjan/openchess/internal/logging"
	"github.com/shipurjan/openchess/internal/outbound"
	"github.com/shipurjan/openchess/internal/protocol"
	"github.com/shipurjan/openchess/internal/session"
	"github.com/shipurjan/openchess/internal/sweeper"
	"github.com/shipurjan/openchess/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx := context.Background()
	isDev := os.Getenv("ENV") != "production"

	log.Info("starting openchess-server", zap.String("http_addr", cfg.HTTPAddr), zap.Bool("dev", isDev))

	kvStore, err := kv.Open(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	defer kvStore.Close()

	arc, err := archive.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open archive store: %w", err)
	}
	defer arc.Close()
	if err := arc.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate archive store: %w", err)
	}

	sessions := session.New(kvStore, cfg.MaxActiveGamesPerIP)
	h := hub.New()
	facade := lifecycle.New(sessions, cfg.ClaimWinTimeoutSeconds, cfg.AbandonmentTimeoutSeconds)
	out := outbound.NewBroadcaster(h)

	dispatcher := &protocol.Dispatcher{
		Facade:                    facade,
		Store:                     sessions,
		Archive:                   arc,
		Hub:                       h,
		Out:                       out,
		Log:                       logging.Named(log, "protocol"),
		ClaimWinTimeoutSeconds:    cfg.ClaimWinTimeoutSeconds,
		AbandonmentTimeoutSeconds: cfg.AbandonmentTimeoutSeconds,
	}

	srv := transport.New(&transport.Server{
		Config:     cfg,
		Facade:     facade,
		Store:      sessions,
		Archive:    arc,
		Hub:        h,
		Out:        out,
		Dispatcher: dispatcher,
		KV:         kvStore,
		Log:        logging.Named(log, "transport"),
		IsDev:      isDev,
		PingArchive: func(ctx context.Context) error {
			pinger, ok := arc.(interface{ Ping(context.Context) error })
			if !ok {
				return nil
			}
			return pinger.Ping(ctx)
		},
	})

	sweep := sweeper.New(sessions, arc, h, logging.Named(log, "sweeper"), int64(cfg.WaitingGameMaxAgeMs),
		cfg.ClaimWinTimeoutSeconds, cfg.AbandonmentTimeoutSeconds)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv}

	heartbeatStop := make(chan struct{})
	go srv.RunHeartbeat(heartbeatStop)

	sweepSpec := fmt.Sprintf("@every %s", cfg.SweepInterval())
	if err := sweep.Start(ctx, sweepSpec); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			log.Error("http server exited unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Reverse order: sweeper, then live connections (close code 1001, "going
	// away"), then the HTTP listener, then the stores (deferred above).
	sweep.Stop()
	closePeers(h, "server shutting down")
	close(heartbeatStop)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

// closePeers sends a proper 1001 (going away) close handshake to every live
// connection across every room, so clients reconnect cleanly instead of
// treating the drop as abnormal.
func closePeers(h *hub.Hub, reason string) {
	for _, roomID := range h.RoomIDs() {
		for _, p := range h.Peers(roomID) {
			if c, ok := p.Conn().(*transport.Conn); ok {
				_ = c.CloseGoingAway(reason)
				continue
			}
			_ = p.Conn().Close()
		}
	}
}
