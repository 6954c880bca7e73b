// Command chatroomd runs the chat server: a TCP listener for the chat
// protocol, an HTTP listener for health, stats, metrics and admin, and the
// background sweeps for dead sessions and old offline messages.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ogas1024/Chat-Room-sub003/internal/ai"
	"github.com/ogas1024/Chat-Room-sub003/internal/auth"
	"github.com/ogas1024/Chat-Room-sub003/internal/config"
	"github.com/ogas1024/Chat-Room-sub003/internal/group"
	"github.com/ogas1024/Chat-Room-sub003/internal/httpapi"
	"github.com/ogas1024/Chat-Room-sub003/internal/router"
	"github.com/ogas1024/Chat-Room-sub003/internal/server"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
	"github.com/ogas1024/Chat-Room-sub003/internal/transfer"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging regardless of CHATROOM_LOG_LEVEL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	level := cfg.SlogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting chatroomd", "version", Version, "addr", cfg.Addr(), "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	reg := session.NewRegistry(64)
	groups := group.NewManager(st, reg)
	rt := router.New(reg, st, groups, cfg.RouterQueueSize)

	files, err := transfer.NewCoordinator(st, cfg.StorageRoot, cfg.MaxFileSize)
	if err != nil {
		slog.Error("initialize file storage", "err", err)
		os.Exit(1)
	}

	var completer ai.Completer
	if cfg.AIEnabled {
		completer = ai.NewOpenAIClient(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
		slog.Info("ai relay enabled", "model", cfg.AIModel, "alias", cfg.AIAlias)
	}
	relay := ai.NewRelay(completer, ai.Options{
		Enabled:       cfg.AIEnabled,
		Alias:         cfg.AIAlias,
		Deadline:      cfg.AIDeadline,
		MaxRetries:    cfg.AIMaxRetries,
		ContextWindow: cfg.AIContextWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received shutdown signal")
		cancel()
	}()

	go rt.Run(ctx)
	go reg.RunSweeper(ctx, session.SweeperConfig{
		Interval:      cfg.PingInterval,
		PingTimeout:   cfg.SessionTimeout,
		AwayThreshold: cfg.IdleAway,
	})
	go reapOfflineMessages(ctx, st, cfg.OfflineRetention)

	if cfg.OpsAddr != "" {
		api := httpapi.New(st, reg, rt, files)
		go func() {
			if err := api.Run(ctx, cfg.OpsAddr); err != nil {
				slog.Error("ops api error", "err", err)
				cancel()
			}
		}()
		slog.Info("ops api listening", "addr", cfg.OpsAddr)
	}

	srv := server.New(cfg, st, auth.New(st), reg, groups, rt, files, relay)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// reapOfflineMessages periodically deletes delivered offline rows older
// than the retention window.
func reapOfflineMessages(ctx context.Context, st *store.Store, retention time.Duration) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ReapDelivered(ctx, retention)
			if err != nil {
				slog.Warn("reap offline messages", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("reaped delivered offline messages", "count", n)
			}
		}
	}
}
