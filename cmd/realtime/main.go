// realtime connects to a clipwatch realtime server, announces presence, and
// streams connection/presence events to the console.
// Usage: go run ./cmd/realtime --config configs/realtime.example.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipwatch/realtime/internal/auth"
	"github.com/clipwatch/realtime/internal/config"
	"github.com/clipwatch/realtime/internal/connection"
	"github.com/clipwatch/realtime/internal/events"
	"github.com/clipwatch/realtime/internal/presence"
	"github.com/clipwatch/realtime/internal/protocol"
	"github.com/clipwatch/realtime/internal/store"
	"github.com/clipwatch/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/realtime.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting realtime client",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the local cache: sqlite when a path is configured, memory otherwise
	var st store.Store
	if cfg.Store.Path != "" {
		sq, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			logger.Error("failed to open local store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		st = sq
		logger.Info("local store opened", "path", cfg.Store.Path)
	} else {
		st = store.NewMemory()
	}
	defer st.Close()

	// Token provider: static token cached through the local store
	tokens := &auth.Cached{
		Provider: auth.Static(cfg.Server.Token),
		Store:    st,
	}

	// Connection Manager
	mgr := connection.NewManager(connection.Config{
		URL:                  cfg.Server.URL,
		Subprotocols:         cfg.Server.Subprotocols,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		WriteTimeout:         cfg.Connection.WriteTimeout,
		QueueCapacity:        cfg.Connection.QueueCapacity,
	}, tokens, logger)
	defer mgr.Close()

	mgr.OnEvent(events.KindStateChange, func(ev connection.Event) {
		logger.Info("connection state",
			"status", ev.State.Status,
			"attempts", ev.State.ReconnectAttempts,
		)
	})
	mgr.OnEvent(events.KindLatencyUpdate, func(ev connection.Event) {
		logger.Debug("latency", "rtt", ev.State.Latency)
	})
	mgr.OnEvent(events.KindReconnectFailed, func(ev connection.Event) {
		logger.Error("reconnect attempts exhausted", "error", ev.Err)
	})
	mgr.OnAnyMessage(func(env protocol.Envelope) {
		if *verbose {
			raw, _ := json.Marshal(env)
			fmt.Println(string(raw))
			return
		}
		logger.Info("message", "type", env.Type, "from", env.UserID, "room", env.RoomID)
	})

	// Presence Coordinator
	coord := presence.NewCoordinator(mgr, st, presence.Config{
		AnnounceInterval:  cfg.Presence.AnnounceInterval,
		InactivityCheck:   cfg.Presence.InactivityCheck,
		SweepInterval:     cfg.Presence.SweepInterval,
		AutoAway:          cfg.Presence.AutoAway,
		RecentlyOnlineCap: cfg.Presence.RecentlyOnlineCap,
	}, presence.Identity{
		UserID:      cfg.Identity.UserID,
		Username:    cfg.Identity.Username,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}, logger)

	coord.On(events.KindUserOnline, func(ev presence.DomainEvent) {
		logger.Info("user online", "user", ev.User.Username, "status", ev.User.Status)
	})
	coord.On(events.KindUserOffline, func(ev presence.DomainEvent) {
		logger.Info("user offline", "user", ev.User.Username)
	})
	coord.On(events.KindFriendRequest, func(ev presence.DomainEvent) {
		logger.Info("friend request", "from", ev.Request.FromUsername, "id", ev.Request.ID)
	})
	coord.On(events.KindNotification, func(ev presence.DomainEvent) {
		logger.Info("notification",
			"type", ev.Notification.Type,
			"title", ev.Notification.Title,
			"priority", ev.Notification.Priority,
		)
	})

	// Connect, then start announcing presence
	if err := mgr.Connect(ctx, cfg.Identity.UserID, cfg.Identity.RoomID); err != nil {
		logger.Error("initial connect failed, reconnecting in background", "error", err)
	}
	if err := coord.Start(ctx); err != nil {
		logger.Error("failed to start presence coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Close()

	logger.Info("realtime client running",
		"user", cfg.Identity.Username,
		"room", cfg.Identity.RoomID,
	)

	<-ctx.Done()
	logger.Info("shutting down")
}
