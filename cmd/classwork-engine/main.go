package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/classpad/classwork-engine/internal/api"
	"github.com/classpad/classwork-engine/internal/approval"
	"github.com/classpad/classwork-engine/internal/config"
	"github.com/classpad/classwork-engine/internal/notify"
	"github.com/classpad/classwork-engine/internal/replay"
	"github.com/classpad/classwork-engine/internal/reward"
	"github.com/classpad/classwork-engine/internal/storage"
	syncengine "github.com/classpad/classwork-engine/internal/sync"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting classwork-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Run database migrations
	slog.Info("running database migrations")
	if err := storage.MigrateFromDSN(initCtx, cfg.Database.DSN); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Change feed: redis when configured, in-process otherwise
	var feed storage.Feed
	if cfg.Redis.Enabled {
		redisFeed, err := storage.NewRedisFeed(initCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect redis change feed", "error", err)
			os.Exit(1)
		}
		feed = redisFeed
		slog.Info("redis change feed connected", "address", cfg.Redis.Address)
	} else {
		feed = storage.NewMemoryFeed()
		slog.Warn("redis disabled, change feed is process-local")
	}

	// Initialize remote document store
	remote, err := storage.NewPostgresStore(initCtx, storage.PostgresConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: int32(cfg.Database.MaxOpenConns),
		MaxIdleConns: int32(cfg.Database.MaxIdleConns),
	}, feed)
	if err != nil {
		slog.Error("failed to create remote store", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected successfully")

	// Local assignment cache (sqlite)
	cache, err := storage.NewSQLiteCache(cfg.Cache.Path)
	if err != nil {
		slog.Error("failed to open local cache", "path", cfg.Cache.Path, "error", err)
		os.Exit(1)
	}

	// Notification dispatcher
	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if cfg.Redis.Enabled {
		redisDispatcher, err := notify.NewRedisDispatcher(initCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect redis notification queue", "error", err)
			os.Exit(1)
		}
		defer redisDispatcher.Close()
		dispatcher = redisDispatcher
	}

	// Reward catalog and engine
	catalog := reward.NewCatalog()
	if cfg.Rewards.CatalogDir != "" {
		if err := catalog.LoadFromDir(cfg.Rewards.CatalogDir); err != nil {
			slog.Warn("failed to load reward catalog", "dir", cfg.Rewards.CatalogDir, "error", err)
		}
	}
	rewards := reward.NewEngine(catalog, storage.NewRemoteLedger(remote))

	// Sync engine and completion approval workflow
	engine := syncengine.NewEngine(remote, cache, rewards, dispatcher)
	workflow := approval.NewWorkflow(remote, rewards, engine, dispatcher)

	// Offline replay worker
	replayer := replay.NewReplayer(remote, cache, cfg.Replay.Interval)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start replay worker
	replayer.Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, engine, workflow, rewards, remote)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Close sessions, cache and stores
	engine.Close()
	if err := cache.Close(); err != nil {
		slog.Error("local cache close error", "error", err)
	}
	if err := remote.Close(); err != nil {
		slog.Error("remote store close error", "error", err)
	}
	if err := feed.Close(); err != nil {
		slog.Error("change feed close error", "error", err)
	}

	slog.Info("classwork-engine stopped")
}
