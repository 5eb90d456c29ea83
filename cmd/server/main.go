package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blackmichael/tracklist-feeds/internal/changestream"
	"github.com/blackmichael/tracklist-feeds/internal/config"
	"github.com/blackmichael/tracklist-feeds/internal/domain"
	"github.com/blackmichael/tracklist-feeds/internal/httpserver"
	"github.com/blackmichael/tracklist-feeds/internal/lastfm"
	"github.com/blackmichael/tracklist-feeds/internal/scheduler"
	"github.com/blackmichael/tracklist-feeds/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logOut, closeLog := logOutput(cfg.Logging)
	defer closeLog()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: level,
	}))

	// Set up repository (implements every store port)
	repo, err := sqlite.NewRepository(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.Database.Path)

	svcCfg := domain.ServiceConfig{
		TrendingWindow: cfg.Feed.TrendingWindow,
	}
	if cfg.Catalog.APIKey != "" {
		client := lastfm.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.APIKey, cfg.Catalog.Timeout, cfg.Catalog.RequestsPerSecond)
		svcCfg.Catalog = lastfm.NewBreaker(client, lastfm.BreakerSettings{
			MaxFailures: cfg.Catalog.BreakerFailures,
			OpenTimeout: cfg.Catalog.BreakerTimeout,
		}, logger)
		logger.Info("album art lookups enabled")
	}

	feedService, err := domain.NewFeedService(repo, svcCfg, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Load the first snapshot before serving so the first feeds are not empty
	if err := feedService.Refresh(ctx); err != nil {
		logger.Error("initial snapshot refresh failed, serving empty feeds until the next refresh", "error", err)
	}
	workers := []func(context.Context){
		func(ctx context.Context) { feedService.StartRefreshLoop(ctx, cfg.Feed.RefreshInterval) },
	}

	// Mirror the document store when a change stream is configured
	if cfg.ChangeStream.URL != "" {
		subscriber := changestream.NewSubscriber(cfg.ChangeStream.URL, feedService, logger)
		workers = append(workers, func(ctx context.Context) {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("change stream subscriber exited with error", "error", err)
			}
		})
	} else {
		logger.Info("no change stream configured, serving local writes only")
	}

	// Runs before the deferred repo.Close: the subscriber saves its cursor
	// on exit.
	wait := runWorkers(ctx, workers...)
	defer func() {
		cancel()
		wait()
	}()

	// Periodically repair like counts and hashtags
	sched, err := scheduler.New(cfg.Reconcile.Timezone, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	err = sched.Schedule("reconcile", cfg.Reconcile.Schedule, func() {
		if _, err := feedService.Reconcile(ctx); err != nil {
			logger.Error("reconcile failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Server.Port)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// runWorkers starts each worker on its own goroutine and returns a function
// that blocks until all of them have returned.
func runWorkers(ctx context.Context, workers ...func(context.Context)) func() {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w(ctx)
		}()
	}
	return wg.Wait
}

// logOutput returns stdout, plus a rotated log file when one is configured.
func logOutput(cfg config.LoggingConfig) (io.Writer, func()) {
	if cfg.File == "" {
		return os.Stdout, func() {}
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return io.MultiWriter(os.Stdout, rotated), func() { rotated.Close() }
}
