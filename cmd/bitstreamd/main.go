package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	h "github.com/veranemoloko/media-downloader/internal/api/http"
	cfgpkg "github.com/veranemoloko/media-downloader/internal/config"
	repo "github.com/veranemoloko/media-downloader/internal/repository"
	svc "github.com/veranemoloko/media-downloader/internal/service"
	"github.com/veranemoloko/media-downloader/internal/storage"
	"github.com/veranemoloko/media-downloader/internal/worker"
)

func main() {

	cfg, err := cfgpkg.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully", "http_addr", cfg.HTTPAddr, "tool_path", cfg.ToolPath)

	fileStorage := storage.NewFileStorage(cfg.DefaultOutputDir)

	history, err := repo.NewHistoryStorage(cfg.HistoryFile, cfg.HistoryLimit, fileStorage, logger)
	if err != nil {
		logger.Error("failed to initialize history repository", "error", err)
		os.Exit(1)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("home directory unknown, inheriting HOME", "error", err)
	}

	supervisor := worker.NewSupervisor(worker.Options{
		ToolPath:    cfg.ToolPath,
		GracePeriod: cfg.GracePeriod,
		Home:        home,
	}, fileStorage, logger)

	manager := svc.NewManager(svc.Options{
		MaxConcurrent:   cfg.MaxConcurrent,
		Retention:       cfg.Retention,
		PurgeInterval:   cfg.PurgeInterval,
		PurgeDelay:      cfg.PurgeDelay,
		BulkCancelDelay: cfg.BulkCancelDelay,
		LogLines:        cfg.LogLines,
	}, supervisor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := manager.SubscribeLifecycle()
	historyDone := make(chan struct{})
	go func() {
		defer close(historyDone)
		history.Follow(context.Background(), events)
	}()

	router := h.NewRouter(manager, history, h.HandlerOptions{
		Reachable:        h.DialReachability(cfg.ReachabilityAddr, cfg.ReachabilityTimeout),
		LastOutputDir:    history.LastOutputDir,
		DefaultOutputDir: cfg.DefaultOutputDir,
	}, logger)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	go func() {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("queue manager shutdown failed", "error", err)
	}

	unsubscribe()
	<-historyDone
}
