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

	"betsync-service/internal/api"
	"betsync-service/internal/config"
	"betsync-service/internal/connectivity"
	"betsync-service/internal/logger"
	"betsync-service/internal/records"
	"betsync-service/internal/remote"
	"betsync-service/internal/store"
	"betsync-service/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline record sync service")

	// Init Local Mutation Store
	localStore, err := store.NewSQLiteStore(cfg.Storage, cfg.Sync.RetryCeiling)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	// Remote Record API client
	remoteClient := remote.NewClient(cfg.Remote)

	// Connectivity Monitor, probing the remote health endpoint
	prober := connectivity.ProberFunc(func(ctx context.Context) (bool, error) {
		if err := remoteClient.Health(ctx); err != nil {
			if ctx.Err() != nil {
				// Probe interrupted: signal unreadable, not a transition.
				return false, ctx.Err()
			}
			return false, nil
		}
		return true, nil
	})
	monitor := connectivity.NewMonitor(cfg.Connectivity, prober)
	monitor.Start()
	defer monitor.Stop()

	// Sync Engine + Scheduler
	engine := sync.NewEngine(cfg.Sync, localStore, remoteClient, monitor)
	scheduler := sync.NewScheduler(cfg.Scheduler, engine, monitor)
	scheduler.Start()

	// Record Facade + API
	facade := records.NewFacade(localStore, remoteClient, monitor)
	handler := api.NewHandler(cfg.Server, facade, engine, localStore, monitor)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
