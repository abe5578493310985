package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cratis/internal/api"
	"cratis/internal/config"
	"cratis/internal/logging"
	"cratis/internal/middleware"
	"cratis/internal/vault"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	path := config.Path()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync()

	v, err := vault.Open(cfg, vault.Options{Logger: logger.Logger})
	if err != nil {
		logger.Fatal("failed to open vault", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up router
	mux := http.NewServeMux()
	api.NewHandler(v, logger.Named("api")).Register(mux)

	// Apply middleware
	handler := middleware.Chain(
		mux,
		middleware.RequestID,
		middleware.Logger(logger),
		middleware.Recover(logger),
		middleware.Auth(cfg.Server.AuthToken, "/health"),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- v.Watch(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("address", srv.Addr), zap.String("config", path))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-watchErr:
		if err != nil {
			logger.Error("watcher stopped", zap.Error(err))
		}
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Close flushes every pending path before the database goes away.
	if err := v.Close(); err != nil {
		logger.Error("closing vault", zap.Error(err))
		os.Exit(1)
	}
}
