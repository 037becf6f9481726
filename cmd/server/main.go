// OpenClaw voice server - speech front end for a local gateway daemon.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/brooqs/openclaw-voice-server/internal/api"
	"github.com/brooqs/openclaw-voice-server/internal/config"
	"github.com/brooqs/openclaw-voice-server/internal/gateway"
	"github.com/brooqs/openclaw-voice-server/internal/identity"
	"github.com/brooqs/openclaw-voice-server/internal/middleware"
	"github.com/brooqs/openclaw-voice-server/internal/speech"
	"github.com/brooqs/openclaw-voice-server/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting voice server", "port", cfg.Port, "gateway_url", cfg.Gateway.URL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Device identity is created on first run and reused forever after.
	device, err := identity.NewStore(cfg.Gateway.StateDir).LoadOrCreate()
	if err != nil {
		slog.Error("Failed to load device identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Device identity ready", "device_id", device.DeviceID)

	creds := identity.NewCredentialStore(cfg.Gateway.StateDir)

	// Each voice request runs one single-use gateway session.
	exchange := func(ctx context.Context, message string) gateway.Outcome {
		return gateway.NewSession(cfg.Gateway, device, creds, logger).Exchange(ctx, message)
	}

	speechClient := speech.NewElevenLabsClient(cfg.Speech)
	speechService := speech.NewService(speechClient, speechClient)

	voiceHandler := api.NewVoiceHandler(cfg, repo, speechService, exchange, logger)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{cfg.AllowOrigin}))

	healthHandler.RegisterHealth(r)
	voiceHandler.RegisterRoutes(r)

	// Note: no WriteTimeout; a voice round trip can legitimately take the
	// whole gateway timeout before audio starts streaming back.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
