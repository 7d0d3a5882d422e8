package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/matchmaker-core/internal/chatroom"
	"github.com/dukepan/matchmaker-core/internal/config"
	"github.com/dukepan/matchmaker-core/internal/matchmaker"
	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/middleware"
	"github.com/dukepan/matchmaker-core/internal/observability"
	"github.com/dukepan/matchmaker-core/internal/presence"
	"github.com/dukepan/matchmaker-core/internal/registry"
	"github.com/dukepan/matchmaker-core/internal/transport"
	"github.com/dukepan/matchmaker-core/internal/utils"
)

func main() {
	cfg := config.Load()

	otelCleanup, err := observability.InitOpenTelemetry("matchmaker-core", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			log.Printf("Error shutting down OpenTelemetry: %v", err)
		}
	}()

	logger := utils.NewLogger(cfg.LogLevel)
	processID := uuid.NewString()

	pres, err := presence.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize presence: %v", err)
	}

	reg, err := registry.New(context.Background(), cfg.PostgresURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize registry: %v", err)
	}

	mm := matchmaker.New(
		pres,
		reg,
		logger,
		processID,
		time.Duration(cfg.ReservationTTLSeconds)*time.Second,
		time.Duration(cfg.RejectionTimeoutMS)*time.Millisecond,
		cfg.JoinRetryAttempts,
	)

	mm.RegisterHandler(context.Background(), &matchroom.Handler{
		Name:       "chat",
		NewRoom:    chatroom.New,
		MaxClients: 16,
		FilterOptions: func(options map[string]interface{}) map[string]interface{} {
			filters := map[string]interface{}{}
			if topic, ok := options["topic"].(string); ok && topic != "" {
				filters["topic"] = topic
			}
			return filters
		},
	})

	ws := transport.New(mm, mm.Locate, logger, time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond, cfg.PingCountMax)

	rateLimiter, err := middleware.NewMatchmakeRateLimiter(pres.Client(), cfg.RateLimitMatchmakePerMin)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize matchmake rate limiter: %v", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.TracingMiddleware)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthzHandler(pres))
	router.Group(func(r chi.Router) {
		r.Use(rateLimiter)
		ws.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), "Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(context.Background(), logger, server, mm, pres, reg, otelCleanup)

	logger.Info(context.Background(), "Application stopped.")
}

// healthzHandler reports liveness plus whether the presence backend is
// currently reachable, so an orchestrator can tell "process is up" apart
// from "process is up but degraded".
func healthzHandler(pres *presence.Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if err := pres.Client().Ping(r.Context()).Err(); err != nil {
			status["status"] = "degraded"
			status["presence"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		utils.RespondJSON(w, code, status)
	}
}

func gracefulShutdown(ctx context.Context, logger *utils.Logger, server *http.Server, mm *matchmaker.Matchmaker, pres *presence.Presence, reg *registry.Driver, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "HTTP server stopped.")
	}

	if err := mm.GracefulShutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Matchmaker shutdown error: %v", err)
	} else {
		logger.Info(ctx, "Matchmaker stopped.")
	}

	reg.Close()
	logger.Info(ctx, "Registry connection closed.")

	if err := pres.Close(); err != nil {
		logger.Error(ctx, "Presence close error: %v", err)
	} else {
		logger.Info(ctx, "Presence connection closed.")
	}

	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		} else {
			logger.Info(ctx, "OpenTelemetry shut down.")
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
