package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/bizgrid/credits-api/internal/config"
	"github.com/bizgrid/credits-api/internal/domain/alert"
	"github.com/bizgrid/credits-api/internal/domain/billing"
	"github.com/bizgrid/credits-api/internal/domain/hierarchy"
	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/domain/pricing"
	"github.com/bizgrid/credits-api/internal/domain/transfer"
	"github.com/bizgrid/credits-api/internal/middleware"
	"github.com/bizgrid/credits-api/internal/pkg/database"
	"github.com/bizgrid/credits-api/internal/pkg/logger"
	"github.com/bizgrid/credits-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting credits API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	// ---------- Repositories ----------
	hierarchyRepo := hierarchy.NewRepository(db)
	pricingRepo := pricing.NewRepository(db)
	ledgerRepo := ledger.NewRepository(db, cfg.LockTimeout)
	transferRepo := transfer.NewRepository(db)

	// ---------- Services ----------
	alerts := alert.NewGateway(db, redis)
	hierarchySvc := hierarchy.NewService(hierarchyRepo)
	pricingSvc := pricing.NewService(pricingRepo, pricing.NewCache(redis, cfg.PricingCacheTTL))
	ledgerSvc := ledger.NewService(ledgerRepo, alerts, cfg.ConsumeRetries)
	transferSvc := transfer.NewService(transferRepo, ledgerSvc, alerts)
	billingSvc := billing.NewService(hierarchySvc, pricingSvc, ledgerSvc)

	// ---------- Handlers ----------
	hierarchyHandler := hierarchy.NewHandler(hierarchySvc)
	pricingHandler := pricing.NewHandler(pricingSvc)
	transferHandler := transfer.NewHandler(transferSvc)
	billingHandler := billing.NewHandler(billingSvc, cfg.PaymentWebhookSecret, alerts.RequestSweep)
	alertHandler := alert.NewHandler(alerts)

	authMiddleware := middleware.Auth(cfg.JWTSecret)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/entities", hierarchyHandler.Routes(authMiddleware))
		r.Mount("/configurations", pricingHandler.Routes(authMiddleware))
		r.Mount("/credits", billingHandler.Routes(authMiddleware))
		r.Mount("/transfers", transferHandler.Routes(authMiddleware))
		r.Mount("/alerts", alertHandler.Routes(authMiddleware))
	})

	// payment provider callback, authenticated by shared secret
	r.Post("/webhooks/payment", billingHandler.PaymentWebhook)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
