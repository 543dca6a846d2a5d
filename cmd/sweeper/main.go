package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/bizgrid/credits-api/internal/config"
	"github.com/bizgrid/credits-api/internal/domain/alert"
	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/domain/transfer"
	"github.com/bizgrid/credits-api/internal/pkg/database"
	"github.com/bizgrid/credits-api/internal/pkg/logger"
)

// warningEvery throttles expiry-warning fan-out: batches are scanned on
// every sweep, but warnings go out at most once per interval so tenants
// aren't paged every minute about the same batch
const warningEvery = 24 * time.Hour

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Dur("interval", cfg.SweepInterval).
		Int("warning_days", cfg.ExpiryWarningDays).
		Msg("Starting credit sweeper")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	alerts := alert.NewGateway(db, rdb)
	ledgerRepo := ledger.NewRepository(db, cfg.LockTimeout)
	ledgerSvc := ledger.NewService(ledgerRepo, alerts, cfg.ConsumeRetries)
	transferSvc := transfer.NewService(transfer.NewRepository(db), ledgerSvc, alerts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional: Redis pub/sub wake-up (polling still runs)
	wake := make(chan struct{}, 1)
	go subscribeWakeups(ctx, rdb, wake)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	lastWarned := time.Time{}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-wake:
			// immediate sweep
		case <-ticker.C:
		}

		now := time.Now().UTC()
		start := time.Now()

		expired, err := ledgerSvc.SweepExpired(ctx, now)
		if err != nil {
			log.Error().Err(err).Msg("Batch expiry sweep failed")
		}

		reaped, err := ledgerSvc.ReapReservations(ctx, now)
		if err != nil {
			log.Error().Err(err).Msg("Reservation reap failed")
		}

		finalized, err := transferSvc.FinalizeDue(ctx, now)
		if err != nil {
			log.Error().Err(err).Msg("Transfer finalization failed")
		}

		warned := 0
		if lastWarned.IsZero() || now.Sub(lastWarned) >= warningEvery {
			window := time.Duration(cfg.ExpiryWarningDays) * 24 * time.Hour
			warned, err = ledgerSvc.WarnExpiring(ctx, now, window)
			if err != nil {
				log.Error().Err(err).Msg("Expiry warning scan failed")
			} else {
				lastWarned = now
			}
		}

		if expired > 0 || reaped > 0 || finalized > 0 || warned > 0 {
			log.Info().
				Int("expired_batches", expired).
				Int("reaped_reservations", reaped).
				Int("finalized_transfers", finalized).
				Int("expiry_warnings", warned).
				Dur("took", time.Since(start)).
				Msg("Sweep complete")
		}
	}
}

func subscribeWakeups(ctx context.Context, rdb *redis.Client, wake chan<- struct{}) {
	if rdb == nil {
		return
	}
	// the API publishes here when an admin wants an immediate sweep;
	// polling is still the main mechanism
	sub := rdb.Subscribe(ctx, "credits:sweep")
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
			// non-blocking wake-up
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}
