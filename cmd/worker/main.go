// The worker runs the periodic maintenance sweeps: expiring stale
// sessions and purging the webhook dead-letter queue past retention.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/gatehouse-io/gatehouse/internal/config"
	"github.com/gatehouse-io/gatehouse/internal/session"
	"github.com/gatehouse-io/gatehouse/internal/store"
	"github.com/gatehouse-io/gatehouse/pkg/logger"
)

const (
	sweepInterval = 5 * time.Minute
	dlqRetention  = 7 // days
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("worker_startup", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()
	sessions := session.NewStore(store.NewSessionRepo(pool), clock, log)
	dlq := store.NewDLQRepo(pool)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	log.Info("worker_running", "interval", sweepInterval.String())
	for {
		select {
		case sig := <-shutdown:
			log.Info("worker_shutdown", "signal", sig.String())
			return
		case <-ticker.C:
			sweep(ctx, log, sessions, dlq)
		}
	}
}

func sweep(ctx context.Context, log *slog.Logger, sessions *session.Store, dlq *store.DLQRepo) {
	sctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	expired, err := sessions.CleanupExpired(sctx)
	if err != nil {
		log.Error("session_sweep_failed", "error", err)
	} else if expired > 0 {
		log.Info("sessions_expired", "count", expired)
	}

	purged, err := dlq.Purge(sctx, dlqRetention)
	if err != nil {
		log.Error("dlq_purge_failed", "error", err)
	} else if purged > 0 {
		log.Info("dlq_purged", "count", purged)
	}
}
