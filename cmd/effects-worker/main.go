package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "effects-worker")
	if cfg.Store != "postgres" {
		logger.Error("effects-worker needs STORE=postgres, the in-memory outbox lives inside api-server")
		os.Exit(1)
	}
	logger.Info("effects-worker starting up",
		"env", cfg.Env,
		"interval", cfg.WorkerInterval,
		"max_attempts", cfg.EffectsMaxAttempts,
		"base_delay", cfg.EffectsBaseDelay,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.AMQPURL != "" {
		n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			logger.Error("rabbitmq connection error", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := n.Close(); err != nil {
				logger.Warn("error closing rabbitmq", "error", err)
			}
		}()
		logger.Info("connected to RabbitMQ", "exchange", cfg.NotifyExchange)
		notifier = n
	}

	gateway, err := payments.NewGateway(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.PaymentWebhookSecret)
	if err != nil {
		logger.Error("payment gateway error", "error", err)
		os.Exit(1)
	}
	paySvc := payments.NewService(payments.NewPgStore(pgPool), gateway, cfg.PaymentCurrency, logger)

	dispatcher := outbox.NewDispatcher(outbox.NewPgStore(pgPool), notifier, paySvc, logger).
		WithMaxAttempts(cfg.EffectsMaxAttempts).
		WithBaseDelay(cfg.EffectsBaseDelay)

	// Run once at startup
	runOnce(rootCtx, dispatcher, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping effects worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, dispatcher, logger)
		}
	}
}

func runOnce(ctx context.Context, d *outbox.Dispatcher, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	delivered := d.Drain(runCtx)
	logger.Debug("outbox drain complete", "delivered", delivered, "duration", time.Since(start))
}
