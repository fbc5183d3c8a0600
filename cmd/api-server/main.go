package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/telehealth-scheduling/internal/api"
	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/notify"
	"github.com/hackgods/telehealth-scheduling/internal/outbox"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
	"github.com/hackgods/telehealth-scheduling/internal/signaling"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

var version = "dev"

type stores struct {
	schedules    schedule.Store
	appointments appointment.Repository
	effects      outbox.Store
	payments     payments.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "api-server")
	logger.Info("api-server starting up",
		"env", cfg.Env,
		"http_port", cfg.HTTPPort,
		"store", cfg.Store,
		"lock_ttl", cfg.LockTTL,
		"effects_inline", cfg.EffectsInline,
		"version", version,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps []api.Dependency
	var st stores

	switch cfg.Store {
	case "postgres":
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logger.Error("postgres connection error", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()
		logger.Info("connected to Postgres")
		st = postgresStores(pgPool)
		deps = append(deps, api.Dependency{Name: "postgres", Critical: true, Ping: pgPool.Ping})
	default:
		effects := outbox.NewMemoryStore()
		st = stores{
			schedules:    schedule.NewMemoryStore(),
			appointments: appointment.NewMemoryRepository(effects),
			effects:      effects,
			payments:     payments.NewMemoryStore(),
		}
		logger.Warn("using in-memory stores, data is lost on restart")
	}

	var locker redisclient.Locker = redisclient.NoopLocker{}
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		}, 5*time.Second)
		if err != nil {
			logger.Error("redis connection error", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		}()
		logger.Info("connected to Redis")
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
		deps = append(deps, api.Dependency{Name: "redis", Ping: redisclient.Pinger(rdb)})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway, err := payments.NewGateway(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.PaymentWebhookSecret)
	if err != nil {
		logger.Error("payment gateway error", "error", err)
		os.Exit(1)
	}
	if _, disabled := gateway.(payments.DisabledGateway); disabled {
		logger.Warn("OMISE_SECRET_KEY not set, online payments are disabled")
	}

	schedules := schedule.NewService(st.schedules, logger)
	paySvc := payments.NewService(st.payments, gateway, cfg.PaymentCurrency, logger)
	appts := appointment.NewService(st.appointments, schedules, paySvc, locker, cfg, logger).WithMetrics(m)

	if cfg.EffectsInline {
		notifier, closeNotifier := newNotifier(cfg, logger)
		defer closeNotifier()
		dispatcher := outbox.NewDispatcher(st.effects, notifier, paySvc, logger).
			WithMaxAttempts(cfg.EffectsMaxAttempts).
			WithBaseDelay(cfg.EffectsBaseDelay).
			WithInterval(cfg.WorkerInterval).
			WithMetrics(m)
		go dispatcher.Run(rootCtx)
	}

	registry := signaling.NewRegistry(signaling.Options{
		MaxDuration:   cfg.SessionMaxDuration,
		StaleAfter:    cfg.SessionStaleAfter,
		EndGrace:      cfg.SessionEndGrace,
		SweepInterval: cfg.SessionSweepInterval,
		OnEnded:       api.OnSessionEnded(appts, logger),
		Logger:        logger,
		Metrics:       m,
	})
	go registry.Run(rootCtx)

	router := api.NewRouter(api.RouterConfig{
		Appointments:   appts,
		Schedules:      schedules,
		Signaling:      signaling.NewHandler(registry, api.NewJoinValidator(appts), logger),
		Health:         api.NewHealthHandler(cfg.Env, version, deps...),
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", "error", err)
		}
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	registry.Close()
}

func postgresStores(pool *pgxpool.Pool) stores {
	effects := outbox.NewPgStore(pool)
	return stores{
		schedules:    schedule.NewPgStore(pool),
		appointments: appointment.NewPgRepository(pool, effects),
		effects:      effects,
		payments:     payments.NewPgStore(pool),
	}
}

// newNotifier connects to RabbitMQ when configured and otherwise logs
// notifications.
func newNotifier(cfg config.Config, logger *logging.Logger) (notify.Notifier, func()) {
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL not set, notifications are logged only")
		return notify.NewLogNotifier(logger), func() {}
	}
	n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.NotifyExchange)
	if err != nil {
		logger.Error("rabbitmq connection error, falling back to log notifications", "error", err)
		return notify.NewLogNotifier(logger), func() {}
	}
	logger.Info("connected to RabbitMQ", "exchange", cfg.NotifyExchange)
	return n, func() {
		if err := n.Close(); err != nil {
			logger.Warn("error closing rabbitmq", "error", err)
		}
	}
}
