package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/config"
	kafkax "github.com/ariefcatur/go-order-engine/internal/kafka"
	"github.com/ariefcatur/go-order-engine/internal/observability"
	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/ariefcatur/go-order-engine/internal/payments"
	"github.com/ariefcatur/go-order-engine/internal/postgres"
	"github.com/ariefcatur/go-order-engine/internal/redisx"
	"github.com/ariefcatur/go-order-engine/internal/statemachine"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.PaymentsGroup))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	changed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, logger)
	changed.Start()
	defer changed.WaitClosed()
	defer changed.Close()

	repo := &postgres.OrderRepo{DB: db}
	machine, err := statemachine.New(statemachine.Deps{
		Orders:     repo,
		Ledger:     &postgres.StockLedger{DB: db},
		UnitOfWork: &postgres.TxManager{DB: db, LockTimeout: cfg.LockTimeout, TxTimeout: cfg.TxTimeout},
		Events:     &kafkax.OrderEvents{Changed: changed, Service: cfg.PaymentsGroup},
		Cache:      &redisx.StatusCache{RDB: rdb, TTL: cfg.StatusCacheTTL},
		Metrics:    observability.NewInstruments(logger),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("state machine", zap.Error(err))
	}
	reconciler, err := payments.NewReconciler(machine, repo, logger)
	if err != nil {
		logger.Fatal("reconciler", zap.Error(err))
	}
	h := &payments.Handler{
		Reconciler: reconciler,
		Dedup:      &redisx.Deduper{RDB: rdb, Service: "payments"},
		Logger:     logger,
	}

	c := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsGroup,
		[]string{orders.TopicPaymentAuthorized, orders.TopicPaymentFailed}, cfg.PaymentsWorkers, logger)
	logger.Info("payments consumer started")
	if err := c.Start(ctx, h.HandleMessage); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}
}
