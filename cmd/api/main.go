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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-engine/internal/checkout"
	"github.com/ariefcatur/go-order-engine/internal/config"
	"github.com/ariefcatur/go-order-engine/internal/httpx"
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
	logger = logger.With(zap.String("service", cfg.ServiceName))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.StatusCache{RDB: rdb, TTL: cfg.StatusCacheTTL}

	// Kafka producers
	created := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, logger)
	changed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, logger)
	created.Start()
	changed.Start()
	events := &kafkax.OrderEvents{Created: created, Changed: changed, Service: cfg.ServiceName}

	repo := &postgres.OrderRepo{DB: db}
	ledger := &postgres.StockLedger{DB: db}
	uow := &postgres.TxManager{DB: db, LockTimeout: cfg.LockTimeout, TxTimeout: cfg.TxTimeout}
	metrics := observability.NewInstruments(logger)

	svc, err := checkout.NewService(checkout.Deps{
		Orders: repo, Ledger: ledger, UnitOfWork: uow,
		Events: events, Cache: cache, Metrics: metrics, Logger: logger,
	})
	if err != nil {
		return err
	}
	machine, err := statemachine.New(statemachine.Deps{
		Orders: repo, Ledger: ledger, UnitOfWork: uow,
		Events: events, Cache: cache, Metrics: metrics, Logger: logger,
	})
	if err != nil {
		return err
	}
	reconciler, err := payments.NewReconciler(machine, repo, logger)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(logger)
	oh := &httpx.OrdersHandler{
		Checkout: svc,
		Machine:  machine,
		Payments: reconciler,
		Reader:   repo,
		Cache:    cache,
		Logger:   logger,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	created.Close() // close inbox -> flush & close writer
	changed.Close()
	created.WaitClosed()
	changed.WaitClosed()
	return nil
}
