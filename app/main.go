package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"marketpay/internal/cmd/mockpay"
	"marketpay/internal/cmd/yoomoney"
	"marketpay/internal/config"
	"marketpay/internal/notify"
	"marketpay/internal/provider"
	"marketpay/internal/repository/cache"
	"marketpay/internal/repository/postgres"
	payoutDemon "marketpay/internal/server_demon"
	grpcTransport "marketpay/internal/transport/grpc"
	httpTransport "marketpay/internal/transport/http"
	"marketpay/internal/usecase/service"
	"marketpay/migrations"
	db "marketpay/utils/connector"
	log "marketpay/utils/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Errorf("Failed to load config: %v", err))
	}

	logger := log.NewLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.NewPostgres(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize PostgreSQL", zap.Error(err))
	}
	defer func() {
		dbConn.Close()
		logger.Info("Database connection closed")
	}()

	if err := db.MigratePostgres(ctx, dbConn, logger, migrations.FS); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	rdb, err := db.InitRedis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer rdb.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		logger.Fatal("Failed to register payment providers", zap.Error(err))
	}
	logger.Info("Payment providers registered", zap.Any("providers", registry.Kinds()))

	ttlCache := cache.New(rdb, cfg.Redis.CacheTTL, logger)
	methods := postgres.NewPaymentMethodRepository(dbConn, ttlCache, logger)
	transactions := postgres.NewTransactionRepository(dbConn, ttlCache, logger)
	payouts := postgres.NewPayoutRepository(dbConn, ttlCache, logger)

	hub := notify.NewHub(logger)
	defer hub.Close()

	svc := service.NewPaymentService(methods, transactions, payouts, payouts, registry, hub, service.OptionsFromConfig(cfg), logger)

	demon := payoutDemon.NewDaemon(svc, payouts, db.NewPayoutQueue(), cfg, logger)
	go demon.Run(ctx)

	grpcServer := grpcTransport.NewServer(cfg, logger)
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
			stop()
		}
	}()

	httpServer := httpTransport.NewServer(cfg, svc, hub, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	grpcServer.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	grpcServer.Stop()
}

// buildRegistry registers the mock provider and every extra provider
// named in the configuration.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	providers := []provider.Provider{mockpay.New(mockpay.OptionsFromConfig(cfg))}
	for _, name := range cfg.Payments.Providers {
		kind, err := provider.ParseKind(name)
		if err != nil {
			return nil, err
		}
		switch kind {
		case provider.KindMock:
			continue
		case provider.KindYooMoney:
			providers = append(providers, yoomoney.New(cfg))
		}
	}
	return provider.NewRegistry(providers...)
}
