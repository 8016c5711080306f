package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpc_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/in/grpc"
	rest_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/in/rest"
	authnet_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/authnet"
	journal_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/journal"
	kafka_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/mysql"
	redis_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/redis"
	spin_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/spin"
	stripe_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/stripe"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-receipt-ledger/internal/config"
	"github.com/JoeShih716/go-receipt-ledger/pkg/logger"
	"github.com/JoeShih716/go-receipt-ledger/pkg/metrics"
	"github.com/JoeShih716/go-receipt-ledger/pkg/mysql"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化 Metrics
	var (
		registry *prometheus.Registry
		payments *metrics.Payments
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		payments = metrics.NewPayments(registry)
	}

	// 3. 帳本儲存
	var (
		store  usecase.LedgerStore
		health rest_adapter.HealthCheck
	)
	switch cfg.Store {
	case config.StoreMySQL:
		dbClient, err := mysql.NewClient(cfg.MySQL, zl)
		if err != nil {
			zl.Fatal("Failed to connect to MySQL", zap.Error(err))
		}
		defer dbClient.Close()

		ledgerRepo := mysql_adapter.NewMySQLLedger(dbClient)
		if cfg.MySQL.AutoMigrate {
			if err := ledgerRepo.Migrate(ctx); err != nil {
				zl.Fatal("Failed to migrate ledger tables", zap.Error(err))
			}
		}
		store = ledgerRepo
		health = dbClient.Ping
	case config.StoreMemory:
		zl.Warn("Using in-memory ledger, data is lost on restart")
		store = memory_adapter.NewMutexLedger()
	}

	// 4. 付款確認通知
	var notifier usecase.Notifier
	if cfg.Kafka.Enabled {
		kn := kafka_adapter.NewNotifier(cfg.Kafka.Config, zl)
		defer kn.Close()
		notifier = kn
	}

	// 5. 金流商
	var (
		providers    []usecase.Provider
		stripeClient *stripe_adapter.Provider
	)
	if cfg.Stripe.SecretKey != "" {
		stripeClient = stripe_adapter.NewProvider(cfg.Stripe, zl)
		providers = append(providers, stripeClient)
	}
	if cfg.Authnet.LoginID != "" {
		providers = append(providers, authnet_adapter.NewProvider(cfg.Authnet, zl))
	}

	// 6. 初始化 UseCase
	ledger := usecase.NewLedgerManager(store, pricing.NewDefaultRegistry(cfg.Prices), notifier, usecase.ContextActor{}, payments, zl)
	orchestrator := usecase.NewOrchestrator(ledger, store, providers, usecase.OrchestratorOptions{
		OnlineProvider: cfg.Payments.OnlineProcessor,
		RetryBackoff:   cfg.Payments.RetryBackoff,
	}, payments, zl)

	var terminals *usecase.TerminalController
	if cfg.Terminal.Enabled {
		var board usecase.TerminalBoard
		if cfg.Terminal.Board == "redis" {
			rc, err := redis_adapter.NewClient(ctx, cfg.Redis)
			if err != nil {
				zl.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			defer rc.Close()
			board = redis_adapter.NewBoard(rc, cfg.Redis)
		} else {
			board = memory_adapter.NewBoard()
		}
		terminals = usecase.NewTerminalController(ledger, store,
			spin_adapter.NewGateway(cfg.Spin, zl),
			board,
			memory_adapter.Directory(cfg.Terminal.Workstations),
			cfg.Terminal.Options(), payments, zl)
	}
	coreUseCase := usecase.NewCoreUseCase(ledger, orchestrator, terminals)

	// 7. 確認日誌: 重新套用上次未完成的確認
	journal, err := journal_adapter.Open(cfg.Journal.Path, zl)
	if err != nil {
		zl.Fatal("Failed to open confirmation journal", zap.Error(err))
	}
	defer journal.Close()
	if _, err := journal.Replay(ctx, rest_adapter.ApplyConfirmation(coreUseCase)); err != nil {
		zl.Fatal("Failed to replay confirmation journal", zap.Error(err))
	}

	// 8. 啟動 gRPC Server
	lis, err := net.Listen("tcp", cfg.Server.GrpcAddr)
	if err != nil {
		zl.Fatal("failed to listen", zap.String("addr", cfg.Server.GrpcAddr), zap.Error(err))
	}
	s := grpc.NewServer(grpc.UnaryInterceptor(grpc_adapter.UnaryInterceptor(zl)))
	grpc_adapter.RegisterLedgerServiceServer(s, grpc_adapter.NewGrpcServer(coreUseCase, zl))

	go func() {
		zl.Info("Starting gRPC server", zap.String("addr", cfg.Server.GrpcAddr))
		if err := s.Serve(lis); err != nil {
			zl.Error("gRPC server stopped", zap.Error(err))
			stop()
		}
	}()

	// 9. 啟動 HTTP Server (webhook / healthz / metrics)
	var webhooks *rest_adapter.WebhookHandler
	if stripeClient != nil && cfg.Stripe.WebhookSecret != "" {
		webhooks = rest_adapter.NewWebhookHandler(stripeClient, coreUseCase, journal, zl)
	}
	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: rest_adapter.SetupRoutes(webhooks, health, gatherer, zl),
	}
	go func() {
		zl.Info("Starting HTTP server", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	// Graceful Shutdown
	<-ctx.Done()
	zl.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTP shutdown", zap.Error(err))
	}
	s.GracefulStop()
	zl.Info("Server exited")
}
