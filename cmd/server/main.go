package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"tradecore/internal/api"
	"tradecore/internal/balance"
	"tradecore/internal/config"
	"tradecore/internal/coordinator"
	"tradecore/internal/dedup"
	"tradecore/internal/exchange"
	"tradecore/internal/executor"
	"tradecore/internal/monitor"
	"tradecore/internal/protection"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
	"tradecore/internal/websocket"
	"tradecore/internal/worker"
	"tradecore/pkg/crypto"
	"tradecore/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *utils.Logger) error {
	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Репозитории
	signalRepo := repository.NewSignalRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	leaseRepo := repository.NewLeaseRepository(db)
	eventRepo := repository.NewEventRepository(db)

	// Шлюзы бирж: создаем только те, для которых заданы ключи
	gateways, err := buildGateways(cfg)
	if err != nil {
		return fmt.Errorf("gateways: %w", err)
	}
	if len(gateways) == 0 {
		return errors.New("no exchange credentials configured")
	}
	defer func() {
		for name, gw := range gateways {
			if err := gw.Close(); err != nil {
				logger.Warn("failed to close gateway", zap.String("exchange", name), zap.Error(err))
			}
		}
	}()

	exchanges := make([]string, 0, len(gateways))
	for name := range gateways {
		exchanges = append(exchanges, name)
	}
	logger.Info("exchange gateways ready", zap.Strings("exchanges", exchanges))

	// Лимитер запросов и учет балансов
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.Window = cfg.RateLimit.Window
	limiterCfg.SafetyMargin = cfg.RateLimit.SafetyMargin
	limiterCfg.GlobalLimit = float64(cfg.RateLimit.GlobalCapacity)
	limiter := ratelimit.NewLimiter(limiterCfg)

	ledger := balance.NewLedger()
	reconciler := balance.NewReconciler(ledger, gateways, limiter, cfg.Trading.BalanceReconcileFreq)

	// Дедупликация с прогревом из журнала сигналов: рестарт процесса
	// не открывает окно для повторного исполнения недавних сигналов
	deduplicator := dedup.NewDeduplicator(cfg.Trading.DedupWindow)
	if seen, err := signalRepo.SeenSince(time.Now().Add(-cfg.Trading.DedupWindow)); err != nil {
		logger.Warn("failed to warm dedup window", zap.Error(err))
	} else {
		deduplicator.Seed(seen)
		logger.Info("dedup window warmed", zap.Int("entries", len(seen)))
	}

	// Торговый конвейер
	evaluator := risk.NewEvaluator(risk.Config{
		MinConfidence:       cfg.Risk.MinConfidence,
		MaxPositionPct:      cfg.Risk.MaxPositionPct,
		MaxTotalExposure:    cfg.Risk.MaxTotalExposure,
		DailyLossLimitPct:   cfg.Risk.DailyLossLimitPct,
		MaxPositions:        cfg.Trading.MaxConcurrentPositions,
		MaxPositionsPerSide: cfg.Risk.MaxPositionsPerSide,
		DefaultLeverage:     cfg.Risk.DefaultLeverage,
		MLModulationMin:     cfg.Risk.MLModulationMin,
		MLModulationMax:     cfg.Risk.MLModulationMax,
		DefaultRiskProfile:  cfg.Risk.DefaultRiskProfile,
	})

	execCfg := executor.DefaultExecConfig()
	execCfg.HedgeMode = cfg.Trading.HedgeMode
	execCfg.MaxAttempts = cfg.Trading.MaxRetries
	execCfg.OrderTimeout = cfg.Trading.OrderTimeout
	execCfg.MinNotionalMargin = cfg.Risk.MinNotionalMargin
	exec := executor.NewExecutor(execCfg, gateways, ledger, limiter, orderRepo, positionRepo)

	protCfg := protection.DefaultConfig()
	protCfg.DefaultPlan.InitialStopPct = cfg.Protection.InitialStopPct
	protCfg.DefaultPlan.InitialTakePct = cfg.Protection.InitialTakePct
	protCfg.DefaultPlan.Trailing.ActivationProfit = cfg.Protection.TrailingActivation
	protCfg.DefaultPlan.Trailing.Distance = cfg.Protection.TrailingDistance
	protCfg.DefaultPlan.Breakeven.ActivationProfit = cfg.Protection.BreakevenActivation
	protCfg.DefaultPlan.Breakeven.Offset = cfg.Protection.BreakevenOffset
	protCfg.DefaultPlan.MaxProtectionUpdates = cfg.Protection.MaxProtectionUpdates
	protCfg.UnprotectedRetryFreq = cfg.Protection.UnprotectedRetryFreq
	engine := protection.NewEngine(protCfg, exec, positionRepo)

	mon := monitor.NewMonitor(monitor.Config{
		SweepInterval: cfg.Trading.MonitorSweepInterval,
	}, engine, gateways, orderRepo, positionRepo)

	workerCoord := worker.NewCoordinator(leaseRepo, worker.Config{
		TTL:               cfg.Lease.TTL,
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		SweepInterval:     cfg.Lease.SweepInterval,
	})

	coordCfg := coordinator.DefaultConfig()
	coordCfg.NotifyBuffer = cfg.Trading.SignalBufferSize
	coord := coordinator.NewCoordinator(
		coordCfg,
		deduplicator,
		evaluator,
		exec,
		mon,
		workerCoord,
		gateways,
		ledger,
		limiter,
		signalRepo,
		positionRepo,
		eventRepo,
	)

	// WebSocket поток событий жизненного цикла
	hub := websocket.NewHub()
	coord.SetBroadcast(hub.BroadcastEvent)

	// HTTP API
	router := api.SetupRoutes(&api.Dependencies{
		Coordinator: coord,
		Executor:    exec,
		Ledger:      ledger,
		Limiter:     limiter,
		Positions:   positionRepo,
		Orders:      orderRepo,
		Events:      eventRepo,
		Leases:      leaseRepo,
		Exchanges:   exchanges,
		Currency:    execCfg.Currency,
		WSHandler: func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go reconciler.Run(ctx)

	// Координатор: захват лиза, стартовая сверка, конвейер сигналов.
	// ErrLeaseTaken означает, что роль держит другой процесс - чистый выход.
	coordDone := make(chan error, 1)
	go func() {
		coordDone <- coord.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", server.Addr),
			zap.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
		runErr = err
	case err := <-coordDone:
		if errors.Is(err, coordinator.ErrLeaseTaken) {
			logger.Info("another instance holds the coordinator role, exiting")
		} else if err != nil {
			logger.Error("coordinator stopped", zap.Error(err))
			runErr = err
		}
		coordDone = nil
	}

	// Останавливаем прием сигналов и дожидаемся дренажа in-flight работ
	cancel()
	if coordDone != nil {
		select {
		case <-coordDone:
		case <-time.After(60 * time.Second):
			logger.Warn("coordinator drain timed out")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server exited")
	return runErr
}

// buildGateways создает шлюзы для всех бирж с заполненными ключами.
// Ключи с префиксом enc: расшифровываются через ENCRYPTION_KEY.
func buildGateways(cfg *config.Config) (map[string]exchange.Gateway, error) {
	creds := map[string]config.ExchangeCredentials{
		"bybit":   cfg.Exchanges.Bybit,
		"binance": cfg.Exchanges.Binance,
	}
	encKey := []byte(cfg.Security.EncryptionKey)

	gateways := make(map[string]exchange.Gateway)
	for name, c := range creds {
		if c.APIKey == "" || c.APISecret == "" {
			continue
		}
		apiKey, err := crypto.DecryptSecret(c.APIKey, encKey)
		if err != nil {
			return nil, fmt.Errorf("%s api key: %w", name, err)
		}
		apiSecret, err := crypto.DecryptSecret(c.APISecret, encKey)
		if err != nil {
			return nil, fmt.Errorf("%s api secret: %w", name, err)
		}
		if err := utils.ValidateAPIKey(apiKey); err != nil {
			return nil, fmt.Errorf("%s api key: %w", name, err)
		}
		if err := utils.ValidateAPISecret(apiSecret); err != nil {
			return nil, fmt.Errorf("%s api secret: %w", name, err)
		}
		gw, err := exchange.NewGateway(name, exchange.Credentials{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   c.Testnet,
			HedgeMode: cfg.Trading.HedgeMode,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		gateways[name] = gw
	}

	return gateways, nil
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
