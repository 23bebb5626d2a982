// Package integration contains integration tests for the trading coordination core.
//
// These tests verify the correct interaction between components:
// - API integration tests: full HTTP request cycle over the real router
// - WebSocket tests: connection, broadcast messaging
// - Database tests: repositories against a real PostgreSQL schema
//
// Tests require a reachable PostgreSQL instance (TEST_DB_* variables)
// and skip themselves when the database is unavailable.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/lib/pq"

	"tradecore/internal/api"
	"tradecore/internal/balance"
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
)

// TestConfig contains database configuration for integration tests
type TestConfig struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

// getTestConfig returns configuration from environment variables or defaults
func getTestConfig() TestConfig {
	return TestConfig{
		DBDriver:   getEnv("TEST_DB_DRIVER", "postgres"),
		DBHost:     getEnv("TEST_DB_HOST", "localhost"),
		DBPort:     getEnv("TEST_DB_PORT", "5432"),
		DBName:     getEnv("TEST_DB_NAME", "tradecore_test"),
		DBUser:     getEnv("TEST_DB_USER", "postgres"),
		DBPassword: getEnv("TEST_DB_PASSWORD", "postgres"),
		DBSSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// stubGateway - шлюз биржи, мгновенно исполняющий любой ордер
type stubGateway struct {
	mu     sync.Mutex
	placed int
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderAck, error) {
	g.mu.Lock()
	g.placed++
	g.mu.Unlock()
	return &exchange.OrderAck{
		ExchangeOrderID: fmt.Sprintf("stub-%s", req.IdempotencyKey),
		ClientOrderID:   req.IdempotencyKey,
		Status:          exchange.OrderStatusFilled,
		Quantity:        req.Quantity,
		FilledQty:       req.Quantity,
		AvgFillPrice:    50000,
	}, nil
}

func (g *stubGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return nil
}

func (g *stubGateway) SetPositionProtection(ctx context.Context, req *exchange.ProtectionRequest) error {
	return nil
}

func (g *stubGateway) ClosePosition(ctx context.Context, symbol, positionSide string, qty float64) error {
	return nil
}

func (g *stubGateway) FetchPositions(ctx context.Context) ([]*exchange.PositionInfo, error) {
	return nil, nil
}

func (g *stubGateway) FetchBalance(ctx context.Context) (*exchange.BalanceInfo, error) {
	return &exchange.BalanceInfo{Asset: "USDT", Total: 10000, Available: 10000}, nil
}

func (g *stubGateway) GetLimits(ctx context.Context, symbol string) (*exchange.Limits, error) {
	return &exchange.Limits{MinOrderQty: 0.001, QtyStep: 0.001, MinNotional: 5}, nil
}

func (g *stubGateway) SubscribePrices(symbols []string, cb func(*exchange.Ticker)) error { return nil }

func (g *stubGateway) SubscribeOrderUpdates(cb func(*exchange.OrderUpdate)) error { return nil }

func (g *stubGateway) Close() error { return nil }

func (g *stubGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed
}

// TestRepositories contains all repository instances for testing
type TestRepositories struct {
	Signal   *repository.SignalRepository
	Order    *repository.OrderRepository
	Position *repository.PositionRepository
	Lease    *repository.LeaseRepository
	Event    *repository.EventRepository
}

// TestStack encapsulates all components needed for integration testing
type TestStack struct {
	DB          *sql.DB
	Server      *httptest.Server
	Hub         *websocket.Hub
	Gateway     *stubGateway
	Coordinator *coordinator.Coordinator
	Executor    *executor.Executor
	Ledger      *balance.Ledger
	Repos       *TestRepositories
	Cleanup     func()
}

// SetupTestDB creates a test database connection, skipping the test
// when the database is unreachable
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	config := getTestConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.DBHost, config.DBPort, config.DBUser, config.DBPassword, config.DBName, config.DBSSLMode,
	)

	db, err := sql.Open(config.DBDriver, connStr)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
		return nil, func() {}
	}

	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
		return nil, func() {}
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	return db, cleanup
}

// SetupTestStack builds the full trading pipeline over a real database
// and a stub exchange gateway, exposed through an httptest server
func SetupTestStack(t *testing.T) *TestStack {
	db, dbCleanup := SetupTestDB(t)
	if db == nil {
		return nil
	}

	if err := initTestTables(db); err != nil {
		dbCleanup()
		t.Skipf("Skipping integration test: cannot initialize tables: %v", err)
		return nil
	}
	cleanupTestTables(db)

	gw := &stubGateway{}
	gateways := map[string]exchange.Gateway{"stub": gw}

	repos := &TestRepositories{
		Signal:   repository.NewSignalRepository(db),
		Order:    repository.NewOrderRepository(db),
		Position: repository.NewPositionRepository(db),
		Lease:    repository.NewLeaseRepository(db),
		Event:    repository.NewEventRepository(db),
	}

	ledger := balance.NewLedger()
	ledger.Update("stub", "USDT", decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.Zero)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	exec := executor.NewExecutor(executor.DefaultExecConfig(), gateways, ledger, limiter, repos.Order, repos.Position)
	engine := protection.NewEngine(protection.DefaultConfig(), exec, repos.Position)
	mon := monitor.NewMonitor(monitor.DefaultConfig(), engine, gateways, repos.Order, repos.Position)
	workerCoord := worker.NewCoordinator(repos.Lease, worker.DefaultConfig())

	coord := coordinator.NewCoordinator(
		coordinator.DefaultConfig(),
		dedup.NewDeduplicator(300*time.Second),
		risk.NewEvaluator(risk.DefaultRiskConfig()),
		exec,
		mon,
		workerCoord,
		gateways,
		ledger,
		limiter,
		repos.Signal,
		repos.Position,
		repos.Event,
	)

	ctx, cancel := context.WithCancel(context.Background())

	hub := websocket.NewHub()
	go hub.Run(ctx)
	coord.SetBroadcast(hub.BroadcastEvent)

	// Запускаем конвейер: захват лиза, heartbeat, насос уведомлений
	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(ctx)
	}()

	router := api.SetupRoutes(&api.Dependencies{
		Coordinator: coord,
		Executor:    exec,
		Ledger:      ledger,
		Limiter:     limiter,
		Positions:   repos.Position,
		Orders:      repos.Order,
		Events:      repos.Event,
		Leases:      repos.Lease,
		Exchanges:   []string{"stub"},
		Currency:    "USDT",
		WSHandler: func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		},
	})

	server := httptest.NewServer(router)

	cleanup := func() {
		server.Close()
		cancel()
		select {
		case <-runDone:
		case <-time.After(10 * time.Second):
			t.Log("coordinator did not stop in time")
		}
		cleanupTestTables(db)
		dbCleanup()
	}

	return &TestStack{
		DB:          db,
		Server:      server,
		Hub:         hub,
		Gateway:     gw,
		Coordinator: coord,
		Executor:    exec,
		Ledger:      ledger,
		Repos:       repos,
		Cleanup:     cleanup,
	}
}

// initTestTables creates tables for testing if they do not exist
func initTestTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id SERIAL PRIMARY KEY,
			fingerprint BIGINT UNIQUE NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			strategy_id VARCHAR(50) DEFAULT '',
			exchange VARCHAR(50) DEFAULT '',
			entry_price DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			risk_profile VARCHAR(20) DEFAULT '',
			signal_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			exchange VARCHAR(50) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			type VARCHAR(20) NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			filled_qty DOUBLE PRECISION DEFAULT 0,
			avg_fill_price DOUBLE PRECISION DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			position_id BIGINT,
			reservation_id VARCHAR(64) DEFAULT '',
			idempotency_key VARCHAR(64) UNIQUE NOT NULL,
			exchange_order_id VARCHAR(64) DEFAULT '',
			error_message TEXT DEFAULT '',
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			filled_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			exchange VARCHAR(50) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			strategy_id VARCHAR(50) DEFAULT '',
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			initial_quantity DOUBLE PRECISION NOT NULL,
			leverage INT DEFAULT 1,
			stop_loss DOUBLE PRECISION DEFAULT 0,
			take_profit DOUBLE PRECISION DEFAULT 0,
			protected BOOLEAN DEFAULT false,
			highest_favorable_pct DOUBLE PRECISION DEFAULT 0,
			taken_levels BIGINT DEFAULT 0,
			breakeven_armed BOOLEAN DEFAULT false,
			trailing_armed BOOLEAN DEFAULT false,
			protection_update_count INT DEFAULT 0,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			closed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS worker_leases (
			role VARCHAR(64) PRIMARY KEY,
			holder_id VARCHAR(128) NOT NULL,
			status VARCHAR(16) NOT NULL,
			metadata TEXT DEFAULT '',
			acquired_at TIMESTAMP NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP DEFAULT NOW(),
			type VARCHAR(50) NOT NULL,
			severity VARCHAR(10) DEFAULT 'info',
			position_id BIGINT,
			message TEXT NOT NULL,
			meta JSONB
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// cleanupTestTables truncates all test tables
func cleanupTestTables(db *sql.DB) {
	tables := []string{
		"events",
		"orders",
		"positions",
		"signals",
		"worker_leases",
	}

	for _, table := range tables {
		db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}
}

// waitUntil polls cond every 20ms until it returns true or the timeout expires
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
