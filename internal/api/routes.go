package api

import (
	"net/http"
	"net/http/pprof"

	"tradecore/internal/api/handlers"
	"tradecore/internal/api/middleware"
	"tradecore/internal/balance"
	"tradecore/internal/coordinator"
	"tradecore/internal/executor"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Executor    *executor.Executor
	Ledger      *balance.Ledger
	Limiter     *ratelimit.Limiter
	Positions   *repository.PositionRepository
	Orders      *repository.OrderRepository
	Events      *repository.EventRepository
	Leases      *repository.LeaseRepository
	Exchanges   []string // имена подключенных бирж
	Currency    string   // расчетная валюта (USDT)

	// WSHandler обслуживает /ws/stream; nil если поток отключен
	WSHandler http.HandlerFunc
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── POST /signals - подача торгового сигнала
//	├── /positions/
//	│   ├── GET / - открытые позиции
//	│   ├── GET /{id} - конкретная позиция
//	│   ├── GET /{id}/events - события позиции
//	│   └── POST /{id}/close - принудительное закрытие
//	├── /orders/
//	│   ├── GET / - журнал ордеров
//	│   └── GET /active - неисполненные ордера
//	├── /events/
//	│   ├── GET / - журнал событий
//	│   └── DELETE / - очистка старых записей
//	└── GET /status - операционный статус
//
// /health - агрегированный health-check
// /metrics - Prometheus метрики
// /ws/stream - WebSocket поток событий
// /debug/pprof/* - профилирование (за DebugAuth)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (bearer-токен, только /api/v1)
// 5. DebugAuth (basic auth, только /debug)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	statusHandler := handlers.NewStatusHandler(
		deps.Coordinator,
		deps.Ledger,
		deps.Limiter,
		deps.Positions,
		deps.Leases,
		deps.Exchanges,
		deps.Currency,
	)
	signalHandler := handlers.NewSignalHandler(deps.Coordinator)
	positionHandler := handlers.NewPositionHandler(deps.Positions, deps.Events, deps.Executor)
	orderHandler := handlers.NewOrderHandler(deps.Orders)
	eventHandler := handlers.NewEventHandler(deps.Events)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth)

	api.HandleFunc("/signals", signalHandler.SubmitSignal).Methods("POST")

	api.HandleFunc("/positions", positionHandler.GetPositions).Methods("GET")
	api.HandleFunc("/positions/{id}", positionHandler.GetPosition).Methods("GET")
	api.HandleFunc("/positions/{id}/events", positionHandler.GetPositionEvents).Methods("GET")
	api.HandleFunc("/positions/{id}/close", positionHandler.ClosePosition).Methods("POST")

	api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
	api.HandleFunc("/orders/active", orderHandler.GetActiveOrders).Methods("GET")

	api.HandleFunc("/events", eventHandler.GetEvents).Methods("GET")
	api.HandleFunc("/events", eventHandler.PruneEvents).Methods("DELETE")

	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")

	// WebSocket route
	if deps.WSHandler != nil {
		router.HandleFunc("/ws/stream", deps.WSHandler)
	}

	// Health check и метрики без auth
	router.HandleFunc("/health", statusHandler.GetHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// pprof за basic auth
	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("/", pprof.Index)
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").Handler(http.HandlerFunc(pprof.Index))

	return router
}
