package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для алертов (незащищённые позиции, переполнения)

// ============ Метрики конвейера сигналов ============

// SignalsTotal - сигналы по исходу конвейера
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "pipeline",
		Name:      "signals_total",
		Help:      "Total number of signals by pipeline outcome",
	},
	[]string{"outcome"}, // accepted, duplicate, rejected, failed, backpressure
)

// SignalLatency - время прохождения сигнала через конвейер
var SignalLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradecore",
		Subsystem: "pipeline",
		Name:      "signal_latency_ms",
		Help:      "Signal processing latency from intake to terminal resolution in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	},
	[]string{"stage"}, // dedup, risk, execute, total
)

// OrderExecutionLatency - время исполнения ордера на бирже
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradecore",
		Subsystem: "execution",
		Name:      "order_latency_ms",
		Help:      "Time to execute order on exchange in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// ============ Метрики состояния ============

// OpenPositions - открытые позиции
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "positions",
		Name:      "open",
		Help:      "Current number of open positions",
	},
)

// UnprotectedPositions - позиции без установленной защиты (алертовая метрика)
var UnprotectedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "positions",
		Name:      "unprotected",
		Help:      "Open positions without exchange-side protection (should be zero)",
	},
)

// InFlightSignals - сигналы в обработке
var InFlightSignals = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "pipeline",
		Name:      "in_flight",
		Help:      "Signals currently being processed",
	},
)

// ExchangeBalance - доступный баланс по биржам
var ExchangeBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "balance",
		Name:      "available_usdt",
		Help:      "Available balance in USDT",
	},
	[]string{"exchange"},
)

// ReservedBalance - суммы под активными холдами
var ReservedBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "balance",
		Name:      "reserved_usdt",
		Help:      "Balance held by active reservations in USDT",
	},
	[]string{"exchange"},
)

// RateBucketUsage - заполненность окон лимитера
var RateBucketUsage = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "ratelimit",
		Name:      "bucket_usage",
		Help:      "Rate limiter bucket usage fraction of effective limit",
	},
	[]string{"bucket"},
)

// ============ Метрики защиты ============

// ProtectionUpdates - модификации защиты по типам переходов
var ProtectionUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "protection",
		Name:      "updates_total",
		Help:      "Protection modifications by transition type",
	},
	[]string{"type"}, // PARTIAL_TP, TRAILING, PROFIT_LOCK, BREAKEVEN
)

// ExchangeStops - биржевые срабатывания SL/TP
var ExchangeStops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "protection",
		Name:      "exchange_stops_total",
		Help:      "Exchange-side SL/TP triggers detected",
	},
	[]string{"symbol"},
)

// ============ Метрики инфраструктуры ============

// BufferOverflows - события, выброшенные из переполненных каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // notification, price_queue
)

// LeaseHeartbeats - хартбиты лизов по исходам
var LeaseHeartbeats = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "worker",
		Name:      "lease_heartbeats_total",
		Help:      "Lease heartbeat attempts by result",
	},
	[]string{"result"}, // ok, lost, error
)

// ============ Вспомогательные функции ============

// RecordSignal записывает исход обработки сигнала
func RecordSignal(outcome string) {
	SignalsTotal.WithLabelValues(outcome).Inc()
}

// RecordStageLatency записывает латентность этапа конвейера
func RecordStageLatency(stage string, latencyMs float64) {
	SignalLatency.WithLabelValues(stage).Observe(latencyMs)
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// UpdateBalanceMetrics обновляет гейджи баланса биржи
func UpdateBalanceMetrics(exchange string, available, reserved float64) {
	ExchangeBalance.WithLabelValues(exchange).Set(available)
	ReservedBalance.WithLabelValues(exchange).Set(reserved)
}
