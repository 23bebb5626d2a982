package models

import "time"

// Order представляет один ордер на стороне биржи:
// вход в позицию, SL, TP или модификация защиты.
type Order struct {
	ID              int64      `json:"id" db:"id"`
	Exchange        string     `json:"exchange" db:"exchange"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Side            string     `json:"side" db:"side"` // BUY, SELL
	Type            string     `json:"type" db:"type"` // MARKET, LIMIT, STOP, STOP_MARKET, TAKE_PROFIT_MARKET
	Quantity        float64    `json:"quantity" db:"quantity"`
	FilledQty       float64    `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice    float64    `json:"avg_fill_price" db:"avg_fill_price"`
	Status          string     `json:"status" db:"status"`
	PositionID      *int64     `json:"position_id,omitempty" db:"position_id"`
	ReservationID   string     `json:"reservation_id,omitempty" db:"reservation_id"`
	IdempotencyKey  string     `json:"idempotency_key" db:"idempotency_key"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty" db:"filled_at"`
}

// Типы ордеров
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStop             = "STOP"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Статусы ордера
const (
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// orderStatusRank - ранг статуса для проверки монотонности переходов.
// PARTIALLY_FILLED может повторяться сам с собой до терминального статуса.
var orderStatusRank = map[string]int{
	OrderStatusPending:         0,
	OrderStatusOpen:            1,
	OrderStatusPartiallyFilled: 2,
	OrderStatusFilled:          3,
	OrderStatusCancelled:       3,
	OrderStatusRejected:        3,
}

// IsTerminalOrderStatus возвращает true для конечных статусов
func IsTerminalOrderStatus(s string) bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// CanTransitionOrderStatus проверяет допустимость перехода статуса ордера.
// Переходы монотонны; исключение - PARTIALLY_FILLED → PARTIALLY_FILLED
// (каждое частичное исполнение приходит отдельным событием).
func CanTransitionOrderStatus(from, to string) bool {
	fromRank, ok := orderStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := orderStatusRank[to]
	if !ok {
		return false
	}

	if IsTerminalOrderStatus(from) {
		return false
	}
	if from == OrderStatusPartiallyFilled && to == OrderStatusPartiallyFilled {
		return true
	}
	return toRank > fromRank
}

// OrderStatusDelta - событие изменения статуса ордера от биржи
// (WebSocket user-data stream или polling)
type OrderStatusDelta struct {
	Exchange        string    `json:"exchange"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"` // наш idempotency key
	Symbol          string    `json:"symbol"`
	Status          string    `json:"status"`
	FilledQty       float64   `json:"filled_qty"`
	AvgFillPrice    float64   `json:"avg_fill_price"`
	Timestamp       time.Time `json:"timestamp"`
}
