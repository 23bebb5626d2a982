package exchange

import (
	"context"
	"time"
)

// Gateway определяет унифицированный интерфейс шлюза биржи.
//
// Все операции записи идемпотентны через клиентский идентификатор ордера:
// повтор запроса с тем же IdempotencyKey не создаёт дубликат.
// Канонические значения полей (side, status) - UPPERCASE.
type Gateway interface {
	// Name возвращает имя биржи
	Name() string

	// PlaceOrder размещает ордер. При нарушении минимального нотионала
	// шлюз сам увеличивает объём (см. AdjustedQty в ответе).
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)

	// CancelOrder отменяет ордер по клиентскому идентификатору
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// SetPositionProtection устанавливает SL/TP на позицию.
	// Нулевое значение цены = не менять соответствующий уровень.
	SetPositionProtection(ctx context.Context, req *ProtectionRequest) error

	// ClosePosition закрывает позицию (или её часть) reduce-only
	// рыночным ордером. qty=0 = закрыть целиком.
	ClosePosition(ctx context.Context, symbol, positionSide string, qty float64) error

	// FetchPositions получает открытые позиции
	FetchPositions(ctx context.Context) ([]*PositionInfo, error)

	// FetchBalance получает баланс фьючерсного аккаунта в USDT
	FetchBalance(ctx context.Context) (*BalanceInfo, error)

	// GetLimits получает торговые лимиты биржи для символа
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// SubscribePrices подписывается на обновления цен через WebSocket
	SubscribePrices(symbols []string, callback func(*Ticker)) error

	// SubscribeOrderUpdates подписывается на события исполнения ордеров
	SubscribeOrderUpdates(callback func(*OrderUpdate)) error

	// Close закрывает соединения с биржей
	Close() error
}

// OrderRequest - запрос на размещение ордера
type OrderRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"` // BUY / SELL

	// PositionSide - слот позиции в hedge mode: LONG / SHORT.
	// Пустая строка = one-way режим.
	PositionSide string `json:"position_side,omitempty"`

	Type       string  `json:"type"` // MARKET / LIMIT
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"` // только для LIMIT
	ReduceOnly bool    `json:"reduce_only,omitempty"`

	// IdempotencyKey становится клиентским идентификатором ордера на бирже
	IdempotencyKey string `json:"idempotency_key"`
}

// OrderAck - подтверждение размещения ордера
type OrderAck struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Status          string    `json:"status"` // PENDING / OPEN / FILLED / ...
	Quantity        float64   `json:"quantity"`
	FilledQty       float64   `json:"filled_qty"`
	AvgFillPrice    float64   `json:"avg_fill_price"`

	// AdjustedQty = true если объём был увеличен до минимального нотионала
	AdjustedQty bool      `json:"adjusted_qty,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProtectionRequest - запрос установки SL/TP на позицию
type ProtectionRequest struct {
	Symbol       string  `json:"symbol"`
	PositionSide string  `json:"position_side,omitempty"` // LONG / SHORT в hedge mode
	StopLoss     float64 `json:"stop_loss,omitempty"`     // 0 = не менять
	TakeProfit   float64 `json:"take_profit,omitempty"`   // 0 = не менять
	HedgeMode    bool    `json:"hedge_mode,omitempty"`
}

// PositionInfo - открытая позиция по данным биржи
type PositionInfo struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // LONG / SHORT
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	Liquidation   bool      `json:"liquidation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BalanceInfo - баланс фьючерсного аккаунта
type BalanceInfo struct {
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	MarkPrice float64   `json:"mark_price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderUpdate - событие изменения ордера из приватного стрима
type OrderUpdate struct {
	Symbol          string    `json:"symbol"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Side            string    `json:"side"`
	Status          string    `json:"status"`
	FilledQty       float64   `json:"filled_qty"`
	LastFillQty     float64   `json:"last_fill_qty"`
	AvgFillPrice    float64   `json:"avg_fill_price"`
	Timestamp       time.Time `json:"timestamp"`
}

// Limits содержит торговые ограничения биржи
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"`
	MaxOrderQty float64 `json:"max_order_qty"`
	QtyStep     float64 `json:"qty_step"`     // шаг изменения количества (lot size)
	MinNotional float64 `json:"min_notional"` // минимальная сумма сделки в USDT
	PriceStep   float64 `json:"price_step"`   // шаг изменения цены (tick size)
	MaxLeverage int     `json:"max_leverage"`
}

// Side constants for orders (канонические UPPERCASE значения)
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Side constants for position slots
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Order type constants
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order status constants
const (
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)
