package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation представляет локальный холд на доступном балансе.
//
// Жизненный цикл:
// HELD (создан перед отправкой ордера)
//   → COMMITTED (ордер исполнен, сумма вычитается из available)
//   → RELEASED (отклонение, отмена, частичный rollback)
//
// Инвариант леджера: sum(HELD) по (exchange, currency) ≤ cached available.
type Reservation struct {
	ID        string          `json:"id"`
	Exchange  string          `json:"exchange"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Purpose   string          `json:"purpose"` // ссылка на сигнал/ордер
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Состояния резервации
const (
	ReservationHeld      = "HELD"
	ReservationReleased  = "RELEASED"
	ReservationCommitted = "COMMITTED"
)

// BalanceSnapshot - кэшированный срез баланса по (exchange, currency)
type BalanceSnapshot struct {
	Exchange  string          `json:"exchange"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Reserved  decimal.Decimal `json:"reserved"` // сумма HELD-резерваций
	UpdatedAt time.Time       `json:"updated_at"`
}
