package models

import (
	"fmt"
	"time"

	"tradecore/pkg/utils"
)

// Position представляет открытую экспозицию по одному символу
// в рамках одной стратегии.
//
// Инварианты:
// - Quantity ∈ (0, InitialQuantity]
// - Side не меняется за время жизни
// - SL на правильной стороне от входа (LONG: SL < entry, SHORT: SL > entry),
//   кроме случаев намеренного переноса в безубыток / profit lock
type Position struct {
	ID              int64   `json:"id" db:"id"`
	Exchange        string  `json:"exchange" db:"exchange"`
	Symbol          string  `json:"symbol" db:"symbol"`
	Side            string  `json:"side" db:"side"` // LONG, SHORT
	StrategyID      string  `json:"strategy_id" db:"strategy_id"`
	EntryPrice      float64 `json:"entry_price" db:"entry_price"`
	Quantity        float64 `json:"quantity" db:"quantity"`                 // текущий размер (уменьшается частичными закрытиями)
	InitialQuantity float64 `json:"initial_quantity" db:"initial_quantity"` // размер при открытии
	Leverage        int     `json:"leverage" db:"leverage"`

	// Активная защита
	StopLoss   float64 `json:"stop_loss" db:"stop_loss"`     // 0 = не установлен
	TakeProfit float64 `json:"take_profit" db:"take_profit"` // 0 = не установлен
	Protected  bool    `json:"protected" db:"protected"`     // защита установлена на бирже

	// Состояние SL/TP движка
	HighestFavorablePct   float64 `json:"highest_favorable_pct" db:"highest_favorable_pct"` // максимум профита с открытия, %
	TakenLevels           uint32  `json:"taken_levels" db:"taken_levels"`                   // битовая маска взятых уровней partial-TP
	BreakevenArmed        bool    `json:"breakeven_armed" db:"breakeven_armed"`
	TrailingArmed         bool    `json:"trailing_armed" db:"trailing_armed"`
	ProtectionUpdateCount int     `json:"protection_update_count" db:"protection_update_count"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Статусы позиции в БД
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// IsOpen возвращает true пока позиция не закрыта полностью
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil && p.Quantity > 0
}

// FavorablePct возвращает профит в процентах от входа со знаком стороны:
// положительное значение = движение в пользу позиции.
func (p *Position) FavorablePct(mark float64) float64 {
	pct := utils.PercentChange(p.EntryPrice, mark)
	if p.Side == SideShort {
		return -pct
	}
	return pct
}

// LevelTaken проверяет взят ли уровень i лестницы partial-TP
func (p *Position) LevelTaken(i int) bool {
	return p.TakenLevels&(1<<uint(i)) != 0
}

// MarkLevelTaken отмечает уровень i как взятый
func (p *Position) MarkLevelTaken(i int) {
	p.TakenLevels |= 1 << uint(i)
}

// ValidateStopSide проверяет что SL находится на допустимой стороне от входа.
// afterLift=true означает что SL был намеренно перенесён за вход
// (breakeven/profit lock) - тогда проверка не применяется.
func (p *Position) ValidateStopSide(stopLoss float64, afterLift bool) error {
	if stopLoss <= 0 || afterLift {
		return nil
	}

	switch p.Side {
	case SideLong:
		if stopLoss >= p.EntryPrice {
			return fmt.Errorf("position %d: LONG stop %.8f not below entry %.8f", p.ID, stopLoss, p.EntryPrice)
		}
	case SideShort:
		if stopLoss <= p.EntryPrice {
			return fmt.Errorf("position %d: SHORT stop %.8f not above entry %.8f", p.ID, stopLoss, p.EntryPrice)
		}
	}
	return nil
}

// PositionView - позиция как её видит биржа (для сверки при старте
// и периодической reconciliation)
type PositionView struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // LONG, SHORT
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Liquidation   bool      `json:"liquidation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PriceTick - событие цены от WebSocket биржи
type PriceTick struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Mark      float64   `json:"mark"`
	Timestamp time.Time `json:"timestamp"`
}
