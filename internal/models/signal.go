package models

import (
	"fmt"
	"strings"
	"time"

	"tradecore/pkg/utils"
)

// Signal представляет торговый сигнал от внешнего продюсера
// (rule-based стратегия, ML-предиктор и т.д.)
//
// Сигнал неизменяем после принятия: дальнейшая жизнь идёт через Order/Position.
// Все enum-значения нормализуются к каноническому ВЕРХНЕМУ регистру на входе,
// потому что сигналы пересекают границы процессов ("long", "Long", "LONG").
type Signal struct {
	ID          int64     `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Side        string    `json:"side" db:"side"`           // LONG, SHORT
	StrategyID  string    `json:"strategy_id" db:"strategy_id"`
	Exchange    string    `json:"exchange" db:"exchange"`
	EntryPrice  float64   `json:"entry_price" db:"entry_price"`
	StopLoss    PriceHint `json:"stop_loss" db:"-"`
	TakeProfit  PriceHint `json:"take_profit" db:"-"`
	Confidence  float64   `json:"confidence" db:"confidence"` // [0,1]
	Leverage    int       `json:"leverage,omitempty" db:"leverage"`
	RiskProfile string    `json:"risk_profile,omitempty" db:"risk_profile"` // standard, conservative, very_conservative
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`

	// Опциональные ML-подсказки. Сырые компоненты сохраняются рядом
	// со скалярной confidence для диагностики модели.
	MLHints *MLHints `json:"ml_predictions,omitempty" db:"-"`
}

// MLHints - вероятности от ML-предиктора
type MLHints struct {
	ProfitProbability float64 `json:"profit_probability"`
	LossProbability   float64 `json:"loss_probability"`
	Confidence        float64 `json:"confidence"`
}

// PriceHint - подсказка SL/TP из сигнала: либо абсолютная цена,
// либо процент от цены входа. Ровно одна из форм должна быть задана.
type PriceHint struct {
	Price   float64 `json:"price,omitempty"`   // абсолютная цена
	Percent float64 `json:"percent,omitempty"` // процент от entry (положительный)
}

// IsAbsolute возвращает true если задана абсолютная форма
func (h PriceHint) IsAbsolute() bool {
	return h.Price > 0
}

// IsPercent возвращает true если задана процентная форма
func (h PriceHint) IsPercent() bool {
	return h.Percent > 0
}

// IsZero возвращает true если подсказка не задана вовсе
func (h PriceHint) IsZero() bool {
	return h.Price == 0 && h.Percent == 0
}

// Стороны позиции (канонический верхний регистр)
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Стороны ордера
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// NormalizeSide приводит сторону к каноническому верхнему регистру.
// Принимает любое написание ("long", "Buy", "SELL") с границ модулей.
func NormalizeSide(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Validate проверяет инварианты сигнала:
// - symbol проходит формат биржевого тикера (нормализуется)
// - side ∈ {LONG, SHORT}
// - confidence в [0,1]
// - для SL и TP задана ровно одна форма (цена или процент)
func (s *Signal) Validate() error {
	s.Symbol = utils.NormalizeSymbol(s.Symbol)
	if err := utils.ValidateSymbol(s.Symbol); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	s.Exchange = utils.NormalizeExchange(s.Exchange)

	side, err := NormalizeSide(s.Side)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if side != SideLong && side != SideShort {
		return fmt.Errorf("signal: side must be LONG or SHORT, got %q", s.Side)
	}
	s.Side = side

	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal: confidence %.4f out of range [0,1]", s.Confidence)
	}

	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal: entry price must be positive, got %.8f", s.EntryPrice)
	}

	if err := validateHint("stop_loss", s.StopLoss); err != nil {
		return err
	}
	if err := validateHint("take_profit", s.TakeProfit); err != nil {
		return err
	}

	// Нулевое плечо означает "взять значение из риск-профиля".
	if s.Leverage != 0 {
		if err := utils.ValidateLeverage(s.Leverage); err != nil {
			return fmt.Errorf("signal: %w", err)
		}
	}

	return nil
}

// validateHint проверяет что задана ровно одна форма подсказки
func validateHint(name string, h PriceHint) error {
	if h.IsAbsolute() && h.IsPercent() {
		return fmt.Errorf("signal: %s must carry either price or percent, not both", name)
	}
	if h.IsZero() {
		return fmt.Errorf("signal: %s is required (price or percent)", name)
	}
	return nil
}

// ResolvePrice возвращает абсолютную цену подсказки относительно fill-цены.
// Для SL: LONG → ниже цены, SHORT → выше. Для TP наоборот (isStop=false).
func (h PriceHint) ResolvePrice(side string, fillPrice float64, isStop bool) float64 {
	if h.IsAbsolute() {
		return h.Price
	}

	// SL для лонга и TP для шорта лежат ниже входа
	below := (side == SideLong) == isStop
	return utils.ApplyPercent(fillPrice, h.Percent, !below)
}
