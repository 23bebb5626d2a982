package models

import (
	"fmt"
	"sort"
)

// ProtectionPlan - план эволюции защиты позиции.
// Собирается из дефолтов стратегии и подсказок сигнала при открытии
// и дальше не меняется; меняется только состояние Position.
type ProtectionPlan struct {
	// Начальные дистанции от цены входа, % (используются если сигнал
	// не принёс абсолютных цен)
	InitialStopPct float64 `json:"initial_stop_pct"`
	InitialTakePct float64 `json:"initial_take_pct"`

	Trailing   TrailingConfig  `json:"trailing"`
	Breakeven  BreakevenConfig `json:"breakeven"`
	ProfitLock []LockLevel     `json:"profit_lock"` // отсортированы по Trigger
	PartialTP  []PartialLevel  `json:"partial_tp"`  // отсортированы по Trigger

	// Максимум модификаций защиты на позицию. После исчерпания
	// trailing/lock/breakeven отключаются, partial-TP продолжается.
	MaxProtectionUpdates int `json:"max_protection_updates"`
}

// TrailingConfig - конфигурация трейлинг-стопа
type TrailingConfig struct {
	Enabled          bool    `json:"enabled"`
	ActivationProfit float64 `json:"activation_profit"` // % профита для активации
	Distance         float64 `json:"distance"`          // дистанция от максимума, %
	Step             float64 `json:"step"`              // минимальный шаг переноса SL, %
}

// BreakevenConfig - конфигурация переноса в безубыток
type BreakevenConfig struct {
	Enabled          bool    `json:"enabled"`
	ActivationProfit float64 `json:"activation_profit"` // % профита для активации
	Offset           float64 `json:"offset"`            // отступ от входа в профитную сторону, %
}

// LockLevel - ступень фиксации профита:
// при достижении Trigger SL должен быть не хуже Locked (% от входа)
type LockLevel struct {
	Trigger float64 `json:"trigger"`
	Locked  float64 `json:"locked"`
}

// PartialLevel - ступень лестницы частичного тейк-профита:
// при достижении Trigger закрывается Fraction от начального размера
type PartialLevel struct {
	Trigger  float64 `json:"trigger"`
	Fraction float64 `json:"fraction"`
}

// Validate проверяет инварианты плана:
// - ступени лестниц отсортированы по Trigger строго по возрастанию
// - сумма долей partial-TP ≤ 1
// - locked < trigger для каждой ступени profit lock
func (p *ProtectionPlan) Validate() error {
	if !sort.SliceIsSorted(p.PartialTP, func(i, j int) bool {
		return p.PartialTP[i].Trigger < p.PartialTP[j].Trigger
	}) {
		return fmt.Errorf("protection plan: partial TP ladder not sorted by trigger")
	}

	if !sort.SliceIsSorted(p.ProfitLock, func(i, j int) bool {
		return p.ProfitLock[i].Trigger < p.ProfitLock[j].Trigger
	}) {
		return fmt.Errorf("protection plan: profit lock ladder not sorted by trigger")
	}

	var totalFraction float64
	for i, lvl := range p.PartialTP {
		if lvl.Fraction <= 0 || lvl.Fraction > 1 {
			return fmt.Errorf("protection plan: partial TP level %d fraction %.4f out of (0,1]", i, lvl.Fraction)
		}
		if lvl.Trigger <= 0 {
			return fmt.Errorf("protection plan: partial TP level %d trigger must be positive", i)
		}
		totalFraction += lvl.Fraction
	}
	// допускаем крошечную погрешность float при сумме ровно 1.0
	if totalFraction > 1.0+1e-9 {
		return fmt.Errorf("protection plan: partial TP fractions sum %.4f exceeds 1", totalFraction)
	}

	for i, lvl := range p.ProfitLock {
		if lvl.Trigger <= 0 {
			return fmt.Errorf("protection plan: profit lock level %d trigger must be positive", i)
		}
		if lvl.Locked >= lvl.Trigger {
			return fmt.Errorf("protection plan: profit lock level %d locks %.2f%% at trigger %.2f%%", i, lvl.Locked, lvl.Trigger)
		}
	}

	if p.Trailing.Enabled && p.Trailing.Distance <= 0 {
		return fmt.Errorf("protection plan: trailing distance must be positive")
	}
	if p.Breakeven.Enabled && p.Breakeven.ActivationProfit <= 0 {
		return fmt.Errorf("protection plan: breakeven activation must be positive")
	}

	return nil
}
