// Package balance содержит леджер балансов с резервациями.
//
// Леджер - локальный кэш балансов бирж с атомарными холдами.
// Деньги считаются в decimal: накопление float-погрешностей
// в финансовой арифметике недопустимо.
package balance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

var (
	// ErrInsufficientFunds - запрошенная сумма превышает свободный остаток
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrReservationNotFound - резервация не существует
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationNotHeld - резервация уже завершена (committed/released)
	ErrReservationNotHeld = errors.New("reservation is not held")

	// ErrBalanceUnknown - по паре (биржа, валюта) нет кэшированного снимка
	ErrBalanceUnknown = errors.New("balance not cached")
)

// InsufficientFundsError уточняет ErrInsufficientFunds размером нехватки
type InsufficientFundsError struct {
	Exchange string
	Currency string
	Shortage decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s %s: short %s", e.Exchange, e.Currency, e.Shortage.String())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

type balanceKey struct {
	exchange string
	currency string
}

type balanceState struct {
	total     decimal.Decimal
	available decimal.Decimal
	locked    decimal.Decimal
	updatedAt time.Time
}

// Ledger - потокобезопасный леджер балансов.
// Один мьютекс покрывает снимки и резервации: проверка и вставка
// холда атомарны, читатели не видят частичных обновлений.
type Ledger struct {
	mu           sync.Mutex
	balances     map[balanceKey]*balanceState
	reservations map[string]*models.Reservation
	logger       *utils.Logger
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:     make(map[balanceKey]*balanceState),
		reservations: make(map[string]*models.Reservation),
		logger:       utils.L().WithComponent("balance"),
	}
}

// Update заменяет кэшированный снимок баланса данными с биржи.
// Резервации переживают обновление: это локальные намерения,
// биржа про них не знает.
func (l *Ledger) Update(exchange, currency string, total, available, locked decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{exchange, currency}
	l.balances[key] = &balanceState{
		total:     total,
		available: available,
		locked:    locked,
		updatedAt: time.Now().UTC(),
	}
}

// heldSumLocked - сумма активных холдов по паре (биржа, валюта)
func (l *Ledger) heldSumLocked(exchange, currency string) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range l.reservations {
		if r.State == models.ReservationHeld && r.Exchange == exchange && r.Currency == currency {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// Check проверяет достаточность свободного остатка без создания холда
func (l *Ledger) Check(exchange, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(exchange, currency, amount)
}

func (l *Ledger) checkLocked(exchange, currency string, amount decimal.Decimal) error {
	state, ok := l.balances[balanceKey{exchange, currency}]
	if !ok {
		return ErrBalanceUnknown
	}

	free := state.available.Sub(l.heldSumLocked(exchange, currency))
	if amount.GreaterThan(free) {
		return &InsufficientFundsError{
			Exchange: exchange,
			Currency: currency,
			Shortage: amount.Sub(free),
		}
	}
	return nil
}

// Reserve атомарно проверяет остаток и создаёт холд.
// purpose связывает холд с сигналом или ордером.
func (l *Ledger) Reserve(exchange, currency string, amount decimal.Decimal, purpose string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(exchange, currency, amount); err != nil {
		return "", err
	}

	id := uuid.New().String()
	l.reservations[id] = &models.Reservation{
		ID:        id,
		Exchange:  exchange,
		Currency:  currency,
		Amount:    amount,
		Purpose:   purpose,
		State:     models.ReservationHeld,
		CreatedAt: time.Now().UTC(),
	}

	l.logger.Debug("reservation held",
		zap.String("reservation_id", id),
		zap.String("exchange", exchange),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("purpose", purpose))

	return id, nil
}

// Commit фиксирует холд: сумма уходит из available.
// Следующая сверка с биржей подтвердит списание.
func (l *Ledger) Commit(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.State != models.ReservationHeld {
		return ErrReservationNotHeld
	}

	r.State = models.ReservationCommitted
	if state, ok := l.balances[balanceKey{r.Exchange, r.Currency}]; ok {
		state.available = state.available.Sub(r.Amount)
		if state.available.IsNegative() {
			state.available = decimal.Zero
		}
	}

	l.logger.Debug("reservation committed",
		zap.String("reservation_id", reservationID),
		zap.String("amount", r.Amount.String()))
	return nil
}

// Release снимает холд без движения баланса
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.State != models.ReservationHeld {
		return ErrReservationNotHeld
	}

	r.State = models.ReservationReleased

	l.logger.Debug("reservation released",
		zap.String("reservation_id", reservationID),
		zap.String("amount", r.Amount.String()))
	return nil
}

// Reservation возвращает копию резервации
func (l *Ledger) Reservation(reservationID string) (*models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

// Snapshot возвращает консистентный срез баланса с суммой холдов
func (l *Ledger) Snapshot(exchange, currency string) (*models.BalanceSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.balances[balanceKey{exchange, currency}]
	if !ok {
		return nil, ErrBalanceUnknown
	}

	return &models.BalanceSnapshot{
		Exchange:  exchange,
		Currency:  currency,
		Total:     state.total,
		Available: state.available,
		Locked:    state.locked,
		Reserved:  l.heldSumLocked(exchange, currency),
		UpdatedAt: state.updatedAt,
	}, nil
}

// PurgeFinished удаляет завершённые резервации старше maxAge.
// Возвращает число удалённых.
func (l *Ledger) PurgeFinished(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for id, r := range l.reservations {
		if r.State != models.ReservationHeld && r.CreatedAt.Before(cutoff) {
			delete(l.reservations, id)
			removed++
		}
	}
	return removed
}
