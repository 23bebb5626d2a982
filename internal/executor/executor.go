// Package executor превращает принятый торговый план в ордер на бирже
// и вешает защиту после исполнения.
//
// Гигиена резерваций - главный инвариант пакета: холд снимается при
// любом отказе до открытия позиции и НИКОГДА после (открытая позиция
// без защиты хуже, чем замороженный холд).
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/balance"
	"tradecore/internal/dedup"
	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
	"tradecore/pkg/utils"
)

var (
	// ErrNoGateway - биржа плана не сконфигурирована
	ErrNoGateway = errors.New("no gateway for exchange")

	// ErrOrderNotFilled - входной ордер не исполнился (IOC умер без филла)
	ErrOrderNotFilled = errors.New("entry order not filled")
)

// ExecError - терминальная ошибка исполнения с категорией биржи
type ExecError struct {
	Kind    exchange.ErrorKind
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution failed [%s]: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Config - параметры исполнителя
type Config struct {
	HedgeMode         bool
	MaxAttempts       int           // попыток при Throttled
	OrderTimeout      time.Duration // бюджет на один ордер
	MinNotionalMargin float64       // запас над минимальным нотионалом
	Currency          string        // валюта маржи
}

func DefaultExecConfig() Config {
	return Config{
		MaxAttempts:       4,
		OrderTimeout:      5 * time.Second,
		MinNotionalMargin: 0.1,
		Currency:          "USDT",
	}
}

// Result - итог исполнения плана
type Result struct {
	Order       *models.Order
	Position    *models.Position
	Protected   bool // защита установлена на бирже
	AdjustedQty bool // объём был подтянут к минимальному нотионалу
}

// Executor исполняет планы риск-движка
type Executor struct {
	cfg      Config
	gateways map[string]exchange.Gateway
	ledger   *balance.Ledger
	limiter  *ratelimit.Limiter
	orders   *repository.OrderRepository
	positions *repository.PositionRepository
	logger   *utils.Logger
}

func NewExecutor(
	cfg Config,
	gateways map[string]exchange.Gateway,
	ledger *balance.Ledger,
	limiter *ratelimit.Limiter,
	orders *repository.OrderRepository,
	positions *repository.PositionRepository,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	return &Executor{
		cfg:       cfg,
		gateways:  gateways,
		ledger:    ledger,
		limiter:   limiter,
		orders:    orders,
		positions: positions,
		logger:    utils.L().WithComponent("executor"),
	}
}

// acquireSlot ждёт допуска лимитера с джиттером поверх задержки
func (e *Executor) acquireSlot(ctx context.Context, exchangeName, class string, weight float64) error {
	for {
		delay := e.limiter.Acquire(exchangeName, class, weight)
		if delay == 0 {
			return nil
		}
		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
}

// marginFactor возвращает долю нотионала, блокируемую как маржа
func marginFactor(leverage int) float64 {
	if leverage <= 0 {
		return 1
	}
	return 1.0 / float64(leverage)
}

// Execute проводит план через полную цепочку:
// нотионал → холд → лимитер → ордер → позиция → защита → commit.
func (e *Executor) Execute(ctx context.Context, intent *risk.Intent) (*Result, error) {
	gw, ok := e.gateways[intent.Exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoGateway, intent.Exchange)
	}

	// 1. Эффективный объём с учётом минимального нотионала
	quantity := intent.Quantity
	adjusted := false
	var priceStep float64
	if limits, err := gw.GetLimits(ctx, intent.Symbol); err == nil {
		priceStep = limits.PriceStep
		q, bumped := utils.AdjustForMinNotional(quantity, intent.EntryPrice, limits.MinNotional, limits.QtyStep, e.cfg.MinNotionalMargin)
		if bumped {
			quantity, adjusted = q, true
		} else {
			quantity = utils.RoundToLotSize(quantity, limits.QtyStep)
		}
		if limits.MinOrderQty > 0 && quantity < limits.MinOrderQty {
			quantity = limits.MinOrderQty
			adjusted = true
		}
	}

	// 2. Холд маржи. Подтянутый объём резервируется целиком - если
	// остатка не хватает на скорректированный нотионал, сделка не идёт.
	reserveAmount := decimal.NewFromFloat(quantity * intent.EntryPrice * marginFactor(intent.Leverage))
	purpose := fmt.Sprintf("signal:%016x", dedup.Fingerprint(intent.Signal))

	reservationID, err := e.ledger.Reserve(intent.Exchange, e.cfg.Currency, reserveAmount, purpose)
	if err != nil {
		return nil, &ExecError{
			Kind:    exchange.KindInsufficientFunds,
			Message: err.Error(),
			Err:     err,
		}
	}

	result, err := e.submitEntry(ctx, gw, intent, quantity, priceStep, reservationID, adjusted)
	if err != nil {
		// Позиции нет - холд обязан быть снят
		if relErr := e.ledger.Release(reservationID); relErr != nil {
			e.logger.Error("failed to release reservation",
				zap.String("reservation_id", reservationID),
				zap.Error(relErr))
		}
		return nil, err
	}

	// 7. Защита. Провал НЕ снимает холд: позиция открыта, холд
	// отражает реально занятую маржу.
	protected := e.installProtection(ctx, gw, intent, result.Position)
	result.Protected = protected

	// 8. Фиксация холда
	if err := e.ledger.Commit(reservationID); err != nil {
		e.logger.Error("failed to commit reservation",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	}

	return result, nil
}

// submitEntry отправляет входной ордер и создаёт позицию.
// PositionModeMismatch повторяется один раз с другим слотом направления.
func (e *Executor) submitEntry(ctx context.Context, gw exchange.Gateway, intent *risk.Intent, quantity, priceStep float64, reservationID string, adjusted bool) (*Result, error) {
	fingerprint := dedup.Fingerprint(intent.Signal)
	hedge := e.cfg.HedgeMode
	modeRetried := false

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.acquireSlot(ctx, intent.Exchange, ratelimit.ClassOrder, 2); err != nil {
			return nil, err
		}

		positionSide := ""
		if hedge {
			positionSide = intent.Side
		}

		side := models.SideBuy
		if intent.Side == models.SideShort {
			side = models.SideSell
		}

		// Ключ включает номер попытки: повтор той же попытки
		// идемпотентен, новая попытка - новый ордер
		idemKey := fmt.Sprintf("%016x-%d", fingerprint, attempt)

		orderCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		ack, err := gw.PlaceOrder(orderCtx, &exchange.OrderRequest{
			Symbol:         intent.Symbol,
			Side:           side,
			PositionSide:   positionSide,
			Type:           exchange.OrderTypeMarket,
			Quantity:       quantity,
			Price:          intent.EntryPrice,
			IdempotencyKey: idemKey,
		})
		cancel()

		if err != nil {
			kind := exchange.KindOf(err)

			switch {
			case kind == exchange.KindPositionModeMismatch && !modeRetried:
				// Слот направления не совпал с режимом аккаунта:
				// пробуем противоположную схему один раз
				hedge = !hedge
				modeRetried = true
				e.logger.Warn("position mode mismatch, re-deriving slot",
					zap.String("symbol", intent.Symbol),
					zap.Bool("hedge", hedge))
				continue

			case kind == exchange.KindThrottled && attempt < e.cfg.MaxAttempts:
				backoff := time.Duration(attempt) * 500 * time.Millisecond
				jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff + jitter):
				}
				continue
			}

			return nil, &ExecError{Kind: kind, Message: err.Error(), Err: err}
		}

		return e.recordFill(intent, ack, quantity, priceStep, reservationID, adjusted)
	}

	return nil, &ExecError{Kind: exchange.KindThrottled, Message: "order attempts exhausted"}
}

// recordFill сохраняет ордер и открывает позицию по фактическому филлу
func (e *Executor) recordFill(intent *risk.Intent, ack *exchange.OrderAck, quantity, priceStep float64, reservationID string, adjusted bool) (*Result, error) {
	order := &models.Order{
		Exchange:        intent.Exchange,
		Symbol:          intent.Symbol,
		Side:            ack.Side,
		Type:            models.OrderTypeMarket,
		Quantity:        ack.Quantity,
		FilledQty:       ack.FilledQty,
		AvgFillPrice:    ack.AvgFillPrice,
		Status:          ack.Status,
		ReservationID:   reservationID,
		IdempotencyKey:  ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
	}
	if err := e.orders.Create(order); err != nil {
		e.logger.Error("failed to persist order", zap.Error(err))
	}

	// Маркет IOC либо исполнился, либо умер - нулевой филл терминален
	if ack.FilledQty <= 0 {
		return nil, &ExecError{
			Kind:    exchange.KindUnknown,
			Message: "entry order died without fill",
			Err:     ErrOrderNotFilled,
		}
	}

	fillPrice := ack.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = intent.EntryPrice
	}

	stopLoss, takeProfit := e.resolveProtection(intent, fillPrice, priceStep)

	position := &models.Position{
		Exchange:        intent.Exchange,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		StrategyID:      intent.Signal.StrategyID,
		EntryPrice:      fillPrice,
		Quantity:        ack.FilledQty,
		InitialQuantity: ack.FilledQty,
		Leverage:        intent.Leverage,
		StopLoss:        stopLoss,
		TakeProfit:      takeProfit,
	}
	if err := e.positions.Create(position); err != nil {
		e.logger.Error("failed to persist position", zap.Error(err))
	}

	if order.ID != 0 && position.ID != 0 {
		if err := e.orders.AttachPosition(order.ID, position.ID); err != nil {
			e.logger.Warn("failed to attach order to position", zap.Error(err))
		}
	}

	e.logger.Info("entry filled",
		zap.String("symbol", intent.Symbol),
		zap.String("side", intent.Side),
		zap.Float64("quantity", ack.FilledQty),
		zap.Float64("fill_price", fillPrice),
		zap.Bool("adjusted", adjusted))

	return &Result{Order: order, Position: position, AdjustedQty: adjusted}, nil
}

// resolveProtection переводит подсказки сигнала в абсолютные цены.
// Процентные подсказки считаются от фактической цены филла,
// абсолютные остаются как есть. Результат квантуется к шагу цены:
// биржа отклоняет уровни, не кратные шагу инструмента.
func (e *Executor) resolveProtection(intent *risk.Intent, fillPrice, priceStep float64) (float64, float64) {
	s := intent.Signal
	stopLoss := intent.StopLoss
	takeProfit := intent.TakeProfit

	if s.StopLoss.IsPercent() {
		stopLoss = s.StopLoss.ResolvePrice(intent.Side, fillPrice, true)
	}
	if s.TakeProfit.IsPercent() {
		takeProfit = s.TakeProfit.ResolvePrice(intent.Side, fillPrice, false)
	}
	return utils.RoundToTickSize(stopLoss, priceStep), utils.RoundToTickSize(takeProfit, priceStep)
}

// installProtection ставит SL/TP на бирже. Возвращает false при провале -
// позиция остаётся в репозитории как unprotected, движок защиты
// обязан добить установку.
func (e *Executor) installProtection(ctx context.Context, gw exchange.Gateway, intent *risk.Intent, position *models.Position) bool {
	if err := e.acquireSlot(ctx, intent.Exchange, ratelimit.ClassPosition, 1); err != nil {
		return false
	}

	positionSide := ""
	if e.cfg.HedgeMode {
		positionSide = intent.Side
	}

	err := gw.SetPositionProtection(ctx, &exchange.ProtectionRequest{
		Symbol:       position.Symbol,
		PositionSide: positionSide,
		StopLoss:     position.StopLoss,
		TakeProfit:   position.TakeProfit,
		HedgeMode:    e.cfg.HedgeMode,
	})
	if err != nil {
		e.logger.Error("CRITICAL: position opened without protection",
			zap.Int64("position_id", position.ID),
			zap.String("symbol", position.Symbol),
			zap.Error(err))
		return false
	}

	position.Protected = true
	position.ProtectionUpdateCount++
	if err := e.positions.UpdateProtection(position); err != nil {
		e.logger.Warn("failed to persist protection state", zap.Error(err))
	}

	e.logger.Info("protection installed",
		zap.Int64("position_id", position.ID),
		zap.Float64("stop_loss", position.StopLoss),
		zap.Float64("take_profit", position.TakeProfit))
	return true
}

// ModifyProtection переносит SL/TP существующей позиции.
// Единственная точка модификации защиты: сюда ходит движок SL/TP.
func (e *Executor) ModifyProtection(ctx context.Context, position *models.Position, stopLoss, takeProfit float64) error {
	gw, ok := e.gateways[position.Exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGateway, position.Exchange)
	}

	if err := e.acquireSlot(ctx, position.Exchange, ratelimit.ClassPosition, 1); err != nil {
		return err
	}

	positionSide := ""
	if e.cfg.HedgeMode {
		positionSide = position.Side
	}

	err := gw.SetPositionProtection(ctx, &exchange.ProtectionRequest{
		Symbol:       position.Symbol,
		PositionSide: positionSide,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		HedgeMode:    e.cfg.HedgeMode,
	})
	if err != nil {
		return err
	}

	if stopLoss > 0 {
		position.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		position.TakeProfit = takeProfit
	}
	position.Protected = true
	position.ProtectionUpdateCount++
	return e.positions.UpdateProtection(position)
}

// ClosePartial закрывает долю позиции reduce-only ордером
func (e *Executor) ClosePartial(ctx context.Context, position *models.Position, qty float64) error {
	gw, ok := e.gateways[position.Exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGateway, position.Exchange)
	}

	if err := e.acquireSlot(ctx, position.Exchange, ratelimit.ClassOrder, 2); err != nil {
		return err
	}

	positionSide := ""
	if e.cfg.HedgeMode {
		positionSide = position.Side
	}

	side := models.SideSell
	if position.Side == models.SideShort {
		side = models.SideBuy
	}

	idemKey := fmt.Sprintf("ptp-%d-%d-%d", position.ID, position.TakenLevels, time.Now().Unix())
	_, err := gw.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:         position.Symbol,
		Side:           side,
		PositionSide:   positionSide,
		Type:           exchange.OrderTypeMarket,
		Quantity:       qty,
		ReduceOnly:     true,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return err
	}

	position.Quantity -= qty
	if position.Quantity < 0 {
		position.Quantity = 0
	}
	return e.positions.UpdateQuantity(position.ID, position.Quantity)
}

// ForceClose закрывает позицию целиком (защитное действие движка SL/TP)
func (e *Executor) ForceClose(ctx context.Context, position *models.Position) error {
	gw, ok := e.gateways[position.Exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGateway, position.Exchange)
	}

	if err := e.acquireSlot(ctx, position.Exchange, ratelimit.ClassOrder, 2); err != nil {
		return err
	}

	// Сторона передаётся всегда: шлюз выводит из неё и направление
	// закрывающего ордера, и слот hedge-режима
	if err := gw.ClosePosition(ctx, position.Symbol, position.Side, 0); err != nil {
		return err
	}

	return e.positions.Close(position.ID, time.Now().UTC())
}
