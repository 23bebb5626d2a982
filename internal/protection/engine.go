// Package protection реализует движок эволюции защиты позиций (SL/TP).
//
// На каждый тик цены движок проводит позицию через цепочку переходов:
// лестница частичных тейков → трейлинг-стоп → фиксация профита → безубыток.
// За один тик выполняется максимум одна модификация - иначе лестница
// переходов за одну свечу сжигает лимиты API.
package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

// Actuator - операции над живой позицией. Все модификации защиты и
// закрытия идут через исполнителя: он владеет лимитером и персистентностью.
type Actuator interface {
	ModifyProtection(ctx context.Context, position *models.Position, stopLoss, takeProfit float64) error
	ClosePartial(ctx context.Context, position *models.Position, qty float64) error
	ForceClose(ctx context.Context, position *models.Position) error
}

// Config - параметры движка защиты
type Config struct {
	DefaultPlan models.ProtectionPlan

	RetryBase time.Duration // стартовый backoff после Throttled/Network
	RetryMax  time.Duration // потолок backoff

	// UnprotectedRetryFreq - период добивания защиты на позициях,
	// оставшихся без SL/TP после открытия
	UnprotectedRetryFreq time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultPlan: models.ProtectionPlan{
			InitialStopPct: 3.0,
			InitialTakePct: 6.0,
			Trailing: models.TrailingConfig{
				Enabled:          true,
				ActivationProfit: 1.5,
				Distance:         0.8,
				Step:             0.2,
			},
			Breakeven: models.BreakevenConfig{
				Enabled:          true,
				ActivationProfit: 1.0,
				Offset:           0.1,
			},
			ProfitLock: []models.LockLevel{
				{Trigger: 2.0, Locked: 1.0},
				{Trigger: 4.0, Locked: 2.5},
			},
			PartialTP: []models.PartialLevel{
				{Trigger: 3.0, Fraction: 0.3},
				{Trigger: 6.0, Fraction: 0.3},
			},
			MaxProtectionUpdates: 8,
		},
		RetryBase:            time.Second,
		RetryMax:             time.Minute,
		UnprotectedRetryFreq: 5 * time.Second,
	}
}

// tracked - позиция под управлением движка
type tracked struct {
	mu       sync.Mutex // сериализует тики: ценовой воркер и обход монитора
	position *models.Position
	plan     *models.ProtectionPlan

	retryAt time.Time // до этого момента модификации не отправляются
	backoff int       // подряд идущие retryable-сбои
}

// Engine ведёт state machine защиты для каждой отслеживаемой позиции
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	actuator  Actuator
	positions *repository.PositionRepository
	byID      map[int64]*tracked
	bySymbol  map[string]map[int64]*tracked // exchange/symbol → позиции

	notify func(*models.Notification)
	now    func() time.Time
	logger *utils.Logger
}

func NewEngine(cfg Config, actuator Actuator, positions *repository.PositionRepository) *Engine {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	if cfg.UnprotectedRetryFreq <= 0 {
		cfg.UnprotectedRetryFreq = 5 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		actuator:  actuator,
		positions: positions,
		byID:      make(map[int64]*tracked),
		bySymbol:  make(map[string]map[int64]*tracked),
		now:       time.Now,
		logger:    utils.L().WithComponent("protection"),
	}
}

// SetNotifier подключает канал уведомлений о событиях защиты
func (e *Engine) SetNotifier(fn func(*models.Notification)) {
	e.notify = fn
}

func symbolKey(exchange, symbol string) string {
	return exchange + "/" + symbol
}

// Track ставит позицию под управление движка. План nil или невалидный
// заменяется дефолтным. Повторный Track уже отслеживаемой позиции
// игнорируется: состояние в памяти (backoff, взятые уровни) свежее,
// чем строка из БД.
func (e *Engine) Track(position *models.Position, plan *models.ProtectionPlan) {
	if plan == nil {
		p := e.cfg.DefaultPlan
		plan = &p
	} else if err := plan.Validate(); err != nil {
		e.logger.Error("invalid protection plan, falling back to default",
			zap.Int64("position_id", position.ID),
			zap.Error(err))
		p := e.cfg.DefaultPlan
		plan = &p
	}

	t := &tracked{position: position, plan: plan}
	key := symbolKey(position.Exchange, position.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[position.ID]; ok {
		return
	}
	e.byID[position.ID] = t
	if e.bySymbol[key] == nil {
		e.bySymbol[key] = make(map[int64]*tracked)
	}
	e.bySymbol[key][position.ID] = t
}

// Forget снимает позицию с управления
func (e *Engine) Forget(positionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgetLocked(positionID)
}

func (e *Engine) forgetLocked(positionID int64) {
	t, ok := e.byID[positionID]
	if !ok {
		return
	}
	delete(e.byID, positionID)
	key := symbolKey(t.position.Exchange, t.position.Symbol)
	if m := e.bySymbol[key]; m != nil {
		delete(m, positionID)
		if len(m) == 0 {
			delete(e.bySymbol, key)
		}
	}
}

// Tracked возвращает число позиций под управлением
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// Symbols возвращает отслеживаемые символы по биржам
// (для подписок монитора на цены)
func (e *Engine) Symbols() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, t := range e.byID {
		key := symbolKey(t.position.Exchange, t.position.Symbol)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[t.position.Exchange] = append(out[t.position.Exchange], t.position.Symbol)
	}
	return out
}

// OnPrice проводит тик движка для всех позиций символа.
// Конкурирующие тики одной позиции (ценовой воркер и периодический
// обход) сериализуются внутри tick.
func (e *Engine) OnPrice(ctx context.Context, exchangeName, symbol string, mark float64) {
	e.mu.Lock()
	var list []*tracked
	if m := e.bySymbol[symbolKey(exchangeName, symbol)]; m != nil {
		list = make([]*tracked, 0, len(m))
		for _, t := range m {
			list = append(list, t)
		}
	}
	e.mu.Unlock()

	for _, t := range list {
		e.tick(ctx, t, mark)
	}
}

// TickPosition проводит один тик для конкретной позиции
// (периодический обход монитора)
func (e *Engine) TickPosition(ctx context.Context, positionID int64, mark float64) {
	e.mu.Lock()
	t, ok := e.byID[positionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.tick(ctx, t, mark)
}

// tick - один проход state machine. Переходы строго в порядке:
// partial-TP → trailing → profit lock → breakeven; первый сработавший
// переход завершает тик. Тики одной позиции сериализуются через t.mu:
// ценовой воркер и периодический обход монитора могут прийти одновременно.
func (e *Engine) tick(ctx context.Context, t *tracked, mark float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.position
	if !p.IsOpen() {
		e.Forget(p.ID)
		return
	}
	if mark <= 0 {
		return
	}

	fav := p.FavorablePct(mark)
	stateDirty := false
	if fav > p.HighestFavorablePct {
		p.HighestFavorablePct = fav
		stateDirty = true
	}
	highest := p.HighestFavorablePct

	// backoff после Throttled/Network: максимум профита продолжает
	// накапливаться, но на биржу не ходим
	if e.now().Before(t.retryAt) {
		if stateDirty {
			e.persistState(p)
		}
		return
	}

	// 1. Лестница частичных тейков. Рассматривается только следующая
	// невзятая ступень.
	for i, lvl := range t.plan.PartialTP {
		if p.LevelTaken(i) {
			continue
		}
		if fav >= lvl.Trigger {
			e.takePartial(ctx, t, i, lvl)
			return
		}
		break
	}

	// Исчерпание лимита модификаций отключает переносы стопа,
	// лестница частичных тейков выше продолжает работать
	capped := t.plan.MaxProtectionUpdates > 0 && p.ProtectionUpdateCount >= t.plan.MaxProtectionUpdates
	if capped {
		if stateDirty {
			e.persistState(p)
		}
		return
	}

	// 2. Трейлинг-стоп
	if tr := t.plan.Trailing; tr.Enabled && highest >= tr.ActivationProfit {
		if !p.TrailingArmed {
			p.TrailingArmed = true
			stateDirty = true
		}
		candidate := priceAtProfit(p, highest-tr.Distance)
		if moreProtective(p, candidate) && stepSatisfied(p, candidate, tr.Step) {
			e.moveStop(ctx, t, candidate, models.NotificationTypeTrailing)
			return
		}
	}

	// 3. Фиксация профита: берётся самая высокая достигнутая ступень
	var lockPct float64
	lockFound := false
	for _, lvl := range t.plan.ProfitLock {
		if highest >= lvl.Trigger {
			lockPct = lvl.Locked
			lockFound = true
		}
	}
	if lockFound {
		candidate := priceAtProfit(p, lockPct)
		if moreProtective(p, candidate) {
			e.moveStop(ctx, t, candidate, models.NotificationTypeProfitLock)
			return
		}
	}

	// 4. Безубыток. Однократный и необратимый.
	if be := t.plan.Breakeven; be.Enabled && !p.BreakevenArmed && highest >= be.ActivationProfit {
		candidate := priceAtProfit(p, be.Offset)
		if moreProtective(p, candidate) {
			p.BreakevenArmed = true
			e.moveStop(ctx, t, candidate, models.NotificationTypeBreakeven)
			return
		}
		// стоп уже защищённее безубытка - просто фиксируем флаг
		p.BreakevenArmed = true
		stateDirty = true
	}

	if stateDirty {
		e.persistState(p)
	}
}

// takePartial закрывает долю позиции по ступени лестницы
func (e *Engine) takePartial(ctx context.Context, t *tracked, level int, lvl models.PartialLevel) {
	p := t.position

	qty := lvl.Fraction * p.InitialQuantity
	if qty > p.Quantity {
		qty = p.Quantity
	}
	if qty <= 0 {
		return
	}

	if err := e.actuator.ClosePartial(ctx, p, qty); err != nil {
		e.handleFailure(ctx, t, err, "partial take-profit")
		return
	}

	t.backoff = 0
	p.MarkLevelTaken(level)
	e.persistState(p)

	e.logger.Info("partial take-profit executed",
		zap.Int64("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Int("level", level),
		zap.Float64("quantity", qty),
		zap.Float64("remaining", p.Quantity))
	e.emit(p, models.NotificationTypePartialTP, models.SeverityInfo,
		fmt.Sprintf("level %d taken: closed %.8f %s", level, qty, p.Symbol))

	if !p.IsOpen() {
		e.Forget(p.ID)
	}
}

// moveStop переносит SL через исполнителя
func (e *Engine) moveStop(ctx context.Context, t *tracked, stopLoss float64, event string) {
	p := t.position
	prev := p.StopLoss

	if err := e.actuator.ModifyProtection(ctx, p, stopLoss, 0); err != nil {
		e.handleFailure(ctx, t, err, event)
		return
	}

	t.backoff = 0
	e.logger.Info("stop moved",
		zap.Int64("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("event", event),
		zap.Float64("from", prev),
		zap.Float64("to", stopLoss))
	e.emit(p, event, models.SeverityInfo,
		fmt.Sprintf("%s: stop %.8f → %.8f", p.Symbol, prev, stopLoss))
}

// handleFailure разводит сбои модификации по категориям:
// Throttled/Network - повтор с экспоненциальным backoff,
// InvalidParams - защитное закрытие (стоп уже пробит рынком),
// остальное - лог и ожидание следующего тика.
func (e *Engine) handleFailure(ctx context.Context, t *tracked, err error, action string) {
	p := t.position
	kind := exchange.KindOf(err)

	switch kind {
	case exchange.KindThrottled, exchange.KindNetwork:
		t.backoff++
		delay := e.cfg.RetryBase << uint(t.backoff-1)
		if delay > e.cfg.RetryMax {
			delay = e.cfg.RetryMax
		}
		t.retryAt = e.now().Add(delay)
		e.logger.Warn("protection update deferred",
			zap.Int64("position_id", p.ID),
			zap.String("action", action),
			zap.Duration("retry_in", delay),
			zap.Error(err))

	case exchange.KindInvalidParams:
		e.logger.Error("CRITICAL: protection update rejected, closing position defensively",
			zap.Int64("position_id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.String("action", action),
			zap.Error(err))
		e.emit(p, models.NotificationTypeError, models.SeverityCritical,
			fmt.Sprintf("%s rejected for %s, defensive close", action, p.Symbol))

		if closeErr := e.actuator.ForceClose(ctx, p); closeErr != nil {
			e.logger.Error("defensive close failed",
				zap.Int64("position_id", p.ID),
				zap.Error(closeErr))
			return
		}
		e.emit(p, models.NotificationTypeClose, models.SeverityWarn,
			fmt.Sprintf("%s closed defensively", p.Symbol))
		e.Forget(p.ID)

	default:
		e.logger.Error("protection update failed",
			zap.Int64("position_id", p.ID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// RetryUnprotected добивает установку SL/TP на позициях без защиты
func (e *Engine) RetryUnprotected(ctx context.Context) {
	list, err := e.positions.GetUnprotected()
	if err != nil {
		e.logger.Error("failed to list unprotected positions", zap.Error(err))
		return
	}

	for _, p := range list {
		plan := &e.cfg.DefaultPlan
		e.mu.Lock()
		t := e.byID[p.ID]
		if t != nil {
			// у отслеживаемой позиции состояние в памяти свежее
			p = t.position
			plan = t.plan
		}
		e.mu.Unlock()

		e.retryProtection(ctx, t, p, plan)
	}
}

// retryProtection - одна попытка установки защиты. Для отслеживаемой
// позиции берёт её мьютекс, чтобы не конкурировать с тиками.
func (e *Engine) retryProtection(ctx context.Context, t *tracked, p *models.Position, plan *models.ProtectionPlan) {
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	stopLoss := p.StopLoss
	takeProfit := p.TakeProfit
	if stopLoss <= 0 && plan.InitialStopPct > 0 {
		stopLoss = priceAtProfit(p, -plan.InitialStopPct)
	}
	if takeProfit <= 0 && plan.InitialTakePct > 0 {
		takeProfit = priceAtProfit(p, plan.InitialTakePct)
	}

	if err := e.actuator.ModifyProtection(ctx, p, stopLoss, takeProfit); err != nil {
		e.logger.Error("CRITICAL: position still unprotected",
			zap.Int64("position_id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.Error(err))
		e.emit(p, models.NotificationTypeUnprotected, models.SeverityCritical,
			fmt.Sprintf("%s has no protection on exchange", p.Symbol))
		return
	}

	e.logger.Info("protection recovered",
		zap.Int64("position_id", p.ID),
		zap.String("symbol", p.Symbol))
	e.emit(p, models.NotificationTypeProtected, models.SeverityInfo,
		fmt.Sprintf("%s protection installed after retry", p.Symbol))
}

// RunUnprotectedLoop крутит RetryUnprotected до отмены контекста
func (e *Engine) RunUnprotectedLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.UnprotectedRetryFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RetryUnprotected(ctx)
		}
	}
}

func (e *Engine) persistState(p *models.Position) {
	if err := e.positions.UpdateProtection(p); err != nil {
		e.logger.Warn("failed to persist protection state",
			zap.Int64("position_id", p.ID),
			zap.Error(err))
	}
}

func (e *Engine) emit(p *models.Position, typ, severity, message string) {
	if e.notify == nil {
		return
	}
	id := p.ID
	e.notify(&models.Notification{
		Timestamp:  e.now(),
		Type:       typ,
		Severity:   severity,
		PositionID: &id,
		Message:    message,
	})
}

// priceAtProfit возвращает цену на profitPct процентов профита от входа
// (отрицательное значение - цена в убыточной стороне)
func priceAtProfit(p *models.Position, profitPct float64) float64 {
	return utils.ApplyPercent(p.EntryPrice, profitPct, p.Side != models.SideShort)
}

// moreProtective проверяет что кандидат строго защищённее текущего SL
func moreProtective(p *models.Position, stopLoss float64) bool {
	if stopLoss <= 0 {
		return false
	}
	if p.StopLoss <= 0 {
		return true
	}
	if p.Side == models.SideShort {
		return stopLoss < p.StopLoss
	}
	return stopLoss > p.StopLoss
}

// stepSatisfied проверяет минимальный шаг переноса трейлинг-стопа
func stepSatisfied(p *models.Position, candidate, stepPct float64) bool {
	if stepPct <= 0 || p.StopLoss <= 0 || p.EntryPrice <= 0 {
		return true
	}
	movedPct := utils.Abs(candidate-p.StopLoss) / p.EntryPrice * 100.0
	return movedPct >= stepPct
}
