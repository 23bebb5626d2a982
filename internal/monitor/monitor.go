// Package monitor связывает потоки биржевых данных с движком защиты.
//
// Монитор - единственный продакшен-вызыватель движка SL/TP: тики цен
// раскладываются по воркерам на символ (модификации одной позиции
// никогда не конкурируют), события ордеров сверяют состояние в БД,
// а периодический обход гарантирует прогресс при потере событий стрима.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/protection"
	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

// Config - параметры монитора
type Config struct {
	SweepInterval time.Duration // период принудительного обхода позиций
	QueueSize     int           // буфер тиков на символ
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		QueueSize:     64,
	}
}

// Monitor следит за открытыми позициями: цены, ордера, периодический обход
type Monitor struct {
	cfg       Config
	engine    *protection.Engine
	gateways  map[string]exchange.Gateway
	orders    *repository.OrderRepository
	positions *repository.PositionRepository

	mu         sync.Mutex
	workers    map[string]chan float64 // exchange/symbol → очередь тиков
	subscribed map[string]bool         // exchange/symbol с активной подпиской
	wsStarted  map[string]bool         // биржи с запущенным потоком ордеров
	lastMark   map[string]float64

	runCtx    context.Context
	stopCh    chan struct{}
	wg        sync.WaitGroup
	notify    func(*models.Notification)
	recordPnl func(float64)
	dropped   uint64 // тики, выброшенные из переполненных очередей
	logger    *utils.Logger
}

func NewMonitor(
	cfg Config,
	engine *protection.Engine,
	gateways map[string]exchange.Gateway,
	orders *repository.OrderRepository,
	positions *repository.PositionRepository,
) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Monitor{
		cfg:        cfg,
		engine:     engine,
		gateways:   gateways,
		orders:     orders,
		positions:  positions,
		workers:    make(map[string]chan float64),
		subscribed: make(map[string]bool),
		wsStarted:  make(map[string]bool),
		lastMark:   make(map[string]float64),
		stopCh:     make(chan struct{}),
		logger:     utils.L().WithComponent("monitor"),
	}
}

// SetNotifier подключает канал уведомлений. Движок защиты
// генерирует собственные события, поэтому получает тот же канал.
func (m *Monitor) SetNotifier(fn func(*models.Notification)) {
	m.notify = fn
	m.engine.SetNotifier(fn)
}

// SetPnlRecorder подключает приёмник реализованного PnL.
// Вызывается на каждое биржевое сокращение позиции.
func (m *Monitor) SetPnlRecorder(fn func(float64)) {
	m.recordPnl = fn
}

func key(exchangeName, symbol string) string {
	return exchangeName + "/" + symbol
}

// Watch ставит позицию под наблюдение: движок защиты + подписка на цены
func (m *Monitor) Watch(position *models.Position, plan *models.ProtectionPlan) error {
	m.engine.Track(position, plan)
	return m.ensureStreams(position.Exchange, position.Symbol)
}

// ensureStreams поднимает подписку на цены символа и поток ордеров биржи
func (m *Monitor) ensureStreams(exchangeName, symbol string) error {
	gw, ok := m.gateways[exchangeName]
	if !ok {
		return nil
	}

	m.mu.Lock()
	k := key(exchangeName, symbol)
	needPrices := !m.subscribed[k]
	if needPrices {
		m.subscribed[k] = true
	}
	needOrders := !m.wsStarted[exchangeName]
	if needOrders {
		m.wsStarted[exchangeName] = true
	}
	if _, ok := m.workers[k]; !ok {
		ch := make(chan float64, m.cfg.QueueSize)
		m.workers[k] = ch
		m.wg.Add(1)
		go m.priceWorker(exchangeName, symbol, ch)
	}
	m.mu.Unlock()

	if needOrders {
		if err := gw.SubscribeOrderUpdates(func(upd *exchange.OrderUpdate) {
			m.handleOrderUpdate(exchangeName, upd)
		}); err != nil {
			m.mu.Lock()
			m.wsStarted[exchangeName] = false
			m.mu.Unlock()
			return err
		}
	}

	if needPrices {
		if err := gw.SubscribePrices([]string{symbol}, func(t *exchange.Ticker) {
			m.onTicker(exchangeName, t)
		}); err != nil {
			m.mu.Lock()
			m.subscribed[k] = false
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// onTicker кладёт тик в очередь воркера символа.
// Очередь полна - тик выбрасывается: цены самоустаревающие,
// следующий тик принесёт более свежее значение.
func (m *Monitor) onTicker(exchangeName string, t *exchange.Ticker) {
	mark := t.MarkPrice
	if mark <= 0 {
		mark = t.LastPrice
	}
	if mark <= 0 {
		return
	}

	m.mu.Lock()
	ch := m.workers[key(exchangeName, t.Symbol)]
	m.lastMark[key(exchangeName, t.Symbol)] = mark
	m.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- mark:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// priceWorker - последовательная обработка тиков одного символа
func (m *Monitor) priceWorker(exchangeName, symbol string, ch chan float64) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case mark := <-ch:
			m.engine.OnPrice(m.tickCtx(), exchangeName, symbol, mark)
		}
	}
}

// tickCtx возвращает контекст запуска (до Run - Background)
func (m *Monitor) tickCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// handleOrderUpdate сверяет событие исполнения с состоянием в БД.
//
// Известный ордер - обновление строки с проверкой монотонности статуса.
// Неизвестный исполненный ордер - биржевое срабатывание SL/TP:
// уменьшаем позицию противоположной стороны.
func (m *Monitor) handleOrderUpdate(exchangeName string, upd *exchange.OrderUpdate) {
	if upd.ClientOrderID != "" {
		order, err := m.orders.GetByIdempotencyKey(upd.ClientOrderID)
		if err == nil {
			m.reconcileKnown(order, upd)
			return
		}
		if err != repository.ErrOrderNotFound {
			m.logger.Error("order lookup failed",
				zap.String("client_order_id", upd.ClientOrderID),
				zap.Error(err))
			return
		}
	}

	if upd.Status == models.OrderStatusFilled {
		m.reconcileExchangeClose(exchangeName, upd)
	}
}

func (m *Monitor) reconcileKnown(order *models.Order, upd *exchange.OrderUpdate) {
	if !models.CanTransitionOrderStatus(order.Status, upd.Status) {
		return
	}

	var filledAt *time.Time
	if upd.Status == models.OrderStatusFilled {
		ts := upd.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		filledAt = &ts
	}

	if err := m.orders.UpdateStatus(order.ID, upd.Status, upd.FilledQty, upd.AvgFillPrice, filledAt); err != nil {
		m.logger.Error("failed to reconcile order status",
			zap.Int64("order_id", order.ID),
			zap.String("status", upd.Status),
			zap.Error(err))
	}
}

// reconcileExchangeClose обрабатывает исполнение, инициированное биржей
// (сработавший SL или TP): позиция уменьшается или закрывается.
func (m *Monitor) reconcileExchangeClose(exchangeName string, upd *exchange.OrderUpdate) {
	closedSide := models.SideLong
	if upd.Side == models.SideBuy {
		closedSide = models.SideShort
	}

	open, err := m.positions.GetOpenBySymbol(exchangeName, upd.Symbol)
	if err != nil {
		m.logger.Error("failed to load positions for reconciliation",
			zap.String("symbol", upd.Symbol),
			zap.Error(err))
		return
	}

	qty := upd.LastFillQty
	if qty <= 0 {
		qty = upd.FilledQty
	}

	for _, p := range open {
		if p.Side != closedSide || qty <= 0 {
			continue
		}

		take := qty
		if take > p.Quantity {
			take = p.Quantity
		}
		qty -= take
		p.Quantity -= take

		if m.recordPnl != nil && upd.AvgFillPrice > 0 {
			m.recordPnl(utils.CalculatePNL(p.Side, p.EntryPrice, upd.AvgFillPrice, take))
		}

		if p.Quantity > 1e-12 {
			if err := m.positions.UpdateQuantity(p.ID, p.Quantity); err != nil {
				m.logger.Error("failed to persist reduced quantity",
					zap.Int64("position_id", p.ID),
					zap.Error(err))
			}
			continue
		}

		if err := m.positions.Close(p.ID, time.Now().UTC()); err != nil && err != repository.ErrPositionNotFound {
			m.logger.Error("failed to close position",
				zap.Int64("position_id", p.ID),
				zap.Error(err))
		}
		m.engine.Forget(p.ID)

		m.logger.Info("position closed by exchange",
			zap.Int64("position_id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.Float64("fill_price", upd.AvgFillPrice))
		m.emit(p, models.NotificationTypeSL, models.SeverityWarn,
			p.Symbol+" closed by exchange-side protection")
	}
}

// Sweep принудительно прогоняет движок по всем открытым позициям.
// Идемпотентность переходов делает обход безопасным: пропущенное
// событие стрима навёрстывается, повторное - не срабатывает дважды.
func (m *Monitor) Sweep(ctx context.Context) {
	open, err := m.positions.GetOpen()
	if err != nil {
		m.logger.Error("sweep: failed to load open positions", zap.Error(err))
		return
	}

	for _, p := range open {
		if err := m.Watch(p, nil); err != nil {
			m.logger.Warn("sweep: failed to ensure streams",
				zap.String("symbol", p.Symbol),
				zap.Error(err))
		}

		m.mu.Lock()
		mark := m.lastMark[key(p.Exchange, p.Symbol)]
		m.mu.Unlock()
		if mark > 0 {
			m.engine.TickPosition(ctx, p.ID, mark)
		}
	}
}

// Run крутит периодический обход и добивание защиты до отмены контекста
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.engine.RunUnprotectedLoop(ctx)
	}()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			close(m.stopCh)
			m.wg.Wait()
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// DroppedTicks возвращает число тиков, выброшенных из переполненных очередей
func (m *Monitor) DroppedTicks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Monitor) emit(p *models.Position, typ, severity, message string) {
	if m.notify == nil {
		return
	}
	id := p.ID
	m.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       typ,
		Severity:   severity,
		PositionID: &id,
		Message:    message,
	})
}
