// Package coordinator собирает торговый конвейер в единое целое:
// приём сигналов, дедупликация, риск-оценка, исполнение и передача
// открытых позиций монитору.
//
// Координатор - единственный писатель торгового состояния. Право на
// запись удерживается лизом trading-coordinator: второй экземпляр
// процесса завершается чисто, не трогая позиции.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/balance"
	"tradecore/internal/dedup"
	"tradecore/internal/exchange"
	"tradecore/internal/executor"
	"tradecore/internal/models"
	"tradecore/internal/monitor"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
	"tradecore/internal/worker"
	"tradecore/pkg/utils"
)

// LeaseRole - роль единственного пишущего координатора
const LeaseRole = "trading-coordinator"

var (
	// ErrBackpressure - конвейер заполнен, сигнал отклонён без обработки
	ErrBackpressure = errors.New("signal pipeline is full")

	// ErrShuttingDown - координатор в фазе остановки
	ErrShuttingDown = errors.New("coordinator is shutting down")

	// ErrLeaseTaken - роль уже удерживается другим процессом
	ErrLeaseTaken = errors.New("trading-coordinator lease is held by another process")
)

// Config - параметры координатора
type Config struct {
	MaxInFlight  int           // одновременно обрабатываемых сигналов
	NotifyBuffer int           // буфер канала уведомлений
	DrainTimeout time.Duration // бюджет ожидания in-flight при остановке
}

func DefaultConfig() Config {
	return Config{
		MaxInFlight:  32,
		NotifyBuffer: 256,
		DrainTimeout: 30 * time.Second,
	}
}

// Coordinator управляет конвейером сигнал → позиция
type Coordinator struct {
	cfg       Config
	dedup     *dedup.Deduplicator
	evaluator *risk.Evaluator
	executor  *executor.Executor
	monitor   *monitor.Monitor
	worker    *worker.Coordinator
	gateways  map[string]exchange.Gateway
	ledger    *balance.Ledger
	limiter   *ratelimit.Limiter
	signals   *repository.SignalRepository
	positions *repository.PositionRepository
	events    *repository.EventRepository

	slots         chan struct{} // ограничитель in-flight
	notifications chan *models.Notification
	inFlight      sync.WaitGroup

	mu        sync.Mutex
	draining  bool
	leaseLost bool
	dailyLoss float64
	lossDay   time.Time

	broadcast func(*models.Notification) // внешний наблюдатель (websocket hub)
	currency  string
	logger    *utils.Logger
}

func NewCoordinator(
	cfg Config,
	deduplicator *dedup.Deduplicator,
	evaluator *risk.Evaluator,
	exec *executor.Executor,
	mon *monitor.Monitor,
	workerCoord *worker.Coordinator,
	gateways map[string]exchange.Gateway,
	ledger *balance.Ledger,
	limiter *ratelimit.Limiter,
	signals *repository.SignalRepository,
	positions *repository.PositionRepository,
	events *repository.EventRepository,
) *Coordinator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	c := &Coordinator{
		cfg:           cfg,
		dedup:         deduplicator,
		evaluator:     evaluator,
		executor:      exec,
		monitor:       mon,
		worker:        workerCoord,
		gateways:      gateways,
		ledger:        ledger,
		limiter:       limiter,
		signals:       signals,
		positions:     positions,
		events:        events,
		slots:         make(chan struct{}, cfg.MaxInFlight),
		notifications: make(chan *models.Notification, cfg.NotifyBuffer),
		currency:      "USDT",
		logger:        utils.L().WithComponent("coordinator"),
	}

	mon.SetNotifier(c.tryEnqueue)
	mon.SetPnlRecorder(c.RecordRealizedPnl)
	return c
}

// SetBroadcast подключает внешнего наблюдателя событий
func (c *Coordinator) SetBroadcast(fn func(*models.Notification)) {
	c.broadcast = fn
}

// Run захватывает лиз и держит конвейер до отмены контекста.
// Возвращает ErrLeaseTaken если роль занята другим процессом.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := c.worker.Register(runCtx, LeaseRole, "", func() {
		// лиз потерян: мы больше не единственный писатель,
		// новые сигналы не принимаются
		c.mu.Lock()
		c.leaseLost = true
		c.mu.Unlock()
		c.logger.Error("CRITICAL: coordinator lease lost, stopping intake")
		cancel()
	})
	if err != nil {
		if errors.Is(err, worker.ErrRoleTaken) {
			c.logger.Info("another coordinator holds the lease, exiting cleanly")
			return ErrLeaseTaken
		}
		return fmt.Errorf("failed to register lease: %w", err)
	}

	c.logger.Info("trading coordinator started",
		zap.String("holder_id", c.worker.HolderID()),
		zap.Int("max_in_flight", c.cfg.MaxInFlight))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.notificationPump(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.worker.RunSweeper(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.monitor.Run(runCtx)
	}()

	// восстановление после рестарта: сверка позиций с биржами
	if err := c.Reconcile(runCtx); err != nil {
		c.logger.Error("startup reconciliation failed", zap.Error(err))
	}

	<-runCtx.Done()
	c.shutdown()
	wg.Wait()
	return nil
}

// shutdown останавливает приём и дожидается in-flight сигналов
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.draining = true
	leaseLost := c.leaseLost
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("all in-flight signals resolved")
	case <-time.After(c.cfg.DrainTimeout):
		c.logger.Warn("drain timeout reached, abandoning in-flight signals")
	}

	if !leaseLost {
		if err := c.worker.Release(LeaseRole); err != nil {
			c.logger.Warn("failed to release lease", zap.Error(err))
		}
	}
	c.worker.ReleaseAll()
}

// Submit принимает сигнал в конвейер. Неблокирующий: при заполненном
// конвейере возвращает ErrBackpressure, источник решает сам -
// повторить или выбросить.
func (c *Coordinator) Submit(ctx context.Context, s *models.Signal) error {
	c.mu.Lock()
	draining := c.draining || c.leaseLost
	c.mu.Unlock()
	if draining {
		return ErrShuttingDown
	}

	select {
	case c.slots <- struct{}{}:
	default:
		RecordSignal("backpressure")
		return ErrBackpressure
	}

	c.inFlight.Add(1)
	InFlightSignals.Inc()
	go func() {
		defer func() {
			<-c.slots
			c.inFlight.Done()
			InFlightSignals.Dec()
		}()
		c.process(ctx, s)
	}()
	return nil
}

// process проводит один сигнал через конвейер до терминального исхода
func (c *Coordinator) process(ctx context.Context, s *models.Signal) {
	start := time.Now()
	fingerprint := dedup.Fingerprint(s)

	// 1. Дедупликация в памяти
	if !c.dedup.Admit(s) {
		RecordSignal("duplicate")
		return
	}

	// 2. Персистентный журнал: отсекает дубликаты через перезапуск
	inserted, err := c.signals.Record(s, fingerprint)
	if err != nil {
		// журнал best-effort: сбой БД не блокирует торговлю
		c.logger.Warn("failed to journal signal", zap.Error(err))
	} else if !inserted {
		RecordSignal("duplicate")
		return
	}

	// 3. Риск-оценка
	portfolio, err := c.buildPortfolio(s.Exchange)
	if err != nil {
		c.logger.Error("failed to build portfolio state", zap.Error(err))
		RecordSignal("failed")
		return
	}

	intent, err := c.evaluator.Evaluate(s, portfolio)
	if err != nil {
		reason, _ := risk.IsRejection(err)
		c.logger.Info("signal rejected",
			zap.String("symbol", s.Symbol),
			zap.String("strategy", s.StrategyID),
			zap.String("reason", reason),
			zap.Error(err))
		RecordSignal("rejected")
		c.emit(nil, models.NotificationTypeRejected, models.SeverityInfo,
			fmt.Sprintf("%s %s rejected: %v", s.Symbol, s.Side, err),
			map[string]interface{}{"reason": reason, "strategy": s.StrategyID})
		return
	}

	RecordSignal("accepted")
	c.emit(nil, models.NotificationTypeAccepted, models.SeverityInfo,
		fmt.Sprintf("%s %s accepted: qty %.8f lev %dx", s.Symbol, s.Side, intent.Quantity, intent.Leverage),
		map[string]interface{}{"strategy": s.StrategyID, "confidence": s.Confidence})

	// 4. Исполнение
	execStart := time.Now()
	result, err := c.executor.Execute(ctx, intent)
	RecordStageLatency("execute", float64(time.Since(execStart).Milliseconds()))
	if err != nil {
		c.logger.Error("execution failed",
			zap.String("symbol", s.Symbol),
			zap.Error(err))
		RecordSignal("failed")
		c.emit(nil, models.NotificationTypeError, models.SeverityError,
			fmt.Sprintf("%s %s execution failed: %v", s.Symbol, s.Side, err), nil)
		return
	}

	c.emit(result.Position, models.NotificationTypeFilled, models.SeverityInfo,
		fmt.Sprintf("%s %s filled: %.8f @ %.8f", s.Symbol, s.Side,
			result.Position.Quantity, result.Position.EntryPrice), nil)

	// 5. Передача монитору: с этого момента позицией владеет движок защиты
	if err := c.monitor.Watch(result.Position, nil); err != nil {
		c.logger.Warn("failed to start watching position",
			zap.Int64("position_id", result.Position.ID),
			zap.Error(err))
	}

	if result.Protected {
		c.emit(result.Position, models.NotificationTypeProtected, models.SeverityInfo,
			fmt.Sprintf("%s protected: SL %.8f TP %.8f", s.Symbol,
				result.Position.StopLoss, result.Position.TakeProfit), nil)
	} else {
		c.emit(result.Position, models.NotificationTypeUnprotected, models.SeverityCritical,
			fmt.Sprintf("%s opened WITHOUT protection", s.Symbol), nil)
	}

	RecordStageLatency("total", float64(time.Since(start).Milliseconds()))
}

// buildPortfolio собирает срез портфеля для риск-оценки
func (c *Coordinator) buildPortfolio(exchangeName string) (*risk.PortfolioState, error) {
	open, err := c.positions.GetOpen()
	if err != nil {
		return nil, err
	}

	bySide := map[string]int{}
	var aggregateRisk float64
	for _, p := range open {
		bySide[p.Side]++
		if p.StopLoss > 0 {
			aggregateRisk += utils.Abs(p.EntryPrice-p.StopLoss) * p.Quantity
		}
	}

	var available float64
	if snap, err := c.ledger.Snapshot(exchangeName, c.currency); err == nil {
		available, _ = snap.Available.Float64()
	}

	return &risk.PortfolioState{
		Balance:           available,
		OpenPositions:     len(open),
		OpenBySide:        bySide,
		AggregateRisk:     aggregateRisk,
		DailyRealizedLoss: c.dailyRealizedLoss(),
	}, nil
}

// RecordRealizedPnl учитывает реализованный результат закрытия.
// Убыточные закрытия накапливаются в дневном счётчике, которым
// руководствуется дневной лимит потерь.
func (c *Coordinator) RecordRealizedPnl(pnl float64) {
	if pnl >= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	today := utils.GetDayStart()
	if !c.lossDay.Equal(today) {
		c.lossDay = today
		c.dailyLoss = 0
	}
	c.dailyLoss += -pnl
}

func (c *Coordinator) dailyRealizedLoss() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := utils.GetDayStart()
	if !c.lossDay.Equal(today) {
		return 0
	}
	return c.dailyLoss
}

// emit кладёт событие в канал уведомлений без блокировки
func (c *Coordinator) emit(p *models.Position, typ, severity, message string, meta map[string]interface{}) {
	n := &models.Notification{
		Timestamp: time.Now(),
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Meta:      meta,
	}
	if p != nil {
		id := p.ID
		n.PositionID = &id
	}
	c.tryEnqueue(n)
}

// tryEnqueue - неблокирующая отправка в канал уведомлений.
// Переполненный канал означает отставший потребитель: событие
// выбрасывается со счётчиком, конвейер не тормозится.
func (c *Coordinator) tryEnqueue(n *models.Notification) {
	select {
	case c.notifications <- n:
	default:
		RecordBufferOverflow("notification")
	}
}

// notificationPump персистит события и раздаёт их наблюдателям
func (c *Coordinator) notificationPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// дочитываем хвост перед выходом
			for {
				select {
				case n := <-c.notifications:
					c.dispatch(n)
				default:
					return
				}
			}
		case n := <-c.notifications:
			c.dispatch(n)
		}
	}
}

func (c *Coordinator) dispatch(n *models.Notification) {
	if err := c.events.Append(n); err != nil {
		c.logger.Warn("failed to persist event",
			zap.String("type", n.Type),
			zap.Error(err))
	}
	if c.broadcast != nil {
		c.broadcast(n)
	}
}

// Stats - срез состояния конвейера для API
type Stats struct {
	InFlight    int         `json:"in_flight"`
	Draining    bool        `json:"draining"`
	LeaseHeld   bool        `json:"lease_held"`
	Dedup       dedup.Stats `json:"dedup"`
	HolderID    string      `json:"holder_id"`
	MaxInFlight int         `json:"max_in_flight"`
}

// Stats возвращает моментальное состояние координатора
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	draining, leaseLost := c.draining, c.leaseLost
	c.mu.Unlock()

	return Stats{
		InFlight:    len(c.slots),
		Draining:    draining,
		LeaseHeld:   !leaseLost,
		Dedup:       c.dedup.Stats(),
		HolderID:    c.worker.HolderID(),
		MaxInFlight: c.cfg.MaxInFlight,
	}
}
