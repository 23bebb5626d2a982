package protection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/repository"
)

// fakeActuator записывает вызовы движка и отдаёт заскриптованные ошибки
type fakeActuator struct {
	mu         sync.Mutex
	modifyErr  error
	partialErr error
	closeErr   error

	modifies    []modifyCall
	partials    []partialCall
	forceCloses []int64
}

type modifyCall struct {
	positionID int64
	stopLoss   float64
	takeProfit float64
}

type partialCall struct {
	positionID int64
	qty        float64
}

func (f *fakeActuator) ModifyProtection(ctx context.Context, p *models.Position, stopLoss, takeProfit float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, modifyCall{p.ID, stopLoss, takeProfit})
	if f.modifyErr != nil {
		return f.modifyErr
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	p.Protected = true
	p.ProtectionUpdateCount++
	return nil
}

func (f *fakeActuator) ClosePartial(ctx context.Context, p *models.Position, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, partialCall{p.ID, qty})
	if f.partialErr != nil {
		return f.partialErr
	}
	p.Quantity -= qty
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	return nil
}

func (f *fakeActuator) ForceClose(ctx context.Context, p *models.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCloses = append(f.forceCloses, p.ID)
	if f.closeErr != nil {
		return f.closeErr
	}
	now := time.Now()
	p.ClosedAt = &now
	p.Quantity = 0
	return nil
}

// testEngine собирает движок с фейковым актуатором и фиксируемыми часами.
// Репозиторий поверх пустого sqlmock: persistState переживает сбои БД.
func testEngine(t *testing.T, act *fakeActuator, plan models.ProtectionPlan) (*Engine, *time.Time) {
	t.Helper()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.DefaultPlan = plan

	engine := NewEngine(cfg, act, repository.NewPositionRepository(db))
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return clock }
	return engine, &clock
}


// approx сравнивает цены с допуском на float-погрешность
func approx(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}

func longPosition() *models.Position {
	return &models.Position{
		ID:              7,
		Exchange:        "bybit",
		Symbol:          "BTCUSDT",
		Side:            models.SideLong,
		EntryPrice:      50000,
		Quantity:        0.1,
		InitialQuantity: 0.1,
		Leverage:        3,
		StopLoss:        48500,
		TakeProfit:      55000,
		Protected:       true,
	}
}

func trailingOnlyPlan() models.ProtectionPlan {
	return models.ProtectionPlan{
		Trailing: models.TrailingConfig{
			Enabled:          true,
			ActivationProfit: 1.0,
			Distance:         0.5,
			Step:             0.1,
		},
		MaxProtectionUpdates: 10,
	}
}

func TestTrailingMovesStopAfterActivation(t *testing.T) {
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, trailingOnlyPlan())

	p := longPosition()
	engine.Track(p, nil)

	// профит 0.5% - до активации, модификаций нет
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 50250)
	if len(act.modifies) != 0 {
		t.Fatalf("трейлинг не должен срабатывать до активации: %d вызовов", len(act.modifies))
	}

	// профит 2%: SL = цена профита (2 − 0.5)% = 50750
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)
	if len(act.modifies) != 1 {
		t.Fatalf("ожидался 1 перенос, сделано %d", len(act.modifies))
	}
	if got := act.modifies[0].stopLoss; !approx(got, 50750) {
		t.Errorf("SL = %v, ожидалось 50750", got)
	}
	if !p.TrailingArmed {
		t.Error("TrailingArmed должен взвестись")
	}
}

func TestTrailingNeverLowersStop(t *testing.T) {
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, trailingOnlyPlan())

	p := longPosition()
	engine.Track(p, nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000) // SL → 50750
	// откат цены: максимум профита не падает, SL не трогается
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 50400)

	if len(act.modifies) != 1 {
		t.Fatalf("откат не должен двигать SL: %d вызовов", len(act.modifies))
	}
	if p.HighestFavorablePct != 2.0 {
		t.Errorf("максимум профита = %v, ожидалось 2.0", p.HighestFavorablePct)
	}
}

func TestTickIdempotentOnSamePrice(t *testing.T) {
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, trailingOnlyPlan())

	engine.Track(longPosition(), nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)

	// второй тик той же цены не порождает вторую модификацию
	if len(act.modifies) != 1 {
		t.Fatalf("повторный тик должен быть no-op: %d вызовов", len(act.modifies))
	}
}

func TestPartialLadderExactTriggerBoundary(t *testing.T) {
	plan := models.ProtectionPlan{
		PartialTP: []models.PartialLevel{
			{Trigger: 2.0, Fraction: 0.3},
			{Trigger: 4.0, Fraction: 0.3},
		},
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	engine.Track(p, nil)

	// чуть ниже триггера - ступень не берётся
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 50999)
	if len(act.partials) != 0 {
		t.Fatalf("ступень взята ниже триггера")
	}

	// ровно на триггере 2% - берётся (границы включительны)
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)
	if len(act.partials) != 1 {
		t.Fatalf("ступень должна взяться ровно на триггере")
	}
	if got := act.partials[0].qty; got != 0.3*0.1 {
		t.Errorf("объём = %v, ожидалось 0.03", got)
	}
	if !p.LevelTaken(0) || p.LevelTaken(1) {
		t.Errorf("битовая маска = %b, ожидался только бит 0", p.TakenLevels)
	}

	// повтор на том же уровне - ступень уже взята
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)
	if len(act.partials) != 1 {
		t.Fatalf("взятая ступень не должна браться повторно")
	}
}

func TestOneModificationPerTick(t *testing.T) {
	// цена прыгает сразу за обе ступени и за активацию трейлинга:
	// за один тик выполняется ровно одно действие - первая ступень
	plan := models.ProtectionPlan{
		PartialTP: []models.PartialLevel{
			{Trigger: 1.0, Fraction: 0.2},
			{Trigger: 2.0, Fraction: 0.2},
		},
		Trailing: models.TrailingConfig{
			Enabled:          true,
			ActivationProfit: 0.5,
			Distance:         0.3,
		},
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)
	engine.Track(longPosition(), nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 52000) // +4%

	if got := len(act.partials) + len(act.modifies); got != 1 {
		t.Fatalf("за тик допустима ровно одна модификация, сделано %d", got)
	}
	if len(act.partials) != 1 {
		t.Error("первой должна идти лестница частичных тейков")
	}

	// следующий тик той же цены берёт вторую ступень
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 52000)
	if len(act.partials) != 2 {
		t.Errorf("вторая ступень должна взяться следующим тиком")
	}
}

func TestProfitLockUsesHighestReachedLevel(t *testing.T) {
	plan := models.ProtectionPlan{
		ProfitLock: []models.LockLevel{
			{Trigger: 2.0, Locked: 1.0},
			{Trigger: 4.0, Locked: 2.5},
		},
		MaxProtectionUpdates: 10,
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	engine.Track(p, nil)

	// +5%: достигнуты обе ступени, фиксируется более высокая (2.5%)
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 52500)

	if len(act.modifies) != 1 {
		t.Fatalf("ожидался 1 перенос, сделано %d", len(act.modifies))
	}
	if got := act.modifies[0].stopLoss; !approx(got, 51250) {
		t.Errorf("SL = %v, ожидалось 51250 (профит 2.5%%)", got)
	}
}

func TestBreakevenFiresOnceAndNeverUndone(t *testing.T) {
	plan := models.ProtectionPlan{
		Breakeven: models.BreakevenConfig{
			Enabled:          true,
			ActivationProfit: 1.0,
			Offset:           0.1,
		},
		MaxProtectionUpdates: 10,
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	p.StopLoss = 48500
	engine.Track(p, nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 50500) // +1%
	if len(act.modifies) != 1 {
		t.Fatalf("безубыток должен сработать на активации")
	}
	if got := act.modifies[0].stopLoss; !approx(got, 50050) {
		t.Errorf("SL = %v, ожидалось 50050 (вход +0.1%%)", got)
	}
	if !p.BreakevenArmed {
		t.Error("BreakevenArmed должен взвестись")
	}

	// откат в минус не отменяет безубыток
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 49500)
	if len(act.modifies) != 1 {
		t.Errorf("безубыток необратим: %d вызовов", len(act.modifies))
	}
}

func TestUpdateCapDisablesTrailingOnly(t *testing.T) {
	plan := models.ProtectionPlan{
		PartialTP: []models.PartialLevel{
			{Trigger: 3.0, Fraction: 0.3},
		},
		Trailing: models.TrailingConfig{
			Enabled:          true,
			ActivationProfit: 0.5,
			Distance:         0.3,
		},
		MaxProtectionUpdates: 2,
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	p.ProtectionUpdateCount = 2 // лимит исчерпан
	engine.Track(p, nil)

	// +1%: трейлинг активен, но лимит выбран - переноса нет
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 50500)
	if len(act.modifies) != 0 {
		t.Fatalf("лимит модификаций должен блокировать трейлинг")
	}

	// +3%: лестница частичных тейков работает несмотря на лимит
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51500)
	if len(act.partials) != 1 {
		t.Errorf("partial-TP должен работать после исчерпания лимита")
	}
}

func TestThrottledFailureBacksOff(t *testing.T) {
	act := &fakeActuator{
		modifyErr: exchange.NewError("bybit", "10006", "too many visits", exchange.KindThrottled),
	}
	engine, clock := testEngine(t, act, trailingOnlyPlan())
	engine.Track(longPosition(), nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)
	if len(act.modifies) != 1 {
		t.Fatalf("первая попытка должна уйти на биржу")
	}

	// до истечения backoff повторов нет
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51100)
	if len(act.modifies) != 1 {
		t.Fatalf("во время backoff модификации заморожены")
	}

	// после истечения backoff движок пробует снова
	*clock = clock.Add(2 * time.Second)
	act.modifyErr = nil
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51100)
	if len(act.modifies) != 2 {
		t.Errorf("после backoff должен быть повтор, сделано %d вызовов", len(act.modifies))
	}
}

func TestInvalidParamsForcesDefensiveClose(t *testing.T) {
	act := &fakeActuator{
		modifyErr: exchange.NewError("bybit", "10001", "sl below mark", exchange.KindInvalidParams),
	}
	engine, _ := testEngine(t, act, trailingOnlyPlan())

	var critical []string
	engine.SetNotifier(func(n *models.Notification) {
		if n.Severity == models.SeverityCritical {
			critical = append(critical, n.Type)
		}
	})

	p := longPosition()
	engine.Track(p, nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51000)

	if len(act.forceCloses) != 1 || act.forceCloses[0] != p.ID {
		t.Fatalf("InvalidParams обязан вести к защитному закрытию")
	}
	if engine.Tracked() != 0 {
		t.Error("закрытая позиция должна сниматься с отслеживания")
	}
	if len(critical) == 0 {
		t.Error("критическое событие должно быть отправлено")
	}
}

func TestShortSideMirrors(t *testing.T) {
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, trailingOnlyPlan())

	p := longPosition()
	p.Side = models.SideShort
	p.StopLoss = 51500
	p.TakeProfit = 47000
	engine.Track(p, nil)

	// для SHORT профит - падение цены: −2% = 49000,
	// SL = цена профита 1.5% = 49250
	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 49000)

	if len(act.modifies) != 1 {
		t.Fatalf("ожидался 1 перенос, сделано %d", len(act.modifies))
	}
	if got := act.modifies[0].stopLoss; !approx(got, 49250) {
		t.Errorf("SL = %v, ожидалось 49250", got)
	}
}

func TestRetryUnprotectedResolvesInitialLevels(t *testing.T) {
	act := &fakeActuator{}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cfg := DefaultConfig()
	cfg.DefaultPlan = models.ProtectionPlan{
		InitialStopPct: 2.0,
		InitialTakePct: 4.0,
	}
	engine := NewEngine(cfg, act, repository.NewPositionRepository(db))

	rows := sqlmock.NewRows([]string{
		"id", "exchange", "symbol", "side", "strategy_id", "entry_price",
		"quantity", "initial_quantity", "leverage", "stop_loss", "take_profit",
		"protected", "highest_favorable_pct", "taken_levels", "breakeven_armed",
		"trailing_armed", "protection_update_count", "created_at", "updated_at", "closed_at",
	}).AddRow(
		9, "bybit", "ETHUSDT", "LONG", "momentum", 2000.0,
		1.0, 1.0, 3, 0.0, 0.0,
		false, 0.0, int64(0), false,
		false, 0, time.Now(), time.Now(), nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(rows)

	engine.RetryUnprotected(context.Background())

	if len(act.modifies) != 1 {
		t.Fatalf("ожидалась 1 установка защиты, сделано %d", len(act.modifies))
	}
	call := act.modifies[0]
	if !approx(call.stopLoss, 1960) {
		t.Errorf("SL = %v, ожидалось 1960 (вход −2%%)", call.stopLoss)
	}
	if !approx(call.takeProfit, 2080) {
		t.Errorf("TP = %v, ожидалось 2080 (вход +4%%)", call.takeProfit)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConcurrentTicksTakeLevelOnce(t *testing.T) {
	// ценовой воркер и периодический обход монитора тикают одну позицию
	// одновременно: ступень лестницы должна взяться ровно один раз
	plan := models.ProtectionPlan{
		PartialTP: []models.PartialLevel{
			{Trigger: 2.0, Fraction: 0.3},
		},
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	engine.Track(p, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51500) // +3%
		}()
		go func() {
			defer wg.Done()
			<-start
			engine.TickPosition(context.Background(), p.ID, 51500)
		}()
	}
	close(start)
	wg.Wait()

	if len(act.partials) != 1 {
		t.Fatalf("ступень взята %d раз, ожидался ровно 1", len(act.partials))
	}
	if !p.LevelTaken(0) {
		t.Error("бит ступени 0 не выставлен")
	}
}

func TestRepeatTrackKeepsInMemoryState(t *testing.T) {
	// обход монитора перечитывает позиции из БД и ставит их под
	// управление повторно: состояние в памяти не должно затираться
	// строкой из БД (там может не быть взятых ступеней после сбоя записи)
	plan := models.ProtectionPlan{
		PartialTP: []models.PartialLevel{
			{Trigger: 2.0, Fraction: 0.3},
		},
	}
	act := &fakeActuator{}
	engine, _ := testEngine(t, act, plan)

	p := longPosition()
	engine.Track(p, nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51500)
	if len(act.partials) != 1 {
		t.Fatalf("ступень не взята: %d вызовов", len(act.partials))
	}

	// свежая строка из БД: тот же ID, но TakenLevels нулевой
	stale := longPosition()
	engine.Track(stale, nil)

	engine.OnPrice(context.Background(), "bybit", "BTCUSDT", 51500)
	if len(act.partials) != 1 {
		t.Fatalf("взятая ступень взята повторно после повторного Track")
	}
	if !p.LevelTaken(0) {
		t.Error("в памяти потерян бит взятой ступени")
	}
}
