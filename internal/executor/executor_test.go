package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"tradecore/internal/balance"
	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
)

// fakeGateway - управляемый шлюз для тестов исполнителя
type fakeGateway struct {
	placeErr      error
	placeErrOnce  bool // placeErr только на первый вызов
	protectionErr error
	fillPrice     float64
	priceStep     float64 // 0 = шаг цены 0.1

	placedOrders    []*exchange.OrderRequest
	protectionCalls []*exchange.ProtectionRequest
	closedPositions int
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.placedOrders = append(f.placedOrders, req)
	if f.placeErr != nil {
		err := f.placeErr
		if f.placeErrOnce {
			f.placeErr = nil
		}
		return nil, err
	}
	fill := f.fillPrice
	if fill == 0 {
		fill = 50000
	}
	return &exchange.OrderAck{
		ExchangeOrderID: "ex-1",
		ClientOrderID:   req.IdempotencyKey,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          exchange.OrderStatusFilled,
		Quantity:        req.Quantity,
		FilledQty:       req.Quantity,
		AvgFillPrice:    fill,
		CreatedAt:       time.Now(),
	}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error { return nil }

func (f *fakeGateway) SetPositionProtection(ctx context.Context, req *exchange.ProtectionRequest) error {
	f.protectionCalls = append(f.protectionCalls, req)
	return f.protectionErr
}

func (f *fakeGateway) ClosePosition(ctx context.Context, symbol, positionSide string, qty float64) error {
	f.closedPositions++
	return nil
}

func (f *fakeGateway) FetchPositions(ctx context.Context) ([]*exchange.PositionInfo, error) {
	return nil, nil
}

func (f *fakeGateway) FetchBalance(ctx context.Context) (*exchange.BalanceInfo, error) {
	return &exchange.BalanceInfo{Asset: "USDT", Total: 10000, Available: 10000}, nil
}

func (f *fakeGateway) GetLimits(ctx context.Context, symbol string) (*exchange.Limits, error) {
	step := f.priceStep
	if step == 0 {
		step = 0.1
	}
	return &exchange.Limits{
		Symbol:      symbol,
		MinOrderQty: 0.001,
		QtyStep:     0.001,
		MinNotional: 5.0,
		PriceStep:   step,
	}, nil
}

func (f *fakeGateway) SubscribePrices(symbols []string, cb func(*exchange.Ticker)) error { return nil }

func (f *fakeGateway) SubscribeOrderUpdates(cb func(*exchange.OrderUpdate)) error { return nil }

func (f *fakeGateway) Close() error { return nil }

// testExecutor собирает исполнитель с фейковым шлюзом.
// Репозитории работают поверх пустого sqlmock: сбои персистентности
// исполнитель переживает по дизайну, тесты проверяют торговую логику.
func testExecutor(t *testing.T, gw exchange.Gateway) (*Executor, *balance.Ledger) {
	t.Helper()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger := balance.NewLedger()
	ledger.Update("fake", "USDT", decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.Zero)

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	exec := NewExecutor(
		DefaultExecConfig(),
		map[string]exchange.Gateway{"fake": gw},
		ledger,
		limiter,
		repository.NewOrderRepository(db),
		repository.NewPositionRepository(db),
	)
	return exec, ledger
}

func testIntent() *risk.Intent {
	return &risk.Intent{
		Signal: &models.Signal{
			Symbol:     "BTCUSDT",
			Side:       "LONG",
			StrategyID: "momentum",
			Exchange:   "fake",
			EntryPrice: 50000,
			StopLoss:   models.PriceHint{Percent: 3},
			TakeProfit: models.PriceHint{Percent: 5},
			Confidence: 0.8,
			Timestamp:  time.Now(),
		},
		Exchange:   "fake",
		Symbol:     "BTCUSDT",
		Side:       "LONG",
		Quantity:   0.02,
		Leverage:   3,
		EntryPrice: 50000,
		StopLoss:   48500,
		TakeProfit: 52500,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	gw := &fakeGateway{}
	exec, ledger := testExecutor(t, gw)

	result, err := exec.Execute(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Execute вернул ошибку: %v", err)
	}

	if !result.Protected {
		t.Error("защита должна быть установлена")
	}
	if len(gw.placedOrders) != 1 {
		t.Fatalf("ожидался 1 ордер, размещено %d", len(gw.placedOrders))
	}
	if len(gw.protectionCalls) != 1 {
		t.Fatalf("ожидался 1 вызов защиты, сделано %d", len(gw.protectionCalls))
	}

	// SL/TP пересчитаны от цены филла (3% и 5% от 50000)
	p := gw.protectionCalls[0]
	if p.StopLoss != 48500 || p.TakeProfit != 52500 {
		t.Errorf("защита SL=%v TP=%v, ожидалось 48500/52500", p.StopLoss, p.TakeProfit)
	}

	// Холд зафиксирован: available уменьшился на маржу
	snap, _ := ledger.Snapshot("fake", "USDT")
	if !snap.Reserved.IsZero() {
		t.Errorf("активных холдов быть не должно: %s", snap.Reserved)
	}
	if snap.Available.GreaterThanOrEqual(decimal.NewFromInt(10000)) {
		t.Error("commit должен уменьшить available")
	}
}

func TestExecuteRejectionReleasesReservation(t *testing.T) {
	gw := &fakeGateway{
		placeErr: exchange.NewError("fake", "110007", "insufficient balance", exchange.KindInsufficientFunds),
	}
	exec, ledger := testExecutor(t, gw)

	_, err := exec.Execute(context.Background(), testIntent())
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}

	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != exchange.KindInsufficientFunds {
		t.Errorf("ожидался ExecError/INSUFFICIENT_FUNDS, получено %v", err)
	}

	// Отказ до открытия позиции: холд снят, остаток не тронут
	snap, _ := ledger.Snapshot("fake", "USDT")
	if !snap.Reserved.IsZero() {
		t.Errorf("холд должен быть снят: %s", snap.Reserved)
	}
	if !snap.Available.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("available = %s, ожидалось 10000", snap.Available)
	}
}

func TestExecuteProtectionFailureKeepsReservation(t *testing.T) {
	gw := &fakeGateway{
		protectionErr: exchange.NewError("fake", "10001", "bad params", exchange.KindInvalidParams),
	}
	exec, ledger := testExecutor(t, gw)

	result, err := exec.Execute(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("открытая позиция без защиты - не ошибка исполнения: %v", err)
	}

	if result.Protected {
		t.Error("защита не должна считаться установленной")
	}
	if result.Position == nil {
		t.Fatal("позиция должна существовать")
	}
	if result.Position.Protected {
		t.Error("позиция должна быть помечена незащищённой")
	}

	// Холд НЕ снят - зафиксирован (позиция реально открыта)
	snap, _ := ledger.Snapshot("fake", "USDT")
	if snap.Available.Equal(decimal.NewFromInt(10000)) {
		t.Error("commit обязан пройти даже при провале защиты")
	}
}

func TestExecutePositionModeMismatchRetriesOnce(t *testing.T) {
	gw := &fakeGateway{
		placeErr:     exchange.NewError("fake", "110025", "position mode mismatch", exchange.KindPositionModeMismatch),
		placeErrOnce: true,
	}
	exec, _ := testExecutor(t, gw)

	result, err := exec.Execute(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("повтор с другим слотом должен пройти: %v", err)
	}
	if result.Position == nil {
		t.Fatal("позиция должна быть открыта")
	}

	if len(gw.placedOrders) != 2 {
		t.Fatalf("ожидалось 2 попытки, сделано %d", len(gw.placedOrders))
	}
	// Слот направления изменился между попытками
	if gw.placedOrders[0].PositionSide == gw.placedOrders[1].PositionSide {
		t.Error("повтор обязан использовать другой слот направления")
	}
	// Ключ идемпотентности новой попытки отличается
	if gw.placedOrders[0].IdempotencyKey == gw.placedOrders[1].IdempotencyKey {
		t.Error("новая попытка должна нести новый ключ идемпотентности")
	}
}

func TestExecutePositionModeMismatchSurfacesAfterRetry(t *testing.T) {
	gw := &fakeGateway{
		placeErr: exchange.NewError("fake", "110025", "position mode mismatch", exchange.KindPositionModeMismatch),
	}
	exec, ledger := testExecutor(t, gw)

	_, err := exec.Execute(context.Background(), testIntent())

	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != exchange.KindPositionModeMismatch {
		t.Errorf("после повтора ошибка должна всплыть, получено %v", err)
	}
	if len(gw.placedOrders) != 2 {
		t.Errorf("ровно один повтор: сделано %d попыток", len(gw.placedOrders))
	}

	snap, _ := ledger.Snapshot("fake", "USDT")
	if !snap.Reserved.IsZero() {
		t.Error("холд должен быть снят после терминального отказа")
	}
}

func TestExecuteInsufficientLedgerFunds(t *testing.T) {
	gw := &fakeGateway{}
	exec, ledger := testExecutor(t, gw)
	ledger.Update("fake", "USDT", decimal.NewFromInt(10), decimal.NewFromInt(10), decimal.Zero)

	_, err := exec.Execute(context.Background(), testIntent())

	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != exchange.KindInsufficientFunds {
		t.Errorf("ожидался INSUFFICIENT_FUNDS от леджера, получено %v", err)
	}
	if len(gw.placedOrders) != 0 {
		t.Error("без холда ордер не должен отправляться")
	}
}

func TestExecuteMinNotionalAdjustment(t *testing.T) {
	gw := &fakeGateway{}
	exec, _ := testExecutor(t, gw)

	intent := testIntent()
	intent.Quantity = 0.00001 // нотионал 0.5 < минимум 5

	result, err := exec.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("Execute вернул ошибку: %v", err)
	}

	if !result.AdjustedQty {
		t.Error("объём должен быть помечен скорректированным")
	}
	placed := gw.placedOrders[0]
	notional := placed.Quantity * intent.EntryPrice
	if notional < 5.0*1.1 {
		t.Errorf("нотионал %v ниже минимума с запасом 10%%", notional)
	}
}

func TestModifyProtectionCountsUpdates(t *testing.T) {
	gw := &fakeGateway{}
	exec, _ := testExecutor(t, gw)

	p := &models.Position{
		ID:         1,
		Exchange:   "fake",
		Symbol:     "BTCUSDT",
		Side:       "LONG",
		EntryPrice: 50000,
		Quantity:   0.02,
		StopLoss:   48500,
	}

	if err := exec.ModifyProtection(context.Background(), p, 49000, 0); err != nil {
		// Персистентность на пустом sqlmock падает, но биржевой вызов
		// и локальное состояние обязаны отработать
		t.Logf("persistence error tolerated: %v", err)
	}

	if p.StopLoss != 49000 {
		t.Errorf("StopLoss = %v, ожидалось 49000", p.StopLoss)
	}
	if p.ProtectionUpdateCount != 1 {
		t.Errorf("ProtectionUpdateCount = %d, ожидалось 1", p.ProtectionUpdateCount)
	}
	if len(gw.protectionCalls) != 1 {
		t.Errorf("ожидался 1 вызов защиты, сделано %d", len(gw.protectionCalls))
	}
}

func TestExecuteQuantizesProtectionToPriceStep(t *testing.T) {
	// филл пришёл не по плановой цене: 3%/5% от него дают уровни,
	// не кратные шагу цены, и перед отправкой они квантуются к шагу
	gw := &fakeGateway{fillPrice: 50001, priceStep: 0.5}
	exec, _ := testExecutor(t, gw)

	result, err := exec.Execute(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Execute вернул ошибку: %v", err)
	}

	if len(gw.protectionCalls) != 1 {
		t.Fatalf("ожидался 1 вызов защиты, сделано %d", len(gw.protectionCalls))
	}
	p := gw.protectionCalls[0]
	// сырые уровни 48500.97 и 52501.05 ложатся на шаг 0.5
	if p.StopLoss != 48501.0 || p.TakeProfit != 52501.0 {
		t.Errorf("защита SL=%v TP=%v, ожидалось 48501/52501", p.StopLoss, p.TakeProfit)
	}
	if result.Position.StopLoss != 48501.0 || result.Position.TakeProfit != 52501.0 {
		t.Errorf("позиция SL=%v TP=%v, ожидалось 48501/52501",
			result.Position.StopLoss, result.Position.TakeProfit)
	}
}
