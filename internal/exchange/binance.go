package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"tradecore/pkg/utils"
)

// Binance реализует Gateway для Binance USDT-M Futures
// поверх официального SDK adshao/go-binance.
//
// В отличие от Bybit у Binance нет нативного trading-stop для позиции:
// защита эмулируется парой reduce-only ордеров STOP_MARKET и
// TAKE_PROFIT_MARKET с closePosition=true.
type Binance struct {
	client    *futures.Client
	hedgeMode bool
	logger    *utils.Logger

	// Активные защитные ордера по ключу symbol:side,
	// старые отменяются перед установкой новых уровней
	protectionOrders   map[string]binanceProtectionIDs
	protectionOrdersMu sync.Mutex

	limitsCache   map[string]*Limits
	limitsCacheMu sync.RWMutex

	tickerCallback func(*Ticker)
	orderCallback  func(*OrderUpdate)
	callbackMu     sync.RWMutex

	wsStops   []chan struct{}
	wsStopsMu sync.Mutex

	closeChan chan struct{}
	closeOnce sync.Once
}

type binanceProtectionIDs struct {
	stopLossID   int64
	takeProfitID int64
}

func NewBinance(apiKey, secretKey string, testnet, hedgeMode bool) *Binance {
	futures.UseTestnet = testnet
	return &Binance{
		client:           futures.NewClient(apiKey, secretKey),
		hedgeMode:        hedgeMode,
		logger:           utils.L().WithExchange("binance"),
		protectionOrders: make(map[string]binanceProtectionIDs),
		limitsCache:      make(map[string]*Limits),
		closeChan:        make(chan struct{}),
	}
}

func (b *Binance) Name() string {
	return "binance"
}

// mapBinanceCode переводит код ошибки Binance Futures API в категорию
func mapBinanceCode(code int64) ErrorKind {
	switch code {
	case -1102, -1111, -1121, -4003, -4016:
		return KindInvalidParams
	case -2018, -2019, -4044:
		return KindInsufficientFunds
	case -1013, -4164:
		return KindMinNotional
	case -4061:
		return KindPositionModeMismatch
	case -1003, -1015:
		return KindThrottled
	case -1022, -2014, -2015:
		return KindAuthFailed
	default:
		return KindUnknown
	}
}

// wrapBinanceError классифицирует ошибку SDK в ExchangeError
func wrapBinanceError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		e := NewError("binance", strconv.FormatInt(apiErr.Code, 10), apiErr.Message, mapBinanceCode(apiErr.Code))
		e.Original = err
		return e
	}
	return NetworkError("binance", err)
}

// positionSide возвращает значение positionSide для API:
// BOTH в one-way режиме, LONG/SHORT в hedge
func (b *Binance) positionSide(side string) futures.PositionSideType {
	if !b.hedgeMode || side == "" {
		return futures.PositionSideTypeBoth
	}
	if side == SideLong {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

func (b *Binance) adjustQuantity(ctx context.Context, symbol string, qty, refPrice float64) (float64, bool) {
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return qty, false
	}

	adjusted, bumped := utils.AdjustForMinNotional(qty, refPrice, limits.MinNotional, limits.QtyStep, 0.1)
	if !bumped {
		adjusted = utils.RoundToLotSize(qty, limits.QtyStep)
	}
	if limits.MinOrderQty > 0 && adjusted < limits.MinOrderQty {
		adjusted = limits.MinOrderQty
		bumped = true
	}
	return adjusted, bumped
}

// PlaceOrder размещает ордер. newClientOrderId = IdempotencyKey:
// повтор с тем же ключом не создаёт дубликат.
func (b *Binance) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error) {
	qty := req.Quantity
	adjusted := false
	if req.Type == OrderTypeMarket && !req.ReduceOnly {
		refPrice := req.Price
		if refPrice <= 0 {
			if t, err := b.getTicker(ctx, req.Symbol); err == nil {
				refPrice = t.LastPrice
			}
		}
		if refPrice > 0 {
			qty, adjusted = b.adjustQuantity(ctx, req.Symbol, qty, refPrice)
		}
	}

	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		PositionSide(b.positionSide(req.PositionSide)).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		NewClientOrderID(req.IdempotencyKey).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.Type == OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64)).
			TimeInForce(futures.TimeInForceTypeGTC)
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	// В hedge режиме reduceOnly выводится из positionSide, флаг запрещён
	if req.ReduceOnly && !b.hedgeMode {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceError(err)
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	ack := &OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          mapBinanceOrderStatus(string(resp.Status)),
		Quantity:        qty,
		FilledQty:       filledQty,
		AvgFillPrice:    avgPrice,
		AdjustedQty:     adjusted,
		CreatedAt:       utils.FromUnixMillis(resp.UpdateTime),
	}

	if adjusted {
		b.logger.Info("order quantity adjusted to min notional",
			zap.String("symbol", req.Symbol),
			zap.Float64("requested", req.Quantity),
			zap.Float64("adjusted", qty))
	}

	return ack, nil
}

// mapBinanceOrderStatus переводит статус ордера Binance в канонический
func mapBinanceOrderStatus(s string) string {
	switch s {
	case "NEW":
		return OrderStatusOpen
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	return wrapBinanceError(err)
}

// SetPositionProtection эмулирует SL/TP защиту условными ордерами.
// Предыдущие защитные ордера соответствующего уровня отменяются,
// нулевое значение оставляет уровень без изменений.
func (b *Binance) SetPositionProtection(ctx context.Context, req *ProtectionRequest) error {
	key := req.Symbol + ":" + req.PositionSide

	b.protectionOrdersMu.Lock()
	existing := b.protectionOrders[key]
	b.protectionOrdersMu.Unlock()

	closeSide := futures.SideTypeSell
	if req.PositionSide == SideShort {
		closeSide = futures.SideTypeBuy
	}

	if req.StopLoss > 0 {
		if existing.stopLossID != 0 {
			b.cancelProtectionOrder(ctx, req.Symbol, existing.stopLossID)
		}
		resp, err := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(closeSide).
			PositionSide(b.positionSide(req.PositionSide)).
			Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(req.StopLoss, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return wrapBinanceError(err)
		}
		existing.stopLossID = resp.OrderID
	}

	if req.TakeProfit > 0 {
		if existing.takeProfitID != 0 {
			b.cancelProtectionOrder(ctx, req.Symbol, existing.takeProfitID)
		}
		resp, err := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(closeSide).
			PositionSide(b.positionSide(req.PositionSide)).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return wrapBinanceError(err)
		}
		existing.takeProfitID = resp.OrderID
	}

	b.protectionOrdersMu.Lock()
	b.protectionOrders[key] = existing
	b.protectionOrdersMu.Unlock()

	return nil
}

// cancelProtectionOrder отменяет защитный ордер, ошибку только логируем:
// ордер мог уже сработать или быть отменён биржей
func (b *Binance) cancelProtectionOrder(ctx context.Context, symbol string, orderID int64) {
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		b.logger.Warn("failed to cancel protective order",
			zap.String("symbol", symbol),
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}

func (b *Binance) ClosePosition(ctx context.Context, symbol, positionSide string, qty float64) error {
	if qty <= 0 {
		positions, err := b.FetchPositions(ctx)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.Symbol == symbol && (positionSide == "" || p.Side == positionSide) {
				qty = p.Size
				break
			}
		}
		if qty <= 0 {
			return nil
		}
	}

	side := SideSell
	if positionSide == SideShort {
		side = SideBuy
	}

	_, err := b.PlaceOrder(ctx, &OrderRequest{
		Symbol:         symbol,
		Side:           side,
		PositionSide:   positionSide,
		Type:           OrderTypeMarket,
		Quantity:       qty,
		ReduceOnly:     true,
		IdempotencyKey: fmt.Sprintf("close-%s-%d", symbol, time.Now().UnixNano()),
	})
	return err
}

func (b *Binance) FetchBalance(ctx context.Context) (*BalanceInfo, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceError(err)
	}

	info := &BalanceInfo{Asset: "USDT", UpdatedAt: time.Now().UTC()}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			info.Total, _ = strconv.ParseFloat(bal.Balance, 64)
			info.Available, _ = strconv.ParseFloat(bal.AvailableBalance, 64)
			break
		}
	}
	return info, nil
}

func (b *Binance) FetchPositions(ctx context.Context) ([]*PositionInfo, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceError(err)
	}

	positions := make([]*PositionInfo, 0)
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(r.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(r.MarkPrice, 64)
		leverage, _ := strconv.Atoi(r.Leverage)
		unrealizedPnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)

		// Знак positionAmt кодирует направление в one-way режиме
		side := SideLong
		size := amt
		if r.PositionSide == "SHORT" || amt < 0 {
			side = SideShort
			size = utils.Abs(amt)
		}

		positions = append(positions, &PositionInfo{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			Leverage:      leverage,
			UnrealizedPnl: unrealizedPnl,
			UpdatedAt:     time.Now().UTC(),
		})
	}

	return positions, nil
}

func (b *Binance) getTicker(ctx context.Context, symbol string) (*Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceError(err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("ticker not found for %s", symbol)
	}

	last, _ := strconv.ParseFloat(prices[0].Price, 64)
	return &Ticker{
		Symbol:    symbol,
		LastPrice: last,
		Timestamp: time.Now(),
	}, nil
}

func (b *Binance) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	b.limitsCacheMu.RLock()
	if cached, ok := b.limitsCache[symbol]; ok {
		b.limitsCacheMu.RUnlock()
		return cached, nil
	}
	b.limitsCacheMu.RUnlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceError(err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}

		limits := &Limits{
			Symbol:      symbol,
			MinNotional: 5.0,
			MaxLeverage: 125,
		}

		if f := s.LotSizeFilter(); f != nil {
			limits.MinOrderQty, _ = strconv.ParseFloat(f.MinQuantity, 64)
			limits.MaxOrderQty, _ = strconv.ParseFloat(f.MaxQuantity, 64)
			limits.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.PriceFilter(); f != nil {
			limits.PriceStep, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		if f := s.MinNotionalFilter(); f != nil {
			if v, err := strconv.ParseFloat(f.Notional, 64); err == nil && v > 0 {
				limits.MinNotional = v
			}
		}

		b.limitsCacheMu.Lock()
		b.limitsCache[symbol] = limits
		b.limitsCacheMu.Unlock()

		return limits, nil
	}

	return nil, fmt.Errorf("instrument info not found for %s", symbol)
}

// SubscribePrices подписывается на bookTicker стримы символов.
// SDK сам переподключается, стоп-каналы сохраняем для Close.
func (b *Binance) SubscribePrices(symbols []string, callback func(*Ticker)) error {
	b.callbackMu.Lock()
	b.tickerCallback = callback
	b.callbackMu.Unlock()

	for _, symbol := range symbols {
		sym := symbol
		_, stopC, err := futures.WsBookTickerServe(sym, func(event *futures.WsBookTickerEvent) {
			b.callbackMu.RLock()
			cb := b.tickerCallback
			b.callbackMu.RUnlock()
			if cb == nil {
				return
			}

			bid, _ := strconv.ParseFloat(event.BestBidPrice, 64)
			ask, _ := strconv.ParseFloat(event.BestAskPrice, 64)
			cb(&Ticker{
				Symbol:    event.Symbol,
				BidPrice:  bid,
				AskPrice:  ask,
				LastPrice: (bid + ask) / 2,
				Timestamp: utils.FromUnixMillis(event.Time),
			})
		}, func(err error) {
			b.logger.Warn("book ticker stream error", zap.String("symbol", sym), zap.Error(err))
		})
		if err != nil {
			return wrapBinanceError(err)
		}

		b.wsStopsMu.Lock()
		b.wsStops = append(b.wsStops, stopC)
		b.wsStopsMu.Unlock()
	}

	return nil
}

// SubscribeOrderUpdates подписывается на user data stream.
// listenKey продлевается каждые 30 минут, иначе биржа закрывает стрим.
func (b *Binance) SubscribeOrderUpdates(callback func(*OrderUpdate)) error {
	b.callbackMu.Lock()
	b.orderCallback = callback
	b.callbackMu.Unlock()

	ctx := context.Background()
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return wrapBinanceError(err)
	}

	_, stopC, err := futures.WsUserDataServe(listenKey, func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		b.handleOrderTradeUpdate(&event.OrderTradeUpdate)
	}, func(err error) {
		b.logger.Warn("user data stream error", zap.Error(err))
	})
	if err != nil {
		return wrapBinanceError(err)
	}

	b.wsStopsMu.Lock()
	b.wsStops = append(b.wsStops, stopC)
	b.wsStopsMu.Unlock()

	go b.keepAliveUserStream(listenKey)

	return nil
}

func (b *Binance) handleOrderTradeUpdate(u *futures.WsOrderTradeUpdate) {
	b.callbackMu.RLock()
	callback := b.orderCallback
	b.callbackMu.RUnlock()
	if callback == nil {
		return
	}

	filledQty, _ := strconv.ParseFloat(u.AccumulatedFilledQty, 64)
	lastFillQty, _ := strconv.ParseFloat(u.LastFilledQty, 64)
	avgPrice, _ := strconv.ParseFloat(u.AveragePrice, 64)

	side := SideBuy
	if u.Side == futures.SideTypeSell {
		side = SideSell
	}

	callback(&OrderUpdate{
		Symbol:          u.Symbol,
		ClientOrderID:   u.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(u.ID, 10),
		Side:            side,
		Status:          mapBinanceOrderStatus(string(u.Status)),
		FilledQty:       filledQty,
		LastFillQty:     lastFillQty,
		AvgFillPrice:    avgPrice,
		Timestamp:       utils.FromUnixMillis(u.TradeTime),
	})
}

func (b *Binance) keepAliveUserStream(listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			cancel()
			if err != nil {
				b.logger.Warn("failed to keepalive user stream", zap.Error(err))
			}
		}
	}
}

func (b *Binance) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	b.wsStopsMu.Lock()
	for _, stopC := range b.wsStops {
		select {
		case <-stopC:
		default:
			close(stopC)
		}
	}
	b.wsStops = nil
	b.wsStopsMu.Unlock()

	return nil
}
