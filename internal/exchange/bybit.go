package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"tradecore/pkg/retry"
	"tradecore/pkg/utils"
)

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitTestnetBaseURL = "https://api-testnet.bybit.com"
	bybitWSPublic       = "wss://stream.bybit.com/v5/public/linear"
	bybitWSPrivate      = "wss://stream.bybit.com/v5/private"
	bybitRecvWindow     = "5000"
)

// fastjson - jsoniter для hot-path декодирования WS сообщений
var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Bybit реализует Gateway для Bybit v5 (USDT linear perpetual)
type Bybit struct {
	apiKey    string
	secretKey string
	baseURL   string
	hedgeMode bool

	httpClient *http.Client
	logger     *utils.Logger

	// WebSocket managers с автоматическим переподключением
	wsPublicManager  *WSReconnectManager
	wsPrivateManager *WSReconnectManager

	// Callbacks
	tickerCallback  func(*Ticker)
	orderCallback   func(*OrderUpdate)
	callbackMu      sync.RWMutex

	// Кеш торговых лимитов по символам
	limitsCache   map[string]*Limits
	limitsCacheMu sync.RWMutex

	closeChan chan struct{}
}

// NewBybit создаёт шлюз Bybit.
// Использует глобальный HTTP клиент с connection pooling.
func NewBybit(apiKey, secretKey string, testnet, hedgeMode bool) *Bybit {
	baseURL := bybitBaseURL
	if testnet {
		baseURL = bybitTestnetBaseURL
	}
	return &Bybit{
		apiKey:      apiKey,
		secretKey:   secretKey,
		baseURL:     baseURL,
		hedgeMode:   hedgeMode,
		httpClient:  GetGlobalHTTPClient().GetClient(),
		logger:      utils.L().WithExchange("bybit"),
		limitsCache: make(map[string]*Limits),
		closeChan:   make(chan struct{}),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// mapBybitCode переводит код ошибки Bybit v5 в категорию
func mapBybitCode(code int) ErrorKind {
	switch code {
	case 10001, 110001, 110009:
		return KindInvalidParams
	case 110007, 110012, 110044, 110045:
		return KindInsufficientFunds
	case 110003, 110017, 110094:
		return KindMinNotional
	case 110025, 10021:
		return KindPositionModeMismatch
	case 10006, 10018, 170007:
		return KindThrottled
	case 10003, 10004, 10005, 33004:
		return KindAuthFailed
	default:
		return KindUnknown
	}
}

// sign создаёт подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API.
// Сетевые ошибки повторяются с backoff (только они - определённые
// отказы биржи возвращаются сразу как ExchangeError).
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	cfg := retry.NetworkConfig()
	cfg.RetryIf = func(err error) bool {
		return IsKind(err, KindNetwork)
	}
	return retry.DoWithResult(ctx, func() ([]byte, error) {
		return b.doRequestOnce(ctx, method, endpoint, params, signed)
	}, cfg)
}

func (b *Bybit) doRequestOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var reqBody string
	var reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		if reqBody != "" {
			reqURL = b.baseURL + endpoint + "?" + reqBody
		} else {
			reqURL = b.baseURL + endpoint
		}
	} else {
		reqURL = b.baseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(utils.UnixMillis(), 10)
		signature := b.sign(timestamp, reqBody)

		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, NetworkError("bybit", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError("bybit", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewError("bybit", strconv.Itoa(resp.StatusCode), "rate limited", KindThrottled)
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	if baseResp.RetCode != 0 {
		return nil, NewError("bybit", strconv.Itoa(baseResp.RetCode), baseResp.RetMsg, mapBybitCode(baseResp.RetCode))
	}

	return body, nil
}

// positionIdx возвращает слот позиции Bybit:
// 0 = one-way, 1 = hedge LONG (Buy side), 2 = hedge SHORT (Sell side)
func (b *Bybit) positionIdx(positionSide string) string {
	if !b.hedgeMode || positionSide == "" {
		return "0"
	}
	if positionSide == SideLong {
		return "1"
	}
	return "2"
}

// adjustQuantity подтягивает объём под биржевые лимиты символа.
// При нарушении минимального нотионала объём увеличивается с запасом 10%.
func (b *Bybit) adjustQuantity(ctx context.Context, symbol string, qty, refPrice float64) (float64, bool, error) {
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		// Лимиты недоступны - отправляем как есть, биржа отклонит при нарушении
		return qty, false, nil
	}

	adjusted, bumped := utils.AdjustForMinNotional(qty, refPrice, limits.MinNotional, limits.QtyStep, 0.1)
	if !bumped {
		adjusted = utils.RoundToLotSize(qty, limits.QtyStep)
	}
	if limits.MinOrderQty > 0 && adjusted < limits.MinOrderQty {
		adjusted = limits.MinOrderQty
		bumped = true
	}
	return adjusted, bumped, nil
}

// PlaceOrder размещает ордер. orderLinkId = IdempotencyKey:
// повтор запроса с тем же ключом не создаёт дубликат на бирже.
func (b *Bybit) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error) {
	bybitSide := "Buy"
	if req.Side == SideSell {
		bybitSide = "Sell"
	}

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
			var err error
			qty, adjusted, err = b.adjustQuantity(ctx, req.Symbol, qty, refPrice)
			if err != nil {
				return nil, err
			}
		}
	}

	orderType := "Market"
	if req.Type == OrderTypeLimit {
		orderType = "Limit"
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        bybitSide,
		"orderType":   orderType,
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"positionIdx": b.positionIdx(req.PositionSide),
		"orderLinkId": req.IdempotencyKey,
	}
	if req.Type == OrderTypeLimit {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	} else {
		params["timeInForce"] = "IOC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderId     string `json:"orderId"`
			OrderLinkId string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	ack := &OrderAck{
		ExchangeOrderID: resp.Result.OrderId,
		ClientOrderID:   resp.Result.OrderLinkId,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          OrderStatusOpen,
		Quantity:        qty,
		AdjustedQty:     adjusted,
		CreatedAt:       time.Now().UTC(),
	}

	// Подтягиваем фактическое исполнение (маркет исполняется сразу)
	if exec, err := b.getOrderExecution(ctx, req.Symbol, resp.Result.OrderId); err == nil {
		ack.FilledQty = exec.filledQty
		ack.AvgFillPrice = exec.avgPrice
		ack.Status = exec.status
	}

	if adjusted {
		b.logger.Info("order quantity adjusted to min notional",
			zap.String("symbol", req.Symbol),
			zap.Float64("requested", req.Quantity),
			zap.Float64("adjusted", qty))
	}

	return ack, nil
}

type bybitExecution struct {
	filledQty float64
	avgPrice  float64
	status    string
}

// mapBybitOrderStatus переводит статус ордера Bybit в канонический
func mapBybitOrderStatus(s string) string {
	switch s {
	case "New", "Untriggered":
		return OrderStatusOpen
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "Deactivated":
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}

// getOrderExecution получает информацию об исполнении ордера
func (b *Bybit) getOrderExecution(ctx context.Context, symbol, orderId string) (*bybitExecution, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderId,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("order not found")
	}

	o := resp.Result.List[0]
	filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &bybitExecution{
		filledQty: filledQty,
		avgPrice:  avgPrice,
		status:    mapBybitOrderStatus(o.OrderStatus),
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

// SetPositionProtection устанавливает SL/TP нативно через trading-stop.
// Нулевое значение не трогает соответствующий уровень.
func (b *Bybit) SetPositionProtection(ctx context.Context, req *ProtectionRequest) error {
	params := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"tpslMode":    "Full",
		"positionIdx": b.positionIdx(req.PositionSide),
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = strconv.FormatFloat(req.StopLoss, 'f', -1, 64)
		params["slTriggerBy"] = "MarkPrice"
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)
		params["tpTriggerBy"] = "MarkPrice"
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/trading-stop", params, true)
	return err
}

// ClosePosition закрывает позицию reduce-only рыночным ордером.
// qty=0 - закрыть целиком (объём берётся из позиции на бирже).
func (b *Bybit) ClosePosition(ctx context.Context, symbol, positionSide string, qty float64) error {
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
			return nil // позиции нет - закрывать нечего
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

func (b *Bybit) FetchBalance(ctx context.Context) (*BalanceInfo, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        "USDT",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin                string `json:"coin"`
					Equity              string `json:"equity"`
					AvailableToWithdraw string `json:"availableToWithdraw"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	info := &BalanceInfo{Asset: "USDT", UpdatedAt: time.Now().UTC()}
	if len(resp.Result.List) > 0 {
		for _, coin := range resp.Result.List[0].Coin {
			if coin.Coin == "USDT" {
				info.Total, _ = strconv.ParseFloat(coin.Equity, 64)
				info.Available, _ = strconv.ParseFloat(coin.AvailableToWithdraw, 64)
				if info.Available == 0 {
					info.Available = info.Total
				}
				break
			}
		}
	}
	return info, nil
}

func (b *Bybit) FetchPositions(ctx context.Context) ([]*PositionInfo, error) {
	params := map[string]string{
		"category":   "linear",
		"settleCoin": "USDT",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol         string `json:"symbol"`
				Side           string `json:"side"`
				Size           string `json:"size"`
				AvgPrice       string `json:"avgPrice"`
				MarkPrice      string `json:"markPrice"`
				Leverage       string `json:"leverage"`
				UnrealisedPnl  string `json:"unrealisedPnl"`
				StopLoss       string `json:"stopLoss"`
				TakeProfit     string `json:"takeProfit"`
				UpdatedTime    string `json:"updatedTime"`
				PositionStatus string `json:"positionStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	positions := make([]*PositionInfo, 0)
	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(p.AvgPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		unrealizedPnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		stopLoss, _ := strconv.ParseFloat(p.StopLoss, 64)
		takeProfit, _ := strconv.ParseFloat(p.TakeProfit, 64)
		updatedTime, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		side := SideLong
		if p.Side == "Sell" {
			side = SideShort
		}

		positions = append(positions, &PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			Leverage:      leverage,
			UnrealizedPnl: unrealizedPnl,
			StopLoss:      stopLoss,
			TakeProfit:    takeProfit,
			Liquidation:   p.PositionStatus == "Liq",
			UpdatedAt:     utils.FromUnixMillis(updatedTime),
		})
	}

	return positions, nil
}

// getTicker получает текущую цену (для подгонки под минимальный нотионал)
func (b *Bybit) getTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
				LastPrice string `json:"lastPrice"`
				MarkPrice string `json:"markPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("ticker not found for %s", symbol)
	}

	t := resp.Result.List[0]
	bidPrice, _ := strconv.ParseFloat(t.Bid1Price, 64)
	askPrice, _ := strconv.ParseFloat(t.Ask1Price, 64)
	lastPrice, _ := strconv.ParseFloat(t.LastPrice, 64)
	markPrice, _ := strconv.ParseFloat(t.MarkPrice, 64)

	return &Ticker{
		Symbol:    t.Symbol,
		BidPrice:  bidPrice,
		AskPrice:  askPrice,
		LastPrice: lastPrice,
		MarkPrice: markPrice,
		Timestamp: time.Now(),
	}, nil
}

func (b *Bybit) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	b.limitsCacheMu.RLock()
	if cached, ok := b.limitsCache[symbol]; ok {
		b.limitsCacheMu.RUnlock()
		return cached, nil
	}
	b.limitsCacheMu.RUnlock()

	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty      string `json:"minOrderQty"`
					MaxOrderQty      string `json:"maxOrderQty"`
					QtyStep          string `json:"qtyStep"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LeverageFilter struct {
					MaxLeverage string `json:"maxLeverage"`
				} `json:"leverageFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NetworkError("bybit", err)
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("instrument info not found for %s", symbol)
	}

	info := resp.Result.List[0]
	minOrderQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
	maxOrderQty, _ := strconv.ParseFloat(info.LotSizeFilter.MaxOrderQty, 64)
	qtyStep, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
	minNotional, _ := strconv.ParseFloat(info.LotSizeFilter.MinNotionalValue, 64)
	priceStep, _ := strconv.ParseFloat(info.PriceFilter.TickSize, 64)
	maxLeverage, _ := strconv.Atoi(info.LeverageFilter.MaxLeverage)

	if minNotional == 0 {
		minNotional = 5.0 // стандартный минимум Bybit linear
	}

	limits := &Limits{
		Symbol:      symbol,
		MinOrderQty: minOrderQty,
		MaxOrderQty: maxOrderQty,
		QtyStep:     qtyStep,
		MinNotional: minNotional,
		PriceStep:   priceStep,
		MaxLeverage: maxLeverage,
	}

	b.limitsCacheMu.Lock()
	b.limitsCache[symbol] = limits
	b.limitsCacheMu.Unlock()

	return limits, nil
}

// SubscribePrices подписывается на тикеры символов через публичный WS
func (b *Bybit) SubscribePrices(symbols []string, callback func(*Ticker)) error {
	b.callbackMu.Lock()
	b.tickerCallback = callback
	b.callbackMu.Unlock()

	if b.wsPublicManager == nil {
		config := DefaultWSReconnectConfig()
		b.wsPublicManager = NewWSReconnectManager("bybit-public", bybitWSPublic, config)
		b.wsPublicManager.SetOnMessage(b.handlePublicMessage)

		if err := b.wsPublicManager.Connect(); err != nil {
			return fmt.Errorf("failed to connect to public WebSocket: %w", err)
		}
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}

	b.wsPublicManager.AddSubscription(subMsg)
	return b.wsPublicManager.Send(subMsg)
}

// handlePublicMessage обрабатывает одно сообщение из публичного WebSocket.
// Hot path: декодируем через jsoniter.
func (b *Bybit) handlePublicMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}

	if err := fastjson.Unmarshal(message, &msg); err != nil {
		return
	}

	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	b.callbackMu.RLock()
	callback := b.tickerCallback
	b.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	bidPrice, _ := strconv.ParseFloat(msg.Data.Bid1Price, 64)
	askPrice, _ := strconv.ParseFloat(msg.Data.Ask1Price, 64)
	lastPrice, _ := strconv.ParseFloat(msg.Data.LastPrice, 64)
	markPrice, _ := strconv.ParseFloat(msg.Data.MarkPrice, 64)

	callback(&Ticker{
		Symbol:    msg.Data.Symbol,
		BidPrice:  bidPrice,
		AskPrice:  askPrice,
		LastPrice: lastPrice,
		MarkPrice: markPrice,
		Timestamp: time.Now(),
	})
}

// SubscribeOrderUpdates подписывается на приватный стрим ордеров
func (b *Bybit) SubscribeOrderUpdates(callback func(*OrderUpdate)) error {
	b.callbackMu.Lock()
	b.orderCallback = callback
	b.callbackMu.Unlock()

	if b.wsPrivateManager == nil {
		config := DefaultWSReconnectConfig()
		b.wsPrivateManager = NewWSReconnectManager("bybit-private", bybitWSPrivate, config)
		b.wsPrivateManager.SetAuthFunc(b.authenticateWebSocket)
		b.wsPrivateManager.SetOnMessage(b.handlePrivateMessage)

		if err := b.wsPrivateManager.Connect(); err != nil {
			return fmt.Errorf("failed to connect to private WebSocket: %w", err)
		}
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"order"},
	}

	b.wsPrivateManager.AddSubscription(subMsg)
	return b.wsPrivateManager.Send(subMsg)
}

func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := utils.UnixMillis() + 10000

	message := fmt.Sprintf("GET/realtime%d", expires)
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	signature := hex.EncodeToString(h.Sum(nil))

	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, signature},
	}

	return conn.WriteJSON(authMsg)
}

// handlePrivateMessage обрабатывает одно сообщение из приватного WebSocket
func (b *Bybit) handlePrivateMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  []struct {
			Symbol      string `json:"symbol"`
			OrderId     string `json:"orderId"`
			OrderLinkId string `json:"orderLinkId"`
			Side        string `json:"side"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			LastExecQty string `json:"lastExecQty"`
			AvgPrice    string `json:"avgPrice"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"data"`
	}

	if err := fastjson.Unmarshal(message, &msg); err != nil {
		return
	}

	if msg.Topic != "order" {
		return
	}

	b.callbackMu.RLock()
	callback := b.orderCallback
	b.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	for _, o := range msg.Data {
		filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
		lastFillQty, _ := strconv.ParseFloat(o.LastExecQty, 64)
		avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
		updatedTime, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

		side := SideBuy
		if o.Side == "Sell" {
			side = SideSell
		}

		callback(&OrderUpdate{
			Symbol:          o.Symbol,
			ClientOrderID:   o.OrderLinkId,
			ExchangeOrderID: o.OrderId,
			Side:            side,
			Status:          mapBybitOrderStatus(o.OrderStatus),
			FilledQty:       filledQty,
			LastFillQty:     lastFillQty,
			AvgFillPrice:    avgPrice,
			Timestamp:       utils.FromUnixMillis(updatedTime),
		})
	}
}

func (b *Bybit) Close() error {
	select {
	case <-b.closeChan:
		// Уже закрыт
	default:
		close(b.closeChan)
	}

	if b.wsPublicManager != nil {
		b.wsPublicManager.Close()
		b.wsPublicManager = nil
	}

	if b.wsPrivateManager != nil {
		b.wsPrivateManager.Close()
		b.wsPrivateManager = nil
	}

	return nil
}
