package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_ob_trader/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	// WS ticks older than this fall back to REST.
	wsPriceMaxAge = 5 * time.Second
)

type wsPrice struct {
	price float64
	at    time.Time
}

// BybitAdapter implements domain.Exchange against the Bybit V5 API.
// Prices stream over the public websocket when connected; everything else
// goes over signed REST.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client

	mu      sync.Mutex
	wsConn  *websocket.Conn
	wsPrice map[string]wsPrice
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		wsPrice:   make(map[string]wsPrice),
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		// For GET, the signed params are the query string
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

func (b *BybitAdapter) GetPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.wsPrice[symbol]
	b.mu.Unlock()
	if ok && time.Since(cached.at) < wsPriceMaxAge {
		return cached.price, nil
	}

	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit ticker error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("symbol not found")
	}

	return strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
}

func (b *BybitAdapter) GetBalance(ctx context.Context) (float64, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit balance error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("no wallet balance returned")
	}

	return strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
}

func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}

		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

func (b *BybitAdapter) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	path := fmt.Sprintf("/v5/market/instruments-info?category=linear&symbol=%s", symbol)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit instruments error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("instrument %s not found", symbol)
	}

	raw := result.Result.List[0]
	minSize, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)
	step, _ := strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
	tick, _ := strconv.ParseFloat(raw.PriceFilter.TickSize, 64)

	return &domain.MarketRules{
		Symbol:        raw.Symbol,
		MinSize:       minSize,
		SizeIncrement: step,
		TickSize:      tick,
	}, nil
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Leverage > 0 {
		b.setLeverage(ctx, req.Symbol, req.Leverage)
	}

	side := "Buy"
	if req.Side == domain.SideShort {
		side = "Sell"
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"qty":         fmt.Sprintf("%f", req.Size),
		"timeInForce": "GTC",
	}
	if req.Type == domain.OrderLimit {
		payload["orderType"] = "Limit"
		payload["price"] = fmt.Sprintf("%f", req.Price)
	} else {
		payload["orderType"] = "Market"
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = fmt.Sprintf("%f", req.StopLoss)
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order error: %s", result.RetMsg)
	}

	out := &domain.OrderResult{
		OrderID:        result.Result.OrderID,
		ExecutionPrice: req.Price,
		ExecutedSize:   req.Size,
	}

	if req.Type == domain.OrderMarket {
		// Best effort: the execution detail and the liquidation level are
		// only available after the fill settles.
		if status, err := b.GetOrderStatus(ctx, req.Symbol, out.OrderID); err == nil && status.AvgPrice > 0 {
			out.ExecutionPrice = status.AvgPrice
			out.ExecutedSize = status.FilledSize
			out.Fee = status.Fee
		}
		if live, err := b.getRawPosition(ctx, req.Symbol); err == nil {
			out.LiquidationPrice = live.liqPrice
		}
	}

	return out, nil
}

func (b *BybitAdapter) setLeverage(ctx context.Context, symbol string, leverage int) {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}
	// This often fails if leverage is already set, so we just ignore it
	_, _ = b.sendRequest(ctx, "POST", "/v5/position/set-leverage", payload)
}

func (b *BybitAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	status, err := b.queryOrder(ctx, "/v5/order/realtime", symbol, orderID)
	if err == nil && status != nil {
		return status, nil
	}
	// Filled orders drop out of the realtime list.
	status, err = b.queryOrder(ctx, "/v5/order/history", symbol, orderID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return status, nil
}

func (b *BybitAdapter) queryOrder(ctx context.Context, endpoint, symbol, orderID string) (*domain.OrderStatus, error) {
	path := fmt.Sprintf("%s?category=linear&symbol=%s&orderId=%s", endpoint, symbol, orderID)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				AvgPrice    string `json:"avgPrice"`
				CumExecQty  string `json:"cumExecQty"`
				CumExecFee  string `json:"cumExecFee"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order query error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, nil
	}

	raw := result.Result.List[0]
	avgPrice, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(raw.CumExecQty, 64)
	fee, _ := strconv.ParseFloat(raw.CumExecFee, 64)

	state := domain.OrderResting
	switch raw.OrderStatus {
	case "Filled":
		state = domain.OrderFilled
	case "Cancelled", "Deactivated":
		state = domain.OrderCancelled
	case "Rejected":
		state = domain.OrderRejected
	}

	return &domain.OrderStatus{
		OrderID:    raw.OrderID,
		State:      state,
		AvgPrice:   avgPrice,
		FilledSize: qty,
		Fee:        fee,
	}, nil
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := b.sendRequest(ctx, "POST", "/v5/order/cancel", payload)
	if err != nil {
		return err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 {
		return fmt.Errorf("bybit cancel error: %s", result.RetMsg)
	}
	return nil
}

func (b *BybitAdapter) ClosePosition(ctx context.Context, symbol string, size float64) (*domain.CloseResult, error) {
	live, err := b.getRawPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if live == nil || live.size == 0 {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	closeSide := "Sell"
	if live.side == domain.SideShort {
		closeSide = "Buy"
	}
	if size <= 0 || size > live.size {
		size = live.size
	}

	payload := map[string]interface{}{
		"category":   "linear",
		"symbol":     symbol,
		"side":       closeSide,
		"orderType":  "Market",
		"qty":        fmt.Sprintf("%f", size),
		"reduceOnly": true,
	}
	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit close error: %s", result.RetMsg)
	}

	out := &domain.CloseResult{ExecutionPrice: live.markPrice}
	if status, err := b.GetOrderStatus(ctx, symbol, result.Result.OrderID); err == nil && status.AvgPrice > 0 {
		out.ExecutionPrice = status.AvgPrice
		out.Fee = status.Fee
	}
	return out, nil
}

func (b *BybitAdapter) GetLivePosition(ctx context.Context, symbol string) (*domain.LivePosition, error) {
	raw, err := b.getRawPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.size == 0 {
		return nil, nil
	}
	return &domain.LivePosition{
		Symbol:        symbol,
		Side:          raw.side,
		Size:          raw.size,
		EntryPrice:    raw.entryPrice,
		MarkPrice:     raw.markPrice,
		UnrealizedPnL: raw.unrealizedPnL,
		Leverage:      raw.leverage,
	}, nil
}

// UpdateStopLoss moves the position-attached stop via the trading-stop
// endpoint. Bybit keys the stop by position, not by order, so the passed
// stop order id is not needed and the returned id is empty.
func (b *BybitAdapter) UpdateStopLoss(ctx context.Context, symbol, stopOrderID string, newPrice float64) (string, error) {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"stopLoss":    fmt.Sprintf("%f", newPrice),
		"positionIdx": 0,
	}
	resp, err := b.sendRequest(ctx, "POST", "/v5/position/trading-stop", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 {
		return "", fmt.Errorf("bybit trading-stop error: %s", result.RetMsg)
	}
	return stopOrderID, nil
}

type rawPosition struct {
	side          domain.Side
	size          float64
	entryPrice    float64
	markPrice     float64
	unrealizedPnL float64
	liqPrice      float64
	leverage      int
}

func (b *BybitAdapter) getRawPosition(ctx context.Context, symbol string) (*rawPosition, error) {
	path := "/v5/position/list?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				LiqPrice      string `json:"liqPrice"`
				Leverage      string `json:"leverage"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit position error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, nil
	}

	raw := result.Result.List[0]
	size, _ := strconv.ParseFloat(raw.Size, 64)
	entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	mark, _ := strconv.ParseFloat(raw.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(raw.UnrealisedPnl, 64)
	liq, _ := strconv.ParseFloat(raw.LiqPrice, 64)
	lev, _ := strconv.Atoi(raw.Leverage)

	side := domain.SideLong
	if raw.Side == "Sell" {
		side = domain.SideShort
	}

	return &rawPosition{
		side:          side,
		size:          size,
		entryPrice:    entry,
		markPrice:     mark,
		unrealizedPnL: pnl,
		liqPrice:      liq,
		leverage:      lev,
	}, nil
}

// --- WebSocket ---

// ConnectWS subscribes to top-of-book updates for the symbols and keeps a
// mid-price cache that GetPrice consults before falling back to REST.
func (b *BybitAdapter) ConnectWS(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		return b.subscribe(symbols)
	}

	c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return err
	}
	b.wsConn = c

	go b.readLoop(c)

	return b.subscribe(symbols)
}

func (b *BybitAdapter) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = "orderbook.1." + s
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return b.wsConn.WriteJSON(subMsg)
}

func (b *BybitAdapter) readLoop(c *websocket.Conn) {
	defer func() {
		c.Close()
		b.mu.Lock()
		if b.wsConn == c {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			log.Println("WS Read error:", err)
			return
		}

		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			log.Println("WS Unmarshal error:", err)
			continue
		}

		topic, ok := event["topic"].(string)
		if !ok || !strings.HasPrefix(topic, "orderbook.1.") {
			continue
		}
		data, ok := event["data"].(map[string]interface{})
		if !ok {
			continue
		}

		symbol := strings.TrimPrefix(topic, "orderbook.1.")

		ask, ok := bookLevelPrice(data["a"])
		if !ok {
			continue
		}
		bid, ok := bookLevelPrice(data["b"])
		if !ok {
			continue
		}

		b.mu.Lock()
		b.wsPrice[symbol] = wsPrice{price: (ask + bid) / 2, at: time.Now()}
		b.mu.Unlock()
	}
}

func bookLevelPrice(raw interface{}) (float64, bool) {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return 0, false
	}
	entry, ok := list[0].([]interface{})
	if !ok || len(entry) < 1 {
		return 0, false
	}
	str, ok := entry[0].(string)
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}
