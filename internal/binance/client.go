package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "10000"
)

// Client is the REST gateway to Binance USD-M futures.
type Client struct {
	apiKey      string
	secretKey   string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      zerolog.Logger

	mu         sync.RWMutex
	precisions map[string]SymbolPrecision
}

// NewClient creates a futures REST client. The rate limiter is injected so a
// caller can share one limiter across clients.
func NewClient(apiKey, secretKey, baseURL string, limiter *RateLimiter, logger zerolog.Logger) *Client {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	return &Client{
		apiKey:      strings.TrimSpace(apiKey),
		secretKey:   strings.TrimSpace(secretKey),
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: limiter,
		logger:      logger.With().Str("component", "binance").Logger(),
		precisions:  make(map[string]SymbolPrecision),
	}
}

// RateLimiter exposes the injected limiter for status reporting.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// ==================== ORDERS ====================

// PlaceOrder places a futures order.
func (c *Client) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	reqParams := map[string]string{
		"symbol":    params.Symbol,
		"side":      string(params.Side),
		"type":      string(params.Type),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	if params.Quantity > 0 {
		reqParams["quantity"] = strconv.FormatFloat(params.Quantity, 'f', -1, 64)
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Type == OrderTypeLimit {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		tif := params.TimeInForce
		if tif == "" {
			tif = TimeInForceGTC
		}
		reqParams["timeInForce"] = string(tif)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.NewClientOrderID != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderID
	}

	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels an open order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":    symbol,
		"orderId":   strconv.FormatInt(orderID, 10),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error canceling order %d: %w", orderID, err)
	}
	return nil
}

// GetOrder retrieves a specific order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":    symbol,
		"orderId":   strconv.FormatInt(orderID, 10),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// OpenOrders retrieves all open orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{
		"symbol":    symbol,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var orders []Order
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// ==================== ACCOUNT ====================

// Position returns the hedge-mode long and short quantities for a symbol.
// Short quantity is reported as a positive number.
func (c *Client) Position(ctx context.Context, symbol string) (float64, float64, error) {
	params := map[string]string{
		"symbol":    symbol,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return 0, 0, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []PositionRisk
	if err := json.Unmarshal(resp, &positions); err != nil {
		return 0, 0, fmt.Errorf("error parsing positions: %w", err)
	}

	var longQty, shortQty float64
	for _, p := range positions {
		switch p.PositionSide {
		case string(PositionSideLong):
			longQty = p.PositionAmt
		case string(PositionSideShort):
			shortQty = math.Abs(p.PositionAmt)
		}
	}
	return longQty, shortQty, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":    symbol,
		"leverage":  strconv.Itoa(leverage),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// SetDualSidePosition enables or disables hedge mode. The exchange rejects a
// no-op change with -4059, which is not an error for our purposes.
func (c *Client) SetDualSidePosition(ctx context.Context, enabled bool) error {
	params := map[string]string{
		"dualSidePosition": strconv.FormatBool(enabled),
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	if err != nil && strings.Contains(err.Error(), "-4059") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error setting position mode: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// TickerPrice retrieves the last traded price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// BookTicker retrieves the best bid and ask for a symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (float64, float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, 0, fmt.Errorf("error fetching book ticker: %w", err)
	}

	var book struct {
		BidPrice float64 `json:"bidPrice,string"`
		AskPrice float64 `json:"askPrice,string"`
	}
	if err := json.Unmarshal(resp, &book); err != nil {
		return 0, 0, fmt.Errorf("error parsing book ticker: %w", err)
	}
	return book.BidPrice, book.AskPrice, nil
}

// Klines retrieves candlestick data.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		klines[i] = Kline{
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
		}
	}
	return klines, nil
}

// ==================== PRECISION ====================

// LoadExchangeInfo fetches exchange info and caches per-symbol precision.
func (c *Client) LoadExchangeInfo(ctx context.Context) error {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return fmt.Errorf("error parsing exchange info: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		c.precisions[s.Symbol] = s.Precision()
	}
	return nil
}

// RoundPrice rounds a price down to the symbol's price precision.
func (c *Client) RoundPrice(symbol string, price float64) float64 {
	c.mu.RLock()
	p, ok := c.precisions[symbol]
	c.mu.RUnlock()
	if !ok {
		return price
	}
	return roundToPrecision(price, p.PricePrecision)
}

// RoundQuantity rounds a quantity down to the symbol's quantity precision.
func (c *Client) RoundQuantity(symbol string, qty float64) float64 {
	c.mu.RLock()
	p, ok := c.precisions[symbol]
	c.mu.RUnlock()
	if !ok {
		return qty
	}
	return roundToPrecision(qty, p.QuantityPrecision)
}

func roundToPrecision(v float64, precision int) float64 {
	factor := math.Pow10(precision)
	// The epsilon keeps values like 0.5*1.001 from truncating a tick low.
	return math.Floor(v*factor+1e-9) / factor
}

// ==================== LISTEN KEY ====================

// CreateListenKey starts a user data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	resp, err := c.apiKeyRequest(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("error creating listen key: %w", err)
	}

	var lkResp ListenKeyResponse
	if err := json.Unmarshal(resp, &lkResp); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}
	return lkResp.ListenKey, nil
}

// KeepAliveListenKey extends the user data stream session.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	if _, err := c.apiKeyRequest(ctx, http.MethodPut, "/fapi/v1/listenKey"); err != nil {
		return fmt.Errorf("error keeping listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey ends the user data stream session.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	if _, err := c.apiKeyRequest(ctx, http.MethodDelete, "/fapi/v1/listenKey"); err != nil {
		return fmt.Errorf("error closing listen key: %w", err)
	}
	return nil
}

// ==================== TRANSPORT ====================

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		values.Set("recvWindow", recvWindow)
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

		query := values.Encode()
		query += "&signature=" + c.sign(query)

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

// apiKeyRequest performs a request authenticated by API key only (listen key
// endpoints take no signature).
func (c *Client) apiKeyRequest(ctx context.Context, method, endpoint string) ([]byte, error) {
	return c.doWithRetry(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

func (c *Client) doWithRetry(ctx context.Context, endpoint string, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !c.rateLimiter.WaitForSlot(endpoint, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: circuit open, request blocked")
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).
					Err(err).Dur("retry_in", delay).Msg("request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				c.rateLimiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 ||
				strings.Contains(string(body), "-1003") {
				c.rateLimiter.RecordRateLimitError(ParseBanUntilFromError(string(body)))
			}

			if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
					Int("attempt", attempt+1).Dur("retry_in", delay).Msg("retryable API error")
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

// isRetryableError checks if an error is transient and should be retried
func isRetryableError(statusCode int, body string) bool {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}
	if strings.Contains(body, "-1001") || // DISCONNECTED
		strings.Contains(body, "-1003") || // TOO_MANY_REQUESTS
		strings.Contains(body, "-1015") || // TOO_MANY_ORDERS
		strings.Contains(body, "-1016") { // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	}
	return 0
}

var _ Gateway = (*Client)(nil)
var _ StreamGateway = (*Client)(nil)
