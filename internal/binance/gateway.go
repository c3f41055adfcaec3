package binance

import "context"

// Gateway is the exchange capability surface consumed by the trading core.
// The REST client implements it against Binance USD-M futures; the mock
// implements it in memory for tests and dry runs.
type Gateway interface {
	// Orders
	PlaceOrder(ctx context.Context, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// Account
	Position(ctx context.Context, symbol string) (longQty, shortQty float64, err error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetDualSidePosition(ctx context.Context, enabled bool) error

	// Market data
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// Precision
	LoadExchangeInfo(ctx context.Context) error
	RoundPrice(symbol string, price float64) float64
	RoundQuantity(symbol string, qty float64) float64
}

// StreamGateway is the optional session-stream capability: listen key
// management for the user data stream. The mock implements it as a no-op.
type StreamGateway interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}
