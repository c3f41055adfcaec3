package binance

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MockGateway implements Gateway in memory for tests and dry-run mode.
// Orders rest until FillOrder or CancelOrder is called; positions track
// fills the way the exchange would in hedge mode.
type MockGateway struct {
	mu sync.RWMutex

	orders      map[int64]*Order
	longQty     float64
	shortQty    float64
	lastPrice   float64
	bid         float64
	ask         float64
	klines      []Kline
	nextOrderID int64

	// Failure injection
	FailPlace  error
	FailCancel error
	FailOrders error
	FailTicker error

	// Captures every placement for assertions
	Placed []OrderParams
}

// NewMockGateway creates a mock with an initial market price.
func NewMockGateway(price float64) *MockGateway {
	return &MockGateway{
		orders:      make(map[int64]*Order),
		lastPrice:   price,
		bid:         price,
		ask:         price,
		nextOrderID: 1000,
	}
}

// SetMarket sets the current bid, ask, and last price.
func (m *MockGateway) SetMarket(bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bid = bid
	m.ask = ask
	m.lastPrice = (bid + ask) / 2
}

// SetPosition overrides the position snapshot.
func (m *MockGateway) SetPosition(longQty, shortQty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.longQty = longQty
	m.shortQty = shortQty
}

// SetKlines sets the kline fixture returned by Klines.
func (m *MockGateway) SetKlines(klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines = klines
}

// SetOrderUpdateTime backdates a resting order for stale-order tests.
func (m *MockGateway) SetOrderUpdateTime(orderID int64, updateTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		order.UpdateTime = updateTime
	}
}

// OpenOrderCount returns the number of resting orders.
func (m *MockGateway) OpenOrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// FillOrder marks a resting order filled and applies the position delta.
func (m *MockGateway) FillOrder(orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	order.Status = OrderStatusFilled
	order.ExecutedQty = order.OrigQty
	order.AvgPrice = order.Price

	delta := order.OrigQty
	if order.ReduceOnly {
		delta = -delta
	}
	switch order.PositionSide {
	case PositionSideLong:
		m.longQty = math.Max(0, m.longQty+delta)
	case PositionSideShort:
		m.shortQty = math.Max(0, m.shortQty+delta)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MockGateway) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPlace != nil {
		return nil, m.FailPlace
	}

	m.nextOrderID++
	order := &Order{
		OrderID:       m.nextOrderID,
		Symbol:        params.Symbol,
		ClientOrderID: params.NewClientOrderID,
		Status:        OrderStatusNew,
		Price:         params.Price,
		OrigQty:       params.Quantity,
		Side:          params.Side,
		PositionSide:  params.PositionSide,
		Type:          params.Type,
		TimeInForce:   params.TimeInForce,
		ReduceOnly:    params.ReduceOnly,
	}
	m.orders[order.OrderID] = order
	m.Placed = append(m.Placed, params)
	return order, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCancel != nil {
		return m.FailCancel
	}
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MockGateway) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if order, ok := m.orders[orderID]; ok {
		cp := *order
		return &cp, nil
	}
	// Not resting anymore: report it filled, matching exchange history behavior.
	return &Order{OrderID: orderID, Symbol: symbol, Status: OrderStatusFilled}, nil
}

func (m *MockGateway) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailOrders != nil {
		return nil, m.FailOrders
	}

	orders := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (m *MockGateway) Position(ctx context.Context, symbol string) (float64, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.longQty, m.shortQty, nil
}

func (m *MockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockGateway) SetDualSidePosition(ctx context.Context, enabled bool) error {
	return nil
}

func (m *MockGateway) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailTicker != nil {
		return 0, m.FailTicker
	}
	return m.lastPrice, nil
}

func (m *MockGateway) BookTicker(ctx context.Context, symbol string) (float64, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bid, m.ask, nil
}

func (m *MockGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit > 0 && len(m.klines) > limit {
		return m.klines[len(m.klines)-limit:], nil
	}
	return m.klines, nil
}

func (m *MockGateway) LoadExchangeInfo(ctx context.Context) error {
	return nil
}

func (m *MockGateway) RoundPrice(symbol string, price float64) float64 {
	return math.Floor(price*10000+1e-9) / 10000
}

func (m *MockGateway) RoundQuantity(symbol string, qty float64) float64 {
	return math.Floor(qty*10+1e-9) / 10
}

func (m *MockGateway) CreateListenKey(ctx context.Context) (string, error) {
	return "mock-listen-key", nil
}

func (m *MockGateway) KeepAliveListenKey(ctx context.Context, key string) error {
	return nil
}

func (m *MockGateway) CloseListenKey(ctx context.Context, key string) error {
	return nil
}

var _ Gateway = (*MockGateway)(nil)
var _ StreamGateway = (*MockGateway)(nil)
