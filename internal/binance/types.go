package binance

import "strconv"

// PositionSide for hedge mode positions
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderSide for order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType for futures orders
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce for limit orders
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceGTX TimeInForce = "GTX"
)

// OrderStatus represents order lifecycle states
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderParams represents parameters for placing a futures order
type OrderParams struct {
	Symbol           string
	Side             OrderSide
	PositionSide     PositionSide
	Type             OrderType
	Quantity         float64
	Price            float64 // 0 omits the price (market orders)
	TimeInForce      TimeInForce
	ReduceOnly       bool
	NewClientOrderID string
}

// Order represents a futures order as returned by the exchange
type Order struct {
	OrderID       int64        `json:"orderId"`
	Symbol        string       `json:"symbol"`
	ClientOrderID string       `json:"clientOrderId"`
	Status        OrderStatus  `json:"status"`
	Price         float64      `json:"price,string"`
	AvgPrice      float64      `json:"avgPrice,string"`
	OrigQty       float64      `json:"origQty,string"`
	ExecutedQty   float64      `json:"executedQty,string"`
	Side          OrderSide    `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	Type          OrderType    `json:"type"`
	TimeInForce   TimeInForce  `json:"timeInForce"`
	ReduceOnly    bool         `json:"reduceOnly"`
	UpdateTime    int64        `json:"updateTime"`
}

// PositionRisk is one entry of the /fapi/v2/positionRisk response
type PositionRisk struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	PositionSide     string  `json:"positionSide"`
	Leverage         string  `json:"leverage"`
}

// Kline represents a single candlestick
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// PriceUpdate is one best bid/ask tick from the bookTicker stream
type PriceUpdate struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
	Time     int64
}

// OrderUpdate is the flattened ORDER_TRADE_UPDATE payload consumed by the
// strategy: one lifecycle event for a single order.
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	PositionSide  PositionSide
	Status        OrderStatus
	ReduceOnly    bool
	Price         float64
	OrigQty       float64
	FilledQty     float64 // cumulative filled quantity
	LastFilledQty float64 // quantity of this fill event
	AvgPrice      float64
	EventTime     int64
}

// SymbolPrecision carries the rounding rules for one symbol, derived from
// exchangeInfo filters at startup.
type SymbolPrecision struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          float64
	StepSize          float64
}

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo the bot consumes
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable symbol
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	ContractType      string         `json:"contractType"`
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter is one entry of a symbol's filters array
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}

// Precision extracts the rounding rules from the symbol's filters.
func (s SymbolInfo) Precision() SymbolPrecision {
	p := SymbolPrecision{
		Symbol:            s.Symbol,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			p.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		case "LOT_SIZE":
			p.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
		}
	}
	return p
}

// ListenKeyResponse represents response from listen key endpoints
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
