// Package grid implements the dual-side grid engine: position and
// pending-order accounting plus the per-tick order adjustment pass.
package grid

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Side identifies one leg of the hedge-mode grid.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionSide maps a grid side to the exchange position side.
func (s Side) PositionSide() binance.PositionSide {
	if s == SideLong {
		return binance.PositionSideLong
	}
	return binance.PositionSideShort
}

// Config holds the grid parameters for a single instrument.
type Config struct {
	Symbol            string
	GridSpacing       float64 // base spacing fraction, e.g. 0.001
	InitialQuantity   float64
	PositionThreshold float64
	PositionLimit     float64
	OrderFirstTime    time.Duration
}

// Counters tracks the resting order quantity per semantic role. Entry orders
// add to a position; take-profit orders reduce it.
type Counters struct {
	BuyLong   float64 `json:"buy_long"`   // long entries
	SellLong  float64 `json:"sell_long"`  // long take-profits
	SellShort float64 `json:"sell_short"` // short entries
	BuyShort  float64 `json:"buy_short"`  // short take-profits
}

// Fill describes an executed order reported to the trade sink.
type Fill struct {
	Symbol       string
	Side         binance.OrderSide
	PositionSide binance.PositionSide
	ReduceOnly   bool
	Price        float64
	Quantity     float64
	OrderID      int64
	Time         time.Time
}

// TradeSink receives every confirmed fill, e.g. for database records.
type TradeSink interface {
	RecordFill(ctx context.Context, fill Fill) error
}

// SpacingAdjustment multiplies the current spacings per side; 1 leaves a
// spacing unchanged. Adjustments compound across signal changes.
type SpacingAdjustment struct {
	LongEntry   float64
	LongProfit  float64
	ShortEntry  float64
	ShortProfit float64
}

// Snapshot is a read-only view of engine state for the status API.
type Snapshot struct {
	LongPosition  float64  `json:"long_position"`
	ShortPosition float64  `json:"short_position"`
	Counters      Counters `json:"counters"`
	LongSpacing   float64  `json:"long_spacing"`
	ShortSpacing  float64  `json:"short_spacing"`
	LongProfit    float64  `json:"long_profit_spacing"`
	ShortProfit   float64  `json:"short_profit_spacing"`
}

// Engine owns the grid state for one symbol. All mutation happens under a
// single mutex: the tick path and the order-lifecycle path never interleave.
type Engine struct {
	gateway binance.Gateway
	cfg     Config
	logger  zerolog.Logger
	sink    TradeSink
	bus     *events.Bus

	mu            sync.Mutex
	longPosition  float64
	shortPosition float64
	counters      Counters

	longSpacing        float64 // long replenishment spacing
	shortSpacing       float64 // short replenishment spacing
	longProfitSpacing  float64
	shortProfitSpacing float64

	longQuantity  float64 // last sized long order quantity
	shortQuantity float64

	lastLongEntry  time.Time
	lastShortEntry time.Time
}

// NewEngine creates a grid engine. sink and bus may be nil.
func NewEngine(gateway binance.Gateway, cfg Config, sink TradeSink, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		gateway:            gateway,
		cfg:                cfg,
		logger:             logger.With().Str("component", "grid").Logger(),
		sink:               sink,
		bus:                bus,
		longSpacing:        cfg.GridSpacing,
		shortSpacing:       cfg.GridSpacing,
		longProfitSpacing:  cfg.GridSpacing,
		shortProfitSpacing: cfg.GridSpacing,
		longQuantity:       cfg.InitialQuantity,
		shortQuantity:      cfg.InitialQuantity,
	}
}

// SyncPosition replaces both position quantities from the gateway snapshot.
func (e *Engine) SyncPosition(ctx context.Context) error {
	longQty, shortQty, err := e.gateway.Position(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("position sync failed: %w", err)
	}

	e.mu.Lock()
	e.longPosition = longQty
	e.shortPosition = shortQty
	e.mu.Unlock()
	return nil
}

// SyncPendingOrders re-derives all four counters from the authoritative
// open-order list. It fully replaces the counters, never merges.
func (e *Engine) SyncPendingOrders(ctx context.Context) error {
	orders, err := e.gateway.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("order sync failed: %w", err)
	}

	var c Counters
	for _, o := range orders {
		qty := math.Abs(o.OrigQty)
		switch {
		case o.Side == binance.OrderSideBuy && o.PositionSide == binance.PositionSideLong:
			c.BuyLong += qty
		case o.Side == binance.OrderSideSell && o.PositionSide == binance.PositionSideLong:
			c.SellLong += qty
		case o.Side == binance.OrderSideBuy && o.PositionSide == binance.PositionSideShort:
			c.BuyShort += qty
		case o.Side == binance.OrderSideSell && o.PositionSide == binance.PositionSideShort:
			c.SellShort += qty
		}
	}

	e.mu.Lock()
	e.counters = c
	e.mu.Unlock()
	return nil
}

// CancelSide cancels the resting orders matching the side's semantic roles:
// entries (not reduce-only, entry direction) and take-profits (reduce-only,
// exit direction). On any cancel failure it falls back to a full resync so
// the counters cannot drift.
func (e *Engine) CancelSide(ctx context.Context, side Side) error {
	orders, err := e.gateway.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("cancel %s: listing orders failed: %w", side, err)
	}

	entrySide := binance.OrderSideBuy
	if side == SideShort {
		entrySide = binance.OrderSideSell
	}

	for _, o := range orders {
		if o.PositionSide != side.PositionSide() {
			continue
		}
		isEntry := !o.ReduceOnly && o.Side == entrySide
		isTakeProfit := o.ReduceOnly && o.Side == entrySide.Opposite()
		if !isEntry && !isTakeProfit {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, e.cfg.Symbol, o.OrderID); err != nil {
			e.logger.Error().Err(err).Int64("order_id", o.OrderID).Msg("cancel failed, forcing resync")
			return e.SyncPendingOrders(ctx)
		}
	}
	return nil
}

// sizeQuantity computes the take-profit quantity for a side's position:
// min(position, base), doubling the base once the position exceeds the
// position limit. The result also sizes replenishment orders.
func (e *Engine) sizeQuantity(position float64) float64 {
	base := e.cfg.InitialQuantity
	if position > e.cfg.PositionLimit {
		return math.Min(position, base*2)
	}
	return math.Min(position, base)
}

// Adjust runs one full adjustment cycle: the inventory risk valve first,
// then the per-side order pass.
func (e *Engine) Adjust(ctx context.Context, update binance.PriceUpdate) {
	e.ReduceOppositeExposure(ctx, update)
	e.AdjustSide(ctx, SideLong, update)
	e.AdjustSide(ctx, SideShort, update)
}

// AdjustSide is the per-tick decision function for one side.
func (e *Engine) AdjustSide(ctx context.Context, side Side, update binance.PriceUpdate) {
	e.mu.Lock()
	position := e.longPosition
	if side == SideShort {
		position = e.shortPosition
	}
	e.mu.Unlock()

	if position == 0 {
		if err := e.initializeEntry(ctx, side, update); err != nil {
			e.logger.Error().Err(err).Str("side", string(side)).Msg("entry initialization failed")
		}
		return
	}

	latest := (update.BidPrice + update.AskPrice) / 2

	if !e.countersConsistent(side, position) {
		if position < e.cfg.PositionThreshold {
			// Counters may just be stale; confirm against the gateway
			// before churning orders.
			if err := e.SyncPendingOrders(ctx); err != nil {
				e.logger.Error().Err(err).Msg("forced resync failed")
				return
			}
			if e.countersConsistent(side, position) {
				return
			}
		}
		if err := e.placeSideOrders(ctx, side, latest); err != nil {
			e.logger.Error().Err(err).Str("side", string(side)).Msg("order placement failed")
		}
	}
}

// countersConsistent reports whether both of the side's counters are within
// (0, sizedQty], i.e. exactly one replenishment and one take-profit rest.
func (e *Engine) countersConsistent(side Side, position float64) bool {
	sized := e.sizeQuantity(position)

	e.mu.Lock()
	defer e.mu.Unlock()
	var entry, takeProfit float64
	if side == SideLong {
		entry, takeProfit = e.counters.BuyLong, e.counters.SellLong
	} else {
		entry, takeProfit = e.counters.SellShort, e.counters.BuyShort
	}
	return entry > 0 && entry <= sized && takeProfit > 0 && takeProfit <= sized
}

// initializeEntry places the first entry order for a side with no position,
// at the best opposite-touch price, gated by the minimum placement interval.
func (e *Engine) initializeEntry(ctx context.Context, side Side, update binance.PriceUpdate) error {
	e.mu.Lock()
	last := e.lastLongEntry
	if side == SideShort {
		last = e.lastShortEntry
	}
	e.mu.Unlock()

	if time.Since(last) < e.cfg.OrderFirstTime {
		return nil
	}

	if err := e.CancelSide(ctx, side); err != nil {
		return err
	}

	price := update.BidPrice
	orderSide := binance.OrderSideBuy
	if side == SideShort {
		price = update.AskPrice
		orderSide = binance.OrderSideSell
	}

	if err := e.placeOrder(ctx, orderSide, side.PositionSide(), price, e.cfg.InitialQuantity, false); err != nil {
		return err
	}

	e.mu.Lock()
	if side == SideLong {
		e.lastLongEntry = time.Now()
	} else {
		e.lastShortEntry = time.Now()
	}
	e.mu.Unlock()

	e.logger.Info().Str("side", string(side)).Float64("price", price).Msg("entry order placed")
	return nil
}

// placeSideOrders replaces a side's resting orders: conservative mode above
// the position threshold, normal grid mode below it.
func (e *Engine) placeSideOrders(ctx context.Context, side Side, latest float64) error {
	e.mu.Lock()
	position, opposing := e.longPosition, e.shortPosition
	if side == SideShort {
		position, opposing = e.shortPosition, e.longPosition
	}
	e.mu.Unlock()

	if position <= 0 {
		return nil
	}

	sized := e.sizeQuantity(position)
	e.mu.Lock()
	if side == SideLong {
		e.longQuantity = sized
	} else {
		e.shortQuantity = sized
	}
	e.mu.Unlock()

	if position > e.cfg.PositionThreshold {
		return e.placeConservativeTakeProfit(ctx, side, position, opposing, sized, latest)
	}

	// Normal grid mode: rebuild both orders from the latest price.
	entrySpacing, profitSpacing := e.spacings(side)

	var profitPrice, entryPrice float64
	entryOrderSide := binance.OrderSideBuy
	if side == SideLong {
		profitPrice = latest * (1 + profitSpacing)
		entryPrice = latest * (1 - entrySpacing)
	} else {
		profitPrice = latest * (1 - profitSpacing)
		entryPrice = latest * (1 + entrySpacing)
		entryOrderSide = binance.OrderSideSell
	}

	if err := e.CancelSide(ctx, side); err != nil {
		return err
	}
	if err := e.placeTakeProfit(ctx, side, profitPrice, sized); err != nil {
		return err
	}
	if err := e.placeOrder(ctx, entryOrderSide, side.PositionSide(), entryPrice, sized, false); err != nil {
		return err
	}

	e.logger.Info().Str("side", string(side)).
		Float64("take_profit", profitPrice).Float64("replenish", entryPrice).
		Msg("grid orders placed")
	return nil
}

// placeConservativeTakeProfit suppresses replenishment and, when no
// take-profit rests, prices one from the imbalance between the two sides.
func (e *Engine) placeConservativeTakeProfit(ctx context.Context, side Side, position, opposing, sized, latest float64) error {
	e.mu.Lock()
	var resting float64
	if side == SideLong {
		resting = e.counters.SellLong
	} else {
		resting = e.counters.BuyShort
	}
	e.mu.Unlock()

	if resting > 0 {
		return nil
	}

	ratio := (position/math.Max(opposing, 1))/100 + 1
	profitPrice := latest * ratio
	if side == SideShort {
		profitPrice = latest / ratio
	}

	e.logger.Info().Str("side", string(side)).Float64("position", position).
		Float64("price", profitPrice).Msg("conservative take-profit")
	return e.placeTakeProfit(ctx, side, profitPrice, sized)
}

// ReduceOppositeExposure closes half of the smaller position on both sides
// when both exceed the position threshold, using limit orders priced 0.1%
// through the touch.
func (e *Engine) ReduceOppositeExposure(ctx context.Context, update binance.PriceUpdate) {
	e.mu.Lock()
	longPos, shortPos := e.longPosition, e.shortPosition
	e.mu.Unlock()

	if longPos <= e.cfg.PositionThreshold || shortPos <= e.cfg.PositionThreshold {
		return
	}

	reduceQty := math.Min(longPos, shortPos) * 0.5
	if reduceQty <= 0 {
		return
	}

	latest := (update.BidPrice + update.AskPrice) / 2
	sellPrice := latest * 0.999
	buyPrice := latest * 1.001

	e.logger.Warn().Float64("long", longPos).Float64("short", shortPos).
		Float64("reduce_qty", reduceQty).Msg("both sides above threshold, reducing exposure")

	if err := e.placeOrder(ctx, binance.OrderSideSell, binance.PositionSideLong, sellPrice, reduceQty, true); err != nil {
		e.logger.Error().Err(err).Msg("long reduction failed")
	}
	if err := e.placeOrder(ctx, binance.OrderSideBuy, binance.PositionSideShort, buyPrice, reduceQty, true); err != nil {
		e.logger.Error().Err(err).Msg("short reduction failed")
	}
}

// placeTakeProfit places a reduce-only order, skipping placement when an
// identical-priced take-profit already rests for the side.
func (e *Engine) placeTakeProfit(ctx context.Context, side Side, price, qty float64) error {
	rounded := e.gateway.RoundPrice(e.cfg.Symbol, price)

	orders, err := e.gateway.OpenOrders(ctx, e.cfg.Symbol)
	if err == nil {
		exitSide := binance.OrderSideSell
		if side == SideShort {
			exitSide = binance.OrderSideBuy
		}
		for _, o := range orders {
			if o.PositionSide == side.PositionSide() && o.Side == exitSide && o.Price == rounded {
				e.logger.Debug().Str("side", string(side)).Float64("price", rounded).
					Msg("take-profit at this price already rests, skipping")
				return nil
			}
		}
	}

	exitSide := binance.OrderSideSell
	if side == SideShort {
		exitSide = binance.OrderSideBuy
	}
	return e.placeOrder(ctx, exitSide, side.PositionSide(), price, qty, true)
}

func (e *Engine) placeOrder(ctx context.Context, orderSide binance.OrderSide, positionSide binance.PositionSide, price, qty float64, reduceOnly bool) error {
	params := binance.OrderParams{
		Symbol:           e.cfg.Symbol,
		Side:             orderSide,
		PositionSide:     positionSide,
		Type:             binance.OrderTypeLimit,
		Price:            e.gateway.RoundPrice(e.cfg.Symbol, price),
		Quantity:         e.gateway.RoundQuantity(e.cfg.Symbol, qty),
		TimeInForce:      binance.TimeInForceGTC,
		ReduceOnly:       reduceOnly,
		NewClientOrderID: "grid-" + uuid.New().String(),
	}

	order, err := e.gateway.PlaceOrder(ctx, params)
	if err != nil {
		return err
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventOrderPlaced,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"order_id":      order.OrderID,
				"side":          string(orderSide),
				"position_side": string(positionSide),
				"price":         params.Price,
				"quantity":      params.Quantity,
				"reduce_only":   reduceOnly,
			},
		})
	}
	return nil
}

// ApplySignal multiplies the current spacings by the adjustment factors.
// Factors compound: two consecutive doublings quadruple a spacing.
func (e *Engine) ApplySignal(adj SpacingAdjustment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.longSpacing *= nonZero(adj.LongEntry)
	e.longProfitSpacing *= nonZero(adj.LongProfit)
	e.shortSpacing *= nonZero(adj.ShortEntry)
	e.shortProfitSpacing *= nonZero(adj.ShortProfit)

	e.logger.Info().
		Float64("long_spacing", e.longSpacing).
		Float64("long_profit", e.longProfitSpacing).
		Float64("short_spacing", e.shortSpacing).
		Float64("short_profit", e.shortProfitSpacing).
		Msg("spacing adjustment applied")
}

// ResetSpacing restores all spacings to the configured base value.
func (e *Engine) ResetSpacing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.longSpacing = e.cfg.GridSpacing
	e.shortSpacing = e.cfg.GridSpacing
	e.longProfitSpacing = e.cfg.GridSpacing
	e.shortProfitSpacing = e.cfg.GridSpacing
}

func (e *Engine) spacings(side Side) (entry, profit float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if side == SideLong {
		return e.longSpacing, e.longProfitSpacing
	}
	return e.shortSpacing, e.shortProfitSpacing
}

// HandleOrderUpdate ingests one order-lifecycle event. The mutex guarantees
// concurrently delivered events cannot interleave counter updates. It
// returns true when the caller should schedule a full resync (terminal
// states).
func (e *Engine) HandleOrderUpdate(ctx context.Context, update binance.OrderUpdate) bool {
	if update.Symbol != e.cfg.Symbol {
		return false
	}

	e.mu.Lock()
	switch update.Status {
	case binance.OrderStatusNew:
		e.applyCounterDelta(update.Side, update.PositionSide, update.OrigQty-update.FilledQty)
	case binance.OrderStatusFilled:
		e.applyFill(update)
	case binance.OrderStatusCanceled, binance.OrderStatusExpired:
		e.applyCounterDelta(update.Side, update.PositionSide, -(update.OrigQty - update.FilledQty))
	}
	e.mu.Unlock()

	if update.Status == binance.OrderStatusFilled {
		if e.sink != nil {
			fill := Fill{
				Symbol:       update.Symbol,
				Side:         update.Side,
				PositionSide: update.PositionSide,
				ReduceOnly:   update.ReduceOnly,
				Price:        update.AvgPrice,
				Quantity:     update.FilledQty,
				OrderID:      update.OrderID,
				Time:         time.UnixMilli(update.EventTime),
			}
			if err := e.sink.RecordFill(ctx, fill); err != nil {
				e.logger.Warn().Err(err).Int64("order_id", update.OrderID).Msg("failed to record fill")
			}
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:      events.EventOrderFilled,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"order_id":      update.OrderID,
					"side":          string(update.Side),
					"position_side": string(update.PositionSide),
					"price":         update.AvgPrice,
					"quantity":      update.FilledQty,
				},
			})
		}
	}

	return update.Status.IsTerminal()
}

// applyFill adjusts position and counters for a completely filled order.
// Caller holds the mutex.
func (e *Engine) applyFill(update binance.OrderUpdate) {
	qty := update.FilledQty
	switch {
	case update.Side == binance.OrderSideBuy && update.PositionSide == binance.PositionSideLong:
		e.longPosition += qty
		e.counters.BuyLong = math.Max(0, e.counters.BuyLong-qty)
	case update.Side == binance.OrderSideSell && update.PositionSide == binance.PositionSideLong:
		e.longPosition = math.Max(0, e.longPosition-qty)
		e.counters.SellLong = math.Max(0, e.counters.SellLong-qty)
	case update.Side == binance.OrderSideSell && update.PositionSide == binance.PositionSideShort:
		e.shortPosition += qty
		e.counters.SellShort = math.Max(0, e.counters.SellShort-qty)
	case update.Side == binance.OrderSideBuy && update.PositionSide == binance.PositionSideShort:
		e.shortPosition = math.Max(0, e.shortPosition-qty)
		e.counters.BuyShort = math.Max(0, e.counters.BuyShort-qty)
	}
}

// applyCounterDelta adds (or removes, when negative) resting quantity.
// Caller holds the mutex.
func (e *Engine) applyCounterDelta(side binance.OrderSide, positionSide binance.PositionSide, delta float64) {
	switch {
	case side == binance.OrderSideBuy && positionSide == binance.PositionSideLong:
		e.counters.BuyLong = math.Max(0, e.counters.BuyLong+delta)
	case side == binance.OrderSideSell && positionSide == binance.PositionSideLong:
		e.counters.SellLong = math.Max(0, e.counters.SellLong+delta)
	case side == binance.OrderSideSell && positionSide == binance.PositionSideShort:
		e.counters.SellShort = math.Max(0, e.counters.SellShort+delta)
	case side == binance.OrderSideBuy && positionSide == binance.PositionSideShort:
		e.counters.BuyShort = math.Max(0, e.counters.BuyShort+delta)
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		LongPosition:  e.longPosition,
		ShortPosition: e.shortPosition,
		Counters:      e.counters,
		LongSpacing:   e.longSpacing,
		ShortSpacing:  e.shortSpacing,
		LongProfit:    e.longProfitSpacing,
		ShortProfit:   e.shortProfitSpacing,
	}
}

// Positions returns the tracked long and short quantities.
func (e *Engine) Positions() (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.longPosition, e.shortPosition
}

// ResetAfterFlatten zeroes all tracked state after an emergency flatten.
func (e *Engine) ResetAfterFlatten() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.longPosition = 0
	e.shortPosition = 0
	e.counters = Counters{}
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}
