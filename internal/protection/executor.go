package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-grid-bot/internal/binance"

	"github.com/rs/zerolog"
)

// Executor performs the emergency sequence against the exchange: cancel
// every open order, then flatten every non-zero position side with
// aggressively priced reduce-only limit orders.
type Executor struct {
	gateway binance.Gateway
	symbol  string
	logger  zerolog.Logger

	flattenOffset  float64 // fraction through the touch, e.g. 0.005
	flattenTimeout time.Duration
	pollInterval   time.Duration
}

// NewExecutor creates an emergency executor.
func NewExecutor(gateway binance.Gateway, symbol string, flattenOffset float64, flattenTimeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		gateway:        gateway,
		symbol:         symbol,
		logger:         logger.With().Str("component", "protection-executor").Logger(),
		flattenOffset:  flattenOffset,
		flattenTimeout: flattenTimeout,
		pollInterval:   time.Second,
	}
}

var _ EmergencyExecutor = (*Executor)(nil)

// Execute runs cancellation then flatten. It returns nil only when every
// cancellation succeeded and every flatten order reached a fill.
func (e *Executor) Execute(ctx context.Context) error {
	if err := e.cancelAll(ctx); err != nil {
		return err
	}
	return e.flattenAll(ctx)
}

// cancelAll fans out one cancellation per open order. Every failure is
// logged on its own; one failure fails the whole step.
func (e *Executor) cancelAll(ctx context.Context) error {
	orders, err := e.gateway.OpenOrders(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(orders))
	for i, order := range orders {
		wg.Add(1)
		go func(i int, orderID int64) {
			defer wg.Done()
			if err := e.gateway.CancelOrder(ctx, e.symbol, orderID); err != nil {
				e.logger.Error().Err(err).Int64("order_id", orderID).Msg("emergency cancel failed")
				errs[i] = err
			}
		}(i, order.OrderID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("emergency cancellation incomplete: %w", err)
		}
	}
	e.logger.Info().Int("count", len(orders)).Msg("all open orders cancelled")
	return nil
}

// flattenAll closes both position sides concurrently.
func (e *Executor) flattenAll(ctx context.Context) error {
	longQty, shortQty, err := e.gateway.Position(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	if longQty == 0 && shortQty == 0 {
		return nil
	}

	bid, ask, err := e.gateway.BookTicker(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("fetching book ticker: %w", err)
	}

	var wg sync.WaitGroup
	var longErr, shortErr error
	if longQty > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			longErr = e.flattenSide(ctx, binance.PositionSideLong, longQty, bid*(1-e.flattenOffset))
		}()
	}
	if shortQty > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shortErr = e.flattenSide(ctx, binance.PositionSideShort, shortQty, ask*(1+e.flattenOffset))
		}()
	}
	wg.Wait()

	if longErr != nil {
		return fmt.Errorf("long flatten: %w", longErr)
	}
	if shortErr != nil {
		return fmt.Errorf("short flatten: %w", shortErr)
	}
	return nil
}

// flattenSide places one reduce-only limit order priced through the touch
// and waits for a terminal status, polling once per interval.
func (e *Executor) flattenSide(ctx context.Context, positionSide binance.PositionSide, qty, price float64) error {
	side := binance.OrderSideSell
	if positionSide == binance.PositionSideShort {
		side = binance.OrderSideBuy
	}

	order, err := e.gateway.PlaceOrder(ctx, binance.OrderParams{
		Symbol:       e.symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         binance.OrderTypeLimit,
		Price:        e.gateway.RoundPrice(e.symbol, price),
		Quantity:     e.gateway.RoundQuantity(e.symbol, qty),
		TimeInForce:  binance.TimeInForceGTC,
		ReduceOnly:   true,
	})
	if err != nil {
		return fmt.Errorf("placing flatten order: %w", err)
	}

	e.logger.Warn().
		Str("position_side", string(positionSide)).
		Float64("quantity", qty).
		Float64("price", price).
		Int64("order_id", order.OrderID).
		Msg("flatten order placed")

	deadline := time.NewTimer(e.flattenTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("flatten order %d not filled within %s", order.OrderID, e.flattenTimeout)
		case <-ticker.C:
			current, err := e.gateway.GetOrder(ctx, e.symbol, order.OrderID)
			if err != nil {
				e.logger.Warn().Err(err).Int64("order_id", order.OrderID).Msg("flatten status poll failed")
				continue
			}
			if !current.Status.IsTerminal() {
				continue
			}
			if current.Status != binance.OrderStatusFilled {
				return fmt.Errorf("flatten order %d ended %s without filling", order.OrderID, current.Status)
			}
			e.logger.Info().Int64("order_id", order.OrderID).Msg("position flattened")
			return nil
		}
	}
}
